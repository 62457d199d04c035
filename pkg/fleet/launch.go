package fleet

import (
	"context"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/virtual"
)

// launchVirtual spins up the backing instance for a freshly allocated
// virtual Record. Placeholder allocations never block on launch failures:
// a failed create is logged, the slot is handed out anyway, and the free
// path knows from the empty InstanceName that there is nothing to delete.
func (m *Manager) launchVirtual(ctx context.Context, rec *device.Record) {
	if m.virtDrv == nil {
		return
	}

	d := rec.GetDescriptor(false)
	opts := virtual.CreateOptions{
		KnownIPHost: d.Properties["known-ip"],
		User:        d.Properties["user"],
	}
	if raw := d.Properties["device-num-offset"]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			opts.DeviceNumOffset = n
		}
	}

	report, err := m.virtDrv.Create(ctx, rec.Serial(), opts)
	switch virtual.StateFor(report, err) {
	case virtual.Running:
		rec.SetOwned(device.OwnedResources{
			Port:         report.Port,
			InstanceName: report.InstanceName,
		})
		klog.Infof("fleet: %s: launched virtual instance %s on %s:%d",
			rec.Serial(), report.InstanceName, report.Host, report.Port)
	default:
		klog.Warningf("fleet: %s: virtual instance launch failed: %v", rec.Serial(), err)
	}
}
