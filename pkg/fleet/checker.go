package fleet

import (
	"context"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/statemachine"
)

// batteryReadTimeout bounds the cached-battery read performed while
// refreshing a physical Record's descriptor. Selection must stay
// non-blocking, so the value is read once here and cached, never during
// an allocation scan.
const batteryReadTimeout = 500 * time.Millisecond

// onTransition is the Registry transition listener driving availability
// checks: every Record entering Checking_Availability gets a verdict event
// injected back. The global device filter short-circuits to IGNORED;
// placeholder slots have no underlying target to probe and pass
// synchronously; physical targets get a background readiness probe.
func (m *Manager) onTransition(rec *device.Record, from, to statemachine.AllocationState, event statemachine.Event) {
	if to != statemachine.CheckingAvailability {
		return
	}
	serial := rec.Serial()

	if m.admit != nil && !m.admit(serial) {
		m.registry.Transition(serial, statemachine.AvailableCheckIgnored)
		return
	}
	if rec.Kind().IsPlaceholder() {
		m.registry.Transition(serial, statemachine.AvailableCheckPassed)
		return
	}

	m.probeWG.Add(1)
	go func() {
		defer m.probeWG.Done()
		m.runAvailabilityCheck(rec)
	}()
}

func (m *Manager) runAvailabilityCheck(rec *device.Record) {
	serial := rec.Serial()
	readiness := rec.Readiness()
	if readiness == nil {
		m.registry.Transition(serial, statemachine.AvailableCheckFailed)
		return
	}

	ctx, cancel := context.WithTimeout(m.baseCtx, m.cfg.OnlineWaitTime+m.cfg.DeviceWaitTime)
	defer cancel()

	if err := readiness.ProbeAvailability(ctx); err != nil {
		klog.Warningf("fleet: availability check for %s failed: %v", serial, err)
		m.registry.Transition(serial, statemachine.AvailableCheckFailed)
		return
	}

	m.refreshDescriptor(ctx, rec)
	m.registry.Transition(serial, statemachine.AvailableCheckPassed)
}

// readBatteryTemperature scrapes the battery service dump for the
// temperature line, which reports tenths of a degree Celsius.
func (m *Manager) readBatteryTemperature(ctx context.Context, serial string) (int, bool) {
	out, err := m.client.ExecuteShell(ctx, serial, "dumpsys battery", batteryReadTimeout)
	if err != nil {
		return 0, false
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "temperature:") {
			continue
		}
		tenths, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "temperature:")))
		if err != nil {
			return 0, false
		}
		return tenths / 10, true
	}
	return 0, false
}

// refreshDescriptor reads the identity properties selection matches on
// (product, variant, build, SDK level, battery) into the Record's
// descriptor cache, so allocation scans never touch the bridge.
func (m *Manager) refreshDescriptor(ctx context.Context, rec *device.Record) {
	serial := rec.Serial()
	props := make(map[string]string)

	keys := append(append([]string(nil), device.ProductPropertyFallbacks...), device.VariantPropertyFallbacks...)
	keys = append(keys, "ro.build.id", "ro.build.version.sdk")
	for _, key := range keys {
		if _, done := props[key]; done {
			continue
		}
		val, err := m.client.GetProperty(ctx, serial, key)
		if err != nil {
			continue
		}
		props[key] = val
	}

	product, variant := device.ResolveProductVariant(props)
	sdk, sdkErr := strconv.Atoi(props["ro.build.version.sdk"])
	battery, batteryOK := m.client.GetBattery(ctx, serial, batteryReadTimeout)
	temp, tempOK := m.readBatteryTemperature(ctx, serial)

	rec.SetDescriptorFields(func(d *device.Descriptor) {
		d.Product = product
		d.Variant = variant
		d.BuildID = props["ro.build.id"]
		d.SDKLevel = sdk
		d.SDKValid = sdkErr == nil
		d.BatteryLevel = battery
		d.BatteryValid = batteryOK
		d.BatteryTemp = temp
		d.BatteryTempValid = tempOK
		if d.Properties == nil {
			d.Properties = make(map[string]string)
		}
		for k, v := range props {
			d.Properties[k] = v
		}
	})
}
