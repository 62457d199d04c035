package fleet

import (
	"fmt"
	"strconv"

	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/statemachine"
)

// seedPlaceholders creates the configured placeholder pools. Each slot is
// forced straight to Available: a placeholder has no underlying device to
// probe, so its capacity is usable from the moment the pool exists.
func (m *Manager) seedPlaceholders() {
	for i := 0; i < m.cfg.MaxNullDevices; i++ {
		m.seedOne(device.KindNull, fmt.Sprintf("null-device-%d", i))
	}
	for i := 0; i < m.cfg.MaxEmulators; i++ {
		m.seedOne(device.KindEmulatorSlot, fmt.Sprintf("emulator-%d", i))
	}
	for i := 0; i < m.cfg.MaxLocalVirtual; i++ {
		m.seedOne(device.KindVirtualLocal, fmt.Sprintf("virtual-local-%d", i))
	}
	for i := 0; i < m.cfg.MaxGCEDevices; i++ {
		m.seedOne(device.KindVirtualRemoteGCE, fmt.Sprintf("virtual-gce-%d", i))
	}
	for i := 0; i < m.cfg.MaxRemoteDevices; i++ {
		m.seedOne(device.KindVirtualRemoteKnown, fmt.Sprintf("virtual-remote-%d", i))
	}
	for _, known := range m.cfg.KnownIPPools {
		serial := fmt.Sprintf("known-ip-%s-%d", known.Host, known.DeviceNumOffset)
		rec := m.registry.FindOrCreate(serial, device.KindVirtualRemoteKnown)
		rec.SetDescriptorFields(func(d *device.Descriptor) {
			if d.Properties == nil {
				d.Properties = make(map[string]string)
			}
			d.Properties["known-ip"] = known.Host
			d.Properties["user"] = known.User
			d.Properties["device-num-offset"] = strconv.Itoa(known.DeviceNumOffset)
		})
		m.registry.Transition(serial, statemachine.ForceAvailable)
	}
}

func (m *Manager) seedOne(kind device.Kind, serial string) {
	m.registry.FindOrCreate(serial, kind)
	m.registry.Transition(serial, statemachine.ForceAvailable)
}

// newEphemeralNullSerial names the throwaway null Record backing a
// temporary allocation.
func newEphemeralNullSerial(id string) string {
	return "temp-null-" + id
}
