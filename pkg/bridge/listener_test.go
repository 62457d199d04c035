package bridge

import (
	"testing"
	"time"

	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/registry"
	"github.com/example/devicefleet/pkg/statemachine"
)

func newTestRegistry() *registry.Registry {
	return registry.New(statemachine.New(), func(serial string, kind device.Kind) *device.Record {
		return device.New(serial, kind, statemachine.New())
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestListener_ConnectedOfflineThenOnline(t *testing.T) {
	// A device can connect offline and only later flip online.
	reg := newTestRegistry()
	l := NewListener(reg)

	l.Connected("ABC123", Mode(device.ModeOffline))
	waitFor(t, func() bool {
		r, ok := reg.Get("ABC123")
		return ok && r.Mode() == device.ModeOffline
	})
	r, _ := reg.Get("ABC123")
	if r.AllocationState() != statemachine.Unknown {
		t.Fatalf("state = %s, want Unknown after offline connect", r.AllocationState())
	}

	select {
	case <-l.FirstDeviceSeen():
		t.Fatal("first-device-seen latch released before any ONLINE transition")
	default:
	}

	l.Changed("ABC123", MaskOnline)
	waitFor(t, func() bool {
		return r.AllocationState() == statemachine.CheckingAvailability
	})

	select {
	case <-l.FirstDeviceSeen():
	default:
		t.Fatal("first-device-seen latch not released after ONLINE transition")
	}
}

func TestListener_Disconnected(t *testing.T) {
	reg := newTestRegistry()
	l := NewListener(reg)

	r := reg.FindOrCreate("D1", device.KindPhysical)
	r.HandleAllocationEvent(statemachine.ConnectedOnline)
	r.HandleAllocationEvent(statemachine.AvailableCheckPassed)

	l.Disconnected("D1")
	waitFor(t, func() bool { return r.AllocationState() == statemachine.Unknown })
	if r.Mode() != device.ModeNotAvailable {
		t.Fatalf("mode = %s, want not-available after disconnect", r.Mode())
	}
}
