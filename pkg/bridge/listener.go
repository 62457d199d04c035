package bridge

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/registry"
	"github.com/example/devicefleet/pkg/statemachine"
)

// fleetRegistry is the subset of *registry.Registry the Bridge Listener
// needs, kept as an interface so tests can substitute a fake without
// standing up a real Registry.
type fleetRegistry interface {
	FindOrCreate(serial string, kind device.Kind) *device.Record
	Get(serial string) (*device.Record, bool)
	Transition(serial string, event statemachine.Event) (statemachine.AllocationState, bool, bool)
}

var _ fleetRegistry = (*registry.Registry)(nil)

// Devicelistener receives connect/disconnect/state-change callbacks from
// the debug-bridge client and injects corresponding events into the
// Registry. Each callback is dispatched on its own goroutine so the
// bridge's calling thread never blocks on registry work; per-serial
// ordering comes from the Record's own mutex, reached through
// Registry.Transition.
type Devicelistener struct {
	reg fleetRegistry

	firstSeenOnce sync.Once
	firstSeen     chan struct{}
}

// NewListener constructs a Devicelistener bound to reg.
func NewListener(reg fleetRegistry) *Devicelistener {
	return &Devicelistener{
		reg:       reg,
		firstSeen: make(chan struct{}),
	}
}

// FirstDeviceSeen returns the startup-synchronization latch, released by
// the first ONLINE transition.
func (l *Devicelistener) FirstDeviceSeen() <-chan struct{} {
	return l.firstSeen
}

func (l *Devicelistener) releaseFirstSeen() {
	l.firstSeenOnce.Do(func() { close(l.firstSeen) })
}

// Connected implements Listener. mode is the transport mode the bridge
// reported at connect time; a device can connect already offline.
func (l *Devicelistener) Connected(serial string, mode Mode) {
	go l.safeDispatch(serial, func() {
		r := l.reg.FindOrCreate(serial, device.KindPhysical)
		r.SetMode(toDeviceMode(mode))

		event := statemachine.ConnectedOffline
		if mode == Mode(device.ModeOnline) {
			event = statemachine.ConnectedOnline
		}
		_, changed, _ := l.reg.Transition(serial, event)
		if changed && event == statemachine.ConnectedOnline {
			l.releaseFirstSeen()
		}
	})
}

// Disconnected implements Listener.
func (l *Devicelistener) Disconnected(serial string) {
	go l.safeDispatch(serial, func() {
		if r, ok := l.reg.Get(serial); ok {
			r.SetMode(device.ModeNotAvailable)
		}
		l.reg.Transition(serial, statemachine.Disconnected)
	})
}

// Changed implements Listener: the state mask maps the new protocol mode
// to {ONLINE, OFFLINE, UNAUTHORIZED} and the corresponding event.
func (l *Devicelistener) Changed(serial string, mask StateMask) {
	go l.safeDispatch(serial, func() {
		r := l.reg.FindOrCreate(serial, device.KindPhysical)
		r.SetMode(mask.deviceMode())

		event := statemachine.StateChangeOffline
		if mask == MaskOnline {
			event = statemachine.StateChangeOnline
		}
		_, changed, _ := l.reg.Transition(serial, event)
		if changed && mask == MaskOnline {
			l.releaseFirstSeen()
		}
	})
}

// safeDispatch runs fn, swallowing panics so a single malformed callback
// can never bring down the bridge's calling thread. The failure is logged
// and the Record is forced to Unavailable regardless of its current state.
func (l *Devicelistener) safeDispatch(serial string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			klog.Errorf("bridge listener: callback for %s panicked: %v", serial, rec)
			l.reg.Transition(serial, statemachine.ForceUnavailable)
		}
	}()
	fn()
}

func toDeviceMode(m Mode) device.Mode {
	return device.Mode(m)
}

func (m StateMask) deviceMode() device.Mode {
	switch m {
	case MaskOnline:
		return device.ModeOnline
	case MaskUnauthorized:
		return device.ModeUnauthorized
	default:
		return device.ModeOffline
	}
}
