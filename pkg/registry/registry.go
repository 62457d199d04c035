// Package registry implements the ordered device collection at the heart
// of the fleet manager. The Registry is the sole mutator of allocation
// state: discovery sources, the allocator, and the free path all funnel
// their events through it, and it serializes them per serial through each
// Record's own monitor.
package registry

import (
	"sort"
	"sync"

	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/ftlerr"
	"github.com/example/devicefleet/pkg/selection"
	"github.com/example/devicefleet/pkg/statemachine"
)

// Factory constructs a new Record for a serial first observed with the
// given Kind.
type Factory func(serial string, kind device.Kind) *device.Record

// TransitionListener observes completed allocation-state transitions.
// Listeners run outside the Registry lock, so they may call back into the
// Registry (including injecting follow-up events for the same serial).
type TransitionListener func(rec *device.Record, from, to statemachine.AllocationState, event statemachine.Event)

// Registry is an ordered map from serial to Record plus the event surface
// that mutates allocation state.
type Registry struct {
	mu      sync.Mutex
	table   *statemachine.Table
	factory Factory

	bySerial map[string]*device.Record
	order    []string // insertion order, used for deterministic Allocate scans.

	lmu       sync.Mutex
	listeners []TransitionListener
}

// New builds an empty Registry.
func New(table *statemachine.Table, factory Factory) *Registry {
	return &Registry{
		table:    table,
		factory:  factory,
		bySerial: make(map[string]*device.Record),
	}
}

// AddTransitionListener registers l to observe every state change applied
// through Transition.
func (reg *Registry) AddTransitionListener(l TransitionListener) {
	reg.lmu.Lock()
	defer reg.lmu.Unlock()
	reg.listeners = append(reg.listeners, l)
}

func (reg *Registry) notify(rec *device.Record, from, to statemachine.AllocationState, event statemachine.Event) {
	reg.lmu.Lock()
	snap := append([]TransitionListener(nil), reg.listeners...)
	reg.lmu.Unlock()
	for _, l := range snap {
		l(rec, from, to, event)
	}
}

// FindOrCreate returns the existing Record for serial, or constructs one via
// the configured factory and inserts it atomically. Returns the same
// instance for the same serial across the process lifetime.
func (reg *Registry) FindOrCreate(serial string, kind device.Kind) *device.Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.findOrCreateLocked(serial, kind)
}

func (reg *Registry) findOrCreateLocked(serial string, kind device.Kind) *device.Record {
	if r, ok := reg.bySerial[serial]; ok {
		return r
	}
	r := reg.factory(serial, kind)
	reg.bySerial[serial] = r
	reg.order = append(reg.order, serial)
	klog.V(2).Infof("registry: created record %s (kind=%s)", serial, kind)
	return r
}

// Get returns the Record for serial, if any.
func (reg *Registry) Get(serial string) (*device.Record, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.bySerial[serial]
	return r, ok
}

// Remove deletes a Record entirely. Used for temporary null Records, which
// are destroyed rather than returned to a pool when freed.
func (reg *Registry) Remove(serial string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.bySerial[serial]; !ok {
		return
	}
	delete(reg.bySerial, serial)
	for i, s := range reg.order {
		if s == serial {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
}

// Transition applies event to the named Record's state machine and notifies
// transition listeners once the Registry lock is released. The second
// return value reports whether the state changed; the third reports
// whether the serial was known at all.
func (reg *Registry) Transition(serial string, event statemachine.Event) (statemachine.AllocationState, bool, bool) {
	reg.mu.Lock()
	r, ok := reg.bySerial[serial]
	if !ok {
		reg.mu.Unlock()
		return statemachine.Unknown, false, false
	}
	from := r.AllocationState()
	to, changed := r.HandleAllocationEvent(event)
	reg.mu.Unlock()

	if changed {
		reg.notify(r, from, to, event)
	}
	return to, changed, true
}

// Allocate scans the Available set under a single lock in deterministic
// (insertion) order; for the first Record that satisfies the predicate, it
// performs the ALLOCATE_REQUEST transition and returns the Record. Two
// concurrent allocators can never receive the same Record: the scan, the
// predicate evaluation, and the transition all happen under the Registry
// lock. Returns nil plus the predicate's per-serial reject reasons when
// nothing matched.
func (reg *Registry) Allocate(criteria selection.Criteria) (*device.Record, map[string]map[string]string, string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	pred := selection.NewPredicate(criteria)
	reasons := make(map[string]map[string]string)

	for _, serial := range reg.order {
		r := reg.bySerial[serial]
		if r.AllocationState() != statemachine.Available {
			continue
		}
		ok, why := pred.Evaluate(r.GetDescriptor(false))
		if !ok {
			if why != nil {
				reasons[serial] = why
			}
			continue
		}
		to, changed := r.HandleAllocationEvent(statemachine.AllocateRequest)
		if to != statemachine.Allocated || !changed {
			// Another path changed the record between the Available check
			// and the transition (cannot happen while holding reg.mu, but
			// defensively skip rather than hand back a non-Allocated record).
			continue
		}
		klog.Infof("registry: allocated %s", serial)
		return r, reasons, ""
	}
	return nil, reasons, pred.TopLevelReason()
}

// ForceAllocate bypasses the predicate entirely.
func (reg *Registry) ForceAllocate(serial string) (*device.Record, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.bySerial[serial]
	if !ok {
		return nil, ftlerr.New(ftlerr.SelectionMismatch, "no such device %s", serial)
	}
	to, _ := r.HandleAllocationEvent(statemachine.ForceAllocateRequest)
	if to != statemachine.Allocated {
		return nil, ftlerr.New(ftlerr.SelectionMismatch, "device %s could not be force-allocated (state=%s)", serial, to)
	}
	return r, nil
}

// UpdateModeStates is invoked by the low-level poller once per
// classification pass (bootloader, then fastbootd) with the full set of
// serials observed in that mode this sweep. Records of the matching class
// absent from the set have their detected flag cleared; serials not yet
// known are created as low-level-only Records, subject to the admit filter.
// Returns the Records newly created this call, so the caller can notify
// listeners outside any lock.
func (reg *Registry) UpdateModeStates(serials []string, fastbootd bool, admit func(string) bool) []*device.Record {
	set := make(map[string]bool, len(serials))
	for _, s := range serials {
		set[s] = true
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, serial := range reg.order {
		r := reg.bySerial[serial]
		if r.Kind() != device.KindLowLevelOnly {
			continue
		}
		if r.LowLevelUserspace() != fastbootd {
			continue
		}
		if !set[serial] {
			r.SetLowLevelDetected(false)
		}
	}

	var created []*device.Record
	for _, serial := range serials {
		r, ok := reg.bySerial[serial]
		if !ok {
			if admit != nil && !admit(serial) {
				continue
			}
			r = reg.findOrCreateLocked(serial, device.KindLowLevelOnly)
			created = append(created, r)
		}
		r.SetLowLevelUserspace(fastbootd)
		r.SetLowLevelDetected(true)
		if r.AllocationState() == statemachine.Unknown {
			r.HandleAllocationEvent(statemachine.LowLevelDetected)
		}
	}
	return created
}

// Snapshot returns a point-in-time slice of every Record, in insertion
// order.
func (reg *Registry) Snapshot() []*device.Record {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*device.Record, 0, len(reg.order))
	for _, serial := range reg.order {
		out = append(out, reg.bySerial[serial])
	}
	return out
}

// CountByState returns how many Records of a given Kind currently sit in
// state.
func (reg *Registry) CountByState(kind device.Kind, state statemachine.AllocationState) int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n := 0
	for _, serial := range reg.order {
		r := reg.bySerial[serial]
		if r.Kind() == kind && r.AllocationState() == state {
			n++
		}
	}
	return n
}

// SortedBy orders records by mode then serial, the order the list-devices
// table renders.
func SortedBy(records []*device.Record) []*device.Record {
	out := append([]*device.Record(nil), records...)
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].GetDescriptor(true), out[j].GetDescriptor(true)
		if di.Mode != dj.Mode {
			return di.Mode < dj.Mode
		}
		return di.Serial < dj.Serial
	})
	return out
}
