// Package statemachine implements the deterministic (AllocationState,
// Event) transition table that drives every device's allocation
// lifecycle, expressed as a two-level map (from-state -> event ->
// transition).
package statemachine

// AllocationState is the Fleet Manager's per-Record allocation state.
type AllocationState string

const (
	Unknown              AllocationState = "Unknown"
	CheckingAvailability AllocationState = "Checking_Availability"
	Available            AllocationState = "Available"
	Allocated            AllocationState = "Allocated"
	Unavailable          AllocationState = "Unavailable"
	Ignored              AllocationState = "Ignored"
)

// Event is an input to the state machine.
type Event string

const (
	ConnectedOnline       Event = "CONNECTED_ONLINE"
	ConnectedOffline      Event = "CONNECTED_OFFLINE"
	StateChangeOnline     Event = "STATE_CHANGE_ONLINE"
	StateChangeOffline    Event = "STATE_CHANGE_OFFLINE"
	LowLevelDetected      Event = "LOW_LEVEL_DETECTED"
	AvailableCheckPassed  Event = "AVAILABLE_CHECK_PASSED"
	AvailableCheckFailed  Event = "AVAILABLE_CHECK_FAILED"
	AvailableCheckIgnored Event = "AVAILABLE_CHECK_IGNORED"
	AllocateRequest       Event = "ALLOCATE_REQUEST"
	ForceAllocateRequest  Event = "FORCE_ALLOCATE_REQUEST"
	ForceAvailable        Event = "FORCE_AVAILABLE"
	ForceUnavailable      Event = "FORCE_UNAVAILABLE"
	FreeAvailable         Event = "FREE_AVAILABLE"
	FreeUnavailable       Event = "FREE_UNAVAILABLE"
	FreeUnresponsive      Event = "FREE_UNRESPONSIVE"
	FreeUnknown           Event = "FREE_UNKNOWN"
	Disconnected          Event = "DISCONNECTED"
)

// Transition is the handler for a single (from-state, event) pair.
type Transition struct {
	To AllocationState
}

// Table is the (from-state -> event -> transition) nesting.
type Table struct {
	byState map[AllocationState]map[Event]Transition
	// wildcard holds transitions that apply regardless of from-state
	// (the FORCE_* overrides).
	wildcard map[Event]Transition
}

// New builds the canonical transition table.
//
// DISCONNECTED while Allocated is deliberately absent: an allocated
// record disappearing from the bridge must not change allocation state
// out from under the invocation holding it; the free path reconciles it
// later via FREE_UNKNOWN. Apply treats any pair missing from both byState
// and wildcard as a no-op and reports stateChanged=false.
func New() *Table {
	t := &Table{
		byState: map[AllocationState]map[Event]Transition{
			Unknown: {
				ConnectedOnline:   {To: CheckingAvailability},
				StateChangeOnline: {To: CheckingAvailability},
				LowLevelDetected:  {To: Available},
			},
			CheckingAvailability: {
				AvailableCheckPassed:  {To: Available},
				AvailableCheckFailed:  {To: Unavailable},
				AvailableCheckIgnored: {To: Ignored},
			},
			Available: {
				AllocateRequest:      {To: Allocated},
				ForceAllocateRequest: {To: Allocated},
				StateChangeOffline:   {To: Unavailable},
				ConnectedOffline:     {To: Unavailable},
				Disconnected:         {To: Unknown},
			},
			Allocated: {
				FreeAvailable:    {To: CheckingAvailability},
				FreeUnavailable:  {To: Unavailable},
				FreeUnresponsive: {To: Unavailable},
				FreeUnknown:      {To: Unknown},
			},
			Unavailable: {
				StateChangeOnline: {To: CheckingAvailability},
				Disconnected:      {To: Unknown},
			},
		},
		wildcard: map[Event]Transition{
			ForceAvailable:   {To: Available},
			ForceUnavailable: {To: Unavailable},
		},
	}
	return t
}

// Apply computes the next state for (from, event). stateChanged is true iff
// the resolved to-state differs from from. An (state, event) pair with no
// matching row is a no-op: Apply returns (from, false).
func (t *Table) Apply(from AllocationState, event Event) (AllocationState, bool) {
	if row, ok := t.byState[from]; ok {
		if tr, ok := row[event]; ok {
			return tr.To, tr.To != from
		}
	}
	if tr, ok := t.wildcard[event]; ok {
		return tr.To, tr.To != from
	}
	return from, false
}

// Defined reports whether (from, event) has an explicit transition, as
// opposed to falling through to the no-op path.
func (t *Table) Defined(from AllocationState, event Event) bool {
	if row, ok := t.byState[from]; ok {
		if _, ok := row[event]; ok {
			return true
		}
	}
	_, ok := t.wildcard[event]
	return ok
}

// AllEvents lists every event the table knows about, for exhaustive
// property testing.
func AllEvents() []Event {
	return []Event{
		ConnectedOnline, ConnectedOffline, StateChangeOnline, StateChangeOffline,
		LowLevelDetected, AvailableCheckPassed, AvailableCheckFailed, AvailableCheckIgnored,
		AllocateRequest, ForceAllocateRequest, ForceAvailable, ForceUnavailable,
		FreeAvailable, FreeUnavailable, FreeUnresponsive, FreeUnknown, Disconnected,
	}
}

// AllStates lists every allocation state, for exhaustive property testing.
func AllStates() []AllocationState {
	return []AllocationState{Unknown, CheckingAvailability, Available, Allocated, Unavailable, Ignored}
}
