package device

import (
	"os"
	"sync"

	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/statemachine"
)

// OwnedResources holds the handles a materialized/launched Record owns
// exclusively: its spawned process, captured stdout, ephemeral port, and
// temp directory.
type OwnedResources struct {
	Process *os.Process
	Stdout  *os.File
	Port    int
	TempDir string

	// InstanceName is set once a virtual-device driver Create call reports
	// a live instance; empty means either never-launched or
	// launch-failed-midway, and Delete must not be invoked in either case.
	InstanceName string
}

// release closes/kills everything set, best-effort, and zeroes the struct.
func (o *OwnedResources) release(serial string) {
	if o.Process != nil {
		if err := o.Process.Kill(); err != nil && err != os.ErrProcessDone {
			klog.Warningf("device %s: failed to kill owned process: %v", serial, err)
		}
		o.Process = nil
	}
	if o.Stdout != nil {
		if err := o.Stdout.Close(); err != nil {
			klog.Warningf("device %s: failed to close owned stdout: %v", serial, err)
		}
		o.Stdout = nil
	}
	if o.TempDir != "" {
		if err := os.RemoveAll(o.TempDir); err != nil {
			klog.Warningf("device %s: failed to remove owned temp dir %s: %v", serial, o.TempDir, err)
		}
		o.TempDir = ""
	}
	o.Port = 0
	o.InstanceName = ""
}

// Record is the per-device mutable state tracked by the registry.
type Record struct {
	mu sync.Mutex

	serial string
	kind   Kind

	mode              Mode
	lowLevelUserspace bool // set by Registry.UpdateModeStates; distinguishes bootloader vs fastbootd for low-level-only Records.
	lowLevelDetected  bool // whether the most recent low-level poller sweep observed this serial at all.

	allocState statemachine.AllocationState
	table      *statemachine.Table

	descriptor Descriptor

	recovery  RecoveryStrategy
	readiness ReadinessMonitor

	owned OwnedResources
}

// New constructs a Record in AllocationState Unknown. table is shared across
// all Records in a Registry (it is pure data, safe for concurrent read).
func New(serial string, kind Kind, table *statemachine.Table) *Record {
	r := &Record{
		serial:     serial,
		kind:       kind,
		mode:       ModeNotAvailable,
		allocState: statemachine.Unknown,
		table:      table,
	}
	r.recomputeDescriptorLocked()
	return r
}

func (r *Record) Serial() string { return r.serial }
func (r *Record) Kind() Kind     { return r.kind }

// Mode returns the last mode reported by the bridge or the low-level
// poller, the only two sources that may set it.
func (r *Record) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// AllocationState returns the current allocation state.
func (r *Record) AllocationState() statemachine.AllocationState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocState
}

// HandleAllocationEvent delegates to the state machine under the Record's
// own lock, serializing all transitions for this serial, and updates the
// descriptor cache atomically with the transition so no partially-observed
// state leaks.
func (r *Record) HandleAllocationEvent(event statemachine.Event) (statemachine.AllocationState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	to, changed := r.table.Apply(r.allocState, event)
	from := r.allocState
	r.allocState = to
	if changed {
		r.recomputeDescriptorLocked()
		klog.V(2).Infof("device %s: %s --%s--> %s", r.serial, from, event, to)
	}
	return to, changed
}

// SetMode is called by the bridge listener (or the low-level poller via
// updateLowLevelLocked) and never blocks: it stores the mode, refreshes the
// descriptor, and fires the readiness monitor's non-blocking notification.
func (r *Record) SetMode(mode Mode) {
	r.mu.Lock()
	r.mode = mode
	r.recomputeDescriptorLocked()
	readiness := r.readiness
	r.mu.Unlock()

	if readiness != nil {
		readiness.NotifyModeChange(mode)
	}
}

// SetLowLevelUserspace records the fastbootd/bootloader classification the
// low-level poller assigns. The poller only calls this for serials it
// actually observed in a low-level mode, so the mode is overwritten
// unconditionally, and the readiness monitor is notified the same way
// SetMode notifies it: bootloader/fastbootd WaitForMode waiters are
// serviced by these notifications, not by the bridge.
func (r *Record) SetLowLevelUserspace(fastbootd bool) {
	r.mu.Lock()
	r.lowLevelUserspace = fastbootd
	if fastbootd {
		r.mode = ModeLowLevelUserspace
	} else {
		r.mode = ModeBootloader
	}
	r.recomputeDescriptorLocked()
	mode := r.mode
	readiness := r.readiness
	r.mu.Unlock()

	if readiness != nil {
		readiness.NotifyModeChange(mode)
	}
}

// LowLevelUserspace reports the last fastbootd/bootloader classification.
func (r *Record) LowLevelUserspace() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lowLevelUserspace
}

// SetLowLevelDetected records whether the most recent low-level poller
// sweep observed this serial at all.
func (r *Record) SetLowLevelDetected(detected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lowLevelDetected = detected
}

// LowLevelDetected reports the last value set by SetLowLevelDetected.
func (r *Record) LowLevelDetected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lowLevelDetected
}

// GetDescriptor returns the cached snapshot, O(1) beyond the copy itself.
func (r *Record) GetDescriptor(short bool) Descriptor {
	r.mu.Lock()
	d := r.descriptor
	r.mu.Unlock()
	if short {
		return d.Short()
	}
	return d
}

// SetDescriptorFields updates the mutable identity fields of the descriptor
// (product/variant/build/battery/sdk/properties), called by discovery code
// once it has read the device's reported properties, not by the state
// machine.
func (r *Record) SetDescriptorFields(fn func(d *Descriptor)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.descriptor)
	r.descriptor.Serial = r.serial
	r.descriptor.Kind = r.kind
	r.descriptor.Mode = r.mode
	r.descriptor.AllocationState = r.allocState
}

func (r *Record) recomputeDescriptorLocked() {
	r.descriptor.Serial = r.serial
	r.descriptor.Kind = r.kind
	r.descriptor.Mode = r.mode
	r.descriptor.AllocationState = r.allocState
}

// SetRecovery atomically swaps the recovery strategy.
func (r *Record) SetRecovery(strategy RecoveryStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovery = strategy
}

// Recovery returns the current recovery strategy, or nil if none is set.
func (r *Record) Recovery() RecoveryStrategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recovery
}

// SetReadiness atomically swaps the readiness monitor handle.
func (r *Record) SetReadiness(monitor ReadinessMonitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readiness = monitor
}

// Readiness returns the current readiness monitor, or nil if none is set.
func (r *Record) Readiness() ReadinessMonitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readiness
}

// SetOwned replaces the owned-resources handle wholesale (used right after
// launching an emulator/virtual device).
func (r *Record) SetOwned(owned OwnedResources) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owned = owned
}

// Owned returns a copy of the owned-resources handle.
func (r *Record) Owned() OwnedResources {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owned
}

// StopOnTerm releases owned resources. Safe to call more than once.
func (r *Record) StopOnTerm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owned.release(r.serial)
}
