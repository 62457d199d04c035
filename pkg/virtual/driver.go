// Package virtual defines the contract for the external virtual-device
// spawn tooling (a CLI invoked with "create ..." / "delete
// --instance-names ..."). The tooling itself lives outside this
// repository; this package holds the Driver interface the fleet manager
// depends on plus the report-file shape its launch path parses, the same
// interface-only treatment pkg/usb.Bus gives its collaborator.
package virtual

import "context"

// Driver is the external virtual-device driver contract.
type Driver interface {
	// Create launches one virtual device instance and returns its report.
	Create(ctx context.Context, serial string, opts CreateOptions) (*Report, error)
	// Delete tears down a previously created instance by name. Callers
	// must not invoke Delete for an instance whose Report was never
	// obtained; see LaunchState below.
	Delete(ctx context.Context, instanceName string) error
}

// CreateOptions carries the handful of knobs the virtual-device driver's
// "create" subcommand accepts for the kinds this system seeds
// placeholders for (virtual-local, virtual-remote-known-ip,
// virtual-remote-gce).
type CreateOptions struct {
	KnownIPHost     string
	User            string
	DeviceNumOffset int
}

// LogFile is one entry of a Report's "logs" array.
type LogFile struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Report is the JSON report file the virtual-device driver's "create"
// invocation writes.
type Report struct {
	Status       string    `json:"status"`
	InstanceName string    `json:"instance_name"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Errors       []string  `json:"errors"`
	Logs         []LogFile `json:"logs"`
}

// Succeeded reports whether the driver considers the instance running.
func (r *Report) Succeeded() bool {
	return r != nil && r.Status == "SUCCESS"
}

// LaunchState distinguishes the three teardown cases so the free path
// knows whether a Delete call is owed: never-launched and
// launch-failed-midway skip it, running requires it.
type LaunchState int

const (
	// NeverLaunched: Create was never called for this Record. Delete must
	// not be invoked.
	NeverLaunched LaunchState = iota
	// LaunchFailedMidway: Create was called but returned no usable Report
	// (error, or a Report with no InstanceName): nothing to tear down on
	// the driver side, but any partial local state must still be cleaned
	// up by the caller.
	LaunchFailedMidway
	// Running: Create returned a Report naming a live instance. Delete
	// must be invoked on free/terminate.
	Running
)

// StateFor classifies a (Report, error) pair returned from Create into a
// LaunchState, so callers know whether Delete is safe to invoke.
func StateFor(report *Report, createErr error) LaunchState {
	if createErr != nil || report == nil || report.InstanceName == "" {
		return LaunchFailedMidway
	}
	if !report.Succeeded() {
		return LaunchFailedMidway
	}
	return Running
}
