// Package usb specifies the host USB bus contract the recovery ladder
// depends on for its bus-reset escalation step. Like pkg/bridge, the
// implementation lives outside this repository; only the interface is
// specified here.
package usb

import "context"

// Bus resets the host USB endpoint a serial is attached through.
type Bus interface {
	// ResetDevice performs a USB bus reset on the port serial is attached
	// to. Implementations should return a plain error; the Recoverer logs
	// and treats any error as "reset unavailable, proceed to give-up".
	ResetDevice(ctx context.Context, serial string) error
}
