package device

import "context"

// RecoveryStrategy is the capability set a Record's recovery handle
// implements. Concrete variants (wait+reboot+usb-reset, abort-with-reason)
// live in pkg/recovery, which depends on this package rather than the
// reverse.
type RecoveryStrategy interface {
	// Name identifies the strategy for logging (e.g. "wait-reboot-usb-reset",
	// "abort").
	Name() string
	RecoverToOnline(ctx context.Context, rec *Record) error
	RecoverToBootloader(ctx context.Context, rec *Record) error
	RecoverToRecoveryMode(ctx context.Context, rec *Record) error
	RecoverToLowLevelUserspace(ctx context.Context, rec *Record) error
}

// ReadinessMonitor is the capability set a Record's readiness handle
// implements. The concrete implementation lives in pkg/readiness, which
// depends on this package rather than the reverse.
type ReadinessMonitor interface {
	// NotifyModeChange is called by SetMode on the bridge listener's
	// dispatch path; it must never block.
	NotifyModeChange(mode Mode)
	// WaitForMode blocks until the device's protocol mode equals target or
	// ctx expires.
	WaitForMode(ctx context.Context, target Mode) error
	// ProbeAvailability runs the ordered readiness probes (shell-responsive,
	// boot-complete, external-storage-mounted) and returns nil once the
	// Record is ready, or a typed ftlerr.Error on fatal rejection.
	ProbeAvailability(ctx context.Context) error
}
