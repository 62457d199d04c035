package recovery

import (
	"context"

	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/ftlerr"
)

// AbortWithReason is the cancellation primitive for hard termination:
// once installed in a Record via SetRecovery, every subsequent recovery
// call raises AllocationCancelled with the configured message, so
// in-flight tests fail fast instead of waiting out their budgets.
type AbortWithReason struct {
	Reason string
}

var _ device.RecoveryStrategy = (*AbortWithReason)(nil)

func (a *AbortWithReason) Name() string { return "abort" }

func (a *AbortWithReason) cancelled() error {
	return ftlerr.New(ftlerr.AllocationCancelled, "aborted test session: %s", a.Reason)
}

func (a *AbortWithReason) RecoverToOnline(ctx context.Context, rec *device.Record) error {
	return a.cancelled()
}

func (a *AbortWithReason) RecoverToBootloader(ctx context.Context, rec *device.Record) error {
	return a.cancelled()
}

func (a *AbortWithReason) RecoverToRecoveryMode(ctx context.Context, rec *device.Record) error {
	return a.cancelled()
}

func (a *AbortWithReason) RecoverToLowLevelUserspace(ctx context.Context, rec *device.Record) error {
	return a.cancelled()
}
