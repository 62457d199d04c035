// Package recovery implements per-device recovery: the
// wait/reboot/USB-reset escalation ladder, the abort strategy installed
// at hard termination, and the periodic multi-device recovery sweep.
package recovery

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/bridge"
	"github.com/example/devicefleet/pkg/config"
	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/ftlerr"
	"github.com/example/devicefleet/pkg/usb"
)

// initialPause is the settle time before the to-online ladder starts
// escalating; transient disconnects usually clear within it.
const initialPause = 5 * time.Second

// WaitRebootUSBReset is the default device.RecoveryStrategy: the
// wait/reboot/USB-reset/give-up escalation ladder.
type WaitRebootUSBReset struct {
	client bridge.Client
	bus    usb.Bus
	cfg    config.Options
}

// NewWaitRebootUSBReset constructs the default recovery strategy.
func NewWaitRebootUSBReset(client bridge.Client, bus usb.Bus, cfg config.Options) *WaitRebootUSBReset {
	return &WaitRebootUSBReset{client: client, bus: bus, cfg: cfg}
}

var _ device.RecoveryStrategy = (*WaitRebootUSBReset)(nil)

func (w *WaitRebootUSBReset) Name() string { return "wait-reboot-usb-reset" }

// RecoverToOnline runs the escalation ladder. Calling it again on an
// already-online, responsive Record is a no-op beyond the battery
// post-check: no extra reboots are issued.
func (w *WaitRebootUSBReset) RecoverToOnline(ctx context.Context, rec *device.Record) error {
	if rec.Mode() == device.ModeOnline {
		if err := w.waitResponsive(ctx, rec); err == nil {
			return w.postSuccessCheck(ctx, rec)
		}
	}

	select {
	case <-time.After(initialPause):
	case <-ctx.Done():
		return ftlerr.Wrap(ftlerr.AllocationCancelled, ctx.Err(), "recovery of %s cancelled during initial pause", rec.Serial())
	}

	if rec.Mode().IsLowLevel() {
		if err := w.client.Reboot(ctx, rec.Serial(), ""); err != nil {
			klog.Warningf("recovery %s: reboot out of low-level mode failed: %v", rec.Serial(), err)
		}
	}

	if err := w.waitOnlineAndResponsive(ctx, rec); err == nil {
		return w.postSuccessCheck(ctx, rec)
	}

	if !w.cfg.DisableUnresponsiveReboot && rec.Mode() == device.ModeOnline {
		if err := w.client.Reboot(ctx, rec.Serial(), ""); err != nil {
			klog.Warningf("recovery %s: reboot-while-online failed: %v", rec.Serial(), err)
		}
		if err := w.waitOnlineAndResponsive(ctx, rec); err == nil {
			return w.postSuccessCheck(ctx, rec)
		}
	}

	if !w.cfg.DisableUSBReset && w.canUSBReset(rec) {
		if err := w.bus.ResetDevice(ctx, rec.Serial()); err != nil {
			klog.Warningf("recovery %s: USB reset failed: %v", rec.Serial(), err)
		} else if err := w.waitOnlineAndResponsive(ctx, rec); err == nil {
			return w.postSuccessCheck(ctx, rec)
		}
	}

	if rec.Mode() == device.ModeRecovery {
		if err := w.client.Reboot(ctx, rec.Serial(), ""); err != nil {
			klog.Warningf("recovery %s: reboot out of recovery-mode failed: %v", rec.Serial(), err)
		}
		if err := w.waitOnlineAndResponsive(ctx, rec); err == nil {
			return w.postSuccessCheck(ctx, rec)
		}
	}

	id := uuid.NewString()
	return ftlerr.New(ftlerr.DeviceUnavailable, "device %s exhausted recovery (id=%s)", rec.Serial(), id)
}

// RecoverToBootloader, RecoverToRecoveryMode, and
// RecoverToLowLevelUserspace are the directed-mode variants: issue the
// matching reboot and wait for the target protocol mode, with no
// escalation ladder.
func (w *WaitRebootUSBReset) RecoverToBootloader(ctx context.Context, rec *device.Record) error {
	return w.recoverToMode(ctx, rec, "bootloader", device.ModeBootloader, w.cfg.BootloaderWaitTime)
}

func (w *WaitRebootUSBReset) RecoverToRecoveryMode(ctx context.Context, rec *device.Record) error {
	return w.recoverToMode(ctx, rec, "recovery", device.ModeRecovery, w.cfg.DeviceWaitTime)
}

func (w *WaitRebootUSBReset) RecoverToLowLevelUserspace(ctx context.Context, rec *device.Record) error {
	return w.recoverToMode(ctx, rec, "fastboot", device.ModeLowLevelUserspace, w.cfg.FastbootWaitTime)
}

func (w *WaitRebootUSBReset) recoverToMode(ctx context.Context, rec *device.Record, rebootMode string, target device.Mode, budget time.Duration) error {
	if rec.Mode() == target {
		return nil
	}
	if err := w.client.Reboot(ctx, rec.Serial(), rebootMode); err != nil {
		return ftlerr.Wrap(ftlerr.DeviceUnresponsive, err, "device %s: reboot to %s failed", rec.Serial(), rebootMode)
	}
	readiness := rec.Readiness()
	if readiness == nil {
		return ftlerr.New(ftlerr.DeviceUnresponsive, "device %s has no readiness monitor", rec.Serial())
	}
	waitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return readiness.WaitForMode(waitCtx, target)
}

// waitOnlineAndResponsive is step 3/4 of the ladder: wait up to
// OnlineWaitTime for ONLINE, then up to DeviceWaitTime for functional
// readiness.
func (w *WaitRebootUSBReset) waitOnlineAndResponsive(ctx context.Context, rec *device.Record) error {
	readiness := rec.Readiness()
	if readiness == nil {
		return ftlerr.New(ftlerr.DeviceUnresponsive, "device %s has no readiness monitor", rec.Serial())
	}
	onlineCtx, cancel := context.WithTimeout(ctx, w.cfg.OnlineWaitTime)
	defer cancel()
	if err := readiness.WaitForMode(onlineCtx, device.ModeOnline); err != nil {
		return err
	}
	return w.waitResponsive(ctx, rec)
}

func (w *WaitRebootUSBReset) waitResponsive(ctx context.Context, rec *device.Record) error {
	readiness := rec.Readiness()
	if readiness == nil {
		return ftlerr.New(ftlerr.DeviceUnresponsive, "device %s has no readiness monitor", rec.Serial())
	}
	shellCtx, cancel := context.WithTimeout(ctx, w.cfg.DeviceWaitTime)
	defer cancel()
	return readiness.ProbeAvailability(shellCtx)
}

// canUSBReset: a bus reset is skipped for network-attached targets
// (virtual-remote kinds and host:port serials), for bootloader/fastbootd
// modes, and for recovery-mode targets.
func (w *WaitRebootUSBReset) canUSBReset(rec *device.Record) bool {
	if rec.Kind().IsVirtualRemote() || strings.Contains(rec.Serial(), ":") {
		return false
	}
	switch rec.Mode() {
	case device.ModeBootloader, device.ModeLowLevelUserspace, device.ModeRecovery:
		return false
	default:
		return true
	}
}

// postSuccessCheck: when a min-battery threshold is configured, a device
// that recovered but sits below it is still reported unavailable.
func (w *WaitRebootUSBReset) postSuccessCheck(ctx context.Context, rec *device.Record) error {
	if w.cfg.MinBatteryAfterRecovery <= 0 {
		return nil
	}
	level, ok := w.client.GetBattery(ctx, rec.Serial(), w.cfg.ShellWaitTime)
	if !ok {
		return nil
	}
	if level < w.cfg.MinBatteryAfterRecovery {
		return ftlerr.New(ftlerr.DeviceUnavailable,
			"device %s battery %d%% below post-recovery threshold %d%%", rec.Serial(), level, w.cfg.MinBatteryAfterRecovery)
	}
	return nil
}
