package readiness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/example/devicefleet/pkg/bridge"
	"github.com/example/devicefleet/pkg/ftlerr"
)

// maxTransientOfflineRejections bounds how many "rejected, device offline"
// shell errors the shell-responsive probe tolerates as transient before
// treating the device as genuinely unavailable.
const maxTransientOfflineRejections = 5

// probeShellResponsive runs `id` against the device until its output
// contains "uid=" or the probe's budget elapses.
func (m *Monitor) probeShellResponsive(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DeviceWaitTime)
	defer cancel()

	bo := backoff.WithContext(newLinearBackoff(time.Second, 500*time.Millisecond, 3*time.Second), ctx)

	transientOffline := 0
	op := func() error {
		out, err := m.client.ExecuteShell(ctx, m.serial, "id", m.cfg.ShellWaitTime)
		if err == nil {
			if strings.Contains(out, "uid=") {
				return nil
			}
			return fmt.Errorf("unexpected `id` output %q", out)
		}
		if errors.Is(err, bridge.ErrShellRejectedOffline) {
			transientOffline++
			if transientOffline > maxTransientOfflineRejections {
				return backoff.Permanent(ftlerr.Wrap(ftlerr.DeviceUnavailable, err,
					"device %s: shell rejected while offline %d times", m.serial, transientOffline))
			}
		}
		return err
	}

	if err := backoff.Retry(op, bo); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return ftlerr.Wrap(ftlerr.DeviceUnresponsive, err,
			"device %s: shell not responsive within budget", m.serial)
	}
	return nil
}

// probeBootComplete polls dev.bootcomplete until it reads "1".
func (m *Monitor) probeBootComplete(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.DeviceWaitTime)
	defer cancel()

	bo := backoff.WithContext(backoff.NewConstantBackOff(time.Second), ctx)
	op := func() error {
		val, err := m.client.GetProperty(ctx, m.serial, "dev.bootcomplete")
		if err != nil {
			return err
		}
		if strings.TrimSpace(val) != "1" {
			return fmt.Errorf("dev.bootcomplete=%q", val)
		}
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return ftlerr.Wrap(ftlerr.DeviceUnresponsive, err,
			"device %s: boot-complete flag never set", m.serial)
	}
	return nil
}

// ramdiskMagics are the filesystem type magics reported when external
// storage is still the boot-time RAM disk rather than real mounted
// storage. A marker write would succeed against the RAM disk and then
// vanish, so the mount is rejected before the write/read/delete cycle.
var ramdiskMagics = []string{"1021994", "01021994"}

// probeExternalStorage verifies the external storage mount is real (not a
// RAM disk), then writes a uniquely named marker file, reads it back, and
// removes it. A single permission-denied retry is tolerated before the
// probe gives up.
func (m *Monitor) probeExternalStorage(ctx context.Context) error {
	mount, err := m.client.GetMountPoint(ctx, m.serial, "EXTERNAL_STORAGE")
	if err != nil {
		return ftlerr.Wrap(ftlerr.DeviceUnexpectedResponse, err,
			"device %s: could not resolve external storage mount point", m.serial)
	}

	if magic, err := m.client.ExecuteShell(ctx, m.serial, "stat -f -c %t "+mount, m.cfg.ShellWaitTime); err == nil {
		trimmed := strings.TrimSpace(magic)
		for _, ram := range ramdiskMagics {
			if trimmed == ram {
				return ftlerr.New(ftlerr.DeviceUnexpectedResponse,
					"device %s: external storage %s is a RAM disk (magic %s)", m.serial, mount, trimmed)
			}
		}
	}

	marker := mount + "/.fleet-readiness-" + uuid.NewString()
	cmd := fmt.Sprintf("echo ok > %s && cat %s && rm -f %s", marker, marker, marker)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		out, err := m.client.ExecuteShell(ctx, m.serial, cmd, m.cfg.ShellWaitTime)
		if err == nil && strings.Contains(out, "ok") {
			return nil
		}
		lastErr = err
		if err == nil {
			lastErr = fmt.Errorf("unexpected marker readback %q", out)
		}
		if !strings.Contains(lastErr.Error(), "Permission denied") {
			break
		}
	}
	return ftlerr.Wrap(ftlerr.DeviceUnexpectedResponse, lastErr,
		"device %s: external storage marker probe failed", m.serial)
}
