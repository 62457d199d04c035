// Package readiness decides when a device is actually usable: it services
// protocol-mode waits and runs the functional readiness probes
// (shell-responsive, boot-complete, external-storage-mounted) that gate a
// Record's entry into the available pool.
package readiness

import (
	"context"
	"sync"

	"github.com/example/devicefleet/pkg/bridge"
	"github.com/example/devicefleet/pkg/config"
	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/ftlerr"
)

// Monitor implements device.ReadinessMonitor for one Record. It owns the
// protocol-mode listeners (fed by Record.SetMode through NotifyModeChange)
// and runs the three readiness probes in order when asked.
type Monitor struct {
	serial string
	client bridge.Client
	cfg    config.Options

	mu          sync.Mutex
	lastMode    device.Mode
	subscribers map[chan device.Mode]struct{}
}

// New constructs a Monitor for serial, talking to the debug bridge through
// client.
func New(serial string, client bridge.Client, cfg config.Options) *Monitor {
	return &Monitor{
		serial:      serial,
		client:      client,
		cfg:         cfg,
		subscribers: make(map[chan device.Mode]struct{}),
	}
}

var _ device.ReadinessMonitor = (*Monitor)(nil)

// NotifyModeChange implements device.ReadinessMonitor. It must never block
// the caller: subscriber channels are buffered and sends are best-effort.
func (m *Monitor) NotifyModeChange(mode device.Mode) {
	m.mu.Lock()
	m.lastMode = mode
	subs := make([]chan device.Mode, 0, len(m.subscribers))
	for ch := range m.subscribers {
		subs = append(subs, ch)
	}
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- mode:
		default:
			// The subscriber hasn't drained the previous mode; replace it so
			// the buffer always holds the newest observation.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- mode:
			default:
			}
		}
	}
}

func (m *Monitor) subscribe() chan device.Mode {
	ch := make(chan device.Mode, 1)
	m.mu.Lock()
	m.subscribers[ch] = struct{}{}
	cur := m.lastMode
	m.mu.Unlock()
	// Deliver the current mode immediately so a waiter that subscribes
	// after the mode already flipped doesn't block until the next change.
	select {
	case ch <- cur:
	default:
	}
	return ch
}

func (m *Monitor) unsubscribe(ch chan device.Mode) {
	m.mu.Lock()
	delete(m.subscribers, ch)
	m.mu.Unlock()
}

// WaitForMode blocks until the Record's mode equals target or ctx is done.
// Bootloader/fastbootd waits land here, serviced by the low-level poller's
// notifications rather than the bridge.
func (m *Monitor) WaitForMode(ctx context.Context, target device.Mode) error {
	ch := m.subscribe()
	defer m.unsubscribe(ch)

	for {
		select {
		case mode := <-ch:
			if mode == target {
				return nil
			}
		case <-ctx.Done():
			return ftlerr.Wrap(ftlerr.DeviceUnresponsive, ctx.Err(), "device %s: timed out waiting for mode %s", m.serial, target)
		}
	}
}

// ProbeAvailability implements device.ReadinessMonitor: runs the ordered
// probes, each individually bounded.
func (m *Monitor) ProbeAvailability(ctx context.Context) error {
	if err := m.probeShellResponsive(ctx); err != nil {
		return err
	}
	if err := m.probeBootComplete(ctx); err != nil {
		return err
	}
	if m.cfg.EnabledFilesystemCheck {
		if err := m.probeExternalStorage(ctx); err != nil {
			return err
		}
	}
	return nil
}
