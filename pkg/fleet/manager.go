// Package fleet implements the fleet manager facade: lifecycle
// (Init/Terminate/TerminateHard), the Allocate/Free surface, placeholder
// pool seeding, and the wiring of the registry, bridge listener, low-level
// poller, readiness monitors, and recovery machinery.
package fleet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/bridge"
	"github.com/example/devicefleet/pkg/config"
	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/ftlerr"
	"github.com/example/devicefleet/pkg/lowlevel"
	"github.com/example/devicefleet/pkg/readiness"
	"github.com/example/devicefleet/pkg/recovery"
	"github.com/example/devicefleet/pkg/registry"
	"github.com/example/devicefleet/pkg/selection"
	"github.com/example/devicefleet/pkg/statemachine"
	"github.com/example/devicefleet/pkg/usb"
	"github.com/example/devicefleet/pkg/virtual"
)

// FreeOutcome is the caller-reported result of a test invocation, mapped
// to a state-machine event when the device is freed.
type FreeOutcome string

const (
	FreeOutcomeAvailable    FreeOutcome = "available"
	FreeOutcomeUnavailable  FreeOutcome = "unavailable"
	FreeOutcomeUnresponsive FreeOutcome = "unresponsive"
	FreeOutcomeUnknown      FreeOutcome = "unknown"
)

func (o FreeOutcome) event() statemachine.Event {
	switch o {
	case FreeOutcomeUnavailable:
		return statemachine.FreeUnavailable
	case FreeOutcomeUnresponsive:
		return statemachine.FreeUnresponsive
	case FreeOutcomeUnknown:
		return statemachine.FreeUnknown
	default:
		return statemachine.FreeAvailable
	}
}

// HostMonitor observes host-side metrics (disk pressure, USB hub health,
// load) for the lifetime of the fleet. Monitors are registered before Init,
// started during it, and terminated on Terminate.
type HostMonitor interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// Manager is the fleet manager facade.
type Manager struct {
	cfg     config.Options
	fs      afero.Fs
	client  bridge.Client
	usbBus  usb.Bus
	virtDrv virtual.Driver
	admit   func(string) bool

	mu            sync.Mutex
	initialized   bool
	terminated    bool
	ephemeralNull map[string]struct{}
	cleanups      []func() error
	hostMonitors  []HostMonitor

	baseCtx    context.Context
	cancelBase context.CancelFunc
	probeWG    sync.WaitGroup

	registry *registry.Registry
	listener *bridge.Devicelistener
	poller   *lowlevel.Poller
	sweeper  *recovery.Sweeper
}

// NewManager constructs an uninitialized Manager. fs defaults to the real
// filesystem if nil (tests substitute afero.NewMemMapFs()).
func NewManager(cfg config.Options, client bridge.Client, usbBus usb.Bus, virtDrv virtual.Driver, admit func(string) bool, fs afero.Fs) *Manager {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Manager{
		cfg:           cfg,
		fs:            fs,
		client:        client,
		usbBus:        usbBus,
		virtDrv:       virtDrv,
		admit:         admit,
		ephemeralNull: make(map[string]struct{}),
	}
}

// Init wires every component and seeds placeholder pools. Idempotent: a
// second call is a no-op. lowLevelRunner may be nil, in which case the
// low-level binary is detected from the configuration (staged out of
// FastbootArchive when one is set); when no usable binary is found the
// poller simply doesn't start.
func (m *Manager) Init(ctx context.Context, lowLevelRunner lowlevel.Runner) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	if err := m.cfg.Validate(); err != nil {
		return err
	}

	m.baseCtx, m.cancelBase = context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	monitors := append([]HostMonitor(nil), m.hostMonitors...)
	m.mu.Unlock()
	for _, mon := range monitors {
		if err := mon.Start(m.baseCtx); err != nil {
			klog.Warningf("fleet: host monitor %s failed to start: %v", mon.Name(), err)
		}
	}

	table := statemachine.New()
	m.registry = registry.New(table, m.recordFactory(table))
	m.registry.AddTransitionListener(m.onTransition)

	// The listener is registered before the bridge starts delivering
	// callbacks, so the inevitable replay of already-connected devices is
	// absorbed by FindOrCreate's idempotency.
	m.listener = bridge.NewListener(m.registry)
	m.client.AddListener(m.listener)
	if err := m.client.Init(ctx, m.cfg.AdbPath); err != nil {
		return fmt.Errorf("initializing debug bridge: %w", err)
	}

	if lowLevelRunner == nil {
		lowLevelRunner = m.detectLowLevelRunner(ctx)
	}
	if lowLevelRunner != nil {
		m.poller = lowlevel.New(lowLevelRunner, m.registry, m.admit, m.cfg)
		if err := m.poller.Start(ctx); err != nil {
			return err
		}
	}

	m.sweeper = recovery.NewSweeper(m.registry, m.cfg)
	m.sweeper.AddStrategy(&retryUnavailableStrategy{reg: m.registry})
	if err := m.sweeper.Start(ctx); err != nil {
		return err
	}

	m.seedPlaceholders()
	klog.Infof("fleet: initialized (%s)", m.cfg.String())
	return nil
}

func (m *Manager) recordFactory(table *statemachine.Table) registry.Factory {
	return func(serial string, kind device.Kind) *device.Record {
		r := device.New(serial, kind, table)
		r.SetReadiness(readiness.New(serial, m.client, m.cfg))
		r.SetRecovery(recovery.NewWaitRebootUSBReset(m.client, m.usbBus, m.cfg))
		return r
	}
}

// FirstDeviceSeen exposes the startup latch released by the first device
// reaching ONLINE through the bridge.
func (m *Manager) FirstDeviceSeen() <-chan struct{} {
	return m.listener.FirstDeviceSeen()
}

// RegisterCleanup records a function Terminate runs alongside the
// low-level-binary temp dir cleanup.
func (m *Manager) RegisterCleanup(fn func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// AddHostMonitor registers a host-metric monitor. Must be called before
// Init; monitors added later are never started.
func (m *Manager) AddHostMonitor(mon HostMonitor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostMonitors = append(m.hostMonitors, mon)
}

// Allocate hands out the first Available Record matching criteria, or an
// error carrying the reject reason when nothing matched. With
// temporary=true a uniquely-named ephemeral null Record is created and its
// serial forced into the criteria, so the caller always receives a fresh
// slot that will be destroyed on free.
func (m *Manager) Allocate(ctx context.Context, criteria selection.Criteria, temporary bool) (*device.Record, error) {
	if temporary {
		serial := newEphemeralNullSerial(uuid.NewString())
		m.seedOne(device.KindNull, serial)
		m.mu.Lock()
		m.ephemeralNull[serial] = struct{}{}
		m.mu.Unlock()
		criteria.SerialsInclude = []string{serial}
		criteria.KindRequested = device.KindNull
		criteria.KindSet = true
	} else if len(criteria.SerialsInclude) == 0 && m.cfg.DefaultSerial != "" && criteria.Kind() == device.KindPhysical {
		// ANDROID_SERIAL-style default: when the caller names no serial and
		// wants a physical device, target the configured default.
		criteria.SerialsInclude = []string{m.cfg.DefaultSerial}
	}

	rec, err := m.allocateMaybeRetry(ctx, criteria)
	if err != nil {
		return nil, err
	}
	if rec.Kind().IsVirtualRemote() || rec.Kind() == device.KindVirtualLocal {
		m.launchVirtual(ctx, rec)
	}
	return rec, nil
}

func (m *Manager) allocateMaybeRetry(ctx context.Context, criteria selection.Criteria) (*device.Record, error) {
	if m.cfg.SandboxNested {
		return m.allocateWithSandboxRetry(ctx, criteria)
	}
	return m.allocateOnce(criteria)
}

func (m *Manager) allocateOnce(criteria selection.Criteria) (*device.Record, error) {
	rec, reasons, topReason := m.registry.Allocate(criteria)
	if rec == nil {
		if topReason == "" {
			topReason = "no device matched the given criteria"
			if len(reasons) > 0 {
				topReason += ": " + formatReasons(reasons)
			}
		}
		return nil, ftlerr.New(ftlerr.SelectionMismatch, "%s", topReason)
	}
	return rec, nil
}

// formatReasons flattens per-serial reject reasons into a stable summary
// for the SelectionMismatch error message.
func formatReasons(reasons map[string]map[string]string) string {
	serials := make([]string, 0, len(reasons))
	for s := range reasons {
		serials = append(serials, s)
	}
	sort.Strings(serials)

	var b strings.Builder
	for i, s := range serials {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(s)
		b.WriteString(": ")
		first := true
		for _, msg := range reasons[s] {
			if !first {
				b.WriteString(", ")
			}
			b.WriteString(msg)
			first = false
		}
	}
	return b.String()
}

// allocateWithSandboxRetry retries allocation spaced by
// cfg.SandboxAllocateRetry.Interval, up to MaxAttempts times. Nested
// sandboxes see devices appear late, after the outer process has finished
// its own discovery, so a failed first scan is retried rather than
// reported.
func (m *Manager) allocateWithSandboxRetry(ctx context.Context, criteria selection.Criteria) (*device.Record, error) {
	policy := m.cfg.SandboxAllocateRetry
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Interval), uint64(policy.MaxAttempts)),
		ctx,
	)

	var rec *device.Record
	op := func() error {
		r, err := m.allocateOnce(criteria)
		if err != nil {
			return err
		}
		rec = r
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return rec, nil
}

// Free returns an allocated Record to the fleet. Emulator processes this
// manager launched are killed first; virtual targets get their instance
// deleted and their mode reset to not-available so the next consumer gets
// a clean slot. Placeholder slots re-enter the pool through a fresh
// availability check; temporary null Records are destroyed outright.
func (m *Manager) Free(serial string, outcome FreeOutcome) error {
	rec, ok := m.registry.Get(serial)
	if !ok {
		return ftlerr.New(ftlerr.SelectionMismatch, "no such device %s", serial)
	}

	if rec.Kind() == device.KindEmulatorSlot {
		rec.StopOnTerm()
	}
	if rec.Kind().IsVirtualRemote() || rec.Kind() == device.KindVirtualLocal {
		m.deleteVirtualInstance(rec)
		rec.SetMode(device.ModeNotAvailable)
	}

	m.mu.Lock()
	_, ephemeral := m.ephemeralNull[serial]
	delete(m.ephemeralNull, serial)
	m.mu.Unlock()

	if ephemeral {
		m.registry.Transition(serial, statemachine.FreeUnknown)
		m.registry.Remove(serial)
		return nil
	}

	if rec.Kind().IsPlaceholder() {
		m.registry.Transition(serial, statemachine.FreeAvailable)
		return nil
	}

	if outcome == FreeOutcomeUnavailable {
		// The unavailable path only applies while the bridge still lists
		// the serial; a device that vanished entirely is reconciled as
		// unknown instead.
		stateCtx, cancel := context.WithTimeout(m.baseCtx, 5*time.Second)
		if _, err := m.client.GetState(stateCtx, serial); err != nil {
			outcome = FreeOutcomeUnknown
		}
		cancel()
	}
	m.registry.Transition(serial, outcome.event())
	return nil
}

// deleteVirtualInstance tears down a launched virtual-device instance
// before the Record is recycled. Only a Record whose owned resources carry
// an InstanceName ever gets a Delete call; never-launched and
// launch-failed-midway Records skip it.
func (m *Manager) deleteVirtualInstance(rec *device.Record) {
	owned := rec.Owned()
	if owned.InstanceName == "" || m.virtDrv == nil {
		rec.StopOnTerm()
		return
	}
	if err := m.virtDrv.Delete(context.Background(), owned.InstanceName); err != nil {
		klog.Warningf("fleet: %s: deleting virtual instance %s: %v", rec.Serial(), owned.InstanceName, err)
	}
	rec.StopOnTerm()
}

// Terminate stops the recovery sweep and low-level poller, unregisters the
// bridge listener, terminates the bridge, releases every Record's owned
// resources, and runs registered cleanups concurrently. Idempotent.
func (m *Manager) Terminate() error {
	m.mu.Lock()
	if !m.initialized || m.terminated {
		m.mu.Unlock()
		return nil
	}
	m.terminated = true
	cleanups := append([]func() error(nil), m.cleanups...)
	monitors := append([]HostMonitor(nil), m.hostMonitors...)
	m.mu.Unlock()

	if m.cancelBase != nil {
		m.cancelBase()
	}
	if m.poller != nil {
		m.poller.Stop()
	}
	if m.sweeper != nil {
		m.sweeper.Stop()
	}
	if m.listener != nil {
		m.client.RemoveListener(m.listener)
	}
	if err := m.client.Terminate(); err != nil {
		klog.Warningf("fleet: bridge terminate: %v", err)
	}
	for _, mon := range monitors {
		if err := mon.Stop(); err != nil {
			klog.Warningf("fleet: host monitor %s stop: %v", mon.Name(), err)
		}
	}

	m.probeWG.Wait()

	if m.registry != nil {
		for _, rec := range m.registry.Snapshot() {
			rec.StopOnTerm()
		}
	}

	var g errgroup.Group
	for _, cleanup := range cleanups {
		cleanup := cleanup
		g.Go(cleanup)
	}
	if err := g.Wait(); err != nil {
		klog.Warningf("fleet: cleanup: %v", err)
	}
	return nil
}

// TerminateHard installs an abort recovery strategy fleet-wide so any
// in-flight recovery raises AllocationCancelled immediately, disconnects
// the bridge abruptly, then runs the normal Terminate sequence.
func (m *Manager) TerminateHard(reason string) error {
	abort := &recovery.AbortWithReason{Reason: reason}
	for _, rec := range m.registry.Snapshot() {
		rec.SetRecovery(abort)
	}
	if err := m.client.DisconnectBridge(); err != nil {
		klog.Warningf("fleet: terminate-hard bridge disconnect: %v", err)
	}
	return m.Terminate()
}

// Registry exposes the underlying Registry for read-only consumers (the
// CLI's list-devices command).
func (m *Manager) Registry() *registry.Registry { return m.registry }

// retryUnavailableStrategy is the multi-device recovery strategy the
// manager registers with the recovery sweep: for every Record currently
// Unavailable, re-attempt its installed recovery strategy's to-online
// recovery. Failures are logged and do not propagate.
type retryUnavailableStrategy struct {
	reg *registry.Registry
}

func (s *retryUnavailableStrategy) Name() string { return "retry-unavailable" }

func (s *retryUnavailableStrategy) Recover(ctx context.Context, snapshot []*device.Record) error {
	recovered, gaveUp := 0, 0
	for _, rec := range snapshot {
		if rec.AllocationState() != statemachine.Unavailable {
			continue
		}
		strategy := rec.Recovery()
		if strategy == nil {
			continue
		}
		if err := strategy.RecoverToOnline(ctx, rec); err != nil {
			gaveUp++
			klog.Warningf("recovery sweep: %s: %v", rec.Serial(), err)
			continue
		}
		recovered++
	}
	if recovered > 0 || gaveUp > 0 {
		klog.Infof("recovery sweep: %d recovered, %d gave up", recovered, gaveUp)
	}
	return nil
}
