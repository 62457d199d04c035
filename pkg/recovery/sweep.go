package recovery

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/config"
	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/ftlerr"
	"github.com/example/devicefleet/pkg/registry"
)

// MultiDeviceStrategy is registered with the Sweeper and invoked once per
// sweep with a point-in-time snapshot of every Record.
type MultiDeviceStrategy interface {
	Name() string
	Recover(ctx context.Context, snapshot []*device.Record) error
}

type sweepRegistry interface {
	Snapshot() []*device.Record
}

var _ sweepRegistry = (*registry.Registry)(nil)

// Sweeper runs the periodic multi-device recovery sweep.
type Sweeper struct {
	reg sweepRegistry
	cfg config.Options

	mu         sync.Mutex
	strategies []MultiDeviceStrategy

	cronEntry *cron.Cron
}

// NewSweeper constructs a Sweeper bound to reg.
func NewSweeper(reg sweepRegistry, cfg config.Options) *Sweeper {
	return &Sweeper{reg: reg, cfg: cfg}
}

// AddStrategy registers st to run on every sweep.
func (s *Sweeper) AddStrategy(st MultiDeviceStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies = append(s.strategies, st)
}

// Start schedules the sweep on cfg.DeviceRecoveryCron (default "@every
// 30m").
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(s.cfg.DeviceRecoveryCron, func() { s.run(ctx) })
	if err != nil {
		return ftlerr.Wrap(ftlerr.InfraConfigurationError, err, "device recovery schedule %q", s.cfg.DeviceRecoveryCron)
	}
	s.cronEntry = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for any sweep in flight to finish.
func (s *Sweeper) Stop() {
	if s.cronEntry == nil {
		return
	}
	<-s.cronEntry.Stop().Done()
}

func (s *Sweeper) run(ctx context.Context) {
	snapshot := s.reg.Snapshot()

	s.mu.Lock()
	strategies := append([]MultiDeviceStrategy(nil), s.strategies...)
	s.mu.Unlock()

	for _, st := range strategies {
		s.runOne(ctx, st, snapshot)
	}
}

// runOne isolates a single strategy's panic or error behind a broad catch
// and log, so one failing strategy never blocks the rest of the sweep.
func (s *Sweeper) runOne(ctx context.Context, st MultiDeviceStrategy, snapshot []*device.Record) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("recovery sweep: strategy %s panicked: %v", st.Name(), r)
		}
	}()
	if err := st.Recover(ctx, snapshot); err != nil {
		klog.Errorf("recovery sweep: strategy %s failed: %v", st.Name(), err)
	}
}
