package lowlevel

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/example/devicefleet/pkg/config"
	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/ftlerr"
	"github.com/example/devicefleet/pkg/registry"
)

// maxConcurrentDescribes bounds how many DescribeDevice calls the poller
// issues at once for newly discovered serials, so a sweep that turns up a
// large low-level batch doesn't open one goroutine per device against the
// external tool.
const maxConcurrentDescribes = 4

// lowLevelRegistry is the subset of *registry.Registry the poller needs.
type lowLevelRegistry interface {
	UpdateModeStates(serials []string, fastbootd bool, admit func(string) bool) []*device.Record
}

var _ lowLevelRegistry = (*registry.Registry)(nil)

// Poller runs the periodic low-level discovery sweep: list both mode
// sets, reconcile them into the registry, describe anything new, then
// notify listeners. The low-level tool has no change-notification
// channel, so polling is the only discovery path for these modes.
type Poller struct {
	runner Runner
	reg    lowLevelRegistry
	admit  func(string) bool
	cfg    config.Options

	mu        sync.Mutex
	listeners []Listener

	cronEntry *cron.Cron
}

// New constructs a Poller. admit may be nil (no global filter).
func New(runner Runner, reg lowLevelRegistry, admit func(string) bool, cfg config.Options) *Poller {
	return &Poller{runner: runner, reg: reg, admit: admit, cfg: cfg}
}

// AddListener registers l to be notified after every sweep.
func (p *Poller) AddListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// RemoveListener undoes AddListener.
func (p *Poller) RemoveListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.listeners {
		if existing == l {
			p.listeners = append(p.listeners[:i], p.listeners[i+1:]...)
			return
		}
	}
}

// Start schedules the sweep on cfg.LowLevelPollCron (default "@every 5s")
// and returns once the schedule is running. Sweeps run against ctx, so
// cancelling ctx aborts an in-flight sweep's external-tool calls; stopping
// the poller itself is done through Stop.
func (p *Poller) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(p.cfg.LowLevelPollCron, func() { p.sweep(ctx) })
	if err != nil {
		return ftlerr.Wrap(ftlerr.InfraConfigurationError, err, "low-level poll schedule %q", p.cfg.LowLevelPollCron)
	}
	p.cronEntry = c
	c.Start()
	return nil
}

// Stop halts the schedule and blocks until any sweep already in flight
// finishes, so waiters blocked on a mode notification are not abandoned
// mid-teardown.
func (p *Poller) Stop() {
	if p.cronEntry == nil {
		return
	}
	<-p.cronEntry.Stop().Done()
}

func (p *Poller) sweep(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	var bootloaderSet, fastbootdSet []string

	g.Go(func() error {
		s, err := p.runner.ListBootloaderDevices(gctx)
		bootloaderSet = s
		return err
	})
	g.Go(func() error {
		s, err := p.runner.ListFastbootdDevices(gctx)
		fastbootdSet = s
		return err
	})
	if err := g.Wait(); err != nil {
		klog.Errorf("lowlevel: sweep failed to list devices: %v", err)
		return
	}

	// When the fastbootd feature flag is off, every
	// low-level-userspace-reporting serial is folded into the bootloader
	// set instead.
	if !p.cfg.FastbootdEnabled {
		bootloaderSet = append(bootloaderSet, fastbootdSet...)
		fastbootdSet = nil
	}

	var created []*device.Record
	created = append(created, p.reg.UpdateModeStates(bootloaderSet, false, p.admit)...)
	if p.cfg.FastbootdEnabled {
		created = append(created, p.reg.UpdateModeStates(fastbootdSet, true, p.admit)...)
	}

	if len(created) > 0 {
		p.describeNew(ctx, created)
	}
	p.notifyListeners(created)
}

// describeNew resolves product/variant for newly discovered Records,
// bounded to maxConcurrentDescribes concurrent external-tool calls.
func (p *Poller) describeNew(ctx context.Context, created []*device.Record) {
	sem := semaphore.NewWeighted(maxConcurrentDescribes)
	var wg sync.WaitGroup
	for _, r := range created {
		r := r
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			props, err := p.runner.DescribeDevice(ctx, r.Serial())
			if err != nil {
				klog.Warningf("lowlevel: describe %s: %v", r.Serial(), err)
				return
			}
			r.SetDescriptorFields(func(d *device.Descriptor) {
				d.Product = props.Product
				d.Variant = props.Variant
			})
		}()
	}
	wg.Wait()
}

func (p *Poller) notifyListeners(created []*device.Record) {
	p.mu.Lock()
	snap := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()
	if len(snap) == 0 {
		return
	}
	view := make([]LowLevelRecord, len(created))
	for i, r := range created {
		view[i] = r
	}
	for _, l := range snap {
		l.LowLevelSweepComplete(view)
	}
}
