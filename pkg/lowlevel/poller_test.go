package lowlevel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/devicefleet/pkg/config"
	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/statemachine"
)

type fakeRunner struct {
	bootloader []string
	fastbootd  []string
	describe   map[string]Properties
}

func (f *fakeRunner) ListBootloaderDevices(ctx context.Context) ([]string, error) {
	return f.bootloader, nil
}

func (f *fakeRunner) ListFastbootdDevices(ctx context.Context) ([]string, error) {
	return f.fastbootd, nil
}

func (f *fakeRunner) DescribeDevice(ctx context.Context, serial string) (Properties, error) {
	return f.describe[serial], nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	records map[string]*device.Record
	calls   []call
}

type call struct {
	serials   []string
	fastbootd bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{records: make(map[string]*device.Record)}
}

func (f *fakeRegistry) UpdateModeStates(serials []string, fastbootd bool, admit func(string) bool) []*device.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{serials: append([]string(nil), serials...), fastbootd: fastbootd})

	var created []*device.Record
	for _, s := range serials {
		if admit != nil && !admit(s) {
			continue
		}
		if _, ok := f.records[s]; !ok {
			r := device.New(s, device.KindLowLevelOnly, statemachine.New())
			f.records[s] = r
			created = append(created, r)
		}
	}
	return created
}

type fakeListener struct {
	mu   sync.Mutex
	seen [][]LowLevelRecord
}

func (f *fakeListener) LowLevelSweepComplete(created []LowLevelRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, created)
}

func testConfig() config.Options {
	cfg := config.Default()
	cfg.FastbootdEnabled = true
	return cfg
}

func TestSweep_ClassifiesBootloaderAndFastbootd(t *testing.T) {
	runner := &fakeRunner{
		bootloader: []string{"B1"},
		fastbootd:  []string{"F1"},
		describe:   map[string]Properties{"B1": {Product: "prod1"}, "F1": {Product: "prod2"}},
	}
	reg := newFakeRegistry()
	listener := &fakeListener{}

	p := New(runner, reg, nil, testConfig())
	p.AddListener(listener)
	p.sweep(context.Background())

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.calls) != 2 {
		t.Fatalf("expected 2 UpdateModeStates calls, got %d", len(reg.calls))
	}
	if reg.calls[0].fastbootd || reg.calls[0].serials[0] != "B1" {
		t.Fatalf("first call should be bootloader set with B1, got %+v", reg.calls[0])
	}
	if !reg.calls[1].fastbootd || reg.calls[1].serials[0] != "F1" {
		t.Fatalf("second call should be fastbootd set with F1, got %+v", reg.calls[1])
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.seen) != 1 || len(listener.seen[0]) != 2 {
		t.Fatalf("expected one notification with 2 created records, got %+v", listener.seen)
	}
}

func TestSweep_FastbootdDisabledFoldsIntoBootloader(t *testing.T) {
	runner := &fakeRunner{
		bootloader: []string{"B1"},
		fastbootd:  []string{"F1"},
	}
	reg := newFakeRegistry()
	cfg := testConfig()
	cfg.FastbootdEnabled = false

	p := New(runner, reg, nil, cfg)
	p.sweep(context.Background())

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.calls) != 1 {
		t.Fatalf("expected a single bootloader-only call when fastbootd disabled, got %d calls", len(reg.calls))
	}
	if reg.calls[0].fastbootd {
		t.Fatalf("expected the merged call to be classified bootloader")
	}
	got := map[string]bool{}
	for _, s := range reg.calls[0].serials {
		got[s] = true
	}
	if !got["B1"] || !got["F1"] {
		t.Fatalf("expected both B1 and F1 in the merged bootloader set, got %v", reg.calls[0].serials)
	}
}

func TestSweep_GlobalFilterRejectsSerial(t *testing.T) {
	runner := &fakeRunner{bootloader: []string{"OK", "BLOCKED"}}
	reg := newFakeRegistry()
	admit := func(serial string) bool { return serial != "BLOCKED" }

	p := New(runner, reg, admit, testConfig())
	p.sweep(context.Background())

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.records["BLOCKED"]; ok {
		t.Fatalf("BLOCKED should have been rejected by the global filter")
	}
	if _, ok := reg.records["OK"]; !ok {
		t.Fatalf("OK should have been admitted")
	}
}

func TestStartStop_RunsAndStopsCleanly(t *testing.T) {
	runner := &fakeRunner{bootloader: []string{"B1"}}
	reg := newFakeRegistry()
	cfg := testConfig()
	cfg.LowLevelPollCron = "@every 10ms"

	p := New(runner, reg, nil, cfg)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		reg.mu.Lock()
		n := len(reg.calls)
		reg.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	p.Stop()

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.calls) == 0 {
		t.Fatal("expected at least one sweep to have run before Stop returned")
	}
}
