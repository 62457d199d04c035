package registry

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/example/devicefleet/pkg/device"
	"github.com/example/devicefleet/pkg/selection"
	"github.com/example/devicefleet/pkg/statemachine"
)

func defaultFactory(serial string, kind device.Kind) *device.Record {
	return device.New(serial, kind, statemachine.New())
}

func TestFindOrCreate_Uniqueness(t *testing.T) {
	// The same serial must yield the same Record instance for the whole session.
	reg := New(statemachine.New(), defaultFactory)

	r1 := reg.FindOrCreate("ABC123", device.KindPhysical)
	r2 := reg.FindOrCreate("ABC123", device.KindPhysical)
	if r1 != r2 {
		t.Fatalf("FindOrCreate returned distinct Records for the same serial")
	}
}

func TestAllocate_Exclusivity(t *testing.T) {
	// Two concurrent allocators must never receive the same Record.
	reg := New(statemachine.New(), defaultFactory)
	r := reg.FindOrCreate("R", device.KindPhysical)
	r.HandleAllocationEvent(statemachine.ConnectedOnline)
	r.HandleAllocationEvent(statemachine.AvailableCheckPassed)

	const n = 8
	var wg sync.WaitGroup
	results := make(chan *device.Record, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, _, _ := reg.Allocate(selection.Criteria{})
			results <- rec
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	for rec := range results {
		if rec != nil {
			winners++
			if rec.Serial() != "R" {
				t.Fatalf("unexpected winner %s", rec.Serial())
			}
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}

	_, _, changed := reg.Transition("R", statemachine.FreeAvailable)
	if !changed {
		t.Fatalf("expected FREE_AVAILABLE to change state")
	}
	reg.Transition("R", statemachine.AvailableCheckPassed)

	rec, _, _ := reg.Allocate(selection.Criteria{})
	if rec == nil || rec.Serial() != "R" {
		t.Fatalf("expected R to be re-allocatable after free, got %v", rec)
	}
}

func TestAllocate_SelectsByProductVariant(t *testing.T) {
	reg := New(statemachine.New(), defaultFactory)
	for _, tc := range []struct{ serial, product, variant string }{
		{"D1", "walleye", "walleye"},
		{"D2", "walleye", "walleye-retail"},
	} {
		r := reg.FindOrCreate(tc.serial, device.KindPhysical)
		r.SetDescriptorFields(func(d *device.Descriptor) {
			d.Product = tc.product
			d.Variant = tc.variant
		})
		r.HandleAllocationEvent(statemachine.ConnectedOnline)
		r.HandleAllocationEvent(statemachine.AvailableCheckPassed)
	}

	criteria := selection.Criteria{ProductTypes: []string{"walleye:walleye-retail"}}
	rec, _, _ := reg.Allocate(criteria)
	if rec == nil || rec.Serial() != "D2" {
		t.Fatalf("expected D2 to win on variant match, got %v", rec)
	}

	// Only D1 remains available: the allocation fails, carrying the
	// variant mismatch reason for it.
	rec2, reasons, _ := reg.Allocate(criteria)
	if rec2 != nil {
		t.Fatalf("expected no match, got %s", rec2.Serial())
	}
	if !strings.Contains(reasons["D1"]["product-type"], "device variant (walleye) does not match requested variants(walleye-retail)") {
		t.Fatalf("reasons = %v", reasons)
	}
}

func TestUpdateModeStates_AddsLowLevelRecords(t *testing.T) {
	// A sweep reporting unknown serials creates low-level-only Records.
	reg := New(statemachine.New(), defaultFactory)

	reg.UpdateModeStates([]string{"X1"}, false, nil)
	reg.UpdateModeStates([]string{"X2"}, true, nil)

	x1, ok := reg.Get("X1")
	if !ok {
		t.Fatalf("X1 not created")
	}
	if x1.AllocationState() != statemachine.Available {
		t.Fatalf("X1 state = %s, want Available", x1.AllocationState())
	}
	if x1.LowLevelUserspace() {
		t.Fatalf("X1 should be classified bootloader, not fastbootd")
	}

	x2, ok := reg.Get("X2")
	if !ok {
		t.Fatalf("X2 not created")
	}
	if x2.AllocationState() != statemachine.Available {
		t.Fatalf("X2 state = %s, want Available", x2.AllocationState())
	}
	if !x2.LowLevelUserspace() {
		t.Fatalf("X2 should be classified fastbootd")
	}
}

func TestUpdateModeStates_RespectsGlobalFilter(t *testing.T) {
	reg := New(statemachine.New(), defaultFactory)
	admit := func(serial string) bool { return serial != "BLOCKED" }

	reg.UpdateModeStates([]string{"OK", "BLOCKED"}, false, admit)

	if _, ok := reg.Get("OK"); !ok {
		t.Fatalf("OK should have been created")
	}
	if _, ok := reg.Get("BLOCKED"); ok {
		t.Fatalf("BLOCKED should have been rejected by the global filter")
	}
}

func TestForceAllocate_BypassesPredicate(t *testing.T) {
	reg := New(statemachine.New(), defaultFactory)
	r := reg.FindOrCreate("D1", device.KindPhysical)
	r.HandleAllocationEvent(statemachine.ConnectedOnline)
	r.HandleAllocationEvent(statemachine.AvailableCheckPassed)

	rec, err := reg.ForceAllocate("D1")
	if err != nil {
		t.Fatalf("ForceAllocate: %v", err)
	}
	if rec.AllocationState() != statemachine.Allocated {
		t.Fatalf("state = %s, want Allocated", rec.AllocationState())
	}
}

func TestSortedBy_ModeThenSerial(t *testing.T) {
	reg := New(statemachine.New(), defaultFactory)
	for i := 0; i < 3; i++ {
		r := reg.FindOrCreate(fmt.Sprintf("S%d", i), device.KindPhysical)
		if i%2 == 0 {
			r.SetMode(device.ModeOnline)
		} else {
			r.SetMode(device.ModeOffline)
		}
	}
	sorted := SortedBy(reg.Snapshot())
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1].GetDescriptor(true), sorted[i].GetDescriptor(true)
		if prev.Mode > cur.Mode {
			t.Fatalf("not sorted by mode: %s before %s", prev.Mode, cur.Mode)
		}
		if prev.Mode == cur.Mode && prev.Serial > cur.Serial {
			t.Fatalf("not sorted by serial within mode %s: %s before %s", cur.Mode, prev.Serial, cur.Serial)
		}
	}
}

func TestTransitionListenerObservesChanges(t *testing.T) {
	reg := New(statemachine.New(), defaultFactory)

	var mu sync.Mutex
	var seen []statemachine.Event
	reg.AddTransitionListener(func(rec *device.Record, from, to statemachine.AllocationState, event statemachine.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, event)
	})

	reg.FindOrCreate("L1", device.KindPhysical)
	reg.Transition("L1", statemachine.ConnectedOnline)
	// A no-op pair must not produce a callback.
	reg.Transition("L1", statemachine.ConnectedOnline)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != statemachine.ConnectedOnline {
		t.Fatalf("expected exactly the one state-changing event, got %v", seen)
	}
}

func TestTransitionListenerMayReenterRegistry(t *testing.T) {
	reg := New(statemachine.New(), defaultFactory)

	reg.AddTransitionListener(func(rec *device.Record, from, to statemachine.AllocationState, event statemachine.Event) {
		if to == statemachine.CheckingAvailability {
			reg.Transition(rec.Serial(), statemachine.AvailableCheckPassed)
		}
	})

	reg.FindOrCreate("L2", device.KindPhysical)
	reg.Transition("L2", statemachine.ConnectedOnline)

	r, _ := reg.Get("L2")
	if r.AllocationState() != statemachine.Available {
		t.Fatalf("expected the re-entrant follow-up event applied, got %s", r.AllocationState())
	}
}
