package algorithms

import (
	"testing"
	"time"
)

func TestThresholdUnderloadFiresAtOrBelowThreshold(t *testing.T) {
	d, err := newThresholdUnderload(0, 0, Params(`{"threshold":0.1}`))
	if err != nil {
		t.Fatalf("newThresholdUnderload: %v", err)
	}
	if !d.Detect([]float64{0.5, 0.1}) {
		t.Fatal("expected underload at exactly the threshold")
	}
	if d.Detect([]float64{0.5, 0.2}) {
		t.Fatal("expected no underload above the threshold")
	}
	if d.Detect(nil) {
		t.Fatal("expected no underload with no samples")
	}
}

func TestLastNAverageUnderloadAveragesTail(t *testing.T) {
	d, err := newLastNAverageUnderload(0, 0, Params(`{"threshold":0.25,"n":2}`))
	if err != nil {
		t.Fatalf("newLastNAverageUnderload: %v", err)
	}
	// last two samples average to exactly 0.25, at the threshold
	if !d.Detect([]float64{0.9, 0.375, 0.125}) {
		t.Fatal("expected underload, mean of last 2 samples is at threshold")
	}
	if d.Detect([]float64{0.9, 0.5, 0.5}) {
		t.Fatal("expected no underload, mean of last 2 samples above threshold")
	}
}

func TestThresholdOverloadFiresAboveThreshold(t *testing.T) {
	d, err := newThresholdOverload(0, 0, Params(`{"threshold":0.8}`))
	if err != nil {
		t.Fatalf("newThresholdOverload: %v", err)
	}
	if d.Detect([]float64{0.8}) {
		t.Fatal("expected no overload exactly at the threshold")
	}
	if !d.Detect([]float64{0.81}) {
		t.Fatal("expected overload above the threshold")
	}
}

func TestMADOverloadRespectsLimit(t *testing.T) {
	d, err := newMADOverload(0, 0, Params(`{"safety":1,"limit":3}`))
	if err != nil {
		t.Fatalf("newMADOverload: %v", err)
	}
	if d.Detect([]float64{0.9, 0.9}) {
		t.Fatal("expected no overload before enough samples accumulate")
	}
}

func TestIQROverloadRespectsLimit(t *testing.T) {
	d, err := newIQROverload(0, 0, Params(`{"safety":1,"limit":3}`))
	if err != nil {
		t.Fatalf("newIQROverload: %v", err)
	}
	if d.Detect([]float64{0.9, 0.9}) {
		t.Fatal("expected no overload before enough samples accumulate")
	}
}

func TestMinimumUtilizationSelectorPicksLowestLastSample(t *testing.T) {
	s := minimumUtilizationSelector{}
	vmsCPU := map[string][]int64{
		"vm-a": {100, 200},
		"vm-b": {100, 50},
	}
	got := s.Select(vmsCPU, nil)
	if len(got) != 1 || got[0] != "vm-b" {
		t.Fatalf("expected vm-b, got %v", got)
	}
}

func TestMinimumMigrationTimeSelectorPicksSmallestRAM(t *testing.T) {
	s := minimumMigrationTimeSelector{}
	vmsCPU := map[string][]int64{"vm-a": {1}, "vm-b": {1}}
	vmsRAM := map[string]int64{"vm-a": 2048, "vm-b": 512}
	got := s.Select(vmsCPU, vmsRAM)
	if len(got) != 1 || got[0] != "vm-b" {
		t.Fatalf("expected vm-b (smallest RAM), got %v", got)
	}
}

func TestMinimumMigrationTimeMaxCPUSelectorPrefersHighestCPUAmongSmallestRAM(t *testing.T) {
	s, err := newMinimumMigrationTimeMaxCPUSelector(0, 0, Params(`{"last_n":1}`))
	if err != nil {
		t.Fatalf("newMinimumMigrationTimeMaxCPUSelector: %v", err)
	}
	vmsCPU := map[string][]int64{
		"vm-a": {100}, // smallest RAM, low CPU
		"vm-b": {900}, // smallest RAM, high CPU
		"vm-c": {999}, // largest RAM, excluded
	}
	vmsRAM := map[string]int64{"vm-a": 512, "vm-b": 512, "vm-c": 4096}
	got := s.Select(vmsCPU, vmsRAM)
	if len(got) != 1 || got[0] != "vm-b" {
		t.Fatalf("expected vm-b, got %v", got)
	}
}

func TestRandomSelectorPicksFromCandidates(t *testing.T) {
	s, err := newRandomSelector(0, 0, nil)
	if err != nil {
		t.Fatalf("newRandomSelector: %v", err)
	}
	vmsCPU := map[string][]int64{"vm-a": {1}, "vm-b": {1}}
	got := s.Select(vmsCPU, nil)
	if len(got) != 1 || (got[0] != "vm-a" && got[0] != "vm-b") {
		t.Fatalf("expected one of vm-a/vm-b, got %v", got)
	}
}

func TestBestFitDecreasingPacksIntoFirstFittingActiveHost(t *testing.T) {
	b, err := newBestFitDecreasing(time.Second, time.Second, nil)
	if err != nil {
		t.Fatalf("newBestFitDecreasing: %v", err)
	}
	activeCPU := map[string]int64{"host-a": 1000, "host-b": 2000}
	activeRAM := map[string]int64{"host-a": 1024, "host-b": 4096}
	vmsCPU := map[string][]int64{"vm-1": {500}}
	vmsRAM := map[string]int64{"vm-1": 512}

	placement := b.Place(activeCPU, activeRAM, nil, nil, vmsCPU, vmsRAM)
	if placement["vm-1"] != "host-a" {
		t.Fatalf("expected vm-1 on host-a (smallest fitting host), got %v", placement)
	}
}

func TestBestFitDecreasingActivatesInactiveHostWhenNoneFit(t *testing.T) {
	b, err := newBestFitDecreasing(time.Second, time.Second, nil)
	if err != nil {
		t.Fatalf("newBestFitDecreasing: %v", err)
	}
	activeCPU := map[string]int64{"host-a": 100}
	activeRAM := map[string]int64{"host-a": 128}
	inactiveCPU := map[string]int64{"host-b": 2000}
	inactiveRAM := map[string]int64{"host-b": 4096}
	vmsCPU := map[string][]int64{"vm-1": {500}}
	vmsRAM := map[string]int64{"vm-1": 512}

	placement := b.Place(activeCPU, activeRAM, inactiveCPU, inactiveRAM, vmsCPU, vmsRAM)
	if placement["vm-1"] != "host-b" {
		t.Fatalf("expected vm-1 on the activated host-b, got %v", placement)
	}
}

func TestBestFitDecreasingReturnsEmptyWhenCapacityExhausted(t *testing.T) {
	b, err := newBestFitDecreasing(time.Second, time.Second, nil)
	if err != nil {
		t.Fatalf("newBestFitDecreasing: %v", err)
	}
	activeCPU := map[string]int64{"host-a": 100}
	activeRAM := map[string]int64{"host-a": 128}
	vmsCPU := map[string][]int64{"vm-1": {500}}
	vmsRAM := map[string]int64{"vm-1": 512}

	placement := b.Place(activeCPU, activeRAM, nil, nil, vmsCPU, vmsRAM)
	if len(placement) != 0 {
		t.Fatalf("expected no placement when nothing fits, got %v", placement)
	}
}

func TestNewUnderloadUnknownFactory(t *testing.T) {
	if _, err := NewUnderload("no-such-factory", 0, 0, nil); err == nil {
		t.Fatal("expected an error for an unregistered factory name")
	}
}

func TestNewPlacementDispatchesRegisteredFactory(t *testing.T) {
	p, err := NewPlacement("best_fit_decreasing", time.Second, time.Second, nil)
	if err != nil {
		t.Fatalf("NewPlacement: %v", err)
	}
	if p == nil {
		t.Fatal("expected a non-nil placement strategy")
	}
}

// TestOTFOverloadWalksThroughReferenceScenario reproduces the OTF
// walkthrough: otf=0.5, threshold=1.0, limit=4, migration_time equal to
// one tick. Feeding [0.9,1.3,1.1,1.2] one sample per tick must decide
// F,F,F,T; continuing with 0.3 then 1.3 must decide F,T, and the
// counters must land on (overload_steps, total_steps) = (4,6).
func TestOTFOverloadWalksThroughReferenceScenario(t *testing.T) {
	det, err := newOTFOverload(time.Second, time.Second, Params(`{"otf":0.5,"threshold":1.0,"limit":4}`))
	if err != nil {
		t.Fatalf("newOTFOverload: %v", err)
	}
	d := det.(*otfOverload)

	var history []float64
	feed := func(u float64) bool {
		history = append(history, u)
		return d.Detect(history)
	}

	want := []bool{false, false, false, true}
	for i, u := range []float64{0.9, 1.3, 1.1, 1.2} {
		if got := feed(u); got != want[i] {
			t.Fatalf("tick %d (utilization %v): got %v, want %v", i+1, u, got, want[i])
		}
	}

	if got := feed(0.3); got {
		t.Fatal("expected no overload decision after a below-threshold sample")
	}
	if got := feed(1.3); !got {
		t.Fatal("expected an overload decision on the final tick")
	}

	if d.overloadSteps != 4 || d.totalSteps != 6 {
		t.Fatalf("expected counters (4,6), got (%d,%d)", d.overloadSteps, d.totalSteps)
	}
}

// TestMHODTimeInStatesIsMonotone asserts Testable Property 7: the
// cumulative time-in-state counters exposed by TimeInStates and
// TimeInStateN never decrease across successive Detect calls, and
// TimeInStateN never exceeds TimeInStates.
func TestMHODTimeInStatesIsMonotone(t *testing.T) {
	det, err := newMHODOverload(time.Second, time.Second, Params(`{
		"state_config": [0.7, 1.0],
		"otf": 0.5,
		"window_sizes": [2, 4],
		"bruteforce_step": 0.5,
		"learning_steps": 2
	}`))
	if err != nil {
		t.Fatalf("newMHODOverload: %v", err)
	}
	d := det.(*mhodOverload)

	samples := []float64{0.2, 0.5, 0.8, 1.1, 1.2, 0.9, 1.3, 0.4, 1.1, 1.2}
	var history []float64
	prevStates, prevN := 0, 0
	for i, u := range samples {
		history = append(history, u)
		d.Detect(history)

		states, n := d.TimeInStates(), d.TimeInStateN()
		if states < prevStates {
			t.Fatalf("tick %d: TimeInStates decreased from %d to %d", i+1, prevStates, states)
		}
		if n < prevN {
			t.Fatalf("tick %d: TimeInStateN decreased from %d to %d", i+1, prevN, n)
		}
		if n > states {
			t.Fatalf("tick %d: TimeInStateN (%d) exceeds TimeInStates (%d)", i+1, n, states)
		}
		prevStates, prevN = states, n
	}
	if prevStates != len(samples) {
		t.Fatalf("expected TimeInStates to equal the number of ticks (%d), got %d", len(samples), prevStates)
	}
}
