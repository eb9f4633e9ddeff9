package selaras

import (
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source for deterministic tests.
type fakeClock struct {
	mu sync.Mutex
	at time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{at: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

func TestNewConcurrencyControllerDefaults(t *testing.T) {
	c := NewConcurrencyController(ControllerConfig{Service: "svc"})

	state := c.State()
	if state.Min != 1 {
		t.Errorf("Expected default MinConcurrency=1, got %d", state.Min)
	}
	if state.Max != 32 {
		t.Errorf("Expected default MaxConcurrency=32, got %d", state.Max)
	}
	if state.Current != 8 {
		t.Errorf("Expected default InitialConcurrency=8, got %d", state.Current)
	}

	if c.config.ErrorThreshold != 0.10 {
		t.Errorf("Expected default ErrorThreshold=0.10, got %v", c.config.ErrorThreshold)
	}
	if c.config.CooldownPeriod != 10*time.Second {
		t.Errorf("Expected default CooldownPeriod=10s, got %v", c.config.CooldownPeriod)
	}
	if c.config.TrendSamples != 3 {
		t.Errorf("Expected default TrendSamples=3, got %d", c.config.TrendSamples)
	}
	if c.config.Burst.Multiplier != 2.0 {
		t.Errorf("Expected default Burst.Multiplier=2.0, got %v", c.config.Burst.Multiplier)
	}
	if c.config.Resources.CPUHighWater != 85 {
		t.Errorf("Expected default CPUHighWater=85, got %v", c.config.Resources.CPUHighWater)
	}
}

func TestControllerInitialClampedToBounds(t *testing.T) {
	c := NewConcurrencyController(ControllerConfig{
		Service:        "svc",
		MinConcurrency: 10,
		MaxConcurrency: 20,
	})

	if got := c.Current(); got != 10 {
		t.Errorf("Expected initial concurrency clamped to min=10, got %d", got)
	}
}

func TestControllerEmergencyReduction(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:            "svc",
		MinConcurrency:     1,
		MaxConcurrency:     32,
		InitialConcurrency: 10,
		ErrorThreshold:     0.2,
	})
	c.setClock(clock.Now)

	adj := c.Update(Sample{Throughput: 20, ErrorRate: 0.2, Latency: 100 * time.Millisecond})
	if adj == nil {
		t.Fatal("Expected an emergency adjustment")
	}
	if adj.Reason != ReasonErrorThreshold {
		t.Errorf("Expected reason=%s, got %s", ReasonErrorThreshold, adj.Reason)
	}
	if adj.From != 10 || adj.To != 7 {
		t.Errorf("Expected 10 -> 7 (moderate severity reduces by 3), got %d -> %d", adj.From, adj.To)
	}
	if c.Current() != 7 {
		t.Errorf("Expected current=7, got %d", c.Current())
	}
}

func TestControllerEmergencyHighSeverity(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:            "svc",
		MinConcurrency:     1,
		MaxConcurrency:     32,
		InitialConcurrency: 10,
		ErrorThreshold:     0.2,
	})
	c.setClock(clock.Now)

	// 0.30 is 1.5x the threshold: the reduction scales to half the value
	adj := c.Update(Sample{Throughput: 20, ErrorRate: 0.30})
	if adj == nil {
		t.Fatal("Expected an emergency adjustment")
	}
	if adj.To != 5 {
		t.Errorf("Expected high severity reduction 10 -> 5, got %d -> %d", adj.From, adj.To)
	}
}

func TestControllerEmergencyBypassesCooldown(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:            "svc",
		MinConcurrency:     1,
		MaxConcurrency:     32,
		InitialConcurrency: 10,
		ErrorThreshold:     0.2,
	})
	c.setClock(clock.Now)

	first := c.Update(Sample{Throughput: 20, ErrorRate: 0.2})
	if first == nil || first.To != 7 {
		t.Fatalf("Expected first emergency 10 -> 7, got %+v", first)
	}

	// Well inside the cooldown window the overload persists; the
	// emergency path must still reduce.
	clock.Advance(2 * time.Second)
	second := c.Update(Sample{Throughput: 18, ErrorRate: 0.25})
	if second == nil {
		t.Fatal("Expected a second emergency adjustment despite active cooldown")
	}
	if second.From != 7 || second.To != 4 {
		t.Errorf("Expected 7 -> 4, got %d -> %d", second.From, second.To)
	}
}

func TestControllerEmergencyAtMinimumStillStartsCooldown(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:            "svc",
		MinConcurrency:     1,
		MaxConcurrency:     8,
		InitialConcurrency: 1,
		ErrorThreshold:     0.1,
	})
	c.setClock(clock.Now)

	if adj := c.Update(Sample{Throughput: 5, ErrorRate: 0.5}); adj != nil {
		t.Errorf("Expected no adjustment at the floor, got %+v", adj)
	}

	// Growth conditions hold shortly after, but cooldown must block the raise
	clock.Advance(2 * time.Second)
	c.Update(Sample{Throughput: 10})
	clock.Advance(2 * time.Second)
	if adj := c.Update(Sample{Throughput: 20}); adj != nil {
		t.Errorf("Expected cooldown to block the increase, got %+v", adj)
	}

	// Past the cooldown the same signals raise the value
	clock.Advance(7 * time.Second)
	adj := c.Update(Sample{Throughput: 30})
	if adj == nil {
		t.Fatal("Expected an increase after cooldown expiry")
	}
	if adj.Reason != ReasonThroughputGrowth {
		t.Errorf("Expected reason=%s, got %s", ReasonThroughputGrowth, adj.Reason)
	}
	if adj.From != 1 || adj.To != 2 {
		t.Errorf("Expected 1 -> 2, got %d -> %d", adj.From, adj.To)
	}
}

func TestControllerCooldownAllowsReductions(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:            "svc",
		MinConcurrency:     1,
		MaxConcurrency:     32,
		InitialConcurrency: 10,
		ErrorThreshold:     0.3,
	})
	c.setClock(clock.Now)

	// Open a cooldown via an emergency
	if adj := c.Update(Sample{Throughput: 20, ErrorRate: 0.3}); adj == nil {
		t.Fatal("Expected an emergency adjustment")
	}

	// Plateauing throughput with rising errors inside the cooldown window.
	// Three post-emergency samples push the emergency reading out of the
	// trend window.
	clock.Advance(2 * time.Second)
	c.Update(Sample{Throughput: 20, ErrorRate: 0.04})
	clock.Advance(2 * time.Second)
	if adj := c.Update(Sample{Throughput: 20, ErrorRate: 0.10}); adj != nil {
		t.Fatalf("Expected no adjustment while the error trend still reads down, got %+v", adj)
	}
	clock.Advance(2 * time.Second)
	adj := c.Update(Sample{Throughput: 20, ErrorRate: 0.16})
	if adj == nil {
		t.Fatal("Expected a reduction despite active cooldown")
	}
	if adj.Reason != ReasonThroughputPlateau {
		t.Errorf("Expected reason=%s, got %s", ReasonThroughputPlateau, adj.Reason)
	}
}

func TestControllerSteadyStateGrowth(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{Service: "svc"})
	c.setClock(clock.Now)

	if adj := c.Update(Sample{Throughput: 10, Latency: 100 * time.Millisecond}); adj != nil {
		t.Errorf("Expected no adjustment before %d samples, got %+v", c.config.TrendSamples, adj)
	}
	clock.Advance(5 * time.Second)
	if adj := c.Update(Sample{Throughput: 20, Latency: 100 * time.Millisecond}); adj != nil {
		t.Errorf("Expected no adjustment before %d samples, got %+v", c.config.TrendSamples, adj)
	}

	clock.Advance(5 * time.Second)
	adj := c.Update(Sample{Throughput: 30, Latency: 100 * time.Millisecond})
	if adj == nil {
		t.Fatal("Expected a growth adjustment from an increasing throughput trend")
	}
	if adj.Reason != ReasonThroughputGrowth {
		t.Errorf("Expected reason=%s, got %s", ReasonThroughputGrowth, adj.Reason)
	}
	if adj.From != 8 || adj.To != 9 {
		t.Errorf("Expected 8 -> 9, got %d -> %d", adj.From, adj.To)
	}

	state := c.State()
	if state.ThroughputTrend != "increasing" {
		t.Errorf("Expected throughput trend increasing, got %s", state.ThroughputTrend)
	}
	if state.ErrorTrend != "plateauing" {
		t.Errorf("Expected error trend plateauing, got %s", state.ErrorTrend)
	}
}

func TestControllerLatencyDegradation(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{Service: "svc"})
	c.setClock(clock.Now)

	// Flat throughput keeps growth off; the p95 jump between the two
	// windows is what triggers the reduction.
	latencies := []time.Duration{
		100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond,
		130 * time.Millisecond, 130 * time.Millisecond, 130 * time.Millisecond,
	}

	var last *Adjustment
	for i, l := range latencies {
		last = c.Update(Sample{Throughput: 20, Latency: l})
		if i < len(latencies)-1 && last != nil {
			t.Fatalf("Expected no adjustment at sample %d, got %+v", i+1, last)
		}
		clock.Advance(5 * time.Second)
	}

	if last == nil {
		t.Fatal("Expected a latency reduction after both windows filled")
	}
	if last.Reason != ReasonLatencyDegradation {
		t.Errorf("Expected reason=%s, got %s", ReasonLatencyDegradation, last.Reason)
	}
	if last.From != 8 || last.To != 7 {
		t.Errorf("Expected 8 -> 7, got %d -> %d", last.From, last.To)
	}
}

func TestControllerLatencyBaselineReference(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:         "svc",
		BaselineLatency: 100 * time.Millisecond,
	})
	c.setClock(clock.Now)

	// Only one trend window exists yet; the declared baseline stands in
	// for the missing previous window.
	var last *Adjustment
	for i := 0; i < 3; i++ {
		last = c.Update(Sample{Throughput: 20, Latency: 200 * time.Millisecond})
		if i < 2 && last != nil {
			t.Fatalf("Expected no adjustment at sample %d, got %+v", i+1, last)
		}
		clock.Advance(5 * time.Second)
	}
	if last == nil {
		t.Fatal("Expected a latency reduction against the baseline")
	}
	if last.Reason != ReasonLatencyDegradation {
		t.Errorf("Expected reason=%s, got %s", ReasonLatencyDegradation, last.Reason)
	}
	if last.From != 8 || last.To != 7 {
		t.Errorf("Expected 8 -> 7, got %d -> %d", last.From, last.To)
	}

	// Latency within the margin of the baseline never trips it.
	calm := NewConcurrencyController(ControllerConfig{
		Service:         "svc",
		BaselineLatency: 100 * time.Millisecond,
	})
	calm.setClock(clock.Now)
	for i := 0; i < 3; i++ {
		if adj := calm.Update(Sample{Throughput: 20, Latency: 110 * time.Millisecond}); adj != nil {
			t.Errorf("Expected no adjustment at sample %d, got %+v", i+1, adj)
		}
		clock.Advance(5 * time.Second)
	}
}

func TestControllerSettlesUnderDegradation(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:            "svc",
		MinConcurrency:     2,
		MaxConcurrency:     16,
		InitialConcurrency: 8,
		ErrorThreshold:     0.2,
	})
	c.setClock(clock.Now)

	// A service degrading under load: throughput flattens out while the
	// error rate climbs through the threshold.
	samples := []Sample{
		{Throughput: 22.2, ErrorRate: 0.05, Latency: 100 * time.Millisecond},
		{Throughput: 24.0, ErrorRate: 0.10, Latency: 110 * time.Millisecond},
		{Throughput: 20.0, ErrorRate: 0.15, Latency: 120 * time.Millisecond},
		{Throughput: 18.0, ErrorRate: 0.22, Latency: 150 * time.Millisecond},
	}

	for _, s := range samples {
		c.Update(s)
		clock.Advance(5 * time.Second)
	}

	got := c.Current()
	if got < 4 || got > 6 {
		t.Errorf("Expected concurrency to settle in [4,6], got %d", got)
	}
}

func TestControllerBurstGrantAndDecay(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{Service: "svc"})
	c.setClock(clock.Now)

	quiet := Sample{Throughput: 20, Demand: 50}

	// Establish the baseline arrival rate at 10 req/s
	for i := 0; i < 3; i++ {
		if adj := c.Update(quiet); adj != nil {
			t.Fatalf("Expected no adjustment during quiet windows, got %+v", adj)
		}
		clock.Advance(5 * time.Second)
	}

	// Demand at 25 req/s is past 2x the baseline: grant a burst
	surge := Sample{Throughput: 20, Demand: 125}
	adj := c.Update(surge)
	if adj == nil {
		t.Fatal("Expected a burst grant")
	}
	if adj.Reason != ReasonBurst {
		t.Errorf("Expected reason=%s, got %s", ReasonBurst, adj.Reason)
	}
	if adj.From != 8 || adj.To != 12 {
		t.Errorf("Expected 8 -> 12, got %d -> %d", adj.From, adj.To)
	}
	if !c.State().BurstActive {
		t.Error("Expected burst marked active")
	}

	// The grant holds while demand stays elevated
	clock.Advance(5 * time.Second)
	if adj := c.Update(surge); adj != nil {
		t.Errorf("Expected the grant to hold during the surge, got %+v", adj)
	}

	// Demand subsides: the first quiet window only builds the plan
	clock.Advance(5 * time.Second)
	if adj := c.Update(quiet); adj != nil {
		t.Errorf("Expected no step on the planning window, got %+v", adj)
	}
	if plan := c.State().RecoveryPlan; len(plan) != 4 {
		t.Fatalf("Expected recovery plan [11 10 9 8], got %v", plan)
	}

	// One step down per decay interval
	expected := []int{11, 10, 9, 8}
	for _, want := range expected {
		clock.Advance(5 * time.Second)
		step := c.Update(quiet)
		if step == nil {
			t.Fatalf("Expected a recovery step toward %d", want)
		}
		if step.Reason != ReasonRecovery {
			t.Errorf("Expected reason=%s, got %s", ReasonRecovery, step.Reason)
		}
		if step.To != want {
			t.Errorf("Expected step to %d, got %d", want, step.To)
		}
	}

	if c.State().BurstActive {
		t.Error("Expected burst inactive after the plan drained")
	}
	if c.Current() != 8 {
		t.Errorf("Expected pre-burst value 8 restored, got %d", c.Current())
	}

	// The baseline never absorbed the surge windows: 22 req/s still
	// counts as a fresh burst against the 10 req/s baseline.
	clock.Advance(5 * time.Second)
	again := c.Update(Sample{Throughput: 20, Demand: 110})
	if again == nil || again.Reason != ReasonBurst {
		t.Fatalf("Expected a fresh burst grant against the frozen baseline, got %+v", again)
	}
}

func TestControllerBurstBlockedDuringCooldown(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:        "svc",
		ErrorThreshold: 0.2,
	})
	c.setClock(clock.Now)

	quiet := Sample{Throughput: 20, Demand: 50}
	c.Update(quiet)
	clock.Advance(5 * time.Second)
	c.Update(quiet)
	clock.Advance(5 * time.Second)

	// Emergency opens a cooldown
	if adj := c.Update(Sample{Throughput: 15, ErrorRate: 0.4, Demand: 50}); adj == nil {
		t.Fatal("Expected an emergency adjustment")
	}
	current := c.Current()

	// A surge inside the cooldown gets no grant
	clock.Advance(5 * time.Second)
	if adj := c.Update(Sample{Throughput: 15, Demand: 125}); adj != nil {
		t.Errorf("Expected no burst grant during cooldown, got %+v", adj)
	}
	if c.Current() != current {
		t.Errorf("Expected concurrency unchanged at %d, got %d", current, c.Current())
	}
}

func TestControllerEmergencyCancelsBurst(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:        "svc",
		ErrorThreshold: 0.2,
	})
	c.setClock(clock.Now)

	quiet := Sample{Throughput: 20, Demand: 50}
	for i := 0; i < 3; i++ {
		c.Update(quiet)
		clock.Advance(5 * time.Second)
	}

	if adj := c.Update(Sample{Throughput: 20, Demand: 125}); adj == nil || adj.Reason != ReasonBurst {
		t.Fatalf("Expected a burst grant, got %+v", adj)
	}

	// Overload during the burst: emergency wins, burst state is dropped
	clock.Advance(5 * time.Second)
	adj := c.Update(Sample{Throughput: 10, ErrorRate: 0.5, Demand: 125})
	if adj == nil || adj.Reason != ReasonErrorThreshold {
		t.Fatalf("Expected an emergency adjustment, got %+v", adj)
	}

	state := c.State()
	if state.BurstActive {
		t.Error("Expected burst cancelled by the emergency")
	}
	if len(state.RecoveryPlan) != 0 {
		t.Errorf("Expected recovery plan dropped, got %v", state.RecoveryPlan)
	}
}

func TestControllerBurstClearsAfterResourceReductions(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{Service: "svc"})
	c.setClock(clock.Now)

	quiet := Sample{Throughput: 20, Demand: 50}
	for i := 0; i < 3; i++ {
		c.Update(quiet)
		clock.Advance(5 * time.Second)
	}

	if adj := c.Update(Sample{Throughput: 20, Demand: 125}); adj == nil || adj.Reason != ReasonBurst {
		t.Fatalf("Expected a burst grant, got %+v", adj)
	}

	// Critical pressure during the surge walks the value down one step per
	// sample, all the way below the pre-burst level.
	hot := Sample{
		Throughput: 20,
		Demand:     125,
		Resources:  &ResourceSnapshot{CPUPercent: 99},
	}
	for want := 11; want >= 6; want-- {
		clock.Advance(5 * time.Second)
		adj := c.Update(hot)
		if adj == nil || adj.Reason != ReasonResourcePressure {
			t.Fatalf("Expected a resource reduction toward %d, got %+v", want, adj)
		}
		if adj.To != want {
			t.Errorf("Expected step to %d, got %d", want, adj.To)
		}
	}

	// Demand subsides with nothing left to drain: the burst ends on this
	// sample rather than pinning the controller in burst state.
	clock.Advance(5 * time.Second)
	if adj := c.Update(quiet); adj != nil {
		t.Errorf("Expected no adjustment when the burst clears, got %+v", adj)
	}
	state := c.State()
	if state.BurstActive {
		t.Error("Expected burst inactive once below the pre-burst level")
	}
	if len(state.RecoveryPlan) != 0 {
		t.Errorf("Expected no recovery plan, got %v", state.RecoveryPlan)
	}
	if c.Current() != 6 {
		t.Errorf("Expected concurrency 6, got %d", c.Current())
	}

	// Steady state owns the value again: rising throughput grows it.
	clock.Advance(5 * time.Second)
	adj := c.Update(Sample{Throughput: 30, Demand: 50})
	if adj == nil || adj.Reason != ReasonThroughputGrowth {
		t.Fatalf("Expected a growth adjustment after the burst cleared, got %+v", adj)
	}
	if adj.From != 6 || adj.To != 7 {
		t.Errorf("Expected 6 -> 7, got %d -> %d", adj.From, adj.To)
	}
}

func TestControllerRecoveryNeverRaises(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{Service: "svc"})
	c.setClock(clock.Now)

	quiet := Sample{Throughput: 20, Demand: 50}
	for i := 0; i < 3; i++ {
		c.Update(quiet)
		clock.Advance(5 * time.Second)
	}

	if adj := c.Update(Sample{Throughput: 20, Demand: 125}); adj == nil || adj.Reason != ReasonBurst {
		t.Fatalf("Expected a burst grant, got %+v", adj)
	}

	// The first quiet window builds the recovery plan from the peak.
	clock.Advance(5 * time.Second)
	if adj := c.Update(quiet); adj != nil {
		t.Errorf("Expected no step on the planning window, got %+v", adj)
	}
	if plan := c.State().RecoveryPlan; len(plan) != 4 {
		t.Fatalf("Expected recovery plan [11 10 9 8], got %v", plan)
	}

	// Critical pressure then drops the value past every planned step.
	hot := Sample{
		Throughput: 20,
		Demand:     125,
		Resources:  &ResourceSnapshot{CPUPercent: 99},
	}
	for want := 11; want >= 7; want-- {
		clock.Advance(5 * time.Second)
		adj := c.Update(hot)
		if adj == nil || adj.To != want {
			t.Fatalf("Expected a resource reduction to %d, got %+v", want, adj)
		}
	}

	// The stale plan's steps sit above the reduced value; recovery must
	// not climb back toward them.
	for i := 0; i < 4; i++ {
		clock.Advance(5 * time.Second)
		if adj := c.Update(quiet); adj != nil {
			t.Errorf("Expected no adjustment on quiet window %d, got %+v", i+1, adj)
		}
	}
	if c.State().BurstActive {
		t.Error("Expected burst inactive after the reductions")
	}
	if c.Current() != 7 {
		t.Errorf("Expected concurrency to hold at 7, got %d", c.Current())
	}
}

func TestControllerResourceHighWaterBlocksGrowth(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{Service: "svc"})
	c.setClock(clock.Now)

	c.Update(Sample{Throughput: 10})
	clock.Advance(5 * time.Second)
	c.Update(Sample{Throughput: 20})
	clock.Advance(5 * time.Second)

	// Trends say grow, the host says otherwise
	adj := c.Update(Sample{
		Throughput: 30,
		Resources:  &ResourceSnapshot{CPUPercent: 87},
	})
	if adj != nil {
		t.Errorf("Expected growth blocked over the CPU high-water mark, got %+v", adj)
	}
	if got := c.State().LimitingResource; got != "cpu" {
		t.Errorf("Expected limiting resource cpu, got %q", got)
	}

	// The block lifts once pressure subsides
	clock.Advance(5 * time.Second)
	adj = c.Update(Sample{
		Throughput: 40,
		Resources:  &ResourceSnapshot{CPUPercent: 40},
	})
	if adj == nil || adj.Reason != ReasonThroughputGrowth {
		t.Fatalf("Expected growth after pressure cleared, got %+v", adj)
	}
	if got := c.State().LimitingResource; got != "" {
		t.Errorf("Expected limiting resource cleared, got %q", got)
	}
}

func TestControllerFDHighWaterBlocksGrowth(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{Service: "svc"})
	c.setClock(clock.Now)

	c.Update(Sample{Throughput: 10})
	clock.Advance(5 * time.Second)
	c.Update(Sample{Throughput: 20})
	clock.Advance(5 * time.Second)

	adj := c.Update(Sample{
		Throughput: 30,
		Resources:  &ResourceSnapshot{FDUsed: 91, FDLimit: 100},
	})
	if adj != nil {
		t.Errorf("Expected growth blocked over the FD high-water mark, got %+v", adj)
	}
	if got := c.State().LimitingResource; got != "file_descriptors" {
		t.Errorf("Expected limiting resource file_descriptors, got %q", got)
	}
}

func TestControllerResourceCriticalForcesReduction(t *testing.T) {
	testCases := []struct {
		name      string
		resources ResourceSnapshot
		expected  string
	}{
		{"cpu", ResourceSnapshot{CPUPercent: 96}, "cpu"},
		{"memory", ResourceSnapshot{MemoryPercent: 97}, "memory"},
		{"file descriptors", ResourceSnapshot{FDUsed: 96, FDLimit: 100}, "file_descriptors"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			c := NewConcurrencyController(ControllerConfig{Service: "svc"})
			c.setClock(clock.Now)

			adj := c.Update(Sample{Throughput: 20, Resources: &tc.resources})
			if adj == nil {
				t.Fatal("Expected a reduction under critical resource pressure")
			}
			if adj.Reason != ReasonResourcePressure {
				t.Errorf("Expected reason=%s, got %s", ReasonResourcePressure, adj.Reason)
			}
			if adj.From != 8 || adj.To != 7 {
				t.Errorf("Expected 8 -> 7, got %d -> %d", adj.From, adj.To)
			}
			if got := c.State().LimitingResource; got != tc.expected {
				t.Errorf("Expected limiting resource %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestControllerResourceCriticalAtMinimum(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:            "svc",
		MinConcurrency:     8,
		MaxConcurrency:     32,
		InitialConcurrency: 8,
	})
	c.setClock(clock.Now)

	adj := c.Update(Sample{Throughput: 20, Resources: &ResourceSnapshot{CPUPercent: 99}})
	if adj != nil {
		t.Errorf("Expected no adjustment at the floor, got %+v", adj)
	}
	if got := c.State().LimitingResource; got != "cpu" {
		t.Errorf("Expected limiting resource still reported, got %q", got)
	}
}

func TestControllerBoundsInvariant(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:            "svc",
		MinConcurrency:     2,
		MaxConcurrency:     12,
		InitialConcurrency: 6,
		ErrorThreshold:     0.1,
	})
	c.setClock(clock.Now)

	samples := []Sample{
		{Throughput: 10, Demand: 40},
		{Throughput: 20, Demand: 40},
		{Throughput: 30, Demand: 40},
		{Throughput: 35, Demand: 200},
		{Throughput: 30, Demand: 200},
		{Throughput: 5, ErrorRate: 0.9, Demand: 40},
		{Throughput: 5, ErrorRate: 0.9, Demand: 40},
		{Throughput: 5, ErrorRate: 0.9, Demand: 40},
		{Throughput: 10, Demand: 40, Resources: &ResourceSnapshot{CPUPercent: 99}},
		{Throughput: 10, Demand: 40, Resources: &ResourceSnapshot{MemoryPercent: 99}},
		{Throughput: 20, Demand: 40},
		{Throughput: 30, Demand: 40},
		{Throughput: 40, Demand: 40},
		{Throughput: 50, Demand: 300},
	}

	for i, s := range samples {
		adj := c.Update(s)
		got := c.Current()
		if got < 2 || got > 12 {
			t.Fatalf("Sample %d: concurrency %d escaped bounds [2,12]", i, got)
		}
		if adj != nil {
			if adj.To != got {
				t.Errorf("Sample %d: adjustment To=%d disagrees with Current=%d", i, adj.To, got)
			}
			if adj.From == adj.To {
				t.Errorf("Sample %d: no-op adjustment emitted %d -> %d", i, adj.From, adj.To)
			}
		}
		clock.Advance(5 * time.Second)
	}
}

func TestControllerBreakerPassthrough(t *testing.T) {
	c := NewConcurrencyController(ControllerConfig{
		Service: "svc",
		Breaker: CircuitBreakerConfig{FailureThreshold: 3},
	})

	if !c.AllowExecution() {
		t.Fatal("Expected execution allowed with a closed breaker")
	}

	c.RecordFailure()
	c.RecordFailure()
	c.RecordFailure()

	if c.AllowExecution() {
		t.Error("Expected execution refused after the breaker opened")
	}
	if got := c.State().BreakerState; got != StateOpen {
		t.Errorf("Expected breaker state=Open, got %v", got)
	}

	c2 := NewConcurrencyController(ControllerConfig{
		Service: "svc",
		Breaker: CircuitBreakerConfig{FailureThreshold: 3},
	})
	c2.RecordFailure()
	c2.RecordFailure()
	c2.RecordSuccess()
	c2.RecordFailure()
	if !c2.AllowExecution() {
		t.Error("Expected execution allowed: the success reset the consecutive count")
	}
}

func TestControllerReset(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{
		Service:            "svc",
		InitialConcurrency: 10,
		ErrorThreshold:     0.1,
		Breaker:            CircuitBreakerConfig{FailureThreshold: 2},
	})
	c.setClock(clock.Now)

	c.Update(Sample{Throughput: 5, ErrorRate: 0.5})
	c.RecordFailure()
	c.RecordFailure()

	if c.Current() == 10 {
		t.Fatal("Expected the emergency to move the value before reset")
	}
	if c.AllowExecution() {
		t.Fatal("Expected the breaker open before reset")
	}

	c.Reset()

	if c.Current() != 10 {
		t.Errorf("Expected current restored to 10, got %d", c.Current())
	}
	if !c.AllowExecution() {
		t.Error("Expected a fresh closed breaker after reset")
	}

	state := c.State()
	if state.Samples != 0 {
		t.Errorf("Expected sample window cleared, got %d", state.Samples)
	}
	if state.LastAdjustment != nil {
		t.Errorf("Expected last adjustment cleared, got %+v", state.LastAdjustment)
	}
	if state.BurstActive {
		t.Error("Expected burst state cleared")
	}
}

func TestControllerStateSnapshot(t *testing.T) {
	clock := newFakeClock()
	c := NewConcurrencyController(ControllerConfig{Service: "billing"})
	c.setClock(clock.Now)

	c.Update(Sample{Throughput: 10})
	clock.Advance(5 * time.Second)
	c.Update(Sample{Throughput: 20})
	clock.Advance(5 * time.Second)
	c.Update(Sample{Throughput: 30})

	state := c.State()
	if state.Service != "billing" {
		t.Errorf("Expected service=billing, got %s", state.Service)
	}
	if state.Current != 9 {
		t.Errorf("Expected current=9 after growth, got %d", state.Current)
	}
	if state.Samples != 3 {
		t.Errorf("Expected 3 buffered samples, got %d", state.Samples)
	}
	if state.LastAdjustment == nil {
		t.Fatal("Expected last adjustment recorded")
	}
	if state.LastAdjustment.Reason != ReasonThroughputGrowth {
		t.Errorf("Expected last reason=%s, got %s", ReasonThroughputGrowth, state.LastAdjustment.Reason)
	}
}
