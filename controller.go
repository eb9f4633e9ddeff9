package selaras

import (
	"math"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/selaras/internal/decay"
	"github.com/ambiyansyah-risyal/selaras/internal/trend"
)

// BurstConfig tunes temporary concurrency grants for demand spikes.
type BurstConfig struct {
	// Multiplier is how far above the EWMA baseline the arrival rate must
	// rise to count as a burst.
	Multiplier float64
	// BaselineAlpha is the EWMA smoothing factor for the baseline rate.
	BaselineAlpha float64
	// Factor scales the concurrency grant: a burst raises the limit toward
	// ceil(current * Factor), still capped at MaxConcurrency.
	Factor float64
	// DecayInterval paces the recovery plan once a burst subsides: one
	// step down per interval.
	DecayInterval time.Duration
}

// ResourceLimits are the high-water marks for resource awareness. Any
// metric over its high-water mark blocks concurrency increases; any metric
// over its critical mark forces a reduction.
type ResourceLimits struct {
	CPUHighWater    float64 // percent
	MemoryHighWater float64 // percent
	FDHighWater     float64 // used/limit fraction
	CPUCritical     float64
	MemoryCritical  float64
	FDCritical      float64
}

// ControllerConfig holds concurrency controller configuration. The trend
// constants are deliberately exposed: what counts as plateauing versus
// increasing is workload-dependent tuning, not a universal truth.
type ControllerConfig struct {
	Service            string
	MinConcurrency     int
	MaxConcurrency     int
	InitialConcurrency int
	MeasurementWindow  time.Duration
	SamplingInterval   time.Duration
	// TrendSamples is how many trailing samples the trend fit looks at.
	TrendSamples    int
	ThroughputNoise float64
	ErrorNoise      float64
	// LatencyMargin is the tolerated p95 growth versus the previous window
	// before latency is considered degraded.
	LatencyMargin float64
	// BaselineLatency, when set, anchors the latency comparison until two
	// full trend windows of samples exist.
	BaselineLatency time.Duration
	// ErrorThreshold triggers the emergency reduction path.
	ErrorThreshold        float64
	CooldownPeriod        time.Duration
	EmergencyMinReduction int
	SeverityModerate      float64
	SeverityHigh          float64
	// HighSeverityFactor is the error-rate overshoot ratio at which the
	// emergency reduction switches from moderate to high severity.
	HighSeverityFactor float64
	Breaker            CircuitBreakerConfig
	Burst              BurstConfig
	Resources          ResourceLimits
}

func (c *ControllerConfig) fillDefaults() {
	if c.MinConcurrency == 0 {
		c.MinConcurrency = 1
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 32
	}
	if c.InitialConcurrency == 0 {
		c.InitialConcurrency = clampInt(8, c.MinConcurrency, c.MaxConcurrency)
	}
	if c.MeasurementWindow == 0 {
		c.MeasurementWindow = 60 * time.Second
	}
	if c.SamplingInterval == 0 {
		c.SamplingInterval = 5 * time.Second
	}
	if c.TrendSamples == 0 {
		c.TrendSamples = 3
	}
	if c.ThroughputNoise == 0 {
		c.ThroughputNoise = 1.5
	}
	if c.ErrorNoise == 0 {
		c.ErrorNoise = 0.02
	}
	if c.LatencyMargin == 0 {
		c.LatencyMargin = 0.20
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = 0.10
	}
	if c.CooldownPeriod == 0 {
		c.CooldownPeriod = 10 * time.Second
	}
	if c.EmergencyMinReduction == 0 {
		c.EmergencyMinReduction = 3
	}
	if c.SeverityModerate == 0 {
		c.SeverityModerate = 0.25
	}
	if c.SeverityHigh == 0 {
		c.SeverityHigh = 0.5
	}
	if c.HighSeverityFactor == 0 {
		c.HighSeverityFactor = 1.5
	}
	if c.Burst.Multiplier == 0 {
		c.Burst.Multiplier = 2.0
	}
	if c.Burst.BaselineAlpha == 0 {
		c.Burst.BaselineAlpha = 0.3
	}
	if c.Burst.Factor == 0 {
		c.Burst.Factor = 1.5
	}
	if c.Burst.DecayInterval == 0 {
		c.Burst.DecayInterval = c.SamplingInterval
	}
	if c.Resources.CPUHighWater == 0 {
		c.Resources.CPUHighWater = 85
	}
	if c.Resources.MemoryHighWater == 0 {
		c.Resources.MemoryHighWater = 90
	}
	if c.Resources.FDHighWater == 0 {
		c.Resources.FDHighWater = 0.9
	}
	if c.Resources.CPUCritical == 0 {
		c.Resources.CPUCritical = 95
	}
	if c.Resources.MemoryCritical == 0 {
		c.Resources.MemoryCritical = 95
	}
	if c.Resources.FDCritical == 0 {
		c.Resources.FDCritical = 0.95
	}
}

// ControllerState is an observable snapshot of one controller.
type ControllerState struct {
	Service          string
	Current          int
	Min              int
	Max              int
	ThroughputTrend  string
	ErrorTrend       string
	CooldownUntil    time.Time
	BreakerState     CircuitState
	BurstActive      bool
	RecoveryPlan     []int
	LimitingResource string
	Samples          int
	LastAdjustment   *Adjustment
}

// ConcurrencyController is the feedback loop deciding how many calls to
// one service may run at once. All mutation happens under one mutex, and
// the engine's feedback collector is the only Update caller, so workers
// never observe torn state.
type ConcurrencyController struct {
	config  ControllerConfig
	breaker *CircuitBreaker
	planner *decay.Planner

	mu             sync.Mutex
	current        int
	ring           []Sample
	head           int
	count          int
	cooldownUntil  time.Time
	lastAdjustment *Adjustment

	burstActive  bool
	preBurst     int
	baselineRate float64
	baselineSet  bool
	recoveryPlan []int
	lastDecayAt  time.Time

	limitingResource string
	throughputTrend  trend.Direction
	errorTrend       trend.Direction

	now func() time.Time
}

// NewConcurrencyController creates a controller seeded at
// InitialConcurrency with a closed circuit breaker.
func NewConcurrencyController(config ControllerConfig) *ConcurrencyController {
	config.fillDefaults()

	ringSize := int(config.MeasurementWindow / config.SamplingInterval)
	// The latency comparison needs a current and a previous window.
	if ringSize < 2*config.TrendSamples {
		ringSize = 2 * config.TrendSamples
	}

	return &ConcurrencyController{
		config:  config,
		breaker: NewCircuitBreaker(config.Breaker),
		planner: decay.GetLinearPlanner(),
		current: config.InitialConcurrency,
		ring:    make([]Sample, ringSize),
		now:     time.Now,
	}
}

// Update records a sample and returns the resulting adjustment, or nil
// when the concurrency value holds. min <= current <= max holds after
// every call.
func (c *ConcurrencyController) Update(s Sample) *Adjustment {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if s.Timestamp.IsZero() {
		s.Timestamp = now
	}
	c.pushLocked(s)
	c.refreshTrendsLocked()
	c.limitingResource = ""

	// Emergency path runs first and bypasses cooldown.
	if s.ErrorRate >= c.config.ErrorThreshold {
		return c.emergencyLocked(s, now)
	}

	// Critical resource pressure forces a step down even when the
	// performance signals look fine.
	if name := c.config.Resources.criticalOf(s.Resources); name != "" {
		c.limitingResource = name
		if c.current > c.config.MinConcurrency {
			return c.adjustLocked(c.current-1, ReasonResourcePressure, now)
		}
		return nil
	}

	if adj := c.burstLocked(s, now); adj != nil {
		return adj
	}
	if c.burstActive {
		// An active burst owns the value until its recovery plan drains.
		return nil
	}

	return c.steadyStateLocked(s, now)
}

func (c *ConcurrencyController) emergencyLocked(s Sample, now time.Time) *Adjustment {
	severity := c.config.SeverityModerate
	if s.ErrorRate >= c.config.HighSeverityFactor*c.config.ErrorThreshold {
		severity = c.config.SeverityHigh
	}

	reduction := c.config.EmergencyMinReduction
	if scaled := int(math.Ceil(float64(c.current) * severity)); scaled > reduction {
		reduction = scaled
	}

	// Any in-progress burst is cancelled outright; overload wins.
	c.burstActive = false
	c.recoveryPlan = nil
	c.cooldownUntil = now.Add(c.config.CooldownPeriod)

	target := clampInt(c.current-reduction, c.config.MinConcurrency, c.config.MaxConcurrency)
	if target == c.current {
		return nil
	}
	return c.adjustLocked(target, ReasonErrorThreshold, now)
}

func (c *ConcurrencyController) burstLocked(s Sample, now time.Time) *Adjustment {
	rate := 0.0
	if c.config.SamplingInterval > 0 {
		rate = float64(s.Demand) / c.config.SamplingInterval.Seconds()
	}

	surge := c.baselineSet && c.baselineRate > 0 && rate > c.config.Burst.Multiplier*c.baselineRate

	if !c.burstActive {
		if surge {
			if now.Before(c.cooldownUntil) {
				return nil
			}
			if name := c.config.Resources.highWaterOf(s.Resources); name != "" {
				c.limitingResource = name
				return nil
			}
			target := clampInt(int(math.Ceil(float64(c.current)*c.config.Burst.Factor)),
				c.config.MinConcurrency, c.config.MaxConcurrency)
			if target <= c.current {
				return nil
			}
			c.preBurst = c.current
			c.burstActive = true
			c.recoveryPlan = nil
			return c.adjustLocked(target, ReasonBurst, now)
		}

		// Only quiet periods feed the baseline, so a sustained burst cannot
		// talk its way into being the new normal.
		if s.Demand > 0 {
			if !c.baselineSet {
				c.baselineRate = rate
				c.baselineSet = true
			} else {
				alpha := c.config.Burst.BaselineAlpha
				c.baselineRate = alpha*rate + (1-alpha)*c.baselineRate
			}
		}
		return nil
	}

	// Burst active. While demand stays elevated the grant holds.
	if surge {
		return nil
	}

	if c.recoveryPlan == nil {
		plan := c.planner.Plan(c.current, c.preBurst)
		if len(plan) == 0 {
			// Reductions during the burst already took the value back to
			// its pre-burst level; there is nothing to drain. The burst
			// ends here so steady state resumes on this same sample.
			c.burstActive = false
			return nil
		}
		c.recoveryPlan = plan
		c.lastDecayAt = now
		return nil
	}

	if now.Sub(c.lastDecayAt) < c.config.Burst.DecayInterval {
		return nil
	}

	next := c.recoveryPlan[0]
	c.recoveryPlan = c.recoveryPlan[1:]
	c.lastDecayAt = now
	if next >= c.current {
		// Reductions that ran while the plan waited already passed this
		// step; recovery only ever moves the value down.
		if c.current <= c.preBurst || len(c.recoveryPlan) == 0 {
			c.burstActive = false
			c.recoveryPlan = nil
		}
		return nil
	}
	adj := c.adjustLocked(next, ReasonRecovery, now)
	if next <= c.preBurst || len(c.recoveryPlan) == 0 {
		c.burstActive = false
		c.recoveryPlan = nil
	}
	return adj
}

func (c *ConcurrencyController) steadyStateLocked(s Sample, now time.Time) *Adjustment {
	if c.count < c.config.TrendSamples {
		return nil
	}

	latencyBreach := c.latencyGrowthLocked() > c.config.LatencyMargin

	// Reductions are always permitted, cooldown or not.
	if latencyBreach && c.current > c.config.MinConcurrency {
		return c.adjustLocked(c.current-1, ReasonLatencyDegradation, now)
	}
	if c.throughputTrend == trend.Plateauing && c.errorTrend == trend.Increasing &&
		c.current > c.config.MinConcurrency {
		return c.adjustLocked(c.current-1, ReasonThroughputPlateau, now)
	}

	if now.Before(c.cooldownUntil) {
		return nil
	}

	if c.errorTrend != trend.Increasing && c.throughputTrend == trend.Increasing &&
		!latencyBreach && c.current < c.config.MaxConcurrency {
		if name := c.config.Resources.highWaterOf(s.Resources); name != "" {
			c.limitingResource = name
			return nil
		}
		return c.adjustLocked(c.current+1, ReasonThroughputGrowth, now)
	}

	return nil
}

func (c *ConcurrencyController) adjustLocked(to int, reason AdjustmentReason, now time.Time) *Adjustment {
	to = clampInt(to, c.config.MinConcurrency, c.config.MaxConcurrency)
	adj := &Adjustment{
		Service:   c.config.Service,
		From:      c.current,
		To:        to,
		Reason:    reason,
		Timestamp: now,
	}
	c.current = to
	c.lastAdjustment = adj
	return adj
}

func (c *ConcurrencyController) pushLocked(s Sample) {
	c.ring[c.head] = s
	c.head = (c.head + 1) % len(c.ring)
	if c.count < len(c.ring) {
		c.count++
	}
}

// chronologicalLocked returns the buffered samples oldest first.
func (c *ConcurrencyController) chronologicalLocked() []Sample {
	out := make([]Sample, 0, c.count)
	start := (c.head - c.count + len(c.ring)) % len(c.ring)
	for i := 0; i < c.count; i++ {
		out = append(out, c.ring[(start+i)%len(c.ring)])
	}
	return out
}

func (c *ConcurrencyController) refreshTrendsLocked() {
	if c.count < c.config.TrendSamples {
		c.throughputTrend = trend.Plateauing
		c.errorTrend = trend.Plateauing
		return
	}

	samples := c.chronologicalLocked()
	throughputs := make([]float64, len(samples))
	errorRates := make([]float64, len(samples))
	for i, s := range samples {
		throughputs[i] = s.Throughput
		errorRates[i] = s.ErrorRate
	}

	k := c.config.TrendSamples
	c.throughputTrend = trend.Classify(trend.Tail(throughputs, k), c.config.ThroughputNoise)
	c.errorTrend = trend.Classify(trend.Tail(errorRates, k), c.config.ErrorNoise)
}

// latencyGrowthLocked compares the p95 of the last TrendSamples latencies
// against the window before it. Until both windows exist the profile's
// baseline latency, when declared, serves as the reference; without one
// it reports 0.
func (c *ConcurrencyController) latencyGrowthLocked() float64 {
	k := c.config.TrendSamples
	if c.count < 2*k {
		if c.config.BaselineLatency <= 0 || c.count < k {
			return 0
		}
		samples := c.chronologicalLocked()
		latencies := make([]float64, len(samples))
		for i, s := range samples {
			latencies[i] = float64(s.Latency)
		}
		baseline := float64(c.config.BaselineLatency)
		return (trend.Percentile(latencies[len(latencies)-k:], 95) - baseline) / baseline
	}

	samples := c.chronologicalLocked()
	latencies := make([]float64, len(samples))
	for i, s := range samples {
		latencies[i] = float64(s.Latency)
	}

	currentWindow := latencies[len(latencies)-k:]
	previousWindow := latencies[len(latencies)-2*k : len(latencies)-k]

	prev := trend.Percentile(previousWindow, 95)
	if prev <= 0 {
		return 0
	}
	cur := trend.Percentile(currentWindow, 95)
	return (cur - prev) / prev
}

// AllowExecution asks the breaker whether dispatch may proceed.
func (c *ConcurrencyController) AllowExecution() bool {
	return c.breaker.Allow()
}

// admitExecution is AllowExecution plus whether the admission drew on the
// breaker's half-open budget. Dispatch paths that refuse locally after an
// admission hand it back through refundAdmission.
func (c *ConcurrencyController) admitExecution() (bool, bool) {
	return c.breaker.admit()
}

// refundAdmission returns a budgeted admission that never dispatched.
func (c *ConcurrencyController) refundAdmission() {
	c.breaker.refund()
}

// RecordSuccess feeds a successful completion to the breaker.
func (c *ConcurrencyController) RecordSuccess() {
	c.breaker.RecordSuccess()
}

// RecordFailure feeds a backend failure to the breaker.
func (c *ConcurrencyController) RecordFailure() {
	c.breaker.RecordFailure()
}

// Current returns the present concurrency ceiling.
func (c *ConcurrencyController) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// State returns an observable snapshot.
func (c *ConcurrencyController) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()

	plan := make([]int, len(c.recoveryPlan))
	copy(plan, c.recoveryPlan)

	return ControllerState{
		Service:          c.config.Service,
		Current:          c.current,
		Min:              c.config.MinConcurrency,
		Max:              c.config.MaxConcurrency,
		ThroughputTrend:  c.throughputTrend.String(),
		ErrorTrend:       c.errorTrend.String(),
		CooldownUntil:    c.cooldownUntil,
		BreakerState:     c.breaker.State(),
		BurstActive:      c.burstActive,
		RecoveryPlan:     plan,
		LimitingResource: c.limitingResource,
		Samples:          c.count,
		LastAdjustment:   c.lastAdjustment,
	}
}

// setClock swaps the time source for the controller and its breaker.
func (c *ConcurrencyController) setClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.breaker.now = now
}

// Reset restores the controller to its seed state with a fresh breaker.
func (c *ConcurrencyController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.config.InitialConcurrency
	c.ring = make([]Sample, len(c.ring))
	c.head = 0
	c.count = 0
	c.cooldownUntil = time.Time{}
	c.lastAdjustment = nil
	c.burstActive = false
	c.preBurst = 0
	c.baselineRate = 0
	c.baselineSet = false
	c.recoveryPlan = nil
	c.limitingResource = ""
	c.throughputTrend = trend.Plateauing
	c.errorTrend = trend.Plateauing

	breaker := NewCircuitBreaker(c.config.Breaker)
	breaker.now = c.now
	c.breaker = breaker
}

// highWaterOf returns the name of the first resource over its high-water
// mark, or "" when none is.
func (l ResourceLimits) highWaterOf(r *ResourceSnapshot) string {
	if r == nil {
		return ""
	}
	if r.CPUPercent >= l.CPUHighWater {
		return "cpu"
	}
	if r.MemoryPercent >= l.MemoryHighWater {
		return "memory"
	}
	if frac, ok := fdFraction(r); ok && frac >= l.FDHighWater {
		return "file_descriptors"
	}
	return ""
}

// criticalOf returns the name of the first resource over its critical
// mark, or "" when none is.
func (l ResourceLimits) criticalOf(r *ResourceSnapshot) string {
	if r == nil {
		return ""
	}
	if r.CPUPercent >= l.CPUCritical {
		return "cpu"
	}
	if r.MemoryPercent >= l.MemoryCritical {
		return "memory"
	}
	if frac, ok := fdFraction(r); ok && frac >= l.FDCritical {
		return "file_descriptors"
	}
	return ""
}

func fdFraction(r *ResourceSnapshot) (float64, bool) {
	if r.FDLimit <= 0 {
		return 0, false
	}
	return float64(r.FDUsed) / float64(r.FDLimit), true
}
