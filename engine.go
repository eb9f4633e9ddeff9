package selaras

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ambiyansyah-risyal/selaras/internal/inflight"
	"github.com/ambiyansyah-risyal/selaras/internal/trend"
)

// serviceRuntime bundles the per-service control stack: the feedback
// controller with its breaker, the connection pool, the optional local
// rate limiter and the gate enforcing the adaptive ceiling. Runtimes are
// engine-owned singletons persisting across batches.
type serviceRuntime struct {
	profile    ServiceProfile
	controller *ConcurrencyController
	pool       *ConnectionPool
	limiter    *RateLimiter
	gate       *dynamicGate
}

// Engine is the execution orchestrator. It deduplicates a batch, dispatches
// each unique request through the per-service control stack, fans results
// back out to every original index and feeds outcome samples to the
// concurrency controllers.
type Engine struct {
	executor  Executor
	cache     CacheStore
	defaults  *DefaultsRegistry
	profiles  *ProfileRegistry
	resources ResourceProvider
	metrics   *MetricsCollector
	logger    Logger
	debug     *DebugConfig

	strategy         DeduplicationStrategy
	temporalWindow   time.Duration
	cacheTTL         time.Duration
	maxWorkers       int
	callTimeout      time.Duration
	flushThreshold   int
	samplingInterval time.Duration
	poolConfig       PoolConfig
	breakerConfig    CircuitBreakerConfig

	dedup   *Deduplicator
	flights *inflight.Group
	now     func() time.Time

	// configErrors collects option-time problems for ValidateConfiguration.
	configErrors []string

	mu       sync.RWMutex
	services map[string]*serviceRuntime
	maintain context.Context
	closed   bool
}

// NewEngine creates an engine dispatching through executor. Call
// ValidateConfiguration to surface option mistakes before first use.
func NewEngine(executor Executor, options ...Option) *Engine {
	engine := &Engine{
		executor:         executor,
		cache:            NewInMemoryCache(),
		defaults:         NewDefaultsRegistry(),
		profiles:         NewProfileRegistry(),
		strategy:         DedupExact,
		temporalWindow:   time.Second,
		cacheTTL:         5 * time.Minute,
		maxWorkers:       64,
		flushThreshold:   10,
		samplingInterval: 5 * time.Second,
		flights:          inflight.New(),
		now:              time.Now,
		services:         make(map[string]*serviceRuntime),
	}

	for _, option := range options {
		option(engine)
	}

	engine.dedup = NewDeduplicator(DeduplicatorConfig{
		Strategy:       engine.strategy,
		TemporalWindow: engine.temporalWindow,
		Cache:          engine.cache,
		Defaults:       engine.defaults,
		Profiles:       engine.profiles,
	})
	engine.dedup.now = engine.now

	return engine
}

// runtimeFor returns the control stack for a service, creating and seeding
// it from the service's profile on first use.
func (e *Engine) runtimeFor(service string) *serviceRuntime {
	e.mu.RLock()
	rt, ok := e.services[service]
	e.mu.RUnlock()
	if ok {
		return rt
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.services[service]; ok {
		return rt
	}

	profile := e.profiles.Lookup(service)
	cfg := profile.ControllerConfig()
	cfg.Breaker = e.breakerConfig
	controller := NewConcurrencyController(cfg)
	controller.setClock(e.now)

	poolCfg := e.poolConfig
	poolCfg.Service = service
	pool := NewConnectionPool(poolCfg)
	pool.now = e.now
	if e.maintain != nil {
		go pool.Run(e.maintain)
	}

	rt = &serviceRuntime{
		profile:    profile,
		controller: controller,
		pool:       pool,
		limiter:    profile.RateLimiter(),
		gate:       newDynamicGate(controller.Current()),
	}
	e.services[service] = rt

	e.metrics.RecordConcurrencyLimit(service, controller.Current())
	return rt
}

// BatchMetrics aggregates efficiency numbers for one executed batch.
type BatchMetrics struct {
	TotalRequests        int
	UniqueExecuted       int
	DuplicatesEliminated int
	CacheHits            int
	Failures             int
	Duration             time.Duration
	AvgLatency           time.Duration
	Throughput           float64
}

// BatchResult is the full outcome of ExecuteBatch: one Result per original
// request index, every concurrency adjustment made while the batch ran,
// and the final ceiling per touched service.
type BatchResult struct {
	BatchID          string
	Strategy         DeduplicationStrategy
	Results          []Result
	Adjustments      []Adjustment
	FinalConcurrency map[string]int
	Metrics          BatchMetrics
}

// outcome is one completed dispatch reported to the feedback collector.
// Excluded outcomes are local refusals (open breaker, spent budget, pool
// timeout): they count toward demand but not toward the backend's observed
// error rate or latency.
type outcome struct {
	service  string
	duration time.Duration
	failed   bool
	excluded bool
}

type sampleBucket struct {
	service   string
	durations []time.Duration
	failures  int
	demand    int
	since     time.Time
}

// ExecuteBatch deduplicates requests per the configured strategy, executes
// each unique request through the per-service control stack and returns a
// result for every original index. A malformed request fails the whole
// batch before anything executes; per-request execution failures reach
// only the indices mapped to them.
func (e *Engine) ExecuteBatch(ctx context.Context, requests []Request) (*BatchResult, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, &EngineError{
			Type:      ErrorTypeInternal,
			Message:   "engine is closed",
			Index:     -1,
			Timestamp: e.now(),
		}
	}

	started := e.now()
	batchID := ""
	if e.debug != nil && e.debug.Enabled && e.debug.RequestIDGen != nil {
		batchID = e.debug.RequestIDGen()
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	if e.debug != nil && e.debug.Enabled && e.debug.LogBatches && e.logger != nil {
		e.logger.Info("Starting batch", "batchID", batchID, "requests", len(requests), "strategy", e.strategy.String())
	}

	plan, err := e.dedup.Plan(requests)
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			ee.BatchID = batchID
		}
		e.metrics.RecordError(ErrorTypeValidation, "", "")
		return nil, err
	}

	if e.debug != nil && e.debug.Enabled && e.debug.LogDedup && e.logger != nil {
		e.logger.Debug("Deduplication plan computed", "batchID", batchID,
			"unique", len(plan.UniqueRequests), "duplicates", plan.DuplicatesEliminated(), "cacheHits", plan.CacheHits())
	}
	e.metrics.RecordDuplicatesEliminated(e.strategy.String(), plan.DuplicatesEliminated())

	results := make([]Result, len(requests))

	for idx, entry := range plan.Cached {
		req := requests[idx]
		results[idx] = Result{
			Index:     idx,
			Service:   req.Service,
			Operation: req.Operation,
			Value:     entry.Value,
			FromCache: true,
		}
		e.metrics.RecordCacheHit(req.Service)
		e.metrics.RecordRequest(req.Service, req.Operation, "cache_hit", 0)
		if e.debug != nil && e.debug.Enabled && e.debug.LogCache && e.logger != nil {
			e.logger.Debug("Cache hit", "batchID", batchID, "index", idx, "service", req.Service)
		}
	}
	for _, req := range plan.UniqueRequests {
		if e.dedup.strategyFor(req.Service) == DedupCacheAware {
			e.metrics.RecordCacheMiss(req.Service)
		}
	}

	outcomes := make(chan outcome, len(plan.UniqueRequests)+1)
	collected := make(chan []Adjustment, 1)
	go e.collect(outcomes, collected, started)

	g := &errgroup.Group{}
	g.SetLimit(e.maxWorkers)
	for u := range plan.UniqueRequests {
		g.Go(func() error {
			// Failures stay in the result slots; a worker never aborts
			// the rest of the batch.
			e.executeUnique(ctx, batchID, plan, u, results, outcomes)
			return nil
		})
	}
	_ = g.Wait()
	close(outcomes)
	adjustments := <-collected

	duration := e.now().Sub(started)

	finalConcurrency := make(map[string]int)
	for _, req := range plan.UniqueRequests {
		if _, ok := finalConcurrency[req.Service]; !ok {
			finalConcurrency[req.Service] = e.runtimeFor(req.Service).controller.Current()
		}
	}

	failures := 0
	var latencySum time.Duration
	timed := 0
	for i := range results {
		if results[i].Err != nil {
			failures++
		}
		if results[i].Duration > 0 {
			latencySum += results[i].Duration
			timed++
		}
	}

	metrics := BatchMetrics{
		TotalRequests:        len(requests),
		UniqueExecuted:       len(plan.UniqueRequests),
		DuplicatesEliminated: plan.DuplicatesEliminated(),
		CacheHits:            plan.CacheHits(),
		Failures:             failures,
		Duration:             duration,
	}
	if timed > 0 {
		metrics.AvgLatency = latencySum / time.Duration(timed)
	}
	if duration > 0 {
		metrics.Throughput = float64(len(requests)) / duration.Seconds()
	}

	e.metrics.RecordBatch(e.strategy.String(), duration)

	if e.debug != nil && e.debug.Enabled && e.debug.LogBatches && e.logger != nil {
		e.logger.Info("Batch complete", "batchID", batchID, "duration", duration,
			"failures", failures, "adjustments", len(adjustments))
	}

	return &BatchResult{
		BatchID:          batchID,
		Strategy:         e.strategy,
		Results:          results,
		Adjustments:      adjustments,
		FinalConcurrency: finalConcurrency,
		Metrics:          metrics,
	}, nil
}

// executeUnique runs one unique request and replicates its outcome to
// every original index in its group.
func (e *Engine) executeUnique(ctx context.Context, batchID string, plan *DeduplicationPlan, u int, results []Result, outcomes chan<- outcome) {
	req := plan.UniqueRequests[u]
	key := plan.Keys[u]
	group := plan.Groups[u]
	rt := e.runtimeFor(req.Service)

	value, callErr, callDuration, excluded := e.dispatch(ctx, rt, batchID, req, key, group[0])

	outcomes <- outcome{
		service:  req.Service,
		duration: callDuration,
		failed:   callErr != nil && countsAsFailure(callErr),
		excluded: excluded,
	}

	if callErr == nil && e.cache != nil && e.dedup.strategyFor(req.Service) == DedupCacheAware {
		ttl := rt.profile.CacheTTL
		if ttl <= 0 {
			ttl = e.cacheTTL
		}
		e.cache.Set(key, &CacheEntry{Value: value}, ttl)
		if e.debug != nil && e.debug.Enabled && e.debug.LogCache && e.logger != nil {
			e.logger.Debug("Result cached", "batchID", batchID, "service", req.Service, "ttl", ttl)
		}
	}

	outcomeLabel := "success"
	if callErr != nil {
		outcomeLabel = "error"
		e.metrics.RecordError(ClassOf(callErr), req.Service, req.Operation)
	}
	e.metrics.RecordRequest(req.Service, req.Operation, outcomeLabel, callDuration)

	for gi, idx := range group {
		slotErr := callErr
		var ee *EngineError
		if slotErr != nil && errors.As(slotErr, &ee) {
			clone := *ee
			clone.Index = idx
			slotErr = &clone
		}
		results[idx] = Result{
			Index:           idx,
			Service:         req.Service,
			Operation:       req.Operation,
			Value:           value,
			Err:             slotErr,
			Duration:        callDuration,
			WasDeduplicated: gi > 0,
		}
		if gi > 0 {
			e.metrics.RecordRequest(req.Service, req.Operation, "deduplicated", 0)
		}
	}
}

// dispatch pushes one unique request through the service's control stack.
// The excluded return marks local refusals that never reached the backend.
func (e *Engine) dispatch(ctx context.Context, rt *serviceRuntime, batchID string, req Request, key string, index int) (any, error, time.Duration, bool) {
	allowed, budgeted := rt.controller.admitExecution()
	if !allowed {
		if e.debug != nil && e.debug.Enabled && e.debug.LogCircuit && e.logger != nil {
			e.logger.Warn("Circuit open, refusing dispatch", "batchID", batchID, "service", req.Service)
		}
		e.metrics.RecordCircuitBreakerState(req.Service, rt.controller.State().BreakerState)
		return nil, refusalError(ErrCircuitOpen, ErrorTypeCircuitOpen, "circuit breaker open", batchID, req, index, e.now()), 0, true
	}

	if rt.limiter != nil && !rt.limiter.Allow() {
		// Local refusals never record an outcome, so a half-open admission
		// must be handed back or the breaker runs out of budget to close.
		if budgeted {
			rt.controller.refundAdmission()
		}
		e.metrics.RecordRateLimiterTokens(req.Service, rt.limiter.Tokens())
		return nil, refusalError(ErrThrottled, ErrorTypeThrottled, "dispatch budget exhausted", batchID, req, index, e.now()), 0, true
	}

	if err := rt.gate.acquire(ctx); err != nil {
		if budgeted {
			rt.controller.refundAdmission()
		}
		return nil, err, 0, true
	}
	defer rt.gate.release()

	conn, err := rt.pool.Acquire(ctx)
	if err != nil {
		if budgeted {
			rt.controller.refundAdmission()
		}
		if errors.Is(err, ErrPoolTimeout) {
			e.metrics.RecordPoolTimeout(req.Service)
			if e.debug != nil && e.debug.Enabled && e.debug.LogPool && e.logger != nil {
				e.logger.Warn("Pool acquire timed out", "batchID", batchID, "service", req.Service)
			}
		}
		return nil, e.tagError(err, batchID, req, index, 0), 0, true
	}

	callCtx := ctx
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	start := e.now()
	value, callErr, shared := e.flights.Do(callCtx, key, func() (interface{}, error) {
		return e.executor.Execute(callCtx, req)
	})
	duration := e.now().Sub(start)
	rt.pool.Release(conn.ID)

	if callErr != nil {
		tagged := e.tagError(callErr, batchID, req, index, duration)
		// Shared outcomes came from another caller's execution; only the
		// owner feeds the breaker. Anyone not recording an outcome hands
		// the admission back.
		if !shared && countsAsBreakerFailure(callErr) {
			rt.controller.RecordFailure()
			e.metrics.RecordCircuitBreakerState(req.Service, rt.controller.State().BreakerState)
		} else if budgeted {
			rt.controller.refundAdmission()
		}
		return nil, tagged, duration, false
	}

	if !shared {
		rt.controller.RecordSuccess()
	} else if budgeted {
		rt.controller.refundAdmission()
	}
	return value, nil, duration, false
}

// collect is the feedback loop: the single goroutine draining worker
// outcomes, aggregating them into per-service samples and applying
// controller updates. Only this goroutine calls Update during a batch.
func (e *Engine) collect(outcomes <-chan outcome, done chan<- []Adjustment, started time.Time) {
	buckets := make(map[string]*sampleBucket)
	var adjustments []Adjustment

	for o := range outcomes {
		b := buckets[o.service]
		if b == nil {
			b = &sampleBucket{service: o.service, since: started}
			buckets[o.service] = b
		}
		b.demand++
		if !o.excluded {
			b.durations = append(b.durations, o.duration)
			if o.failed {
				b.failures++
			}
		}
		if len(b.durations) >= e.flushThreshold {
			adjustments = append(adjustments, e.flushBucket(b)...)
		}
	}

	for _, b := range buckets {
		adjustments = append(adjustments, e.flushBucket(b)...)
	}
	done <- adjustments
}

// flushBucket turns one service's buffered outcomes into a Sample and
// applies it. Buckets with no dispatched outcome are dropped: pure refusal
// windows say nothing about the backend.
func (e *Engine) flushBucket(b *sampleBucket) []Adjustment {
	if len(b.durations) == 0 {
		b.demand = 0
		return nil
	}

	rt := e.runtimeFor(b.service)
	now := e.now()

	latencies := make([]float64, len(b.durations))
	for i, d := range b.durations {
		latencies[i] = float64(d)
	}

	throughput := float64(len(b.durations))
	if elapsed := now.Sub(b.since).Seconds(); elapsed > 0 {
		throughput = float64(len(b.durations)) / elapsed
	} else if e.samplingInterval > 0 {
		throughput = float64(len(b.durations)) / e.samplingInterval.Seconds()
	}

	sample := Sample{
		Timestamp:   now,
		Concurrency: rt.controller.Current(),
		Latency:     time.Duration(trend.Percentile(latencies, 95)),
		ErrorRate:   float64(b.failures) / float64(len(b.durations)),
		Throughput:  throughput,
		Demand:      b.demand,
	}
	if e.resources != nil {
		snap := e.resources.Snapshot()
		sample.Resources = &snap
	}

	var out []Adjustment
	if adj := rt.controller.Update(sample); adj != nil {
		out = append(out, *adj)
		rt.gate.setLimit(adj.To)
		e.metrics.RecordAdjustment(b.service, adj.Reason)
		e.metrics.RecordConcurrencyLimit(b.service, adj.To)
		if e.debug != nil && e.debug.Enabled && e.debug.LogController && e.logger != nil {
			e.logger.Info("Concurrency adjusted", "service", b.service,
				"from", adj.From, "to", adj.To, "reason", string(adj.Reason))
		}
	}

	e.metrics.RecordCircuitBreakerState(b.service, rt.controller.State().BreakerState)
	stats := rt.pool.Stats()
	e.metrics.RecordPoolConnections(b.service, stats.Active, stats.Idle)

	b.durations = b.durations[:0]
	b.failures = 0
	b.demand = 0
	b.since = now
	return out
}

// countsAsFailure reports whether an error should raise the sampled error
// rate. Validation and auth failures are caller bugs, not capacity
// signals.
func countsAsFailure(err error) bool {
	switch ClassOf(err) {
	case ErrorTypeTransient, ErrorTypeThrottled, ErrorTypeInternal:
		return true
	default:
		return false
	}
}

// countsAsBreakerFailure reports whether an error marks the backend
// unhealthy. Throttling is a healthy backend asking for less, so it feeds
// the error rate but never the breaker.
func countsAsBreakerFailure(err error) bool {
	switch ClassOf(err) {
	case ErrorTypeTransient, ErrorTypeInternal:
		return true
	default:
		return false
	}
}

func refusalError(sentinel error, errorType, message, batchID string, req Request, index int, at time.Time) *EngineError {
	return &EngineError{
		Type:      errorType,
		Message:   message,
		Cause:     sentinel,
		Service:   req.Service,
		Operation: req.Operation,
		BatchID:   batchID,
		Index:     index,
		Timestamp: at,
	}
}

// tagError fills batch context into an error, cloning EngineErrors so a
// shared instance is never mutated concurrently.
func (e *Engine) tagError(err error, batchID string, req Request, index int, duration time.Duration) error {
	var ee *EngineError
	if errors.As(err, &ee) {
		clone := *ee
		ee = &clone
	} else {
		ee = &EngineError{
			Type:      ClassOf(err),
			Message:   err.Error(),
			Cause:     err,
			Timestamp: e.now(),
		}
	}
	if ee.Service == "" {
		ee.Service = req.Service
	}
	if ee.Operation == "" {
		ee.Operation = req.Operation
	}
	if ee.BatchID == "" {
		ee.BatchID = batchID
	}
	if ee.Index < 0 {
		ee.Index = index
	}
	if ee.Duration == 0 {
		ee.Duration = duration
	}
	return ee
}

// Snapshot returns observable state for every service runtime.
func (e *Engine) Snapshot() EngineSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := EngineSnapshot{Services: make(map[string]ServiceSnapshot, len(e.services))}
	for name, rt := range e.services {
		s := ServiceSnapshot{
			Profile:    rt.profile,
			Controller: rt.controller.State(),
			Pool:       rt.pool.Stats(),
			RateTokens: -1,
		}
		if rt.limiter != nil {
			s.RateTokens = rt.limiter.Tokens()
		}
		snap.Services[name] = s
	}
	return snap
}

// EngineSnapshot captures the observable state of all service runtimes.
type EngineSnapshot struct {
	Services map[string]ServiceSnapshot
}

// ServiceSnapshot is the observable state of one service runtime.
// RateTokens is -1 when the service has no local rate limiter.
type ServiceSnapshot struct {
	Profile    ServiceProfile
	Controller ControllerState
	Pool       PoolStats
	RateTokens int
}

// ControllerState returns the controller snapshot for a service, when its
// runtime exists.
func (e *Engine) ControllerState(service string) (ControllerState, bool) {
	e.mu.RLock()
	rt, ok := e.services[service]
	e.mu.RUnlock()
	if !ok {
		return ControllerState{}, false
	}
	return rt.controller.State(), true
}

// PoolStats returns the pool snapshot for a service, when its runtime
// exists.
func (e *Engine) PoolStats(service string) (PoolStats, bool) {
	e.mu.RLock()
	rt, ok := e.services[service]
	e.mu.RUnlock()
	if !ok {
		return PoolStats{}, false
	}
	return rt.pool.Stats(), true
}

// Run starts background pool maintenance for every service runtime,
// including ones created later, and blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.maintain != nil {
		e.mu.Unlock()
		return &EngineError{Type: ErrorTypeInternal, Message: "maintenance already running", Index: -1, Timestamp: e.now()}
	}
	e.maintain = ctx
	pools := make([]*ConnectionPool, 0, len(e.services))
	for _, rt := range e.services {
		pools = append(pools, rt.pool)
	}
	e.mu.Unlock()

	for _, pool := range pools {
		go pool.Run(ctx)
	}

	<-ctx.Done()

	e.mu.Lock()
	e.maintain = nil
	e.mu.Unlock()
	return ctx.Err()
}

// Reset discards all per-service runtime state: controllers return to
// their profile seeds and pools are rebuilt empty. Meant for process start
// or an explicit operator action, never the hot path.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rt := range e.services {
		rt.pool.Close()
	}
	e.services = make(map[string]*serviceRuntime)
}

// Close releases every pool and refuses further batches.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	for _, rt := range e.services {
		rt.pool.Close()
	}
}

// dynamicGate enforces the controller's adaptive ceiling: a counting
// semaphore whose limit moves between grants. Raising the limit wakes
// queued waiters in arrival order; lowering it only affects future
// acquires, in-flight holders always complete.
type dynamicGate struct {
	mu      sync.Mutex
	limit   int
	held    int
	waiters []chan struct{}
}

func newDynamicGate(limit int) *dynamicGate {
	if limit < 1 {
		limit = 1
	}
	return &dynamicGate{limit: limit}
}

func (g *dynamicGate) acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.held < g.limit {
		g.held++
		g.mu.Unlock()
		return nil
	}

	ch := make(chan struct{})
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == ch {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		// The grant raced with cancellation; hand the slot back.
		g.held--
		g.notifyLocked()
		g.mu.Unlock()
		return ctx.Err()
	}
}

func (g *dynamicGate) release() {
	g.mu.Lock()
	g.held--
	g.notifyLocked()
	g.mu.Unlock()
}

func (g *dynamicGate) setLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	g.mu.Lock()
	g.limit = limit
	g.notifyLocked()
	g.mu.Unlock()
}

func (g *dynamicGate) notifyLocked() {
	for g.held < g.limit && len(g.waiters) > 0 {
		ch := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.held++
		close(ch)
	}
}
