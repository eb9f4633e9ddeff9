package selaras

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// PoolConfig holds connection pool configuration for one target service.
type PoolConfig struct {
	Service             string
	MinConnections      int
	MaxConnections      int
	AcquireTimeout      time.Duration
	ConnectionLifetime  time.Duration
	HealthCheckInterval time.Duration
	// MaxRetryAttempts bounds reconnection attempts for an unhealthy
	// connection before it is permanently evicted.
	MaxRetryAttempts   int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	Probe              ProbeFunc
}

func (c *PoolConfig) fillDefaults() {
	if c.MinConnections == 0 {
		c.MinConnections = 2
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 10
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.ConnectionLifetime == 0 {
		c.ConnectionLifetime = 10 * time.Minute
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = 3
	}
	if c.ScaleUpThreshold == 0 {
		c.ScaleUpThreshold = 0.8
	}
	if c.ScaleDownThreshold == 0 {
		c.ScaleDownThreshold = 0.3
	}
}

// Connection is one logical capacity slot toward a service. Fields are
// written only under the owning pool's lock.
type Connection struct {
	ID          string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	LastProbeAt time.Time

	probeFailed bool
	reconnects  int
}

// ScalingAction is the recommendation produced by EvaluateScaling.
type ScalingAction string

const (
	ScaleUp       ScalingAction = "scale_up"
	ScaleDown     ScalingAction = "scale_down"
	ScaleMaintain ScalingAction = "maintain"
)

// ScalingDecision recommends a pool size change based on utilization and
// pending demand. Advisory: the pool itself grows lazily in Acquire and
// shrinks through Maintain.
type ScalingDecision struct {
	Action      ScalingAction
	Current     int
	TargetSize  int
	Utilization float64
}

// RecoveryAction describes what a health check decided for one unhealthy
// connection.
type RecoveryAction struct {
	ConnectionID string
	Action       string // "reconnect" or "evict"
}

// HealthReport summarizes one health check pass over idle connections.
type HealthReport struct {
	Healthy         int
	Unhealthy       int
	RecoveryActions []RecoveryAction
}

// LifecycleReport summarizes connection age evaluation. CleanupActions
// lists the idle expired connections that Maintain will remove; expired
// connections still in use are cleaned up on a later pass, after release.
type LifecycleReport struct {
	Expired        []string
	Active         int
	CleanupActions []string
}

// PoolStats is an observable snapshot of pool activity.
type PoolStats struct {
	Service            string
	CurrentConnections int
	Active             int
	Idle               int
	Waiting            int
	Acquisitions       int64
	Releases           int64
	Timeouts           int64
	Reconnects         int64
	Evictions          int64
	AvgAcquireLatency  time.Duration
}

type poolWaiter struct {
	ch chan *Connection
}

// ConnectionPool owns a bounded set of logical connections for one target
// service. Connections are created lazily up to MaxConnections; exhausted
// capacity blocks Acquire until a release or the acquire timeout. All
// membership mutation happens under one mutex; Acquire is the only
// blocking point.
type ConnectionPool struct {
	config PoolConfig

	mu      sync.Mutex
	idle    []*Connection
	active  map[string]*Connection
	waiters []*poolWaiter
	closed  bool

	now func() time.Time

	acquisitions int64
	releases     int64
	timeouts     int64
	reconnects   int64
	evictions    int64
	acquireNanos int64
}

// NewConnectionPool creates an empty pool. No connections exist until the
// first Acquire or Maintain call.
func NewConnectionPool(config PoolConfig) *ConnectionPool {
	config.fillDefaults()
	return &ConnectionPool{
		config: config,
		active: make(map[string]*Connection),
		now:    time.Now,
	}
}

// Acquire returns a connection, creating one when below MaxConnections and
// otherwise waiting for a release. Waiters are served in arrival order.
// When no connection becomes available within AcquireTimeout the call
// fails with a PoolTimeout error; ctx cancellation ends the wait early.
func (p *ConnectionPool) Acquire(ctx context.Context) (*Connection, error) {
	start := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, p.closedError()
	}
	if conn := p.takeLocked(); conn != nil {
		p.verifyIntegrityLocked()
		p.mu.Unlock()
		p.recordAcquire(start)
		return conn, nil
	}
	w := &poolWaiter{ch: make(chan *Connection, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case conn := <-w.ch:
		if conn == nil {
			return nil, p.closedError()
		}
		p.recordAcquire(start)
		return conn, nil
	case <-ctx.Done():
		if conn := p.abandonWaiter(w); conn != nil {
			// A connection was handed off in the same instant; put it back.
			p.Release(conn.ID)
		}
		return nil, ctx.Err()
	case <-timer.C:
		if conn := p.abandonWaiter(w); conn != nil {
			p.recordAcquire(start)
			return conn, nil
		}
		atomic.AddInt64(&p.timeouts, 1)
		return nil, p.timeoutError()
	}
}

// Release returns an active connection to the pool, handing it directly to
// the oldest waiter when one is present. Releasing an id that is not
// active is a programming error and fails loudly.
func (p *ConnectionPool) Release(id string) {
	p.mu.Lock()

	conn, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		if p.isClosed() {
			return
		}
		panic(fmt.Sprintf("selaras: release of unknown connection %q on pool %q", id, p.config.Service))
	}

	conn.LastUsedAt = p.now()

	if p.closed {
		delete(p.active, id)
		p.mu.Unlock()
		atomic.AddInt64(&p.releases, 1)
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		// Direct handoff: the connection stays active, now owned by the waiter.
		w.ch <- conn
		p.mu.Unlock()
		atomic.AddInt64(&p.releases, 1)
		return
	}

	delete(p.active, id)
	p.idle = append(p.idle, conn)
	p.verifyIntegrityLocked()
	p.mu.Unlock()
	atomic.AddInt64(&p.releases, 1)
}

// EvaluateScaling recommends a size change from current utilization and
// the caller's pending demand.
func (p *ConnectionPool) EvaluateScaling(pendingDemand int) ScalingDecision {
	p.mu.Lock()
	active := len(p.active)
	idle := len(p.idle)
	p.mu.Unlock()

	current := active + idle
	var utilization float64
	if current > 0 {
		utilization = float64(active) / float64(current)
	}

	decision := ScalingDecision{
		Action:      ScaleMaintain,
		Current:     current,
		TargetSize:  current,
		Utilization: utilization,
	}

	switch {
	case utilization >= p.config.ScaleUpThreshold && current < p.config.MaxConnections:
		target := current + max(1, pendingDemand-idle)
		decision.Action = ScaleUp
		decision.TargetSize = clampInt(target, p.config.MinConnections, p.config.MaxConnections)
	case utilization <= p.config.ScaleDownThreshold && current > p.config.MinConnections:
		decision.Action = ScaleDown
		decision.TargetSize = clampInt(current-1, p.config.MinConnections, p.config.MaxConnections)
	}

	return decision
}

// HealthCheck probes idle connections. A connection is unhealthy when its
// last probe failed or it has sat idle past HealthCheckInterval without a
// successful probe. Unhealthy connections are reconnected in place;
// connections that keep failing past MaxRetryAttempts are evicted. Probing
// runs outside the pool lock so acquire/release never wait on I/O.
func (p *ConnectionPool) HealthCheck(ctx context.Context) HealthReport {
	now := p.now()

	p.mu.Lock()
	candidates := make([]*Connection, len(p.idle))
	copy(candidates, p.idle)
	needsProbe := make(map[string]bool, len(candidates))
	for _, conn := range candidates {
		stale := now.Sub(conn.LastUsedAt) > p.config.HealthCheckInterval &&
			now.Sub(conn.LastProbeAt) > p.config.HealthCheckInterval
		needsProbe[conn.ID] = conn.probeFailed || stale
	}
	p.mu.Unlock()

	report := HealthReport{}
	probeOK := make(map[string]bool)
	for _, conn := range candidates {
		if !needsProbe[conn.ID] {
			report.Healthy++
			continue
		}
		if ctx.Err() != nil {
			return report
		}
		probeOK[conn.ID] = p.probe(ctx, conn)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range candidates {
		if !needsProbe[conn.ID] {
			continue
		}
		// Skip connections acquired while we were probing; their result no
		// longer describes an idle connection.
		if !p.isIdleLocked(conn.ID) {
			continue
		}

		if probeOK[conn.ID] {
			conn.probeFailed = false
			conn.LastProbeAt = now
			conn.reconnects = 0
			report.Healthy++
			continue
		}

		report.Unhealthy++
		conn.probeFailed = true
		conn.reconnects++
		atomic.AddInt64(&p.reconnects, 1)

		if conn.reconnects > p.config.MaxRetryAttempts {
			p.removeIdleLocked(conn.ID)
			atomic.AddInt64(&p.evictions, 1)
			report.RecoveryActions = append(report.RecoveryActions, RecoveryAction{
				ConnectionID: conn.ID,
				Action:       "evict",
			})
			continue
		}

		report.RecoveryActions = append(report.RecoveryActions, RecoveryAction{
			ConnectionID: conn.ID,
			Action:       "reconnect",
		})
	}

	return report
}

// EvaluateLifecycle reports which connections have outlived
// ConnectionLifetime. It never mutates the pool; Maintain executes the
// cleanup actions outside the acquire/release path.
func (p *ConnectionPool) EvaluateLifecycle() LifecycleReport {
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	report := LifecycleReport{}
	for _, conn := range p.idle {
		if now.Sub(conn.CreatedAt) > p.config.ConnectionLifetime {
			report.Expired = append(report.Expired, conn.ID)
			report.CleanupActions = append(report.CleanupActions, conn.ID)
		} else {
			report.Active++
		}
	}
	for _, conn := range p.active {
		if now.Sub(conn.CreatedAt) > p.config.ConnectionLifetime {
			report.Expired = append(report.Expired, conn.ID)
		} else {
			report.Active++
		}
	}
	return report
}

// Maintain runs one maintenance pass: expired idle connections are
// removed, idle connections are health checked, and the pool is topped up
// to MinConnections.
func (p *ConnectionPool) Maintain(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lifecycle := p.EvaluateLifecycle()

	p.mu.Lock()
	for _, id := range lifecycle.CleanupActions {
		if p.removeIdleLocked(id) {
			atomic.AddInt64(&p.evictions, 1)
		}
	}
	p.mu.Unlock()

	p.HealthCheck(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	for len(p.active)+len(p.idle) < p.config.MinConnections {
		p.idle = append(p.idle, p.newConnection())
	}
	p.verifyIntegrityLocked()
	return ctx.Err()
}

// Run drives Maintain on HealthCheckInterval until ctx ends. Intended to
// run as a background janitor goroutine.
func (p *ConnectionPool) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Maintain(ctx); err != nil {
				return err
			}
		}
	}
}

// Stats returns an observable snapshot of pool state and counters.
func (p *ConnectionPool) Stats() PoolStats {
	p.mu.Lock()
	active := len(p.active)
	idle := len(p.idle)
	waiting := len(p.waiters)
	p.mu.Unlock()

	acquisitions := atomic.LoadInt64(&p.acquisitions)
	var avg time.Duration
	if acquisitions > 0 {
		avg = time.Duration(atomic.LoadInt64(&p.acquireNanos) / acquisitions)
	}

	return PoolStats{
		Service:            p.config.Service,
		CurrentConnections: active + idle,
		Active:             active,
		Idle:               idle,
		Waiting:            waiting,
		Acquisitions:       acquisitions,
		Releases:           atomic.LoadInt64(&p.releases),
		Timeouts:           atomic.LoadInt64(&p.timeouts),
		Reconnects:         atomic.LoadInt64(&p.reconnects),
		Evictions:          atomic.LoadInt64(&p.evictions),
		AvgAcquireLatency:  avg,
	}
}

// Close drops idle connections and fails all waiters. Active connections
// are forgotten as they are released.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.idle = nil
	for _, w := range p.waiters {
		close(w.ch)
	}
	p.waiters = nil
}

func (p *ConnectionPool) takeLocked() *Connection {
	now := p.now()

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		conn.LastUsedAt = now
		p.active[conn.ID] = conn
		return conn
	}

	if len(p.active)+len(p.idle) < p.config.MaxConnections {
		conn := p.newConnection()
		conn.LastUsedAt = now
		p.active[conn.ID] = conn
		return conn
	}

	return nil
}

func (p *ConnectionPool) newConnection() *Connection {
	now := p.now()
	return &Connection{
		ID:          ulid.Make().String(),
		CreatedAt:   now,
		LastUsedAt:  now,
		LastProbeAt: now,
	}
}

// abandonWaiter removes w from the queue. When w was already served, the
// delivered connection is returned so the caller can decide its fate.
func (p *ConnectionPool) abandonWaiter(w *poolWaiter) *Connection {
	p.mu.Lock()
	for i, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()

	// Not queued anymore: a handoff happened before we got here, so the
	// connection is sitting in the buffered channel.
	select {
	case conn := <-w.ch:
		return conn
	default:
		return nil
	}
}

func (p *ConnectionPool) probe(ctx context.Context, conn *Connection) bool {
	if p.config.Probe == nil {
		return true
	}
	return p.config.Probe(ctx, conn) == nil
}

func (p *ConnectionPool) isIdleLocked(id string) bool {
	for _, conn := range p.idle {
		if conn.ID == id {
			return true
		}
	}
	return false
}

func (p *ConnectionPool) removeIdleLocked(id string) bool {
	for i, conn := range p.idle {
		if conn.ID == id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

func (p *ConnectionPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// verifyIntegrityLocked enforces the sizing invariant. A violation is a
// programming error and fails loudly.
func (p *ConnectionPool) verifyIntegrityLocked() {
	current := len(p.active) + len(p.idle)
	if current > p.config.MaxConnections {
		panic(fmt.Sprintf("selaras: pool %q holds %d connections, max is %d",
			p.config.Service, current, p.config.MaxConnections))
	}
}

func (p *ConnectionPool) recordAcquire(start time.Time) {
	atomic.AddInt64(&p.acquisitions, 1)
	atomic.AddInt64(&p.acquireNanos, int64(p.now().Sub(start)))
}

func (p *ConnectionPool) timeoutError() *EngineError {
	return &EngineError{
		Type:      ErrorTypePoolTimeout,
		Message:   fmt.Sprintf("no connection available within %v", p.config.AcquireTimeout),
		Cause:     ErrPoolTimeout,
		Service:   p.config.Service,
		Index:     -1,
		Timestamp: p.now(),
	}
}

func (p *ConnectionPool) closedError() *EngineError {
	return &EngineError{
		Type:      ErrorTypeInternal,
		Message:   "pool is closed",
		Cause:     ErrPoolClosed,
		Service:   p.config.Service,
		Index:     -1,
		Timestamp: p.now(),
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
