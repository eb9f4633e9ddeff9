package selaras

import (
	"sync/atomic"
	"time"
)

// CircuitBreaker guards dispatch to one service. Closed counts consecutive
// failures; Open refuses all dispatch until RecoveryTimeout has elapsed
// since the last failure; HalfOpen admits a bounded number of probes, any
// of which failing reopens the circuit and restarts the timer.
type CircuitBreaker struct {
	config      CircuitBreakerConfig
	state       int64
	failures    int64
	lastFailure int64
	successes   int64
	probes      int64
	now         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenProbes == 0 {
		config.HalfOpenProbes = 3
	}

	return &CircuitBreaker{
		config: config,
		state:  int64(StateClosed),
		now:    time.Now,
	}
}

// Allow checks if the call should be admitted through the circuit breaker
func (cb *CircuitBreaker) Allow() bool {
	ok, _ := cb.admit()
	return ok
}

// admit reports whether the call may proceed and whether the admission
// drew on the half-open budget. A budgeted admission whose call never
// produces a recorded outcome must be handed back through refund;
// otherwise the budget drains and the breaker can never close.
func (cb *CircuitBreaker) admit() (bool, bool) {
	now := cb.now().UnixNano()
	state := CircuitState(atomic.LoadInt64(&cb.state))

	switch state {
	case StateClosed:
		return true, false
	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailure)
		if now-lastFailure >= int64(cb.config.RecoveryTimeout) {
			// Try to transition to half-open; the CAS winner is the first probe
			if atomic.CompareAndSwapInt64(&cb.state, int64(StateOpen), int64(StateHalfOpen)) {
				atomic.StoreInt64(&cb.successes, 0)
				atomic.StoreInt64(&cb.probes, 1)
				return true, true
			}
		}
		return false, false
	case StateHalfOpen:
		// Admit probes up to the configured budget
		for {
			probes := atomic.LoadInt64(&cb.probes)
			if probes >= int64(cb.config.HalfOpenProbes) {
				return false, false
			}
			if atomic.CompareAndSwapInt64(&cb.probes, probes, probes+1) {
				return true, true
			}
		}
	default:
		return false, false
	}
}

// refund hands back a half-open admission that never dispatched. State
// transitions since the admission reset the count themselves, so the
// refund quietly becomes a no-op outside half-open.
func (cb *CircuitBreaker) refund() {
	for {
		if CircuitState(atomic.LoadInt64(&cb.state)) != StateHalfOpen {
			return
		}
		probes := atomic.LoadInt64(&cb.probes)
		if probes <= 0 {
			return
		}
		if atomic.CompareAndSwapInt64(&cb.probes, probes, probes-1) {
			return
		}
	}
}

// RecordFailure records a failure in the circuit breaker
func (cb *CircuitBreaker) RecordFailure() {
	now := cb.now().UnixNano()
	atomic.StoreInt64(&cb.lastFailure, now)

	state := CircuitState(atomic.LoadInt64(&cb.state))

	switch state {
	case StateClosed:
		failures := atomic.AddInt64(&cb.failures, 1)
		if failures >= int64(cb.config.FailureThreshold) {
			atomic.StoreInt64(&cb.state, int64(StateOpen))
		}
	case StateOpen:
		// When open, just update lastFailure
	case StateHalfOpen:
		// A probe failure reopens the circuit and restarts the recovery timer
		atomic.StoreInt64(&cb.state, int64(StateOpen))
		atomic.StoreInt64(&cb.successes, 0)
		atomic.StoreInt64(&cb.probes, 0)
	}
}

// RecordSuccess records a success in the circuit breaker
func (cb *CircuitBreaker) RecordSuccess() {
	state := CircuitState(atomic.LoadInt64(&cb.state))

	switch state {
	case StateClosed:
		// The failure count tracks consecutive failures only
		atomic.StoreInt64(&cb.failures, 0)
	case StateOpen:
		// Success in open state doesn't change anything
	case StateHalfOpen:
		successes := atomic.AddInt64(&cb.successes, 1)
		if successes >= int64(cb.config.HalfOpenProbes) {
			atomic.StoreInt64(&cb.state, int64(StateClosed))
			atomic.StoreInt64(&cb.failures, 0)
			atomic.StoreInt64(&cb.successes, 0)
			atomic.StoreInt64(&cb.probes, 0)
		}
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(atomic.LoadInt64(&cb.state))
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	return int(atomic.LoadInt64(&cb.failures))
}
