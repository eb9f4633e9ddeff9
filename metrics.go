package selaras

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for batch execution and the
// control layers beneath it. It is safe for concurrent use, and a nil
// collector is a no-op so call sites never need a guard.
type MetricsCollector struct {
	batchesTotal  *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	concurrencyLimit       *prometheus.GaugeVec
	concurrencyAdjustments *prometheus.CounterVec

	circuitBreakerState *prometheus.GaugeVec

	poolConnections *prometheus.GaugeVec
	poolTimeouts    *prometheus.CounterVec

	duplicatesEliminated *prometheus.CounterVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	rateLimiterTokens *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		batchesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "selaras_batches_total",
				Help: "Total number of batches executed",
			},
			[]string{"strategy"},
		),
		batchDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "selaras_batch_duration_seconds",
				Help:    "Wall time of batch execution in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "selaras_requests_total",
				Help: "Total number of requests processed by outcome",
			},
			[]string{"service", "operation", "outcome"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "selaras_request_duration_seconds",
				Help:    "Duration of dispatched calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
		concurrencyLimit: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selaras_concurrency_limit",
				Help: "Current concurrency ceiling per service",
			},
			[]string{"service"},
		),
		concurrencyAdjustments: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "selaras_concurrency_adjustments_total",
				Help: "Total number of concurrency adjustments by reason",
			},
			[]string{"service", "reason"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selaras_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"service"},
		),
		poolConnections: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selaras_pool_connections",
				Help: "Current pool connections by state",
			},
			[]string{"service", "state"},
		),
		poolTimeouts: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "selaras_pool_timeouts_total",
				Help: "Total number of acquire timeouts",
			},
			[]string{"service"},
		),
		duplicatesEliminated: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "selaras_duplicates_eliminated_total",
				Help: "Total number of duplicate requests eliminated",
			},
			[]string{"strategy"},
		),
		cacheHits: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "selaras_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"service"},
		),
		cacheMisses: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "selaras_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"service"},
		),
		rateLimiterTokens: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selaras_rate_limiter_tokens",
				Help: "Current number of available rate limiter tokens",
			},
			[]string{"service"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "selaras_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "service", "operation"},
		),
	}

	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordBatch records one batch execution.
func (mc *MetricsCollector) RecordBatch(strategy string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.batchesTotal.WithLabelValues(strategy).Inc()
	mc.batchDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordRequest records one processed request with its outcome.
func (mc *MetricsCollector) RecordRequest(service, operation, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.requestsTotal.WithLabelValues(service, operation, outcome).Inc()
	mc.requestDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// RecordConcurrencyLimit sets the ceiling gauge for a service.
func (mc *MetricsCollector) RecordConcurrencyLimit(service string, limit int) {
	if mc == nil {
		return
	}

	mc.concurrencyLimit.WithLabelValues(service).Set(float64(limit))
}

// RecordAdjustment increments the adjustment counter for a reason.
func (mc *MetricsCollector) RecordAdjustment(service string, reason AdjustmentReason) {
	if mc == nil {
		return
	}

	mc.concurrencyAdjustments.WithLabelValues(service, string(reason)).Inc()
}

// RecordCircuitBreakerState sets gauge to breaker state.
func (mc *MetricsCollector) RecordCircuitBreakerState(service string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(service).Set(stateValue)
}

// RecordPoolConnections sets the pool gauges for a service.
func (mc *MetricsCollector) RecordPoolConnections(service string, active, idle int) {
	if mc == nil {
		return
	}

	mc.poolConnections.WithLabelValues(service, "active").Set(float64(active))
	mc.poolConnections.WithLabelValues(service, "idle").Set(float64(idle))
}

// RecordPoolTimeout increments the acquire timeout counter.
func (mc *MetricsCollector) RecordPoolTimeout(service string) {
	if mc == nil {
		return
	}

	mc.poolTimeouts.WithLabelValues(service).Inc()
}

// RecordDuplicatesEliminated adds eliminated duplicates for a strategy.
func (mc *MetricsCollector) RecordDuplicatesEliminated(strategy string, count int) {
	if mc == nil || count <= 0 {
		return
	}

	mc.duplicatesEliminated.WithLabelValues(strategy).Add(float64(count))
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(service string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(service).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(service string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(service).Inc()
}

// RecordRateLimiterTokens sets available token gauge.
func (mc *MetricsCollector) RecordRateLimiterTokens(service string, tokens int) {
	if mc == nil {
		return
	}

	mc.rateLimiterTokens.WithLabelValues(service).Set(float64(tokens))
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, service, operation string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, service, operation).Inc()
}

// GetRegistry exposes the underlying prometheus registry when the
// collector was built on one.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	return mc.registry
}
