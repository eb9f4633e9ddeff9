package selaras

import (
	"fmt"
	"time"
)

// WithStrategy sets the deduplication strategy for batches
func WithStrategy(s DeduplicationStrategy) Option {
	return func(e *Engine) {
		e.strategy = s
	}
}

// WithTemporalWindow sets the freshness threshold for temporal deduplication
func WithTemporalWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.temporalWindow = d
	}
}

// WithCacheStore sets a custom cache store implementation
func WithCacheStore(store CacheStore) Option {
	return func(e *Engine) {
		e.cache = store
	}
}

// WithCacheTTL sets how long successful results stay cached
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.cacheTTL = ttl
	}
}

// WithDefaults sets the parameter defaults registry used by normalization
func WithDefaults(registry *DefaultsRegistry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.defaults = registry
		}
	}
}

// WithOperationDefaults registers documented defaults for one operation
func WithOperationDefaults(service, operation string, defaults map[string]any) Option {
	return func(e *Engine) {
		e.defaults.Register(service, operation, defaults)
	}
}

// WithProfiles sets the service profile registry
func WithProfiles(registry *ProfileRegistry) Option {
	return func(e *Engine) {
		if registry != nil {
			e.profiles = registry
		}
	}
}

// WithProfile registers a single service profile
func WithProfile(p ServiceProfile) Option {
	return func(e *Engine) {
		if err := e.profiles.Register(p); err != nil {
			e.configErrors = append(e.configErrors, err.Error())
		}
	}
}

// WithPoolConfig sets the connection pool template applied per service
func WithPoolConfig(config PoolConfig) Option {
	return func(e *Engine) {
		e.poolConfig = config
	}
}

// WithCircuitBreaker sets the circuit breaker configuration for all services
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(e *Engine) {
		e.breakerConfig = config
	}
}

// WithMaxWorkers caps the engine-wide worker fan-out
func WithMaxWorkers(n int) Option {
	return func(e *Engine) {
		e.maxWorkers = n
	}
}

// WithCallTimeout bounds each dispatched call
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.callTimeout = d
	}
}

// WithSamplingInterval sets the controller sampling interval
func WithSamplingInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.samplingInterval = d
	}
}

// WithFlushThreshold sets how many outcomes accumulate before a sample flush
func WithFlushThreshold(n int) Option {
	return func(e *Engine) {
		e.flushThreshold = n
	}
}

// WithResourceMonitor attaches a resource provider for controller samples
func WithResourceMonitor(provider ResourceProvider) Option {
	return func(e *Engine) {
		e.resources = provider
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(e *Engine) {
		e.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(e *Engine) {
		e.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(e *Engine) {
		if e.debug == nil {
			e.debug = DefaultDebugConfig()
		}
		e.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(e *Engine) {
		e.debug = config
	}
}

// WithLogger sets a custom logger for debug output
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger
func WithSimpleLogger() Option {
	return func(e *Engine) {
		if e.debug == nil {
			e.debug = DefaultDebugConfig()
		}
		e.debug.Enabled = true
		e.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating batch IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if e.debug == nil {
			e.debug = DefaultDebugConfig()
		}
		e.debug.RequestIDGen = gen
	}
}

// WithClock injects the time source used by the engine and every runtime
// it creates. Meant for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// ValidateConfiguration validates the engine configuration and returns an error if invalid
func (e *Engine) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, e.configErrors...)
	errors = append(errors, e.validateExecutorConfig()...)
	errors = append(errors, e.validateStrategyConfig()...)
	errors = append(errors, e.validateWorkerConfig()...)
	errors = append(errors, e.validatePoolConfig()...)
	errors = append(errors, e.validateBreakerConfig()...)
	errors = append(errors, e.validateDebugConfig()...)
	errors = append(errors, e.validateExtremeValues()...)

	if len(errors) > 0 {
		return &EngineError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", errors),
			Index:   -1,
		}
	}

	return nil
}

// validateExecutorConfig validates the executor collaborator
func (e *Engine) validateExecutorConfig() []string {
	var errors []string

	if e.executor == nil {
		errors = append(errors, "executor cannot be nil")
	}

	return errors
}

// validateStrategyConfig validates deduplication configuration
func (e *Engine) validateStrategyConfig() []string {
	var errors []string

	switch e.strategy {
	case DedupExact, DedupSemantic, DedupTemporal, DedupCacheAware:
	default:
		errors = append(errors, fmt.Sprintf("unknown deduplication strategy %d", e.strategy))
	}

	if e.strategy == DedupTemporal && e.temporalWindow <= 0 {
		errors = append(errors, "temporalWindow must be positive for the temporal strategy")
	}

	if e.strategy == DedupCacheAware && e.cache == nil {
		errors = append(errors, "cache store must be set for the cache_aware strategy")
	}

	if e.cache != nil && e.cacheTTL <= 0 {
		errors = append(errors, "cacheTTL must be positive when a cache store is set")
	}

	return errors
}

// validateWorkerConfig validates dispatch and sampling configuration
func (e *Engine) validateWorkerConfig() []string {
	var errors []string

	if e.maxWorkers <= 0 {
		errors = append(errors, "maxWorkers must be positive")
	}

	if e.flushThreshold <= 0 {
		errors = append(errors, "flushThreshold must be positive")
	}

	if e.samplingInterval <= 0 {
		errors = append(errors, "samplingInterval must be positive")
	}

	if e.callTimeout < 0 {
		errors = append(errors, "callTimeout must be non-negative")
	}

	return errors
}

// validatePoolConfig validates the pool template
func (e *Engine) validatePoolConfig() []string {
	var errors []string

	if e.poolConfig.MinConnections < 0 {
		errors = append(errors, "pool MinConnections must be non-negative")
	}
	if e.poolConfig.MaxConnections < 0 {
		errors = append(errors, "pool MaxConnections must be non-negative")
	}
	if e.poolConfig.MaxConnections > 0 && e.poolConfig.MinConnections > e.poolConfig.MaxConnections {
		errors = append(errors, "pool MinConnections must not exceed MaxConnections")
	}
	if e.poolConfig.AcquireTimeout < 0 {
		errors = append(errors, "pool AcquireTimeout must be non-negative")
	}
	if e.poolConfig.ScaleUpThreshold < 0 || e.poolConfig.ScaleUpThreshold > 1 {
		errors = append(errors, "pool ScaleUpThreshold must be in [0,1]")
	}
	if e.poolConfig.ScaleDownThreshold < 0 || e.poolConfig.ScaleDownThreshold > 1 {
		errors = append(errors, "pool ScaleDownThreshold must be in [0,1]")
	}

	return errors
}

// validateBreakerConfig validates circuit breaker configuration
func (e *Engine) validateBreakerConfig() []string {
	var errors []string

	if e.breakerConfig.FailureThreshold < 0 {
		errors = append(errors, "circuitBreaker FailureThreshold must be non-negative")
	}
	if e.breakerConfig.RecoveryTimeout < 0 {
		errors = append(errors, "circuitBreaker RecoveryTimeout must be non-negative")
	}
	if e.breakerConfig.HalfOpenProbes < 0 {
		errors = append(errors, "circuitBreaker HalfOpenProbes must be non-negative")
	}

	return errors
}

// validateDebugConfig validates debug configuration
func (e *Engine) validateDebugConfig() []string {
	var errors []string

	if e.debug != nil && e.debug.Enabled {
		if e.debug.RequestIDGen == nil {
			errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
		}
		if e.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (e *Engine) validateExtremeValues() []string {
	var errors []string

	if e.maxWorkers > 10000 {
		errors = append(errors, "maxWorkers > 10000 may cause excessive resource usage")
	}

	if e.callTimeout > 10*time.Minute {
		errors = append(errors, "callTimeout > 10m may cause requests to hang for too long")
	}

	if e.cache != nil && e.cacheTTL > 24*time.Hour {
		errors = append(errors, "cacheTTL > 24h may cause stale data issues")
	}

	if e.temporalWindow > time.Hour {
		errors = append(errors, "temporalWindow > 1h defeats freshness-based grouping")
	}

	return errors
}
