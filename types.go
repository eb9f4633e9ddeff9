package selaras

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Request is a single logical backend call: a service, an operation on it,
// and the operation's parameters. Immutable once submitted. Identity for
// deduplication purposes is derived from the fields, never stored.
type Request struct {
	Service   string
	Operation string
	Params    map[string]any
	Timestamp time.Time
}

// Result is the outcome delivered for one original batch index.
type Result struct {
	Index           int
	Service         string
	Operation       string
	Value           any
	Err             error
	Duration        time.Duration
	FromCache       bool
	WasDeduplicated bool
}

// Decode copies the result value into out, which must be a non-nil
// pointer. The value goes through a JSON round trip, so executor values
// shaped as maps or slices decode into the caller's typed structs the
// same way wire data would.
func (r Result) Decode(out any) error {
	if r.Err != nil {
		return r.Err
	}
	if r.Value == nil {
		return fmt.Errorf("selaras: no value to decode at index %d", r.Index)
	}
	data, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("selaras: encode result value: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("selaras: decode result value: %w", err)
	}
	return nil
}

// Executor performs the actual remote call for a unique request. Error
// classification (throttled, transient, validation, auth) is reported back
// through Classify so controller sampling can use it.
type Executor interface {
	Execute(ctx context.Context, req Request) (any, error)
}

// ExecutorFunc is a helper type adapting a function to the Executor interface
type ExecutorFunc func(ctx context.Context, req Request) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (any, error) {
	return f(ctx, req)
}

// DeduplicationStrategy selects how request equivalence is decided
type DeduplicationStrategy int

const (
	// DedupExact hashes service, operation and sorted params as given.
	DedupExact DeduplicationStrategy = iota
	// DedupSemantic fills documented per-operation defaults before hashing,
	// so {a:1} and {a:1, b:<default>} collide.
	DedupSemantic
	// DedupTemporal groups semantically equal requests only when their
	// timestamps fall within the configured freshness window.
	DedupTemporal
	// DedupCacheAware consults the cache store first; hits short-circuit
	// execution entirely.
	DedupCacheAware
)

// String returns the strategy name used in logs and metric labels.
func (s DeduplicationStrategy) String() string {
	switch s {
	case DedupSemantic:
		return "semantic"
	case DedupTemporal:
		return "temporal"
	case DedupCacheAware:
		return "cache_aware"
	default:
		return "exact"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenProbes   int
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CacheEntry represents a cached execution result
type CacheEntry struct {
	Value     any
	StoredAt  time.Time
	ExpiresAt time.Time
}

// CacheStore is the contract cache-aware deduplication requires from a
// store. Get must report only unexpired entries. Implementations must be
// safe for concurrent use.
type CacheStore interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry, ttl time.Duration)
	Delete(key string)
	Clear()
}

// Sample is one aggregated observation window fed to a concurrency
// controller: what the engine saw for a service over a sampling interval.
// Latency carries the window's p95.
type Sample struct {
	Timestamp   time.Time
	Concurrency int
	Latency     time.Duration
	ErrorRate   float64
	Throughput  float64
	Demand      int
	Resources   *ResourceSnapshot
}

// ResourceSnapshot captures host pressure at sampling time. A nil snapshot
// on a Sample means resource awareness is off for that window.
type ResourceSnapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	FDUsed        int
	FDLimit       int
	Timestamp     time.Time
}

// AdjustmentReason explains why the controller moved its concurrency value.
type AdjustmentReason string

const (
	ReasonErrorThreshold     AdjustmentReason = "error_threshold_exceeded"
	ReasonLatencyDegradation AdjustmentReason = "latency_degradation"
	ReasonThroughputPlateau  AdjustmentReason = "throughput_plateau"
	ReasonThroughputGrowth   AdjustmentReason = "throughput_growth"
	ReasonBurst              AdjustmentReason = "burst"
	ReasonRecovery           AdjustmentReason = "recovery"
	ReasonResourcePressure   AdjustmentReason = "resource_pressure"
)

// Adjustment records one concurrency change.
type Adjustment struct {
	Service   string
	From      int
	To        int
	Reason    AdjustmentReason
	Timestamp time.Time
}

// ProbeFunc checks the health of one pooled connection. A nil ProbeFunc
// makes every probe succeed.
type ProbeFunc func(ctx context.Context, conn *Connection) error

// Option represents a configuration option
type Option func(*Engine)
