package selaras

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCircuitStateConstants(t *testing.T) {
	if StateClosed != 0 {
		t.Errorf("Expected StateClosed=0, got %d", StateClosed)
	}
	if StateOpen != 1 {
		t.Errorf("Expected StateOpen=1, got %d", StateOpen)
	}
	if StateHalfOpen != 2 {
		t.Errorf("Expected StateHalfOpen=2, got %d", StateHalfOpen)
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{CircuitState(99), "closed"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, expected %q", tt.state, got, tt.want)
		}
	}
}

func TestDeduplicationStrategyString(t *testing.T) {
	tests := []struct {
		strategy DeduplicationStrategy
		want     string
	}{
		{DedupExact, "exact"},
		{DedupSemantic, "semantic"},
		{DedupTemporal, "temporal"},
		{DedupCacheAware, "cache_aware"},
		{DeduplicationStrategy(99), "exact"},
	}

	for _, tt := range tests {
		if got := tt.strategy.String(); got != tt.want {
			t.Errorf("DeduplicationStrategy(%d).String() = %q, expected %q", tt.strategy, got, tt.want)
		}
	}
}

func TestCircuitBreakerConfig(t *testing.T) {
	config := CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenProbes:   2,
	}

	if config.FailureThreshold != 5 {
		t.Errorf("Expected FailureThreshold=5, got %d", config.FailureThreshold)
	}
	if config.RecoveryTimeout != 30*time.Second {
		t.Errorf("Expected RecoveryTimeout=30s, got %v", config.RecoveryTimeout)
	}
	if config.HalfOpenProbes != 2 {
		t.Errorf("Expected HalfOpenProbes=2, got %d", config.HalfOpenProbes)
	}
}

func TestExecutorFunc(t *testing.T) {
	callCount := 0
	executor := ExecutorFunc(func(ctx context.Context, req Request) (any, error) {
		callCount++
		if req.Service != "billing" {
			t.Errorf("Expected service 'billing', got %s", req.Service)
		}
		return "charged", nil
	})

	value, err := executor.Execute(context.Background(), Request{Service: "billing", Operation: "charge"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if callCount != 1 {
		t.Errorf("Expected 1 call, got %d", callCount)
	}
	if value != "charged" {
		t.Errorf("Expected 'charged', got %v", value)
	}
}

func TestExecutorFuncError(t *testing.T) {
	wantErr := errors.New("backend down")
	executor := ExecutorFunc(func(ctx context.Context, req Request) (any, error) {
		return nil, wantErr
	})

	_, err := executor.Execute(context.Background(), Request{Service: "billing", Operation: "charge"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Expected backend error, got %v", err)
	}
}

func TestCacheEntryFields(t *testing.T) {
	now := time.Now()
	entry := &CacheEntry{
		Value:     map[string]any{"total": 42},
		StoredAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}

	value, ok := entry.Value.(map[string]any)
	if !ok {
		t.Fatalf("Expected map value, got %T", entry.Value)
	}
	if value["total"] != 42 {
		t.Errorf("Expected total 42, got %v", value["total"])
	}
	if !entry.ExpiresAt.After(entry.StoredAt) {
		t.Error("Expected expiry after storage time")
	}
}

func TestAdjustmentReasonValues(t *testing.T) {
	tests := []struct {
		reason AdjustmentReason
		want   string
	}{
		{ReasonErrorThreshold, "error_threshold_exceeded"},
		{ReasonLatencyDegradation, "latency_degradation"},
		{ReasonThroughputPlateau, "throughput_plateau"},
		{ReasonThroughputGrowth, "throughput_growth"},
		{ReasonBurst, "burst"},
		{ReasonRecovery, "recovery"},
		{ReasonResourcePressure, "resource_pressure"},
	}

	for _, tt := range tests {
		if string(tt.reason) != tt.want {
			t.Errorf("Expected reason %q, got %q", tt.want, string(tt.reason))
		}
	}
}

func TestResultFields(t *testing.T) {
	result := Result{
		Index:           4,
		Service:         "billing",
		Operation:       "charge",
		Value:           "done",
		Duration:        150 * time.Millisecond,
		FromCache:       true,
		WasDeduplicated: true,
	}

	if result.Index != 4 {
		t.Errorf("Expected Index=4, got %d", result.Index)
	}
	if !result.FromCache || !result.WasDeduplicated {
		t.Error("Expected provenance flags preserved")
	}
	if result.Err != nil {
		t.Errorf("Expected nil Err, got %v", result.Err)
	}
}

func TestOptionType(t *testing.T) {
	callCount := 0
	option := Option(func(e *Engine) {
		callCount++
		e.maxWorkers = 99
	})

	engine := &Engine{}
	option(engine)

	if callCount != 1 {
		t.Errorf("Expected option to be called once, got %d", callCount)
	}
	if engine.maxWorkers != 99 {
		t.Errorf("Expected maxWorkers=99, got %d", engine.maxWorkers)
	}
}

func TestResultDecode(t *testing.T) {
	type user struct {
		ID    int    `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	result := Result{
		Index: 0,
		Value: map[string]any{"id": 123, "name": "John Doe", "email": "john@example.com"},
	}

	var u user
	if err := result.Decode(&u); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if u.ID != 123 {
		t.Errorf("Expected ID 123, got %d", u.ID)
	}
	if u.Name != "John Doe" {
		t.Errorf("Expected Name %q, got %q", "John Doe", u.Name)
	}
	if u.Email != "john@example.com" {
		t.Errorf("Expected Email %q, got %q", "john@example.com", u.Email)
	}
}

func TestResultDecodeScalar(t *testing.T) {
	result := Result{Value: "ok"}

	var s string
	if err := result.Decode(&s); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if s != "ok" {
		t.Errorf("Expected %q, got %q", "ok", s)
	}
}

func TestResultDecodeFailedResult(t *testing.T) {
	result := Result{Err: ErrThrottled}

	var s string
	if err := result.Decode(&s); !errors.Is(err, ErrThrottled) {
		t.Errorf("Expected the result error back, got %v", err)
	}
}

func TestResultDecodeNoValue(t *testing.T) {
	result := Result{Index: 3}

	var s string
	if err := result.Decode(&s); err == nil {
		t.Error("Expected error decoding an empty value")
	}
}

func TestResultDecodeTypeMismatch(t *testing.T) {
	result := Result{Value: "not a number"}

	var n int
	if err := result.Decode(&n); err == nil {
		t.Error("Expected error decoding a string into an int")
	}
}
