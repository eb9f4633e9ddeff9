package selaras

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when the circuit breaker is in open state
	ErrCircuitOpen = errors.New("selaras: circuit open")

	// ErrPoolTimeout is returned when pool capacity is not available in time
	ErrPoolTimeout = errors.New("selaras: connection pool timeout")

	// ErrPoolClosed is returned when acquiring from a closed pool
	ErrPoolClosed = errors.New("selaras: connection pool closed")

	// ErrThrottled is returned when the per-service dispatch budget is spent
	ErrThrottled = errors.New("selaras: dispatch budget exhausted")

	// ErrCacheMiss is returned by cache helpers when a lookup fails
	ErrCacheMiss = errors.New("selaras: cache miss")
)

// Error type identifiers carried in EngineError.Type and returned by ClassOf.
const (
	ErrorTypeValidation  = "Validation"
	ErrorTypePoolTimeout = "PoolTimeout"
	ErrorTypeTransient   = "Transient"
	ErrorTypeThrottled   = "Throttled"
	ErrorTypeAuth        = "Auth"
	ErrorTypeCircuitOpen = "CircuitOpen"
	ErrorTypeInternal    = "Internal"
)

// EngineError is the structured error produced by the engine. Type drives
// classification; the remaining fields carry diagnostic context for the
// batch slot that failed.
type EngineError struct {
	Type      string
	Message   string
	Cause     error
	Service   string
	Operation string
	BatchID   string
	Index     int
	Timestamp time.Time
	Duration  time.Duration
}

// IsTransient determines if an error represents a failure that might succeed
// if the caller retries later. Returns true for transient execution errors,
// backend throttling, pool timeouts and open circuits. Returns false for
// validation and auth failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check for our sentinel errors
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrPoolTimeout) || errors.Is(err, ErrThrottled) {
		return true
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		switch engineErr.Type {
		case ErrorTypeTransient, ErrorTypeThrottled, ErrorTypePoolTimeout, ErrorTypeCircuitOpen:
			return true
		default:
			return false
		}
	}

	return false
}

// Classify wraps err in an EngineError with the given type so Executor
// implementations can tag outcomes (throttled, transient, validation, auth)
// for the controller's sampling. A nil err returns nil.
func Classify(err error, errorType string) error {
	if err == nil {
		return nil
	}
	return &EngineError{
		Type:      errorType,
		Message:   err.Error(),
		Cause:     err,
		Index:     -1,
		Timestamp: time.Now(),
	}
}

// ClassOf returns the error type identifier for err. Unclassified non-nil
// errors from an Executor count as transient: the safe default for remote
// call failures. Sentinels map to their matching type.
func ClassOf(err error) string {
	if err == nil {
		return ""
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Type
	}

	switch {
	case errors.Is(err, ErrCircuitOpen):
		return ErrorTypeCircuitOpen
	case errors.Is(err, ErrPoolTimeout):
		return ErrorTypePoolTimeout
	case errors.Is(err, ErrThrottled):
		return ErrorTypeThrottled
	}

	return ErrorTypeTransient
}

// Error implements error interface.
func (e *EngineError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	}
	if e.Service != "" {
		msg = fmt.Sprintf("[%s/%s] %s", e.Service, e.Operation, msg)
	}
	if e.Index >= 0 {
		msg = fmt.Sprintf("%s (index %d)", msg, e.Index)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *EngineError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*EngineError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *EngineError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.Service != "" {
		info += fmt.Sprintf("Service: %s\n", e.Service)
	}
	if e.Operation != "" {
		info += fmt.Sprintf("Operation: %s\n", e.Operation)
	}
	if e.BatchID != "" {
		info += fmt.Sprintf("Batch ID: %s\n", e.BatchID)
	}
	if e.Index >= 0 {
		info += fmt.Sprintf("Batch Index: %d\n", e.Index)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}
