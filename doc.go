// Package selaras is an adaptive execution engine for batches of remote
// service calls. It decides how many calls run at once and whether a
// call needs to run at all:
//
//   - Feedback-driven concurrency control (trend detection, emergency
//     reduction, burst grants with decaying recovery, resource awareness)
//   - Circuit breaker (open / half-open / closed states) per service
//   - Connection pooling with health checks, lifecycle expiry and scaling
//   - Request deduplication (exact, semantic, temporal, cache-aware)
//   - In-flight coalescing across concurrently running batches
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Per-service isolation: one service's overload never throttles another
//   - Safe concurrent use of a single *Engine instance
//   - Deterministic tests via an injectable clock
//
// Typical usage:
//
//	engine := selaras.NewEngine(executor,
//	    selaras.WithStrategy(selaras.DedupSemantic),
//	    selaras.WithProfile(selaras.RateLimitedProfile("orchestrator")),
//	    selaras.WithCircuitBreaker(selaras.CircuitBreakerConfig{}),
//	    selaras.WithMetrics(),
//	)
//	result, err := engine.ExecuteBatch(ctx, requests)
//
// The engine never retries a failed call: it classifies the failure,
// isolates it to the batch indices that mapped to it and reports enough
// state (adjustments, breaker state, pool statistics) for the caller's
// own retry policy. Provide a Logger (e.g. via WithSimpleLogger) and
// enable debug flags selectively (WithDebug / WithDebugConfig) for
// insight without noise.
package selaras
