package selaras

import (
	"fmt"
	"sync"
	"time"

	"github.com/ambiyansyah-risyal/selaras/internal/canonical"
)

// CanonicalKey computes the deduplication identity of a request triple:
// a hex SHA-256 over the service, the operation and the canonically
// encoded parameters. Callers wanting semantic equivalence should pass
// params already normalized through a DefaultsRegistry.
func CanonicalKey(service, operation string, params map[string]any) (string, error) {
	return canonical.Key(service, operation, params)
}

// DefaultsRegistry holds the documented default values of optional
// parameters per (service, operation). Semantic deduplication uses it so a
// request omitting an optional parameter collides with one spelling the
// default out.
type DefaultsRegistry struct {
	mu       sync.RWMutex
	defaults map[string]map[string]any
}

// NewDefaultsRegistry returns an empty registry.
func NewDefaultsRegistry() *DefaultsRegistry {
	return &DefaultsRegistry{
		defaults: make(map[string]map[string]any),
	}
}

// Register records the defaults for one (service, operation) pair,
// replacing any previous registration.
func (r *DefaultsRegistry) Register(service, operation string, defaults map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[service+"/"+operation] = defaults
}

// Lookup returns the registered defaults for a (service, operation) pair.
func (r *DefaultsRegistry) Lookup(service, operation string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defaults[service+"/"+operation]
	return d, ok
}

// Normalize returns the request's params with absent optional parameters
// filled from the registry. The original map is never modified. A nil
// registry or an unregistered operation passes params through unchanged.
func (r *DefaultsRegistry) Normalize(req Request) map[string]any {
	if r == nil {
		return req.Params
	}

	defaults, ok := r.Lookup(req.Service, req.Operation)
	if !ok || len(defaults) == 0 {
		return req.Params
	}

	normalized := make(map[string]any, len(req.Params)+len(defaults))
	for k, v := range req.Params {
		normalized[k] = v
	}
	for k, v := range defaults {
		if _, present := normalized[k]; !present {
			normalized[k] = v
		}
	}
	return normalized
}

// PlanMapping ties one original batch index to its execution group.
type PlanMapping struct {
	OriginalIndex int
	// MapsTo indexes UniqueRequests, or is -1 for cache-served entries.
	MapsTo int
	Key    string
	// Deduplicated is false for the group's representative (first index)
	// and for cache-served entries, true for every other group member.
	Deduplicated bool
}

// DeduplicationPlan describes how a batch collapses into unique work.
// Every original index appears in exactly one of: a group (via Mapping)
// or Cached.
type DeduplicationPlan struct {
	// Strategy is the batch default; services with a profile override
	// group under their own strategy.
	Strategy       DeduplicationStrategy
	UniqueRequests []Request
	Mapping        []PlanMapping
	// Groups holds, per unique request, the original indices it serves.
	// The first index of each group is the representative.
	Groups [][]int
	// Keys holds the canonical key per unique request.
	Keys []string
	// Cached maps original indices to the cache entries that short-circuit
	// their execution (cache_aware strategy only).
	Cached map[int]*CacheEntry
}

// DuplicatesEliminated counts the indices that ride along on another
// index's execution.
func (p *DeduplicationPlan) DuplicatesEliminated() int {
	n := 0
	for _, group := range p.Groups {
		n += len(group) - 1
	}
	return n
}

// CacheHits counts the indices served from cache.
func (p *DeduplicationPlan) CacheHits() int {
	return len(p.Cached)
}

// DeduplicatorConfig holds deduplication engine configuration
type DeduplicatorConfig struct {
	Strategy DeduplicationStrategy
	// TemporalWindow is the freshness threshold for the temporal strategy:
	// otherwise-equal requests whose timestamps differ from the group's
	// representative by more than this are kept distinct.
	TemporalWindow time.Duration
	// Cache is consulted by the cache_aware strategy.
	Cache CacheStore
	// Defaults supplies parameter normalization for the semantic, temporal
	// and cache_aware strategies. The exact strategy never normalizes.
	Defaults *DefaultsRegistry
	// Profiles supplies per-service overrides: a registered profile whose
	// deduplication knob is set wins over Strategy for that service's
	// requests.
	Profiles *ProfileRegistry
}

// Deduplicator groups equivalent requests so identical work executes once.
type Deduplicator struct {
	config DeduplicatorConfig
	now    func() time.Time
}

// NewDeduplicator creates a deduplicator for the configured strategy.
func NewDeduplicator(config DeduplicatorConfig) *Deduplicator {
	if config.TemporalWindow == 0 {
		config.TemporalWindow = time.Second
	}

	return &Deduplicator{
		config: config,
		now:    time.Now,
	}
}

// Plan validates the batch and computes its deduplication plan. Any
// malformed request fails the whole batch with a Validation error before
// any key is computed; nothing is partially planned. Services whose
// registered profile pins a deduplication strategy group under that
// strategy; every other request follows the configured default. Canonical
// keys embed the service, so groups never span services and the mixed
// strategies cannot collide.
func (d *Deduplicator) Plan(requests []Request) (*DeduplicationPlan, error) {
	if err := validateRequests(requests); err != nil {
		return nil, err
	}

	switch d.config.Strategy {
	case DedupExact, DedupSemantic, DedupCacheAware, DedupTemporal:
	default:
		return nil, &EngineError{
			Type:      ErrorTypeValidation,
			Message:   fmt.Sprintf("unknown deduplication strategy %d", d.config.Strategy),
			Index:     -1,
			Timestamp: d.now(),
		}
	}

	plan := &DeduplicationPlan{
		Strategy: d.config.Strategy,
		Mapping:  make([]PlanMapping, len(requests)),
		Cached:   make(map[int]*CacheEntry),
	}

	type anchor struct {
		at     time.Time
		unique int
	}
	groupOf := make(map[string]int)
	anchors := make(map[string][]anchor)
	// Resolved once per service, so a registry mutation mid-plan cannot
	// split one service's requests across strategies.
	strategies := make(map[string]DeduplicationStrategy)
	var problems []string

	for i, req := range requests {
		strategy, seen := strategies[req.Service]
		if !seen {
			strategy = d.strategyFor(req.Service)
			strategies[req.Service] = strategy
		}

		key, err := d.keyFor(req, strategy)
		if err != nil {
			problems = append(problems, fmt.Sprintf("request[%d]: %v", i, err))
			continue
		}

		if strategy == DedupCacheAware && d.config.Cache != nil {
			if entry, ok := d.config.Cache.Get(key); ok {
				plan.Mapping[i] = PlanMapping{OriginalIndex: i, MapsTo: -1, Key: key}
				plan.Cached[i] = entry
				continue
			}
		}

		if strategy == DedupTemporal {
			ts := req.Timestamp
			if ts.IsZero() {
				ts = d.now()
			}

			// Join the first group whose representative timestamp is within
			// the freshness window; otherwise this request anchors a new
			// group.
			joined := false
			for _, a := range anchors[key] {
				if absDuration(ts.Sub(a.at)) <= d.config.TemporalWindow {
					plan.Mapping[i] = PlanMapping{OriginalIndex: i, MapsTo: a.unique, Key: key, Deduplicated: true}
					plan.Groups[a.unique] = append(plan.Groups[a.unique], i)
					joined = true
					break
				}
			}
			if !joined {
				unique := d.assign(plan, nil, i, key, req)
				anchors[key] = append(anchors[key], anchor{at: ts, unique: unique})
			}
			continue
		}

		d.assign(plan, groupOf, i, key, req)
	}

	if len(problems) > 0 {
		return nil, validationError(problems, d.now())
	}
	return plan, nil
}

// strategyFor resolves the effective strategy for one service's requests.
func (d *Deduplicator) strategyFor(service string) DeduplicationStrategy {
	if d.config.Profiles != nil {
		if strategy, ok := d.config.Profiles.StrategyOverride(service); ok {
			return strategy
		}
	}
	return d.config.Strategy
}

// keyFor computes the canonical key for one request under the given
// strategy. Only the exact strategy skips default normalization.
func (d *Deduplicator) keyFor(req Request, strategy DeduplicationStrategy) (string, error) {
	params := req.Params
	if strategy != DedupExact {
		params = d.config.Defaults.Normalize(req)
	}
	return canonical.Key(req.Service, req.Operation, params)
}

// assign places index i into the group for key, creating the group when i
// is the first occurrence. groupOf may be nil when the caller tracks group
// membership itself.
func (d *Deduplicator) assign(plan *DeduplicationPlan, groupOf map[string]int, i int, key string, req Request) int {
	if groupOf != nil {
		if unique, ok := groupOf[key]; ok {
			plan.Mapping[i] = PlanMapping{OriginalIndex: i, MapsTo: unique, Key: key, Deduplicated: true}
			plan.Groups[unique] = append(plan.Groups[unique], i)
			return unique
		}
	}

	unique := len(plan.UniqueRequests)
	plan.UniqueRequests = append(plan.UniqueRequests, req)
	plan.Keys = append(plan.Keys, key)
	plan.Groups = append(plan.Groups, []int{i})
	plan.Mapping[i] = PlanMapping{OriginalIndex: i, MapsTo: unique, Key: key}
	if groupOf != nil {
		groupOf[key] = unique
	}
	return unique
}

// validateRequests rejects structurally invalid requests before any key
// computation happens. All problems are reported at once.
func validateRequests(requests []Request) error {
	var problems []string
	for i, req := range requests {
		if req.Service == "" {
			problems = append(problems, fmt.Sprintf("request[%d]: missing service", i))
		}
		if req.Operation == "" {
			problems = append(problems, fmt.Sprintf("request[%d]: missing operation", i))
		}
	}
	if len(problems) > 0 {
		return validationError(problems, time.Now())
	}
	return nil
}

func validationError(problems []string, at time.Time) error {
	return &EngineError{
		Type:      ErrorTypeValidation,
		Message:   "batch validation failed",
		Cause:     fmt.Errorf("validation errors: %v", problems),
		Index:     -1,
		Timestamp: at,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
