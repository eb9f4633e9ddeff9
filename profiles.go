package selaras

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Latency sensitivity levels a profile can declare. The level picks the
// tolerated p95 growth margin for the service's controller.
const (
	SensitivityLow    = "low"
	SensitivityMedium = "medium"
	SensitivityHigh   = "high"
)

// Scaling strategies a profile can declare.
const (
	ScalingConservative = "conservative"
	ScalingBalanced     = "balanced"
	ScalingAggressive   = "aggressive"
)

// ServiceProfile is the static tuning description of one backend service.
// Profiles seed per-service controller bounds and thresholds; they are not
// consulted again after the service's runtime exists.
type ServiceProfile struct {
	Name               string `yaml:"name"`
	MaxRecommended     int    `yaml:"max_recommended"`
	MinConcurrency     int    `yaml:"min_concurrency"`
	InitialConcurrency int    `yaml:"initial_concurrency"`
	// BaselineLatency is the service's expected healthy p95. The controller
	// measures latency growth against it until enough samples exist to
	// compare whole windows.
	BaselineLatency time.Duration `yaml:"-"`
	ErrorThreshold  float64       `yaml:"error_threshold"`
	// RateLimitFactor is the sustained dispatch rate the backend tolerates,
	// in requests per second. Zero means no local rate limit.
	RateLimitFactor    float64       `yaml:"rate_limit_factor"`
	LatencySensitivity string        `yaml:"latency_sensitivity"`
	ScalingStrategy    string        `yaml:"scaling_strategy"`
	Deduplication      string        `yaml:"deduplication"`
	CacheTTL           time.Duration `yaml:"-"`
}

// profileYAML mirrors ServiceProfile with durations as strings so profile
// files can say "250ms" or "5m".
type profileYAML struct {
	Name               string  `yaml:"name"`
	MaxRecommended     int     `yaml:"max_recommended"`
	MinConcurrency     int     `yaml:"min_concurrency"`
	InitialConcurrency int     `yaml:"initial_concurrency"`
	BaselineLatency    string  `yaml:"baseline_latency"`
	ErrorThreshold     float64 `yaml:"error_threshold"`
	RateLimitFactor    float64 `yaml:"rate_limit_factor"`
	LatencySensitivity string  `yaml:"latency_sensitivity"`
	ScalingStrategy    string  `yaml:"scaling_strategy"`
	Deduplication      string  `yaml:"deduplication"`
	CacheTTL           string  `yaml:"cache_ttl"`
}

func (p *ServiceProfile) UnmarshalYAML(value *yaml.Node) error {
	var raw profileYAML
	if err := value.Decode(&raw); err != nil {
		return err
	}

	*p = ServiceProfile{
		Name:               raw.Name,
		MaxRecommended:     raw.MaxRecommended,
		MinConcurrency:     raw.MinConcurrency,
		InitialConcurrency: raw.InitialConcurrency,
		ErrorThreshold:     raw.ErrorThreshold,
		RateLimitFactor:    raw.RateLimitFactor,
		LatencySensitivity: raw.LatencySensitivity,
		ScalingStrategy:    raw.ScalingStrategy,
		Deduplication:      raw.Deduplication,
	}

	if raw.BaselineLatency != "" {
		d, err := time.ParseDuration(raw.BaselineLatency)
		if err != nil {
			return fmt.Errorf("profile %s: invalid baseline_latency: %w", raw.Name, err)
		}
		p.BaselineLatency = d
	}
	if raw.CacheTTL != "" {
		d, err := time.ParseDuration(raw.CacheTTL)
		if err != nil {
			return fmt.Errorf("profile %s: invalid cache_ttl: %w", raw.Name, err)
		}
		p.CacheTTL = d
	}
	return nil
}

// Validate ensures the profile is internally consistent.
func (p ServiceProfile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.MaxRecommended < 0 || p.MinConcurrency < 0 || p.InitialConcurrency < 0 {
		return fmt.Errorf("profile %s: concurrency bounds must be non-negative", p.Name)
	}
	if p.MaxRecommended > 0 && p.MinConcurrency > p.MaxRecommended {
		return fmt.Errorf("profile %s: min_concurrency %d exceeds max_recommended %d",
			p.Name, p.MinConcurrency, p.MaxRecommended)
	}
	if p.ErrorThreshold < 0 || p.ErrorThreshold > 1 {
		return fmt.Errorf("profile %s: error_threshold must be in [0,1]", p.Name)
	}
	if p.RateLimitFactor < 0 {
		return fmt.Errorf("profile %s: rate_limit_factor must be non-negative", p.Name)
	}
	switch p.LatencySensitivity {
	case "", SensitivityLow, SensitivityMedium, SensitivityHigh:
	default:
		return fmt.Errorf("profile %s: unknown latency_sensitivity %q", p.Name, p.LatencySensitivity)
	}
	switch p.ScalingStrategy {
	case "", ScalingConservative, ScalingBalanced, ScalingAggressive:
	default:
		return fmt.Errorf("profile %s: unknown scaling_strategy %q", p.Name, p.ScalingStrategy)
	}
	if p.Deduplication != "" {
		if _, err := ParseDeduplicationStrategy(p.Deduplication); err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
	}
	return nil
}

// ControllerConfig derives the controller seed for this profile's service.
func (p ServiceProfile) ControllerConfig() ControllerConfig {
	cfg := ControllerConfig{
		Service:            p.Name,
		MinConcurrency:     p.MinConcurrency,
		MaxConcurrency:     p.MaxRecommended,
		InitialConcurrency: p.InitialConcurrency,
		BaselineLatency:    p.BaselineLatency,
		ErrorThreshold:     p.ErrorThreshold,
	}

	switch p.LatencySensitivity {
	case SensitivityHigh:
		cfg.LatencyMargin = 0.10
	case SensitivityLow:
		cfg.LatencyMargin = 0.35
	case SensitivityMedium:
		cfg.LatencyMargin = 0.20
	}

	switch p.ScalingStrategy {
	case ScalingConservative:
		cfg.TrendSamples = 5
		cfg.CooldownPeriod = 20 * time.Second
	case ScalingAggressive:
		cfg.TrendSamples = 3
		cfg.CooldownPeriod = 10 * time.Second
	}

	return cfg
}

// RateLimiter builds the local dispatch limiter the profile asks for, or
// nil when the profile declares no rate limit.
func (p ServiceProfile) RateLimiter() *RateLimiter {
	if p.RateLimitFactor <= 0 {
		return nil
	}
	burst := int(p.RateLimitFactor)
	if burst < 1 {
		burst = 1
	}
	refill := time.Duration(float64(time.Second) / p.RateLimitFactor)
	return NewRateLimiter(burst, refill)
}

// Strategy resolves the profile's deduplication strategy, defaulting to
// exact matching when unset.
func (p ServiceProfile) Strategy() DeduplicationStrategy {
	if p.Deduplication == "" {
		return DedupExact
	}
	s, err := ParseDeduplicationStrategy(p.Deduplication)
	if err != nil {
		return DedupExact
	}
	return s
}

// ParseDeduplicationStrategy maps a strategy name to its value.
func ParseDeduplicationStrategy(name string) (DeduplicationStrategy, error) {
	switch name {
	case "exact":
		return DedupExact, nil
	case "semantic":
		return DedupSemantic, nil
	case "temporal":
		return DedupTemporal, nil
	case "cache_aware":
		return DedupCacheAware, nil
	default:
		return DedupExact, fmt.Errorf("unknown deduplication strategy %q", name)
	}
}

// BalancedProfile is the fallback archetype for services without a
// registered profile.
func BalancedProfile(name string) ServiceProfile {
	return ServiceProfile{
		Name:               name,
		MaxRecommended:     16,
		MinConcurrency:     1,
		InitialConcurrency: 4,
		BaselineLatency:    200 * time.Millisecond,
		ErrorThreshold:     0.10,
		LatencySensitivity: SensitivityMedium,
		ScalingStrategy:    ScalingBalanced,
		Deduplication:      "exact",
	}
}

// RateLimitedProfile describes a strictly rate-limited orchestration
// service: low ceiling, low sensitivity, aggressive local throttling.
func RateLimitedProfile(name string) ServiceProfile {
	return ServiceProfile{
		Name:               name,
		MaxRecommended:     4,
		MinConcurrency:     1,
		InitialConcurrency: 2,
		BaselineLatency:    time.Second,
		ErrorThreshold:     0.05,
		RateLimitFactor:    2,
		LatencySensitivity: SensitivityLow,
		ScalingStrategy:    ScalingConservative,
		Deduplication:      "semantic",
	}
}

// ParallelComputeProfile describes a massively parallel compute service:
// high ceiling, fast scaling.
func ParallelComputeProfile(name string) ServiceProfile {
	return ServiceProfile{
		Name:               name,
		MaxRecommended:     64,
		MinConcurrency:     2,
		InitialConcurrency: 16,
		BaselineLatency:    100 * time.Millisecond,
		ErrorThreshold:     0.15,
		LatencySensitivity: SensitivityMedium,
		ScalingStrategy:    ScalingAggressive,
		Deduplication:      "exact",
	}
}

// LatencySensitiveProfile describes an interactive read service where p95
// growth matters more than raw throughput.
func LatencySensitiveProfile(name string) ServiceProfile {
	return ServiceProfile{
		Name:               name,
		MaxRecommended:     12,
		MinConcurrency:     1,
		InitialConcurrency: 4,
		BaselineLatency:    50 * time.Millisecond,
		ErrorThreshold:     0.10,
		LatencySensitivity: SensitivityHigh,
		ScalingStrategy:    ScalingConservative,
		Deduplication:      "cache_aware",
		CacheTTL:           30 * time.Second,
	}
}

// ProfileRegistry holds known service profiles and answers lookups with a
// fallback for unknown services.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]ServiceProfile
	fallback func(name string) ServiceProfile
}

// NewProfileRegistry creates a registry whose fallback is BalancedProfile.
func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{
		profiles: make(map[string]ServiceProfile),
		fallback: BalancedProfile,
	}
}

// Register adds or replaces a profile. Invalid profiles are rejected.
func (r *ProfileRegistry) Register(p ServiceProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
	return nil
}

// Lookup returns the profile for a service, falling back to the registry's
// default archetype named after the service.
func (r *ProfileRegistry) Lookup(service string) ServiceProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.profiles[service]; ok {
		return p
	}
	return r.fallback(service)
}

// StrategyOverride reports the deduplication strategy an explicitly
// registered profile pins for the service. Services without a registered
// profile, or whose profile leaves deduplication unset, follow the batch
// default; the archetype fallback never overrides.
func (r *ProfileRegistry) StrategyOverride(service string) (DeduplicationStrategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[service]
	if !ok || p.Deduplication == "" {
		return DedupExact, false
	}
	return p.Strategy(), true
}

// SetFallback replaces the archetype used for unknown services.
func (r *ProfileRegistry) SetFallback(fallback func(name string) ServiceProfile) {
	if fallback == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fallback
}

// Services lists the registered service names.
func (r *ProfileRegistry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}

type profilesFile struct {
	Profiles []ServiceProfile `yaml:"profiles"`
}

// ProfilesFromYAML parses a profiles document and registers every entry.
func ProfilesFromYAML(data []byte) (*ProfileRegistry, error) {
	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid profiles yaml: %w", err)
	}

	registry := NewProfileRegistry()
	for _, p := range file.Profiles {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// LoadProfilesFile reads service profiles from a YAML file.
func LoadProfilesFile(path string) (*ProfileRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ProfilesFromYAML(data)
}
