package orchestrate

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-router/internal/model"
)

// Strategy selects how providers are invoked for a unit of work.
type Strategy string

const (
	// StrategyAllProviders calls every candidate provider concurrently and
	// returns the result of the highest-quality responder.
	StrategyAllProviders Strategy = "all_providers"
	// StrategyFailover calls healthy providers in priority order until one
	// succeeds.
	StrategyFailover Strategy = "failover"
	// StrategyQualityBased calls the cheapest healthy provider that meets
	// the quality thresholds.
	StrategyQualityBased Strategy = "quality_based"
)

// DefaultCallTimeout bounds a single provider call.
const DefaultCallTimeout = 30 * time.Second

// Config controls provider selection.
type Config struct {
	Strategy Strategy

	// Priority orders providers for failover. Configured providers missing
	// from the list follow in lexical order.
	Priority []model.ProviderID

	// CallTimeout bounds each provider call. Default: 30s.
	CallTimeout time.Duration

	// SkipOpenCircuits makes all_providers consult the circuit breaker and
	// skip providers it does not admit. When false every provider is called.
	SkipOpenCircuits bool

	// FallbackToCheapest makes quality_based call the cheapest healthy
	// provider when none meets the thresholds, instead of failing.
	FallbackToCheapest bool

	// MaxQualityAttempts bounds the providers tried by quality_based. Zero
	// tries every candidate.
	MaxQualityAttempts int

	Thresholds model.QualityThresholdConfig
	RateLimits map[model.ProviderID]RateLimit
}

// DefaultConfig returns the default orchestration settings.
func DefaultConfig() Config {
	return Config{
		Strategy:         StrategyFailover,
		CallTimeout:      DefaultCallTimeout,
		SkipOpenCircuits: true,
		Thresholds:       model.DefaultQualityThresholds(),
	}
}

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyAllProviders, StrategyFailover, StrategyQualityBased:
		return st, nil
	default:
		return "", eris.Errorf("orchestrate: unknown strategy %q", s)
	}
}

// Validate checks cfg against the configured providers.
func (c Config) Validate(providers model.ProviderSet) error {
	if providers.Len() == 0 {
		return eris.Wrap(model.ErrNoProviders, "orchestrate")
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	for _, id := range c.Priority {
		if err := providers.Validate(id); err != nil {
			return eris.Wrap(err, "orchestrate: priority")
		}
	}
	for id := range c.RateLimits {
		if err := providers.Validate(id); err != nil {
			return eris.Wrap(err, "orchestrate: rate limits")
		}
	}
	if c.MaxQualityAttempts < 0 {
		return eris.Errorf("orchestrate: max quality attempts %d is negative", c.MaxQualityAttempts)
	}
	return c.Thresholds.Validate()
}

// order returns the failover order over providers.
func (c Config) order(providers model.ProviderSet) []model.ProviderID {
	out := make([]model.ProviderID, 0, providers.Len())
	seen := make(map[model.ProviderID]bool, providers.Len())
	for _, id := range c.Priority {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range providers.IDs() {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}
