package resilience

import (
	"time"

	"github.com/sells-group/extract-router/internal/model"
)

// HealthConfig controls circuit breaker behavior for every provider.
type HealthConfig struct {
	// UnhealthyThreshold is the number of consecutive failures that opens
	// the circuit. Default: 5.
	UnhealthyThreshold int

	// OpenTimeout is how long the circuit stays open after the last failure
	// before a trial call is admitted. Default: 60s.
	OpenTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive successful trial calls that
	// closes a half-open circuit. Default: 2.
	HalfOpenSuccesses int

	// HalfOpenMaxCalls caps the trial calls admitted in one half-open cycle.
	// Further calls are refused until the admitted ones report. A cycle left
	// without answers for another OpenTimeout re-opens the circuit.
	// Default: 3.
	HalfOpenMaxCalls int

	// OnStateChange is called when a provider's circuit transitions.
	OnStateChange func(provider model.ProviderID, from, to model.CircuitState)
}

// DefaultHealthConfig returns sensible defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		UnhealthyThreshold: 5,
		OpenTimeout:        60 * time.Second,
		HalfOpenSuccesses:  2,
		HalfOpenMaxCalls:   3,
	}
}

// FromHealthConfig converts config values to a HealthConfig. Non-positive
// values keep the defaults.
func FromHealthConfig(unhealthyThreshold, openTimeoutSecs, halfOpenSuccesses, halfOpenMaxCalls int) HealthConfig {
	cfg := DefaultHealthConfig()
	if unhealthyThreshold > 0 {
		cfg.UnhealthyThreshold = unhealthyThreshold
	}
	if openTimeoutSecs > 0 {
		cfg.OpenTimeout = time.Duration(openTimeoutSecs) * time.Second
	}
	if halfOpenSuccesses > 0 {
		cfg.HalfOpenSuccesses = halfOpenSuccesses
	}
	if halfOpenMaxCalls > 0 {
		cfg.HalfOpenMaxCalls = halfOpenMaxCalls
	}
	return cfg
}

func applyHealthDefaults(cfg HealthConfig) HealthConfig {
	def := DefaultHealthConfig()
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = def.UnhealthyThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.HalfOpenMaxCalls < cfg.HalfOpenSuccesses {
		cfg.HalfOpenMaxCalls = cfg.HalfOpenSuccesses
	}
	return cfg
}
