package orchestrate

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/extract-router/internal/model"
)

// RateLimit configures the call rate of one provider.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second" mapstructure:"per_second"`
	Burst     int     `yaml:"burst" mapstructure:"burst"`
}

// adaptiveLimiter wraps a rate.Limiter that speeds up by 20% after each
// success (up to 2x the configured rate) and halves after a rate-limited
// call (down to a quarter of it).
type adaptiveLimiter struct {
	provider model.ProviderID

	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

func newAdaptiveLimiter(id model.ProviderID, rl RateLimit) *adaptiveLimiter {
	r := rate.Limit(rl.PerSecond)
	burst := rl.Burst
	if burst <= 0 {
		burst = 1
	}
	return &adaptiveLimiter{
		provider:    id,
		limiter:     rate.NewLimiter(r, burst),
		maxRate:     r * 2,
		minRate:     r / 4,
		currentRate: r,
	}
}

func (a *adaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

func (a *adaptiveLimiter) onSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := min(a.currentRate*1.2, a.maxRate)
	a.currentRate = next
	a.limiter.SetLimit(next)
}

func (a *adaptiveLimiter) onRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := max(a.currentRate*0.5, a.minRate)
	a.currentRate = next
	a.limiter.SetLimit(next)
	zap.L().Warn("orchestrate: reducing call rate after rate limit",
		zap.String("provider", string(a.provider)),
		zap.Float64("new_rate", float64(next)),
	)
}

func (a *adaptiveLimiter) limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

func buildLimiters(limits map[model.ProviderID]RateLimit) map[model.ProviderID]*adaptiveLimiter {
	out := make(map[model.ProviderID]*adaptiveLimiter, len(limits))
	for id, rl := range limits {
		if rl.PerSecond <= 0 {
			continue
		}
		out[id] = newAdaptiveLimiter(id, rl)
	}
	return out
}
