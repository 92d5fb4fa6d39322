package main

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/config"
	"github.com/sells-group/extract-router/internal/cost"
	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/orchestrate"
	"github.com/sells-group/extract-router/internal/quality"
	"github.com/sells-group/extract-router/internal/resilience"
	"github.com/sells-group/extract-router/internal/store"
)

// routerEnv holds the trackers and their stores for one command.
type routerEnv struct {
	Providers    model.ProviderSet
	HealthStore  store.Store[model.ProviderHealthMetrics]
	QualityStore store.Store[model.QualityRecord]
	Health       *resilience.HealthTracker
	Quality      *quality.Tracker
	Costs        *cost.Calculator
}

// initEnv opens both stores and restores the trackers from them. With
// inMemory set nothing is read or written.
func initEnv(ctx context.Context, c *config.Config, inMemory bool) (*routerEnv, error) {
	if err := c.Validate("admin"); err != nil {
		return nil, err
	}
	env := &routerEnv{
		Providers: c.ProviderSet(),
		Costs:     cost.NewCalculator(c.Pricing),
	}

	if !inMemory {
		hs, err := store.Open[model.ProviderHealthMetrics](ctx, c.Store, store.KindHealth)
		if err != nil {
			return nil, eris.Wrap(err, "open health store")
		}
		env.HealthStore = hs

		qs, err := store.Open[model.QualityRecord](ctx, c.Store, store.KindQuality)
		if err != nil {
			_ = hs.Close()
			return nil, eris.Wrap(err, "open quality store")
		}
		env.QualityStore = qs
	}

	hcfg := healthConfig(c.Health)
	hcfg.OnStateChange = func(id model.ProviderID, from, to model.CircuitState) {
		zap.L().Info("circuit state changed",
			zap.String("provider", string(id)),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
	}
	env.Health = resilience.NewHealthTracker(ctx, hcfg, env.Providers, env.HealthStore)

	qt, err := quality.NewTracker(ctx, quality.Config{WindowSize: c.Quality.WindowSize}, env.Providers, env.QualityStore)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Quality = qt

	return env, nil
}

// Close releases the stores.
func (e *routerEnv) Close() {
	var errs []error
	if e.HealthStore != nil {
		errs = append(errs, e.HealthStore.Close())
	}
	if e.QualityStore != nil {
		errs = append(errs, e.QualityStore.Close())
	}
	if err := errors.Join(errs...); err != nil {
		zap.L().Warn("close stores", zap.Error(err))
	}
}

// Reload picks up tracker state written by other processes sharing the
// stores.
func (e *routerEnv) Reload(ctx context.Context) error {
	return errors.Join(e.Health.Reload(ctx), e.Quality.Reload(ctx))
}

// newOrchestrator builds an orchestrator over the environment's trackers.
func (e *routerEnv) newOrchestrator(c *config.Config, ex orchestrate.Extractor, obs orchestrate.Observer) (*orchestrate.Orchestrator, error) {
	ocfg, err := orchestratorConfig(c)
	if err != nil {
		return nil, err
	}
	return orchestrate.New(ocfg, e.Providers, orchestrate.Deps{
		Extractor: ex,
		Health:    e.Health,
		Quality:   e.Quality,
		Pricing:   e.Costs,
		Observer:  obs,
	})
}

func healthConfig(h config.HealthConfig) resilience.HealthConfig {
	return resilience.FromHealthConfig(h.UnhealthyThreshold, h.OpenTimeoutSecs, h.HalfOpenSuccesses, h.HalfOpenMaxCalls)
}

func orchestratorConfig(c *config.Config) (orchestrate.Config, error) {
	o := c.Orchestrator
	strategy, err := orchestrate.ParseStrategy(o.Strategy)
	if err != nil {
		return orchestrate.Config{}, err
	}

	out := orchestrate.Config{
		Strategy:           strategy,
		CallTimeout:        time.Duration(o.CallTimeoutSecs) * time.Second,
		SkipOpenCircuits:   o.SkipOpenCircuits,
		FallbackToCheapest: o.FallbackToCheapest,
		MaxQualityAttempts: o.MaxQualityAttempts,
		Thresholds:         c.Quality.Thresholds,
	}
	for _, p := range o.Priority {
		out.Priority = append(out.Priority, model.ProviderID(p))
	}
	if len(o.RateLimits) > 0 {
		out.RateLimits = make(map[model.ProviderID]orchestrate.RateLimit, len(o.RateLimits))
		for id, rl := range o.RateLimits {
			out.RateLimits[model.ProviderID(id)] = orchestrate.RateLimit{PerSecond: rl.PerSecond, Burst: rl.Burst}
		}
	}
	return out, nil
}

func providerArg(env *routerEnv, arg string) (model.ProviderID, error) {
	id := model.ProviderID(arg)
	if err := env.Providers.Validate(id); err != nil {
		return "", err
	}
	return id, nil
}
