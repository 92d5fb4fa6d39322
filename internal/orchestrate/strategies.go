package orchestrate

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/extract-router/internal/model"
)

// failover tries providers in priority order and stops at the first success.
func (o *Orchestrator) failover(ctx context.Context, req Request) (*Result, error) {
	var attempts []Attempt
	for _, id := range o.cfg.order(o.providers) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a := o.try(ctx, req, id, true)
		attempts = append(attempts, a)
		if a.Status == StatusSuccess {
			return resultOf(StrategyFailover, req.ID, a, attempts), nil
		}
	}
	return nil, &AggregateError{Kind: ErrAllProvidersFailed, Failures: failuresOf(attempts)}
}

// allProviders tries every provider concurrently. With SkipOpenCircuits the
// circuit breaker decides who is called; otherwise every provider is. The
// result of the responder with the highest quality score wins.
func (o *Orchestrator) allProviders(ctx context.Context, req Request) (*Result, error) {
	ids := o.providers.IDs()
	attempts := make([]Attempt, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			attempts[i] = o.try(gctx, req, id, o.cfg.SkipOpenCircuits)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		best      Attempt
		bestScore = -1.0
	)
	for _, a := range attempts {
		if a.Status != StatusSuccess {
			continue
		}
		score, err := o.deps.Quality.Score(a.Provider)
		if err != nil {
			score = 0
		}
		// Candidates are in lexical order, so ties keep the first.
		if score > bestScore {
			best, bestScore = a, score
		}
	}
	if bestScore < 0 {
		return nil, &AggregateError{Kind: ErrAllProvidersFailed, Failures: failuresOf(attempts)}
	}
	return resultOf(StrategyAllProviders, req.ID, best, attempts), nil
}

// qualityBased calls the cheapest healthy provider that meets the quality
// thresholds, trying the next cheapest on failure. When no provider
// qualifies it falls back to the cheapest healthy provider if enabled.
func (o *Orchestrator) qualityBased(ctx context.Context, req Request) (*Result, error) {
	var (
		qualified []model.ProviderID
		rejected  []ProviderFailure
	)
	for _, id := range o.providers.IDs() {
		res, err := o.deps.Quality.CheckQualityThreshold(id, o.cfg.Thresholds)
		switch {
		case errors.Is(err, model.ErrNoExtractions):
			rejected = append(rejected, ProviderFailure{Provider: id, Reason: "no recorded extractions"})
		case err != nil:
			rejected = append(rejected, ProviderFailure{Provider: id, Reason: "quality check: " + err.Error()})
		case !res.Passes:
			rejected = append(rejected, ProviderFailure{Provider: id, Reason: strings.Join(res.Failures, "; ")})
		default:
			qualified = append(qualified, id)
		}
	}

	res, attempts, called, err := o.cheapestFirst(ctx, req, qualified)
	if res != nil || err != nil {
		return res, err
	}
	if called {
		return nil, &AggregateError{Kind: ErrAllProvidersFailed, Failures: append(failuresOf(attempts), rejected...)}
	}

	// No qualified provider could be called.
	if !o.cfg.FallbackToCheapest {
		return nil, &AggregateError{Kind: ErrNoQualifiedProvider, Failures: append(failuresOf(attempts), rejected...)}
	}
	o.log.Info("orchestrate: no qualified provider, falling back to cheapest",
		zap.String("request_id", req.ID))

	var rest []model.ProviderID
	for _, f := range rejected {
		rest = append(rest, f.Provider)
	}
	res, fallback, _, err := o.cheapestFirst(ctx, req, rest)
	if res != nil || err != nil {
		if res != nil {
			res.Attempts = append(attempts, res.Attempts...)
		}
		return res, err
	}
	return nil, &AggregateError{Kind: ErrAllProvidersFailed, Failures: failuresOf(append(attempts, fallback...))}
}

// cheapestFirst tries ids by ascending cost, bounded by MaxQualityAttempts
// calls. called reports whether any provider was actually called.
func (o *Orchestrator) cheapestFirst(ctx context.Context, req Request, ids []model.ProviderID) (res *Result, attempts []Attempt, called bool, err error) {
	calls := 0
	for _, id := range o.byCost(ids) {
		if o.cfg.MaxQualityAttempts > 0 && calls >= o.cfg.MaxQualityAttempts {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, attempts, called, err
		}
		a := o.try(ctx, req, id, true)
		attempts = append(attempts, a)
		if !a.Status.called() {
			continue
		}
		calls++
		called = true
		if a.Status == StatusSuccess {
			return resultOf(StrategyQualityBased, req.ID, a, attempts), attempts, true, nil
		}
	}
	return nil, attempts, called, nil
}

// byCost orders ids by ascending cost per call. Unknown costs go last; ties
// are ordered by id.
func (o *Orchestrator) byCost(ids []model.ProviderID) []model.ProviderID {
	type priced struct {
		id    model.ProviderID
		cost  float64
		known bool
	}
	rows := make([]priced, 0, len(ids))
	for _, id := range ids {
		p := priced{id: id}
		if o.deps.Pricing != nil {
			p.cost, p.known = o.deps.Pricing.CostPerCall(id)
		}
		rows = append(rows, p)
	}
	slices.SortFunc(rows, func(a, b priced) int {
		if a.known != b.known {
			if a.known {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.cost, b.cost); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	out := make([]model.ProviderID, len(rows))
	for i, r := range rows {
		out[i] = r.id
	}
	return out
}
