// Package orchestrate chooses which providers to call for a unit of work,
// feeds every call outcome back into the health and quality trackers, and
// surfaces the best available result.
package orchestrate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/resilience"
)

// Request is one unit of work. The orchestrator never inspects Document.
type Request struct {
	ID       string
	Document string
}

// Extractor performs one extraction call against a provider.
type Extractor interface {
	Attempt(ctx context.Context, provider model.ProviderID, req Request) (model.Outcome, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, provider model.ProviderID, req Request) (model.Outcome, error)

// Attempt calls f.
func (f ExtractorFunc) Attempt(ctx context.Context, provider model.ProviderID, req Request) (model.Outcome, error) {
	return f(ctx, provider, req)
}

// HealthTracker is the circuit breaker view the orchestrator needs.
type HealthTracker interface {
	IsHealthy(ctx context.Context, id model.ProviderID) (bool, error)
	RecordSuccess(ctx context.Context, id model.ProviderID, latency time.Duration) error
	RecordFailure(ctx context.Context, id model.ProviderID, message string) error
}

// QualityTracker is the quality view the orchestrator needs.
type QualityTracker interface {
	RecordExtraction(ctx context.Context, id model.ProviderID, ex model.Extraction) error
	CheckQualityThreshold(id model.ProviderID, cfg model.QualityThresholdConfig) (model.ThresholdResult, error)
	Score(id model.ProviderID) (float64, error)
}

// Pricing prices and accounts provider calls.
type Pricing interface {
	CostPerCall(id model.ProviderID) (float64, bool)
	Charge(id model.ProviderID, usage model.TokenUsage) float64
}

// Observer is notified of every finished attempt.
type Observer interface {
	ObserveAttempt(a Attempt)
}

// Status is the fate of one provider attempt.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusThrottled Status = "throttled"
	StatusAbandoned Status = "abandoned"
)

// called reports whether the provider was actually called.
func (s Status) called() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusAbandoned
}

// Attempt describes one provider considered for a unit of work.
type Attempt struct {
	RequestID string           `json:"request_id"`
	Provider  model.ProviderID `json:"provider"`
	Status    Status           `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	Latency   time.Duration    `json:"latency"`

	outcome model.Outcome
	// RecordErr is set when the outcome could not be persisted.
	RecordErr error `json:"-"`
}

// Result is the surfaced outcome of a unit of work.
type Result struct {
	RequestID string           `json:"request_id"`
	Strategy  Strategy         `json:"strategy"`
	Provider  model.ProviderID `json:"provider"`
	Outcome   model.Outcome    `json:"outcome"`
	Attempts  []Attempt        `json:"attempts"`
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Extractor Extractor
	Health    HealthTracker
	Quality   QualityTracker
	Pricing   Pricing
	Observer  Observer
}

// Orchestrator runs units of work against the configured providers.
type Orchestrator struct {
	cfg       Config
	providers model.ProviderSet
	deps      Deps
	limiters  map[model.ProviderID]*adaptiveLimiter

	inflight sync.WaitGroup
	log      *zap.Logger
}

// New creates an Orchestrator.
func New(cfg Config, providers model.ProviderSet, deps Deps) (*Orchestrator, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if err := cfg.Validate(providers); err != nil {
		return nil, err
	}
	if deps.Extractor == nil || deps.Health == nil || deps.Quality == nil {
		return nil, eris.New("orchestrate: extractor, health and quality trackers are required")
	}
	return &Orchestrator{
		cfg:       cfg,
		providers: providers,
		deps:      deps,
		limiters:  buildLimiters(cfg.RateLimits),
		log:       zap.L().With(zap.String("component", "orchestrate")),
	}, nil
}

// Strategy returns the active strategy.
func (o *Orchestrator) Strategy() Strategy {
	return o.cfg.Strategy
}

// Extract runs one unit of work with the configured strategy.
func (o *Orchestrator) Extract(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := o.log.With(zap.String("request_id", req.ID), zap.String("strategy", string(o.cfg.Strategy)))

	var (
		res *Result
		err error
	)
	switch o.cfg.Strategy {
	case StrategyAllProviders:
		res, err = o.allProviders(ctx, req)
	case StrategyQualityBased:
		res, err = o.qualityBased(ctx, req)
	default:
		res, err = o.failover(ctx, req)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrapf(ctxErr, "orchestrate: request %s abandoned", req.ID)
		}
		log.Warn("orchestrate: no result", zap.Error(err))
		return nil, err
	}
	log.Debug("orchestrate: result selected",
		zap.String("provider", string(res.Provider)),
		zap.Int("attempts", len(res.Attempts)),
	)
	return res, nil
}

// Close waits for in-flight provider calls to finish recording their
// outcomes, or for ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "orchestrate: drain in-flight attempts")
	}
}

// try runs one provider through its rate limiter, the circuit breaker and
// the call itself. With enforce unset the breaker is still asked, so open
// timeouts and half-open slots advance, but its verdict is ignored.
func (o *Orchestrator) try(ctx context.Context, req Request, id model.ProviderID, enforce bool) Attempt {
	if lim := o.limiters[id]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Attempt{RequestID: req.ID, Provider: id, Status: StatusAbandoned, Reason: ctxErr.Error()}
			}
			a := Attempt{RequestID: req.ID, Provider: id, Status: StatusThrottled, Reason: "rate limiter: " + err.Error()}
			o.observe(a)
			return a
		}
	}

	ok, err := o.deps.Health.IsHealthy(ctx, id)
	switch {
	case err != nil:
		return o.skipped(req.ID, id, "health check: "+err.Error())
	case !ok && enforce:
		return o.skipped(req.ID, id, "circuit breaker open")
	}
	return o.attempt(ctx, req, id)
}

func (o *Orchestrator) skipped(reqID string, id model.ProviderID, reason string) Attempt {
	a := Attempt{RequestID: reqID, Provider: id, Status: StatusSkipped, Reason: reason}
	o.observe(a)
	return a
}

// attempt calls id and returns once the call finished or ctx is done. The
// call keeps running after ctx is done and its outcome is still recorded.
func (o *Orchestrator) attempt(ctx context.Context, req Request, id model.ProviderID) Attempt {
	done := make(chan Attempt, 1)
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		done <- o.call(ctx, req, id)
	}()

	select {
	case a := <-done:
		return a
	case <-ctx.Done():
		return Attempt{RequestID: req.ID, Provider: id, Status: StatusAbandoned, Reason: ctx.Err().Error()}
	}
}

// call performs the provider call and records its outcome exactly once.
func (o *Orchestrator) call(ctx context.Context, req Request, id model.ProviderID) Attempt {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	out, err := o.deps.Extractor.Attempt(callCtx, id, req)
	elapsed := time.Since(start)

	a := Attempt{RequestID: req.ID, Provider: id, Latency: elapsed}
	if err == nil && out.Latency > 0 {
		a.Latency = out.Latency
	}

	// Recording outlives the caller.
	recCtx := context.WithoutCancel(ctx)
	switch {
	case err != nil && ctx.Err() != nil && isContextErr(err):
		// The caller abandoned the work before the provider answered.
		a.Status = StatusAbandoned
		a.Reason = err.Error()
		return a
	case err != nil:
		a.Status = StatusFailure
		a.Reason = failureMessage(callCtx, err)
		a.RecordErr = o.deps.Health.RecordFailure(recCtx, id, a.Reason)
		if resilience.ClassifyError(err) == resilience.FailureRateLimited {
			if lim := o.limiters[id]; lim != nil {
				lim.onRateLimit()
			}
		}
	default:
		if verr := out.Validate(); verr != nil {
			a.Status = StatusFailure
			a.Reason = resilience.FailureMalformed + ": " + verr.Error()
			a.RecordErr = o.deps.Health.RecordFailure(recCtx, id, a.Reason)
			break
		}
		a.Status = StatusSuccess
		a.outcome = out
		a.RecordErr = errors.Join(
			o.deps.Health.RecordSuccess(recCtx, id, a.Latency),
			o.deps.Quality.RecordExtraction(recCtx, id, out.Extraction()),
		)
		if lim := o.limiters[id]; lim != nil {
			lim.onSuccess()
		}
	}

	if o.deps.Pricing != nil {
		o.deps.Pricing.Charge(id, a.outcome.Usage)
	}
	if a.RecordErr != nil {
		o.log.Error("orchestrate: outcome not persisted",
			zap.String("request_id", req.ID),
			zap.String("provider", string(id)),
			zap.Error(a.RecordErr),
		)
	}
	o.observe(a)
	return a
}

func (o *Orchestrator) observe(a Attempt) {
	if o.deps.Observer != nil {
		o.deps.Observer.ObserveAttempt(a)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// failureMessage classifies err. A call that ran into its own deadline is a
// timeout whatever error the extractor returned.
func failureMessage(callCtx context.Context, err error) string {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return resilience.FailureTimeout + ": " + err.Error()
	}
	return resilience.FailureMessage(err)
}

func resultOf(strategy Strategy, reqID string, winner Attempt, attempts []Attempt) *Result {
	return &Result{
		RequestID: reqID,
		Strategy:  strategy,
		Provider:  winner.Provider,
		Outcome:   winner.outcome,
		Attempts:  attempts,
	}
}
