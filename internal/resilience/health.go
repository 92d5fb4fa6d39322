package resilience

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/store"
)

// HealthTracker keeps a circuit breaker and latency statistics per provider.
// Records for different providers never share a lock; reads are served from
// a published snapshot and do not block writers.
type HealthTracker struct {
	cfg       HealthConfig
	providers model.ProviderSet
	store     store.Store[model.ProviderHealthMetrics]

	mu       sync.RWMutex
	breakers map[model.ProviderID]*breaker

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
	log     *zap.Logger
}

// NewHealthTracker creates a tracker for the given providers and restores
// their state from st. Unreadable or inconsistent state is logged and the
// affected providers start default-initialized. st may be nil for an
// in-memory tracker.
func NewHealthTracker(ctx context.Context, cfg HealthConfig, providers model.ProviderSet, st store.Store[model.ProviderHealthMetrics]) *HealthTracker {
	t := &HealthTracker{
		cfg:       applyHealthDefaults(cfg),
		providers: providers,
		store:     st,
		breakers:  make(map[model.ProviderID]*breaker),
		nowFunc:   time.Now,
		log:       zap.L().With(zap.String("component", "resilience.health")),
	}
	t.restore(ctx)
	return t
}

func (t *HealthTracker) restore(ctx context.Context) {
	if t.store == nil {
		return
	}
	recs, err := t.store.Load(ctx)
	if err != nil {
		t.log.Warn("health: load failed, starting from defaults", zap.Error(err))
		return
	}
	t.apply(recs, nil)
}

// Reload replaces the in-memory records with the stored ones, picking up
// writes made by other processes sharing the store. Providers mutated by
// this tracker while the store was read keep their in-memory record.
func (t *HealthTracker) Reload(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	before := t.settled()
	recs, err := t.store.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "health: reload")
	}
	t.apply(recs, before)
	return nil
}

// settled returns the sequence of every breaker whose last mutation has
// finished persisting. Breakers with a write in flight get a sequence no
// breaker can reach.
func (t *HealthTracker) settled() map[model.ProviderID]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.ProviderID]uint64, len(t.breakers))
	for id, b := range t.breakers {
		b.mu.Lock()
		if b.done == b.seq {
			out[id] = b.seq
		} else {
			out[id] = math.MaxUint64
		}
		b.mu.Unlock()
	}
	return out
}

// apply installs stored records. With before set, a record is only applied
// when its breaker has not changed since before was taken.
func (t *HealthTracker) apply(recs map[model.ProviderID]model.ProviderHealthMetrics, before map[model.ProviderID]uint64) {
	for id, rec := range recs {
		if !t.providers.Contains(id) {
			t.log.Warn("health: ignoring stored provider not in configuration", zap.String("provider", string(id)))
			continue
		}
		rec.ProviderName = id
		if reason := rec.Check(); reason != "" {
			t.log.Warn("health: discarding inconsistent record",
				zap.String("provider", string(id)),
				zap.String("reason", reason),
			)
			continue
		}

		b := t.get(id)
		b.mu.Lock()
		if before == nil || (b.seq == before[id] && b.done == b.seq) {
			b.m = rec
			b.publish()
		}
		b.mu.Unlock()
	}
}

func (t *HealthTracker) now() time.Time {
	return t.nowFunc().UTC()
}

// get returns the breaker for id, creating a default-initialized one on
// first use.
func (t *HealthTracker) get(id model.ProviderID) *breaker {
	t.mu.RLock()
	b, ok := t.breakers[id]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Double-check after acquiring write lock.
	if b, ok = t.breakers[id]; ok {
		return b
	}
	b = newBreaker(model.NewProviderHealthMetrics(id, t.now()))
	t.breakers[id] = b
	return b
}

func (t *HealthTracker) onChange(id model.ProviderID) transitionFunc {
	return func(from, to model.CircuitState) {
		t.log.Info("health: circuit state change",
			zap.String("provider", string(id)),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		if t.cfg.OnStateChange != nil {
			t.cfg.OnStateChange(id, from, to)
		}
	}
}

// mutate applies fn to the provider's record under its lock, publishes the
// result and persists it.
func (t *HealthTracker) mutate(ctx context.Context, id model.ProviderID, fn func(b *breaker, now time.Time) bool) error {
	b := t.get(id)

	b.mu.Lock()
	if !fn(b, t.now()) {
		b.mu.Unlock()
		return nil
	}
	b.seq++
	seq := b.seq
	snap := b.publish()
	b.mu.Unlock()

	if t.store == nil {
		return nil
	}
	err := t.store.Put(ctx, id, seq, snap)

	b.mu.Lock()
	b.done = max(b.done, seq)
	b.mu.Unlock()

	if err != nil {
		t.log.Error("health: persist failed", zap.String("provider", string(id)), zap.Error(err))
		return eris.Wrapf(err, "health: persist %s", id)
	}
	return nil
}

// IsHealthy reports whether provider id may be called now. An open circuit
// whose timeout has elapsed moves to half-open and admits a trial call.
func (t *HealthTracker) IsHealthy(ctx context.Context, id model.ProviderID) (bool, error) {
	if err := t.providers.Validate(id); err != nil {
		return false, err
	}

	var allowed bool
	err := t.mutate(ctx, id, func(b *breaker, now time.Time) bool {
		var changed bool
		allowed, changed = b.admit(t.cfg, now, t.onChange(id))
		if changed {
			b.m.UpdatedAt = now
		}
		return changed
	})
	if !allowed {
		t.log.Debug("health: call not admitted", zap.String("provider", string(id)))
	}
	return allowed, err
}

// RecordSuccess absorbs a successful call and its latency.
func (t *HealthTracker) RecordSuccess(ctx context.Context, id model.ProviderID, latency time.Duration) error {
	if err := t.providers.Validate(id); err != nil {
		return err
	}
	if latency < 0 {
		return eris.Wrapf(model.ErrInvalidLatency, "provider %s latency %s", id, latency)
	}
	return t.mutate(ctx, id, func(b *breaker, now time.Time) bool {
		b.success(t.cfg, latency, now, t.onChange(id))
		return true
	})
}

// RecordFailure absorbs a failed call. message is truncated to
// model.MaxErrorMessageLen characters.
func (t *HealthTracker) RecordFailure(ctx context.Context, id model.ProviderID, message string) error {
	if err := t.providers.Validate(id); err != nil {
		return err
	}
	return t.mutate(ctx, id, func(b *breaker, now time.Time) bool {
		b.failure(t.cfg, message, now, t.onChange(id))
		return true
	})
}

// GetMetrics returns the current record for id. A known provider that has
// not been observed yet returns its default-initialized record.
func (t *HealthTracker) GetMetrics(id model.ProviderID) (model.ProviderHealthMetrics, error) {
	if err := t.providers.Validate(id); err != nil {
		return model.ProviderHealthMetrics{}, err
	}
	t.mu.RLock()
	b, ok := t.breakers[id]
	t.mu.RUnlock()
	if !ok {
		return model.NewProviderHealthMetrics(id, t.now()), nil
	}
	return b.load(), nil
}

// GetAllMetrics returns the records of every observed provider, ordered by
// provider id.
func (t *HealthTracker) GetAllMetrics() []model.ProviderHealthMetrics {
	t.mu.RLock()
	out := make([]model.ProviderHealthMetrics, 0, len(t.breakers))
	for _, b := range t.breakers {
		out = append(out, b.load())
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.ProviderHealthMetrics) int {
		return cmp.Compare(a.ProviderName, b.ProviderName)
	})
	return out
}

// ResetMetrics returns the provider to its default-initialized state with a
// closed circuit.
func (t *HealthTracker) ResetMetrics(ctx context.Context, id model.ProviderID) error {
	if err := t.providers.Validate(id); err != nil {
		return err
	}
	t.log.Info("health: reset", zap.String("provider", string(id)))
	return t.mutate(ctx, id, func(b *breaker, now time.Time) bool {
		if b.m.CircuitState != model.CircuitClosed {
			b.setState(model.CircuitClosed, t.onChange(id))
		}
		b.m = model.NewProviderHealthMetrics(id, now)
		return true
	})
}

// Providers returns the configured provider set.
func (t *HealthTracker) Providers() model.ProviderSet {
	return t.providers
}

// Config returns the effective breaker configuration.
func (t *HealthTracker) Config() HealthConfig {
	return t.cfg
}

// latencyMs converts a duration to fractional milliseconds.
func latencyMs(d time.Duration) float64 {
	return math.Max(0, float64(d)/float64(time.Millisecond))
}
