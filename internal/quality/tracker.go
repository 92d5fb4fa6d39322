// Package quality turns a stream of extraction outcomes into per-provider
// quality statistics, threshold verdicts and cost-aware rankings.
package quality

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/store"
)

// Config controls the quality tracker.
type Config struct {
	// WindowSize is the trend window and the number of extractions needed
	// before a trend is reported. Default: 50.
	WindowSize int
}

// DefaultConfig returns the default tracker configuration.
func DefaultConfig() Config {
	return Config{WindowSize: model.DefaultEvaluationWindow}
}

// Validate rejects windows below model.MinEvaluationWindow.
func (c Config) Validate() error {
	if c.WindowSize < model.MinEvaluationWindow {
		return eris.Wrapf(model.ErrWindowTooSmall, "quality window %d, minimum %d", c.WindowSize, model.MinEvaluationWindow)
	}
	return nil
}

// entry is one provider's state. mu guards acc, seq and done; snap is the
// last published summary.
type entry struct {
	mu   sync.Mutex
	acc  accumulator
	seq  uint64
	done uint64 // seq of the last finished persist
	snap atomic.Pointer[model.ProviderQualitySummary]
}

func (e *entry) publish(id model.ProviderID) model.QualityRecord {
	s := e.acc.summary(id)
	e.snap.Store(&s)
	return e.acc.record(id)
}

func (e *entry) load() model.ProviderQualitySummary {
	return *e.snap.Load()
}

// Tracker keeps running quality statistics per provider.
type Tracker struct {
	cfg       Config
	providers model.ProviderSet
	store     store.Store[model.QualityRecord]

	mu      sync.RWMutex
	entries map[model.ProviderID]*entry

	nowFunc func() time.Time
	log     *zap.Logger
}

// NewTracker creates a tracker for the given providers and restores their
// state from st, which may be nil.
func NewTracker(ctx context.Context, cfg Config, providers model.ProviderSet, st store.Store[model.QualityRecord]) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{
		cfg:       cfg,
		providers: providers,
		store:     st,
		entries:   make(map[model.ProviderID]*entry),
		nowFunc:   time.Now,
		log:       zap.L().With(zap.String("component", "quality")),
	}
	t.restore(ctx)
	return t, nil
}

func (t *Tracker) restore(ctx context.Context) {
	if t.store == nil {
		return
	}
	recs, err := t.store.Load(ctx)
	if err != nil {
		t.log.Warn("quality: load failed, starting from defaults", zap.Error(err))
		return
	}
	t.apply(recs, nil)
}

// Reload replaces the in-memory statistics with the stored ones, picking up
// writes made by other processes sharing the store. Providers mutated by
// this tracker while the store was read keep their in-memory state.
func (t *Tracker) Reload(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	before := t.settled()
	recs, err := t.store.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "quality: reload")
	}
	t.apply(recs, before)
	return nil
}

func (t *Tracker) settled() map[model.ProviderID]uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.ProviderID]uint64, len(t.entries))
	for id, e := range t.entries {
		e.mu.Lock()
		if e.done == e.seq {
			out[id] = e.seq
		} else {
			out[id] = math.MaxUint64
		}
		e.mu.Unlock()
	}
	return out
}

func (t *Tracker) apply(recs map[model.ProviderID]model.QualityRecord, before map[model.ProviderID]uint64) {
	for id, rec := range recs {
		if !t.providers.Contains(id) {
			t.log.Warn("quality: ignoring stored provider not in configuration", zap.String("provider", string(id)))
			continue
		}
		if reason := rec.Check(); reason != "" {
			t.log.Warn("quality: discarding inconsistent record",
				zap.String("provider", string(id)),
				zap.String("reason", reason),
			)
			continue
		}

		e := t.get(id)
		e.mu.Lock()
		if before == nil || (e.seq == before[id] && e.done == e.seq) {
			e.acc = accumulatorFromRecord(rec, t.cfg.WindowSize)
			e.publish(id)
		}
		e.mu.Unlock()
	}
}

func (t *Tracker) now() time.Time {
	return t.nowFunc().UTC()
}

func (t *Tracker) get(id model.ProviderID) *entry {
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[id]; ok {
		return e
	}
	e = &entry{acc: newAccumulator(t.cfg.WindowSize, t.now())}
	e.publish(id)
	t.entries[id] = e
	return e
}

func (t *Tracker) mutate(ctx context.Context, id model.ProviderID, fn func(acc *accumulator, now time.Time)) error {
	e := t.get(id)

	e.mu.Lock()
	fn(&e.acc, t.now())
	e.seq++
	seq := e.seq
	rec := e.publish(id)
	e.mu.Unlock()

	if t.store == nil {
		return nil
	}
	err := t.store.Put(ctx, id, seq, rec)

	e.mu.Lock()
	e.done = max(e.done, seq)
	e.mu.Unlock()

	if err != nil {
		t.log.Error("quality: persist failed", zap.String("provider", string(id)), zap.Error(err))
		return eris.Wrapf(err, "quality: persist %s", id)
	}
	return nil
}

// RecordExtraction absorbs one extraction result.
func (t *Tracker) RecordExtraction(ctx context.Context, id model.ProviderID, ex model.Extraction) error {
	if err := t.providers.Validate(id); err != nil {
		return err
	}
	if err := ex.Validate(); err != nil {
		return eris.Wrapf(err, "quality: provider %s", id)
	}
	return t.mutate(ctx, id, func(acc *accumulator, now time.Time) {
		acc.add(ex, t.cfg.WindowSize, now)
	})
}

// GetMetrics returns the summary for id. A known provider without
// extractions returns its default-initialized summary.
func (t *Tracker) GetMetrics(id model.ProviderID) (model.ProviderQualitySummary, error) {
	if err := t.providers.Validate(id); err != nil {
		return model.ProviderQualitySummary{}, err
	}
	t.mu.RLock()
	e, ok := t.entries[id]
	t.mu.RUnlock()
	if !ok {
		acc := newAccumulator(t.cfg.WindowSize, t.now())
		return acc.summary(id), nil
	}
	return e.load(), nil
}

// GetAllMetrics returns the summaries of every observed provider, ordered by
// provider id.
func (t *Tracker) GetAllMetrics() []model.ProviderQualitySummary {
	t.mu.RLock()
	out := make([]model.ProviderQualitySummary, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.load())
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.ProviderQualitySummary) int {
		return cmp.Compare(a.ProviderName, b.ProviderName)
	})
	return out
}

// ResetMetrics returns the provider to its default-initialized state.
func (t *Tracker) ResetMetrics(ctx context.Context, id model.ProviderID) error {
	if err := t.providers.Validate(id); err != nil {
		return err
	}
	t.log.Info("quality: reset", zap.String("provider", string(id)))
	return t.mutate(ctx, id, func(acc *accumulator, now time.Time) {
		*acc = newAccumulator(t.cfg.WindowSize, now)
	})
}

// Score returns the provider's current quality score on a 0-100 scale.
func (t *Tracker) Score(id model.ProviderID) (float64, error) {
	s, err := t.GetMetrics(id)
	if err != nil {
		return 0, err
	}
	return s.QualityScore(), nil
}

// Providers returns the configured provider set.
func (t *Tracker) Providers() model.ProviderSet {
	return t.providers
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}
