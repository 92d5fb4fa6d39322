package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/cost"
	"github.com/sells-group/extract-router/internal/model"
)

// ProviderStatus is the collected state of one provider.
type ProviderStatus struct {
	Provider  model.ProviderID              `json:"provider"`
	Health    model.ProviderHealthMetrics   `json:"health"`
	Quality   *model.ProviderQualitySummary `json:"quality,omitempty"`
	Threshold *model.ThresholdResult        `json:"threshold,omitempty"`
	Calls     int64                         `json:"calls"`
	SpendUSD  float64                       `json:"spend_usd"`
}

// MetricsSnapshot holds a point-in-time view of every provider.
type MetricsSnapshot struct {
	Providers     []ProviderStatus `json:"providers"`
	TotalSpendUSD float64          `json:"total_spend_usd"`
	CollectedAt   time.Time        `json:"collected_at"`
}

// HealthSource exposes the health records of every tracked provider.
type HealthSource interface {
	Providers() model.ProviderSet
	GetMetrics(id model.ProviderID) (model.ProviderHealthMetrics, error)
}

// QualitySource exposes quality summaries and threshold verdicts.
type QualitySource interface {
	GetMetrics(id model.ProviderID) (model.ProviderQualitySummary, error)
	CheckQualityThreshold(id model.ProviderID, cfg model.QualityThresholdConfig) (model.ThresholdResult, error)
}

// SpendSource exposes the accounted provider spend.
type SpendSource interface {
	Spend() []cost.Spend
}

// Collector gathers provider health, quality and spend.
type Collector struct {
	health     HealthSource
	quality    QualitySource
	spend      SpendSource
	thresholds model.QualityThresholdConfig
	refresh    func(context.Context) error
}

// NewCollector creates a new metrics collector. spend may be nil.
func NewCollector(health HealthSource, quality QualitySource, spend SpendSource, thresholds model.QualityThresholdConfig) *Collector {
	return &Collector{health: health, quality: quality, spend: spend, thresholds: thresholds}
}

// WithRefresh sets fn to run before every collection, typically a reload of
// the trackers from a store shared with other processes. A failed refresh is
// logged and the collection uses the state already in memory.
func (c *Collector) WithRefresh(fn func(context.Context) error) *Collector {
	c.refresh = fn
	return c
}

// Collect gathers a snapshot of every configured provider.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "monitoring: collect")
	}
	if c.refresh != nil {
		if err := c.refresh(ctx); err != nil {
			zap.L().Warn("monitoring: refresh failed, collecting in-memory state", zap.Error(err))
		}
	}

	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	spendByID := make(map[model.ProviderID]cost.Spend)
	if c.spend != nil {
		for _, s := range c.spend.Spend() {
			spendByID[s.Provider] = s
			snap.TotalSpendUSD += s.Total
		}
	}

	for _, id := range c.health.Providers().IDs() {
		h, err := c.health.GetMetrics(id)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: health of %s", id)
		}
		ps := ProviderStatus{
			Provider: id,
			Health:   h,
			Calls:    spendByID[id].Calls,
			SpendUSD: spendByID[id].Total,
		}

		q, err := c.quality.GetMetrics(id)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: quality of %s", id)
		}
		if q.TotalExtractions > 0 {
			ps.Quality = &q
			res, err := c.quality.CheckQualityThreshold(id, c.thresholds)
			switch {
			case errors.Is(err, model.ErrNoExtractions):
			case err != nil:
				return nil, eris.Wrapf(err, "monitoring: threshold of %s", id)
			default:
				ps.Threshold = &res
			}
		}

		snap.Providers = append(snap.Providers, ps)
	}

	return snap, nil
}
