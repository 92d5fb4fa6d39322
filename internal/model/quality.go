package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// QualityTrend is the direction of recent extraction confidence.
type QualityTrend string

const (
	TrendImproving QualityTrend = "improving"
	TrendStable    QualityTrend = "stable"
	TrendDegrading QualityTrend = "degrading"
	TrendUnknown   QualityTrend = "unknown"
)

// MinEvaluationWindow is the smallest window accepted for trend and threshold
// evaluation.
const MinEvaluationWindow = 10

// DefaultEvaluationWindow is the trend-eligibility window.
const DefaultEvaluationWindow = 50

// ProviderQualitySummary is the aggregate quality view of one provider.
type ProviderQualitySummary struct {
	ProviderName              ProviderID            `json:"provider_name"`
	TotalExtractions          int64                 `json:"total_extractions"`
	ValidatedCount            int64                 `json:"validated_count"`
	AverageOverallConfidence  float64               `json:"average_overall_confidence"`
	ConfidenceStdDeviation    float64               `json:"confidence_std_deviation"`
	PerFieldAverageConfidence map[FieldName]float64 `json:"per_field_average_confidence"`
	FieldCompletenessPct      float64               `json:"field_completeness_pct"`
	ValidationSuccessRatePct  float64               `json:"validation_success_rate_pct"`
	QualityTrend              QualityTrend          `json:"quality_trend"`
	UpdatedAt                 time.Time             `json:"updated_at"`
}

// ValidationFailureRatePct is 100 minus the validation success rate.
func (s ProviderQualitySummary) ValidationFailureRatePct() float64 {
	if s.TotalExtractions == 0 {
		return 0
	}
	return 100 - s.ValidationSuccessRatePct
}

// QualityScore is the weighted routing score on a 0-100 scale.
func (s ProviderQualitySummary) QualityScore() float64 {
	return (0.4*s.AverageOverallConfidence +
		0.3*(s.FieldCompletenessPct/100) +
		0.3*(s.ValidationSuccessRatePct/100)) * 100
}

// QualityRecord is the persisted shape of one entry in the quality store. Next
// to the summary fields it carries the accumulator state needed to keep
// updating the running statistics after a restart.
type QualityRecord struct {
	ProviderName          ProviderID            `json:"provider_name"`
	TotalExtractions      int64                 `json:"total_extractions"`
	ValidationSuccessRate float64               `json:"validation_success_rate"`
	AverageConfidence     float64               `json:"average_confidence"`
	AverageCompleteness   float64               `json:"average_completeness"`
	QualityTrend          QualityTrend          `json:"quality_trend"`
	LastUpdated           time.Time             `json:"last_updated"`
	FieldConfidence       map[FieldName]float64 `json:"field_confidence"`

	ValidatedCount         int64     `json:"validated_count"`
	ConfidenceStdDeviation float64   `json:"confidence_std_deviation"`
	ConfidenceM2           float64   `json:"confidence_m2"`
	PopulatedFields        int64     `json:"populated_fields"`
	RecentConfidence       []float64 `json:"recent_confidence"`
}

// Check reports a reason when the record is internally inconsistent.
func (r QualityRecord) Check() string {
	switch {
	case r.TotalExtractions < 0 || r.ValidatedCount < 0 || r.PopulatedFields < 0:
		return "negative counter"
	case r.ValidatedCount > r.TotalExtractions:
		return "validated count exceeds total extractions"
	case r.PopulatedFields > r.TotalExtractions*int64(NumFields):
		return "populated fields exceed field capacity"
	case !validConfidence(r.AverageConfidence):
		return "average confidence out of range"
	case r.ConfidenceM2 < 0:
		return "negative confidence variance"
	case int64(len(r.RecentConfidence)) > r.TotalExtractions:
		return "recent window longer than history"
	}
	for _, f := range Fields {
		if !validConfidence(r.FieldConfidence[f]) {
			return "field confidence out of range for " + string(f)
		}
	}
	return ""
}

// QualityThresholdConfig holds the limits a provider must meet to be routed to.
type QualityThresholdConfig struct {
	MinimumAverageConfidence        float64 `json:"minimum_average_confidence" yaml:"min_average_confidence" mapstructure:"min_average_confidence"`
	MinimumFieldCompletenessPct     float64 `json:"minimum_field_completeness_pct" yaml:"min_field_completeness_pct" mapstructure:"min_field_completeness_pct"`
	MaximumValidationFailureRatePct float64 `json:"maximum_validation_failure_rate_pct" yaml:"max_validation_failure_rate_pct" mapstructure:"max_validation_failure_rate_pct"`
	EvaluationWindowSize            int     `json:"evaluation_window_size" yaml:"evaluation_window_size" mapstructure:"evaluation_window_size"`
}

// DefaultQualityThresholds returns the production thresholds.
func DefaultQualityThresholds() QualityThresholdConfig {
	return QualityThresholdConfig{
		MinimumAverageConfidence:        0.85,
		MinimumFieldCompletenessPct:     90,
		MaximumValidationFailureRatePct: 5,
		EvaluationWindowSize:            DefaultEvaluationWindow,
	}
}

// Validate rejects windows below MinEvaluationWindow.
func (c QualityThresholdConfig) Validate() error {
	if c.EvaluationWindowSize < MinEvaluationWindow {
		return eris.Wrapf(ErrWindowTooSmall, "window %d, minimum %d", c.EvaluationWindowSize, MinEvaluationWindow)
	}
	return nil
}

// ThresholdResult is the verdict of a quality threshold check.
type ThresholdResult struct {
	Provider    ProviderID `json:"provider"`
	Passes      bool       `json:"passes"`
	Failures    []string   `json:"failures"`
	Provisional bool       `json:"provisional"`
}

// RankedProvider is one row of a provider ranking.
type RankedProvider struct {
	Provider     ProviderID `json:"provider"`
	QualityScore float64    `json:"quality_score"`
	CostPerCall  float64    `json:"cost_per_call,omitempty"`
	ValueScore   float64    `json:"value_score,omitempty"`
}

// ProviderQualityComparison ranks providers by quality and by quality per
// unit of cost. It is derived on demand and never persisted.
type ProviderQualityComparison struct {
	ByQuality     []RankedProvider `json:"by_quality"`
	ByValue       []RankedProvider `json:"by_value"`
	Recommended   ProviderID       `json:"recommended"`
	Justification string           `json:"justification"`
}
