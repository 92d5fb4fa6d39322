package quality

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/extract-router/internal/model"
)

// CheckQualityThreshold evaluates the provider's aggregate statistics against
// cfg. Every violated limit adds one reason naming the observed value and the
// limit. The result is provisional while the provider has fewer extractions
// than the evaluation window.
func (t *Tracker) CheckQualityThreshold(id model.ProviderID, cfg model.QualityThresholdConfig) (model.ThresholdResult, error) {
	if err := cfg.Validate(); err != nil {
		return model.ThresholdResult{}, err
	}
	s, err := t.GetMetrics(id)
	if err != nil {
		return model.ThresholdResult{}, err
	}
	if s.TotalExtractions == 0 {
		return model.ThresholdResult{}, eris.Wrapf(model.ErrNoExtractions, "provider %s", id)
	}
	return evaluate(s, cfg), nil
}

func evaluate(s model.ProviderQualitySummary, cfg model.QualityThresholdConfig) model.ThresholdResult {
	res := model.ThresholdResult{
		Provider:    s.ProviderName,
		Failures:    []string{},
		Provisional: s.TotalExtractions < int64(cfg.EvaluationWindowSize),
	}
	if s.AverageOverallConfidence < cfg.MinimumAverageConfidence {
		res.Failures = append(res.Failures, fmt.Sprintf("average confidence %.3f below minimum %.3f",
			s.AverageOverallConfidence, cfg.MinimumAverageConfidence))
	}
	if s.FieldCompletenessPct < cfg.MinimumFieldCompletenessPct {
		res.Failures = append(res.Failures, fmt.Sprintf("field completeness %.1f%% below minimum %.1f%%",
			s.FieldCompletenessPct, cfg.MinimumFieldCompletenessPct))
	}
	if rate := s.ValidationFailureRatePct(); rate > cfg.MaximumValidationFailureRatePct {
		res.Failures = append(res.Failures, fmt.Sprintf("validation failure rate %.1f%% exceeds maximum %.1f%%",
			rate, cfg.MaximumValidationFailureRatePct))
	}
	res.Passes = len(res.Failures) == 0
	return res
}
