package quality

import (
	"math"
	"time"

	"github.com/sells-group/extract-router/internal/model"
)

// accumulator is the running state behind one provider's summary. It never
// holds more raw history than the trend window.
type accumulator struct {
	conf      running
	validated int64
	fields    [model.NumFields]float64
	populated int64
	recent    *ring
	trend     model.QualityTrend
	updatedAt time.Time
}

func newAccumulator(window int, now time.Time) accumulator {
	return accumulator{
		recent:    newRing(window),
		trend:     model.TrendUnknown,
		updatedAt: now,
	}
}

func (a *accumulator) add(e model.Extraction, window int, now time.Time) {
	a.conf.add(e.OverallConfidence)
	if e.ValidationPassed {
		a.validated++
	}
	n := float64(a.conf.n)
	for i, v := range e.FieldConfidence.Values() {
		a.fields[i] += (v - a.fields[i]) / n
	}
	a.populated += int64(e.Populated.Count())
	a.recent.push(e.OverallConfidence)

	if a.conf.n >= int64(window) {
		a.trend = a.recent.trend()
	} else {
		a.trend = model.TrendUnknown
	}
	a.updatedAt = now
}

func (a *accumulator) completenessPct() float64 {
	if a.conf.n == 0 {
		return 0
	}
	return float64(a.populated) / float64(a.conf.n*int64(model.NumFields)) * 100
}

func (a *accumulator) successRatePct() float64 {
	if a.conf.n == 0 {
		return 0
	}
	return float64(a.validated) / float64(a.conf.n) * 100
}

func (a *accumulator) summary(id model.ProviderID) model.ProviderQualitySummary {
	perField := make(map[model.FieldName]float64, model.NumFields)
	for i, f := range model.Fields {
		perField[f] = a.fields[i]
	}
	return model.ProviderQualitySummary{
		ProviderName:              id,
		TotalExtractions:          a.conf.n,
		ValidatedCount:            a.validated,
		AverageOverallConfidence:  a.conf.mean,
		ConfidenceStdDeviation:    a.conf.stddev(),
		PerFieldAverageConfidence: perField,
		FieldCompletenessPct:      a.completenessPct(),
		ValidationSuccessRatePct:  a.successRatePct(),
		QualityTrend:              a.trend,
		UpdatedAt:                 a.updatedAt,
	}
}

func (a *accumulator) record(id model.ProviderID) model.QualityRecord {
	perField := make(map[model.FieldName]float64, model.NumFields)
	for i, f := range model.Fields {
		perField[f] = a.fields[i]
	}
	return model.QualityRecord{
		ProviderName:           id,
		TotalExtractions:       a.conf.n,
		ValidationSuccessRate:  a.successRatePct(),
		AverageConfidence:      a.conf.mean,
		AverageCompleteness:    a.completenessPct(),
		QualityTrend:           a.trend,
		LastUpdated:            a.updatedAt,
		FieldConfidence:        perField,
		ValidatedCount:         a.validated,
		ConfidenceStdDeviation: a.conf.stddev(),
		ConfidenceM2:           a.conf.m2,
		PopulatedFields:        a.populated,
		RecentConfidence:       a.recent.values(),
	}
}

// accumulatorFromRecord rebuilds the running state from a persisted record.
// Documents that only carry the summary fields get their counters derived
// from the percentages.
func accumulatorFromRecord(rec model.QualityRecord, window int) accumulator {
	a := newAccumulator(window, rec.LastUpdated)
	a.conf = running{n: rec.TotalExtractions, mean: rec.AverageConfidence, m2: rec.ConfidenceM2}
	if a.conf.m2 == 0 && rec.ConfidenceStdDeviation > 0 {
		a.conf.m2 = rec.ConfidenceStdDeviation * rec.ConfidenceStdDeviation * float64(rec.TotalExtractions)
	}

	a.validated = rec.ValidatedCount
	if a.validated == 0 && rec.ValidationSuccessRate > 0 {
		a.validated = int64(math.Round(rec.ValidationSuccessRate / 100 * float64(rec.TotalExtractions)))
	}
	a.populated = rec.PopulatedFields
	if a.populated == 0 && rec.AverageCompleteness > 0 {
		a.populated = int64(math.Round(rec.AverageCompleteness / 100 * float64(rec.TotalExtractions*int64(model.NumFields))))
	}
	for i, f := range model.Fields {
		a.fields[i] = rec.FieldConfidence[f]
	}

	recent := rec.RecentConfidence
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}
	for _, v := range recent {
		a.recent.push(v)
	}

	switch {
	case a.conf.n < int64(window):
		a.trend = model.TrendUnknown
	case a.recent.full():
		a.trend = a.recent.trend()
	case rec.QualityTrend != "":
		a.trend = rec.QualityTrend
	}
	return a
}
