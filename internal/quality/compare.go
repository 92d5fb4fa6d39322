package quality

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/sells-group/extract-router/internal/model"
)

// CostLookup supplies the cost per call of a provider. ok is false when the
// cost is unknown.
type CostLookup interface {
	CostPerCall(id model.ProviderID) (cost float64, ok bool)
}

// CompareProviders ranks every observed provider by quality score and, for
// providers with a known positive cost, by quality per unit of cost. The
// recommendation is the top of the value ranking, or the top of the quality
// ranking when no provider has a known cost. Equal scores are ordered by
// provider id.
func (t *Tracker) CompareProviders(costs CostLookup) (model.ProviderQualityComparison, error) {
	all := t.GetAllMetrics()
	if len(all) == 0 {
		return model.ProviderQualityComparison{}, model.ErrNoProviders
	}

	byQuality := make([]model.RankedProvider, 0, len(all))
	byValue := make([]model.RankedProvider, 0, len(all))
	for _, s := range all {
		row := model.RankedProvider{Provider: s.ProviderName, QualityScore: s.QualityScore()}
		if costs != nil {
			if c, ok := costs.CostPerCall(s.ProviderName); ok && c > 0 {
				row.CostPerCall = c
				row.ValueScore = row.QualityScore / c
				byValue = append(byValue, row)
			}
		}
		byQuality = append(byQuality, row)
	}

	slices.SortStableFunc(byQuality, func(a, b model.RankedProvider) int {
		return rank(a.QualityScore, b.QualityScore, a.Provider, b.Provider)
	})
	slices.SortStableFunc(byValue, func(a, b model.RankedProvider) int {
		return rank(a.ValueScore, b.ValueScore, a.Provider, b.Provider)
	})

	out := model.ProviderQualityComparison{ByQuality: byQuality, ByValue: byValue}
	if len(byValue) > 0 {
		out.Recommended = byValue[0].Provider
		out.Justification = justifyValue(byValue)
	} else {
		out.Recommended = byQuality[0].Provider
		out.Justification = fmt.Sprintf("%s has the highest quality score (%.1f); no provider has a known cost",
			byQuality[0].Provider, byQuality[0].QualityScore)
	}
	return out, nil
}

// rank orders descending by score, then ascending by id.
func rank(sa, sb float64, ia, ib model.ProviderID) int {
	if c := cmp.Compare(sb, sa); c != 0 {
		return c
	}
	return cmp.Compare(ia, ib)
}

func justifyValue(byValue []model.RankedProvider) string {
	top := byValue[0]
	if len(byValue) == 1 {
		return fmt.Sprintf("%s is the only provider with a known cost: quality %.1f at $%.4f per call",
			top.Provider, top.QualityScore, top.CostPerCall)
	}
	next := byValue[1]
	return fmt.Sprintf("%s offers the best quality per dollar: quality %.1f at $%.4f per call (value %.1f) vs runner-up %s with quality %.1f at $%.4f per call (value %.1f)",
		top.Provider, top.QualityScore, top.CostPerCall, top.ValueScore,
		next.Provider, next.QualityScore, next.CostPerCall, next.ValueScore)
}
