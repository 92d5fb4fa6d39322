package quality

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/extract-router/internal/model"
)

type costTable map[model.ProviderID]float64

func (c costTable) CostPerCall(id model.ProviderID) (float64, bool) {
	v, ok := c[id]
	return v, ok
}

func TestCompareProviders(t *testing.T) {
	tr := newTestTracker(t, nil)
	recordN(t, tr, "anthropic", 10, extraction(0.95, true, 5)) // quality 98
	recordN(t, tr, "openai", 10, extraction(0.90, true, 5))    // quality 96
	recordN(t, tr, "mistral", 10, extraction(0.80, true, 5))   // quality 92

	cmp, err := tr.CompareProviders(costTable{"anthropic": 0.03, "openai": 0.02, "mistral": 0.01})
	require.NoError(t, err)

	require.Len(t, cmp.ByQuality, 3)
	assert.Equal(t, model.ProviderID("anthropic"), cmp.ByQuality[0].Provider)
	assert.InDelta(t, 98.0, cmp.ByQuality[0].QualityScore, 1e-9)
	assert.Equal(t, model.ProviderID("openai"), cmp.ByQuality[1].Provider)
	assert.Equal(t, model.ProviderID("mistral"), cmp.ByQuality[2].Provider)

	require.Len(t, cmp.ByValue, 3)
	assert.Equal(t, model.ProviderID("mistral"), cmp.ByValue[0].Provider)
	assert.InDelta(t, 9200.0, cmp.ByValue[0].ValueScore, 1e-6)
	assert.Equal(t, model.ProviderID("openai"), cmp.ByValue[1].Provider)
	assert.Equal(t, model.ProviderID("anthropic"), cmp.ByValue[2].Provider)

	assert.Equal(t, model.ProviderID("mistral"), cmp.Recommended)
	assert.Contains(t, cmp.Justification, "mistral")
	assert.Contains(t, cmp.Justification, "quality 92.0 at $0.0100 per call")
	assert.Contains(t, cmp.Justification, "runner-up openai")
}

func TestCompareProviders_UnknownCostExcludedFromValueRanking(t *testing.T) {
	tr := newTestTracker(t, nil)
	recordN(t, tr, "anthropic", 5, extraction(0.95, true, 5))
	recordN(t, tr, "openai", 5, extraction(0.70, true, 5))

	cmp, err := tr.CompareProviders(costTable{"openai": 0.02})
	require.NoError(t, err)
	assert.Len(t, cmp.ByQuality, 2)
	require.Len(t, cmp.ByValue, 1)
	assert.Equal(t, model.ProviderID("openai"), cmp.Recommended)
	assert.Contains(t, cmp.Justification, "only provider with a known cost")

	cmp, err = tr.CompareProviders(nil)
	require.NoError(t, err)
	assert.Empty(t, cmp.ByValue)
	assert.Equal(t, model.ProviderID("anthropic"), cmp.Recommended)
	assert.Contains(t, cmp.Justification, "no provider has a known cost")
}

func TestCompareProviders_DeterministicTies(t *testing.T) {
	tr := newTestTracker(t, nil)
	for _, id := range []model.ProviderID{"openai", "mistral", "anthropic"} {
		recordN(t, tr, id, 3, extraction(0.9, true, 5))
	}
	costs := costTable{"openai": 0.01, "mistral": 0.01, "anthropic": 0.01}

	for i := 0; i < 20; i++ {
		cmp, err := tr.CompareProviders(costs)
		require.NoError(t, err)
		var order []model.ProviderID
		for _, r := range cmp.ByQuality {
			order = append(order, r.Provider)
		}
		assert.Equal(t, []model.ProviderID{"anthropic", "mistral", "openai"}, order)
		assert.Equal(t, model.ProviderID("anthropic"), cmp.Recommended)
	}
}

func TestCompareProviders_NoProviders(t *testing.T) {
	tr := newTestTracker(t, nil)
	_, err := tr.CompareProviders(costTable{})
	assert.True(t, errors.Is(err, model.ErrNoProviders))
}
