// Package cost prices provider calls and accounts the spend of a process.
package cost

import (
	"cmp"
	"slices"
	"sync"

	"github.com/sells-group/extract-router/internal/model"
)

// Rates holds per-provider pricing configuration. A flat per-call price takes
// precedence over a token estimate for the same provider.
type Rates struct {
	PerCall map[string]float64   `yaml:"per_call" mapstructure:"per_call"`
	Tokens  map[string]TokenRate `yaml:"tokens" mapstructure:"tokens"`
}

// TokenRate prices a provider by token usage (USD per million tokens) with
// the typical token profile of one extraction call.
type TokenRate struct {
	Input           float64 `yaml:"input" mapstructure:"input"`
	Output          float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount   float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
	AvgInputTokens  int     `yaml:"avg_input_tokens" mapstructure:"avg_input_tokens"`
	AvgOutputTokens int     `yaml:"avg_output_tokens" mapstructure:"avg_output_tokens"`
}

// Spend is the accounted usage of one provider.
type Spend struct {
	Provider model.ProviderID `json:"provider"`
	Calls    int64            `json:"calls"`
	Total    float64          `json:"total_usd"`
}

// Calculator computes provider costs and keeps a running spend per provider.
type Calculator struct {
	rates Rates

	mu    sync.Mutex
	spend map[model.ProviderID]*Spend
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates, spend: make(map[model.ProviderID]*Spend)}
}

// CostPerCall returns the expected cost of one call to id. ok is false when
// no pricing is configured for the provider.
func (c *Calculator) CostPerCall(id model.ProviderID) (float64, bool) {
	if v, ok := c.rates.PerCall[string(id)]; ok {
		return v, true
	}
	rate, ok := c.rates.Tokens[string(id)]
	if !ok {
		return 0, false
	}
	return rate.cost(false, rate.AvgInputTokens, rate.AvgOutputTokens), true
}

// Tokens computes the cost of an actual token usage for id.
func (c *Calculator) Tokens(id model.ProviderID, isBatch bool, input, output int) float64 {
	rate, ok := c.rates.Tokens[string(id)]
	if !ok {
		return 0
	}
	return rate.cost(isBatch, input, output)
}

func (r TokenRate) cost(isBatch bool, input, output int) float64 {
	batchMul := 1.0
	if isBatch && r.BatchDiscount > 0 {
		batchMul = r.BatchDiscount
	}
	inCost := (float64(input) / 1e6) * r.Input * batchMul
	outCost := (float64(output) / 1e6) * r.Output * batchMul
	return inCost + outCost
}

// Charge accounts one call to id and returns its cost. A flat per-call price
// wins; otherwise reported token usage is priced at the provider's token
// rate, and calls without usage are charged the average call estimate.
// Calls to unpriced providers are counted at zero cost.
func (c *Calculator) Charge(id model.ProviderID, usage model.TokenUsage) float64 {
	v, _ := c.CostPerCall(id)
	if _, flat := c.rates.PerCall[string(id)]; !flat && usage.Reported() {
		v = c.Tokens(id, usage.Batch, usage.Input, usage.Output)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.spend[id]
	if !ok {
		s = &Spend{Provider: id}
		c.spend[id] = s
	}
	s.Calls++
	s.Total += v
	return v
}

// Spend returns the accounted spend of every charged provider, ordered by
// provider id.
func (c *Calculator) Spend() []Spend {
	c.mu.Lock()
	out := make([]Spend, 0, len(c.spend))
	for _, s := range c.spend {
		out = append(out, *s)
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b Spend) int {
		return cmp.Compare(a.Provider, b.Provider)
	})
	return out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		PerCall: map[string]float64{
			"mistral": 0.004,
		},
		Tokens: map[string]TokenRate{
			"anthropic": {
				Input: 3.00, Output: 15.00, BatchDiscount: 0.5,
				AvgInputTokens: 4000, AvgOutputTokens: 400,
			},
			"openai": {
				Input: 2.50, Output: 10.00, BatchDiscount: 0.5,
				AvgInputTokens: 4000, AvgOutputTokens: 400,
			},
		},
	}
}
