// Package billing prices generation calls and writes one usage record per
// executed call.
package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// costPlaces is the precision cost_usd is stored with.
const costPlaces = 6

var million = decimal.NewFromInt(1_000_000)

// Price is the USD price per million tokens.
type Price struct {
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
}

// Pricing maps model names to prices. A model matches the longest entry
// that equals it or is a prefix followed by "-", so dated snapshots such as
// "gpt-4o-mini-2024-07-18" use the "gpt-4o-mini" price.
type Pricing map[string]Price

// DefaultPricing covers the OpenAI chat models the service ships with.
func DefaultPricing() Pricing {
	return Pricing{
		"gpt-4o":       {InputPerMillion: decimal.RequireFromString("2.50"), OutputPerMillion: decimal.RequireFromString("10.00")},
		"gpt-4o-mini":  {InputPerMillion: decimal.RequireFromString("0.15"), OutputPerMillion: decimal.RequireFromString("0.60")},
		"gpt-4.1":      {InputPerMillion: decimal.RequireFromString("2.00"), OutputPerMillion: decimal.RequireFromString("8.00")},
		"gpt-4.1-mini": {InputPerMillion: decimal.RequireFromString("0.40"), OutputPerMillion: decimal.RequireFromString("1.60")},
	}
}

// Lookup finds the price for model.
func (p Pricing) Lookup(model string) (Price, bool) {
	if price, ok := p[model]; ok {
		return price, true
	}
	best := ""
	for name := range p {
		if strings.HasPrefix(model, name+"-") && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return Price{}, false
	}
	return p[best], true
}

// Cost returns the USD cost of a call. ok is false when the model has no
// price, in which case the cost is zero.
func (p Pricing) Cost(model string, promptTokens, completionTokens int) (cost decimal.Decimal, ok bool) {
	price, ok := p.Lookup(model)
	if !ok {
		return decimal.Zero, false
	}
	in := price.InputPerMillion.Mul(decimal.NewFromInt(int64(promptTokens)))
	out := price.OutputPerMillion.Mul(decimal.NewFromInt(int64(completionTokens)))
	return in.Add(out).Div(million).Round(costPlaces), true
}
