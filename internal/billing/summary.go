package billing

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// Totals aggregates a set of usage records.
type Totals struct {
	Records          int             `json:"records"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
}

func (t *Totals) add(r *types.UsageRecord) {
	t.Records++
	t.PromptTokens += int64(r.PromptTokens)
	t.CompletionTokens += int64(r.CompletionTokens)
	t.CostUSD = t.CostUSD.Add(r.CostUSD)
}

// ModelTotals is the per-model line of a Summary.
type ModelTotals struct {
	Model string `json:"model"`
	Totals
}

// Summary is the usage of an organization over a period.
type Summary struct {
	Total   Totals        `json:"total"`
	ByModel []ModelTotals `json:"by_model"`
}

// Summarize aggregates records, listing models by descending cost.
func Summarize(records []*types.UsageRecord) Summary {
	var s Summary
	byModel := make(map[string]*Totals)
	for _, r := range records {
		s.Total.add(r)
		t, ok := byModel[r.Model]
		if !ok {
			t = &Totals{}
			byModel[r.Model] = t
		}
		t.add(r)
	}
	for model, t := range byModel {
		s.ByModel = append(s.ByModel, ModelTotals{Model: model, Totals: *t})
	}
	sort.Slice(s.ByModel, func(i, j int) bool {
		if c := s.ByModel[i].CostUSD.Cmp(s.ByModel[j].CostUSD); c != 0 {
			return c > 0
		}
		return s.ByModel[i].Model < s.ByModel[j].Model
	})
	return s
}
