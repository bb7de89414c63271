package billing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

type memorySink struct {
	mu      sync.Mutex
	records map[string]*types.UsageRecord
	err     error
}

func newMemorySink() *memorySink {
	return &memorySink{records: make(map[string]*types.UsageRecord)}
}

func (s *memorySink) WriteUsageRecord(_ context.Context, rec *types.UsageRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	if _, ok := s.records[rec.IdempotencyKey]; ok {
		return false, nil
	}
	s.records[rec.IdempotencyKey] = rec
	return true, nil
}

func TestPricingCost(t *testing.T) {
	p := DefaultPricing()

	cost, ok := p.Cost("gpt-4o-mini", 1_000_000, 1_000_000)
	require.True(t, ok)
	assert.True(t, cost.Equal(decimal.RequireFromString("0.75")), "got %s", cost)

	cost, ok = p.Cost("gpt-4o-mini", 1200, 300)
	require.True(t, ok)
	// 1200*0.15/1e6 + 300*0.60/1e6 = 0.00018 + 0.00018
	assert.True(t, cost.Equal(decimal.RequireFromString("0.00036")), "got %s", cost)
}

func TestPricingLookupPrefersLongestPrefix(t *testing.T) {
	p := DefaultPricing()

	price, ok := p.Lookup("gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.True(t, price.InputPerMillion.Equal(decimal.RequireFromString("0.15")))

	price, ok = p.Lookup("gpt-4o-2024-08-06")
	require.True(t, ok)
	assert.True(t, price.InputPerMillion.Equal(decimal.RequireFromString("2.50")))

	_, ok = p.Lookup("gpt-4omega")
	assert.False(t, ok)
}

func TestPricingUnknownModelIsFree(t *testing.T) {
	cost, ok := DefaultPricing().Cost("llama3:8b", 5000, 5000)
	assert.False(t, ok)
	assert.True(t, cost.IsZero())
}

func TestMeterRecord(t *testing.T) {
	sink := newMemorySink()
	var observed []*types.UsageRecord
	m := NewMeter(sink, DefaultPricing(), WithRecorded(func(r *types.UsageRecord) { observed = append(observed, r) }))

	rec, err := m.Record(context.Background(), Input{
		ConversationID:   "conv-1",
		OrganizationID:   "org-1",
		Turn:             3,
		Model:            "gpt-4o-mini",
		Provider:         "openai",
		PromptTokens:     1200,
		CompletionTokens: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-1:3", rec.IdempotencyKey)
	assert.Equal(t, types.OrganizationID("org-1"), rec.OrganizationID)
	assert.True(t, rec.CostUSD.Equal(decimal.RequireFromString("0.00036")))
	assert.NotEmpty(t, rec.ID)
	assert.Len(t, observed, 1)
}

func TestMeterDuplicateIsNotAnError(t *testing.T) {
	sink := newMemorySink()
	calls := 0
	m := NewMeter(sink, DefaultPricing(), WithRecorded(func(*types.UsageRecord) { calls++ }))

	in := Input{ConversationID: "conv-1", OrganizationID: "org-1", Turn: 1, Model: "gpt-4o-mini", PromptTokens: 10, CompletionTokens: 5}
	_, err := m.Record(context.Background(), in)
	require.NoError(t, err)

	in.PromptTokens = 9999
	_, err = m.Record(context.Background(), in)
	require.NoError(t, err)

	assert.Len(t, sink.records, 1)
	assert.Equal(t, 10, sink.records["conv-1:1"].PromptTokens, "first write wins")
	assert.Equal(t, 1, calls, "duplicates are not observed")
}

func TestMeterSinkError(t *testing.T) {
	sink := newMemorySink()
	sink.err = errors.New("disk full")
	m := NewMeter(sink, DefaultPricing())

	_, err := m.Record(context.Background(), Input{ConversationID: "c", Turn: 1, Model: "gpt-4o"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sink.err)
}

func TestSummarize(t *testing.T) {
	records := []*types.UsageRecord{
		{Model: "gpt-4o-mini", PromptTokens: 100, CompletionTokens: 10, CostUSD: decimal.RequireFromString("0.001")},
		{Model: "gpt-4o", PromptTokens: 200, CompletionTokens: 20, CostUSD: decimal.RequireFromString("0.01")},
		{Model: "gpt-4o-mini", PromptTokens: 50, CompletionTokens: 5, CostUSD: decimal.RequireFromString("0.0005")},
	}

	s := Summarize(records)
	assert.Equal(t, 3, s.Total.Records)
	assert.Equal(t, int64(350), s.Total.PromptTokens)
	assert.Equal(t, int64(35), s.Total.CompletionTokens)
	assert.True(t, s.Total.CostUSD.Equal(decimal.RequireFromString("0.0115")))

	require.Len(t, s.ByModel, 2)
	assert.Equal(t, "gpt-4o", s.ByModel[0].Model)
	assert.Equal(t, 2, s.ByModel[1].Records)
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Total.Records)
	assert.Empty(t, s.ByModel)
}
