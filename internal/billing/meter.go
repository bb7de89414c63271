package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// Input describes one executed generation call.
type Input struct {
	ConversationID   types.ConversationID
	OrganizationID   types.OrganizationID
	Turn             int
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
}

// Meter is the only writer of usage records.
type Meter struct {
	sink    types.UsageSink
	pricing Pricing
	observe func(*types.UsageRecord)
	logger  *slog.Logger
	now     func() time.Time
}

// MeterOption configures a Meter.
type MeterOption func(*Meter)

// WithRecorded registers a callback for every newly inserted record.
func WithRecorded(fn func(*types.UsageRecord)) MeterOption {
	return func(m *Meter) { m.observe = fn }
}

func WithMeterLogger(l *slog.Logger) MeterOption {
	return func(m *Meter) { m.logger = l }
}

func NewMeter(sink types.UsageSink, pricing Pricing, opts ...MeterOption) *Meter {
	m := &Meter{
		sink:    sink,
		pricing: pricing,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record prices the call and writes its usage record under the key
// "<conversation>:<turn>". Recording the same turn again leaves the stored
// record untouched and is not an error.
func (m *Meter) Record(ctx context.Context, in Input) (*types.UsageRecord, error) {
	cost, priced := m.pricing.Cost(in.Model, in.PromptTokens, in.CompletionTokens)
	if !priced {
		m.logger.Warn("no price for model, recording zero cost", "model", in.Model, "provider", in.Provider)
	}

	rec := &types.UsageRecord{
		ID:               types.NewUsageRecordID(),
		IdempotencyKey:   types.UsageKey(in.ConversationID, in.Turn),
		ConversationID:   in.ConversationID,
		OrganizationID:   in.OrganizationID,
		Model:            in.Model,
		Provider:         in.Provider,
		PromptTokens:     in.PromptTokens,
		CompletionTokens: in.CompletionTokens,
		CostUSD:          cost,
		CreatedAt:        m.now().UTC(),
	}

	inserted, err := m.sink.WriteUsageRecord(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("write usage record: %w", err)
	}
	if !inserted {
		m.logger.Debug("usage already recorded", "idempotency_key", rec.IdempotencyKey)
		return rec, nil
	}
	if m.observe != nil {
		m.observe(rec)
	}
	return rec, nil
}
