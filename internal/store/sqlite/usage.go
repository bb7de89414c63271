package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// WriteUsageRecord inserts rec unless a record with the same idempotency key
// exists, in which case it reports inserted=false and leaves the stored
// record untouched.
func (s *Store) WriteUsageRecord(ctx context.Context, rec *types.UsageRecord) (bool, error) {
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO usage_records
			(id, idempotency_key, conversation_id, organization_id, model, provider,
			 prompt_tokens, completion_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.ID), rec.IdempotencyKey, string(rec.ConversationID), string(rec.OrganizationID),
		rec.Model, rec.Provider, rec.PromptTokens, rec.CompletionTokens, rec.CostUSD.String(),
		formatTime(created))
	if err != nil {
		return false, fmt.Errorf("insert usage record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("usage rows affected: %w", err)
	}
	return n == 1, nil
}

// ListUsage returns the organization's usage records created in
// [start, end), oldest first. An empty org lists every organization.
func (s *Store) ListUsage(ctx context.Context, org types.OrganizationID, start, end time.Time) ([]*types.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, idempotency_key, conversation_id, organization_id, model, provider,
		       prompt_tokens, completion_tokens, cost_usd, created_at
		FROM usage_records
		WHERE (? = '' OR organization_id = ?) AND created_at >= ? AND created_at < ?
		ORDER BY created_at, id`,
		string(org), string(org), formatTime(start), formatTime(end))
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []*types.UsageRecord
	for rows.Next() {
		var (
			r       types.UsageRecord
			created string
		)
		if err := rows.Scan(&r.ID, &r.IdempotencyKey, &r.ConversationID, &r.OrganizationID, &r.Model, &r.Provider,
			&r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &created); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// UsageForKey returns the record stored under an idempotency key, or nil.
func (s *Store) UsageForKey(ctx context.Context, key string) (*types.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, organization_id, model, provider,
		       prompt_tokens, completion_tokens, cost_usd, created_at
		FROM usage_records WHERE idempotency_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("query usage record: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	r := &types.UsageRecord{IdempotencyKey: key}
	var created string
	if err := rows.Scan(&r.ID, &r.ConversationID, &r.OrganizationID, &r.Model, &r.Provider,
		&r.PromptTokens, &r.CompletionTokens, &r.CostUSD, &created); err != nil {
		return nil, fmt.Errorf("scan usage record: %w", err)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return r, nil
}
