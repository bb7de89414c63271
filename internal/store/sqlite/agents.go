package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// PutAgent inserts or replaces an agent definition, bumping its version.
// Existing conversations keep the snapshot they were created with.
func (s *Store) PutAgent(ctx context.Context, agent *types.Agent) error {
	def, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("encode agent: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, organization_id, definition, disabled, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			definition      = excluded.definition,
			disabled        = excluded.disabled,
			version         = agents.version + 1,
			updated_at      = excluded.updated_at`,
		string(agent.ID), string(agent.OrganizationID), string(def), agent.Disabled, s.stamp(),
	)
	if err != nil {
		return fmt.Errorf("put agent %s: %w", agent.ID, err)
	}
	return nil
}

// GetAgent returns the current definition, or types.ErrAgentNotFound.
func (s *Store) GetAgent(ctx context.Context, id types.AgentID) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT definition, disabled, version, updated_at FROM agents WHERE id = ?`, string(id))
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return agent, nil
}

// ListAgents returns the organization's agents ordered by id. An empty org
// lists every agent.
func (s *Store) ListAgents(ctx context.Context, org types.OrganizationID) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT definition, disabled, version, updated_at FROM agents
		WHERE ? = '' OR organization_id = ?
		ORDER BY id`, string(org), string(org))
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(r rowScanner) (*types.Agent, error) {
	var (
		def      string
		disabled bool
		version  int
		updated  string
	)
	if err := r.Scan(&def, &disabled, &version, &updated); err != nil {
		return nil, err
	}
	var agent types.Agent
	if err := json.Unmarshal([]byte(def), &agent); err != nil {
		return nil, fmt.Errorf("decode agent: %w", err)
	}
	ts, err := parseTime(updated)
	if err != nil {
		return nil, err
	}
	agent.Disabled = disabled
	agent.Version = version
	agent.UpdatedAt = ts
	return &agent, nil
}
