package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

const conversationColumns = `id, agent_id, organization_id, party, status, assistant_turn_count, created_at, updated_at, closed_at`

// ResolveOrCreate returns the active conversation between agent and party,
// creating one with a snapshot of agent when none exists. created reports
// whether a new conversation was started.
func (s *Store) ResolveOrCreate(ctx context.Context, agent *types.Agent, party types.PartyRef) (*types.Conversation, bool, error) {
	if strings.TrimSpace(party.ID) == "" {
		return nil, false, errors.New("party id is required")
	}

	var (
		conv    *types.Conversation
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+conversationColumns+` FROM conversations
			 WHERE agent_id = ? AND party_id = ? AND status = 'active'`,
			string(agent.ID), party.ID)
		existing, err := scanConversation(row)
		if err == nil {
			conv = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("find active conversation: %w", err)
		}

		snapshot, err := json.Marshal(agent.Clone())
		if err != nil {
			return fmt.Errorf("encode agent snapshot: %w", err)
		}
		partyJSON, err := json.Marshal(party)
		if err != nil {
			return fmt.Errorf("encode party: %w", err)
		}

		now := s.now().UTC()
		c := &types.Conversation{
			ID:             types.NewConversationID(),
			AgentID:        agent.ID,
			OrganizationID: agent.OrganizationID,
			Party:          party,
			Status:         types.ConversationActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversations
				(id, agent_id, organization_id, party_id, party, agent_snapshot, status,
				 assistant_turn_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, 'active', 0, ?, ?)`,
			string(c.ID), string(c.AgentID), string(c.OrganizationID), party.ID,
			string(partyJSON), string(snapshot), formatTime(now), formatTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		conv, created = c, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// GetConversation reads the conversation row without its messages.
func (s *Store) GetConversation(ctx context.Context, id types.ConversationID) (*types.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, string(id))
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

// LoadConversationState reads the conversation, its agent snapshot, every
// message in order, and every tool call.
func (s *Store) LoadConversationState(ctx context.Context, id types.ConversationID) (*types.ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+`, agent_snapshot FROM conversations WHERE id = ?`, string(id))

	var snapshot string
	conv, err := scanConversation(row, &snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	var agent types.Agent
	if err := json.Unmarshal([]byte(snapshot), &agent); err != nil {
		return nil, fmt.Errorf("decode agent snapshot: %w", err)
	}

	msgs, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}
	calls, err := s.toolCalls(ctx, id)
	if err != nil {
		return nil, err
	}
	return &types.ConversationState{
		Conversation: conv,
		Agent:        &agent,
		Messages:     msgs,
		ToolCalls:    calls,
	}, nil
}

// CommitTurn writes the turn's messages and tool calls and advances the
// assistant turn count in one transaction. It fails with
// types.ErrConversationClosed or types.ErrTurnConflict without writing.
func (s *Store) CommitTurn(ctx context.Context, commit *types.TurnCommit) error {
	id := string(commit.ConversationID)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status string
			count  int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, assistant_turn_count FROM conversations WHERE id = ?`, id,
		).Scan(&status, &count)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrConversationNotFound
		}
		if err != nil {
			return fmt.Errorf("read conversation: %w", err)
		}
		if types.ConversationStatus(status) != types.ConversationActive {
			return types.ErrConversationClosed
		}
		if count != commit.ExpectedTurnCount {
			return fmt.Errorf("%w: expected %d, found %d", types.ErrTurnConflict, commit.ExpectedTurnCount, count)
		}

		var seq int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?`, id,
		).Scan(&seq); err != nil {
			return fmt.Errorf("read message sequence: %w", err)
		}

		for _, msg := range []*types.Message{commit.UserMessage, commit.AssistantMessage} {
			if msg == nil {
				continue
			}
			seq++
			msg.Seq = seq
			if err := insertMessage(ctx, tx, msg); err != nil {
				return err
			}
		}
		for _, call := range commit.ToolCalls {
			if err := insertToolCall(ctx, tx, call); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE conversations
			SET assistant_turn_count = assistant_turn_count + 1, updated_at = ?
			WHERE id = ? AND assistant_turn_count = ? AND status = 'active'`,
			s.stamp(), id, commit.ExpectedTurnCount)
		if err != nil {
			return fmt.Errorf("advance turn count: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return types.ErrTurnConflict
		}
		return nil
	})
}

func insertMessage(ctx context.Context, tx *sql.Tx, m *types.Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, seq, turn, role, content, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.ID), string(m.ConversationID), m.Seq, m.Turn, string(m.Role), m.Content,
		string(m.Source), formatTime(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func insertToolCall(ctx context.Context, tx *sql.Tx, c *types.ToolCall) error {
	input := string(c.Input)
	if input == "" {
		input = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tool_calls
			(id, conversation_id, message_id, turn, call_id, tool_name, input, outcome,
			 result, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(c.ID), string(c.ConversationID), string(c.MessageID), c.Turn, c.CallID, c.ToolName,
		input, string(c.Outcome), nullString(string(c.Result)), nullString(c.Error),
		formatTime(c.StartedAt), formatTime(c.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert tool call: %w", err)
	}
	return nil
}

// CloseConversation marks the conversation closed. Closing a closed
// conversation is a no-op.
func (s *Store) CloseConversation(ctx context.Context, id types.ConversationID) error {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = 'closed', closed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'`, now, now, string(id))
	if err != nil {
		return fmt.Errorf("close conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, string(id)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ErrConversationNotFound
	}
	return err
}

// CloseIdle closes every active conversation not updated since idleSince
// and returns how many were closed.
func (s *Store) CloseIdle(ctx context.Context, idleSince time.Time) (int64, error) {
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = 'closed', closed_at = ?, updated_at = ?
		WHERE status = 'active' AND updated_at < ?`, now, now, formatTime(idleSince))
	if err != nil {
		return 0, fmt.Errorf("close idle conversations: %w", err)
	}
	return res.RowsAffected()
}

// ListMessages returns the conversation's messages in order.
func (s *Store) ListMessages(ctx context.Context, id types.ConversationID) ([]*types.Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, string(id)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return s.messages(ctx, id)
}

func (s *Store) messages(ctx context.Context, id types.ConversationID) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, seq, turn, role, content, source, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		var (
			m       types.Message
			created string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Turn, &m.Role, &m.Content, &m.Source, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *Store) toolCalls(ctx context.Context, id types.ConversationID) ([]*types.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, turn, call_id, tool_name, input, outcome,
		       result, error, started_at, finished_at
		FROM tool_calls WHERE conversation_id = ? ORDER BY turn, started_at, id`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var out []*types.ToolCall
	for rows.Next() {
		var (
			c                 types.ToolCall
			callID            sql.NullString
			input             string
			result, errText   sql.NullString
			started, finished string
		)
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.MessageID, &c.Turn, &callID, &c.ToolName,
			&input, &c.Outcome, &result, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		c.CallID = callID.String
		c.Input = json.RawMessage(input)
		if result.Valid {
			c.Result = json.RawMessage(result.String)
		}
		c.Error = errText.String
		if c.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if c.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanConversation(r rowScanner, extra ...any) (*types.Conversation, error) {
	var (
		c                types.Conversation
		party            string
		created, updated string
		closed           sql.NullString
	)
	dest := []any{&c.ID, &c.AgentID, &c.OrganizationID, &party, &c.Status, &c.AssistantTurnCount, &created, &updated, &closed}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(party), &c.Party); err != nil {
		return nil, fmt.Errorf("decode party: %w", err)
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	if c.ClosedAt, err = parseNullTime(closed); err != nil {
		return nil, err
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
