package types

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAgentNotFound        = errors.New("agent not found")
	ErrAgentDisabled        = errors.New("agent disabled")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationClosed   = errors.New("conversation closed")
	ErrTurnConflict         = errors.New("assistant turn count changed underneath the turn")
)

type AgentStore interface {
	PutAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)
	ListAgents(ctx context.Context, org OrganizationID) ([]*Agent, error)
}

type ConversationStore interface {
	// ResolveOrCreate returns the active conversation between the agent and
	// the party, creating it (with a snapshot of agent) when none exists.
	ResolveOrCreate(ctx context.Context, agent *Agent, party PartyRef) (*Conversation, bool, error)
	GetConversation(ctx context.Context, id ConversationID) (*Conversation, error)
	LoadConversationState(ctx context.Context, id ConversationID) (*ConversationState, error)
	// CommitTurn appends the turn's messages and tool calls and increments
	// the assistant turn count, all or nothing.
	CommitTurn(ctx context.Context, commit *TurnCommit) error
	CloseConversation(ctx context.Context, id ConversationID) error
	CloseIdle(ctx context.Context, idleSince time.Time) (int64, error)
	ListMessages(ctx context.Context, id ConversationID) ([]*Message, error)
}

// UsageSink persists usage records. Writes repeating an existing
// idempotency key are discarded and reported with inserted=false.
type UsageSink interface {
	WriteUsageRecord(ctx context.Context, rec *UsageRecord) (inserted bool, err error)
}
