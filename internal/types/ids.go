package types

import (
	"fmt"

	"github.com/google/uuid"
)

type OrganizationID string
type AgentID string
type ConversationID string
type MessageID string
type ToolCallID string
type UsageRecordID string
type RunID string

func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewMessageID returns a time-ordered (v7) id so rows sort by creation.
func NewMessageID() MessageID {
	return MessageID(newV7())
}

func NewToolCallID() ToolCallID {
	return ToolCallID(newV7())
}

func NewUsageRecordID() UsageRecordID {
	return UsageRecordID(newV7())
}

func newV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// UsageKey is the idempotency key for the usage record of one turn.
func UsageKey(id ConversationID, turn int) string {
	return fmt.Sprintf("%s:%d", id, turn)
}
