package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ModelParams selects the generative model used by an agent.
type ModelParams struct {
	Provider    string  `yaml:"provider" json:"provider"`
	Name        string  `yaml:"name" json:"name"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
}

// Condition gates a ScriptRule on the facts known about the external party.
type Condition struct {
	Known   []string `yaml:"known,omitempty" json:"known,omitempty"`
	Unknown []string `yaml:"unknown,omitempty" json:"unknown,omitempty"`
}

// ScriptRule is one exact-script step. Sequence is the 1-based assistant
// turn it applies to.
type ScriptRule struct {
	Sequence int        `yaml:"sequence" json:"sequence"`
	Text     string     `yaml:"text" json:"text"`
	When     *Condition `yaml:"when,omitempty" json:"when,omitempty"`
}

// Agent is a tenant-scoped agent configuration. Conversations hold their
// own copy taken at creation.
type Agent struct {
	ID               AgentID        `yaml:"id" json:"id"`
	OrganizationID   OrganizationID `yaml:"organization_id" json:"organization_id"`
	Name             string         `yaml:"name" json:"name"`
	Disabled         bool           `yaml:"disabled" json:"disabled"`
	Model            ModelParams    `yaml:"model" json:"model"`
	Instructions     string         `yaml:"instructions" json:"instructions"`
	Scripts          []ScriptRule   `yaml:"scripts" json:"scripts"`
	Tools            []string       `yaml:"tools" json:"tools"`
	ToolFailureReply string         `yaml:"tool_failure_reply" json:"tool_failure_reply"`
	ToolSuccessReply string         `yaml:"tool_success_reply" json:"tool_success_reply"`
	Version          int            `yaml:"-" json:"version"`
	UpdatedAt        time.Time      `yaml:"-" json:"updated_at"`
}

// Clone returns a deep copy so a snapshot never aliases the live record.
func (a *Agent) Clone() *Agent {
	c := *a
	c.Tools = append([]string(nil), a.Tools...)
	c.Scripts = make([]ScriptRule, len(a.Scripts))
	for i, r := range a.Scripts {
		c.Scripts[i] = r
		if r.When != nil {
			w := Condition{
				Known:   append([]string(nil), r.When.Known...),
				Unknown: append([]string(nil), r.When.Unknown...),
			}
			c.Scripts[i].When = &w
		}
	}
	return &c
}

// HasTool reports whether the named tool is enabled for the agent.
func (a *Agent) HasTool(name string) bool {
	for _, t := range a.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// PartyRef identifies the lead or member on the other side of a conversation.
type PartyRef struct {
	ID        string `json:"id"`
	Channel   string `json:"channel,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

type Conversation struct {
	ID                 ConversationID     `json:"id"`
	AgentID            AgentID            `json:"agent_id"`
	OrganizationID     OrganizationID     `json:"organization_id"`
	Party              PartyRef           `json:"party"`
	Status             ConversationStatus `json:"status"`
	AssistantTurnCount int                `json:"assistant_turn_count"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	ClosedAt           *time.Time         `json:"closed_at,omitempty"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type Source string

const (
	SourceInbound    Source = "inbound"
	SourceScript     Source = "script"
	SourceGeneration Source = "generation"
	SourceFallback   Source = "fallback"
)

// Message is one immutable row of a conversation.
type Message struct {
	ID             MessageID      `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	Seq            int64          `json:"seq"`
	Turn           int            `json:"turn"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Source         Source         `json:"source"`
	CreatedAt      time.Time      `json:"created_at"`
}

type ToolOutcome string

const (
	ToolSucceeded ToolOutcome = "succeeded"
	ToolFailed    ToolOutcome = "failed"
	ToolTimedOut  ToolOutcome = "timed_out"
)

// ToolCall records one tool invocation made during a turn.
type ToolCall struct {
	ID             ToolCallID      `json:"id"`
	ConversationID ConversationID  `json:"conversation_id"`
	MessageID      MessageID       `json:"message_id"`
	Turn           int             `json:"turn"`
	CallID         string          `json:"call_id,omitempty"`
	ToolName       string          `json:"tool_name"`
	Input          json.RawMessage `json:"input"`
	Outcome        ToolOutcome     `json:"outcome"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
}

// UsageRecord is one billing line for a generation call.
type UsageRecord struct {
	ID               UsageRecordID   `json:"id"`
	IdempotencyKey   string          `json:"idempotency_key"`
	ConversationID   ConversationID  `json:"conversation_id"`
	OrganizationID   OrganizationID  `json:"organization_id"`
	Model            string          `json:"model"`
	Provider         string          `json:"provider"`
	PromptTokens     int             `json:"prompt_tokens"`
	CompletionTokens int             `json:"completion_tokens"`
	CostUSD          decimal.Decimal `json:"cost_usd"`
	CreatedAt        time.Time       `json:"created_at"`
}

// ConversationState is everything a turn needs, loaded in one read.
type ConversationState struct {
	Conversation *Conversation
	Agent        *Agent
	Messages     []*Message
	ToolCalls    []*ToolCall
}

// TurnCommit is the atomic unit written at the end of a turn.
type TurnCommit struct {
	ConversationID ConversationID
	// ExpectedTurnCount is the assistant turn count observed when the turn
	// started. The commit fails with ErrTurnConflict if it changed.
	ExpectedTurnCount int
	UserMessage       *Message
	AssistantMessage  *Message
	ToolCalls         []*ToolCall
}

// TurnResult is returned to callers of PostInboundMessage.
type TurnResult struct {
	ConversationID ConversationID `json:"conversation_id"`
	MessageID      MessageID      `json:"message_id"`
	Turn           int            `json:"turn"`
	AssistantText  string         `json:"assistant_text"`
	Source         Source         `json:"source"`
	ToolCalls      []*ToolCall    `json:"tool_calls"`
	Usage          *UsageRecord   `json:"usage,omitempty"`
}
