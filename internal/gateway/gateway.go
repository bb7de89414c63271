package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// ErrInvalidInput marks requests rejected before any work is queued.
var ErrInvalidInput = errors.New("invalid input")

const DefaultTurnTimeout = 90 * time.Second

// Gateway is the conversation boundary. It resolves conversations, wraps
// inbound messages in runs and waits for each turn on the conversation's
// lane.
type Gateway struct {
	agents        types.AgentStore
	conversations types.ConversationStore
	Queue         *Queue
	turnTimeout   time.Duration
	logger        *slog.Logger
}

type Option func(*Gateway)

func WithTurnTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.turnTimeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a Gateway over the stores. The queue's processor must be set
// before Start.
func New(agents types.AgentStore, conversations types.ConversationStore, queue *Queue, opts ...Option) *Gateway {
	g := &Gateway{
		agents:        agents,
		conversations: conversations,
		Queue:         queue,
		turnTimeout:   DefaultTurnTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop stops the queue and waits for in-flight turns to end.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// StartConversation returns the active conversation between the agent and
// party, creating it when none exists. created reports which happened.
func (g *Gateway) StartConversation(ctx context.Context, agentID types.AgentID, party types.PartyRef) (*types.Conversation, bool, error) {
	if agentID == "" {
		return nil, false, fmt.Errorf("%w: agent id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(party.ID) == "" {
		return nil, false, fmt.Errorf("%w: party id is required", ErrInvalidInput)
	}

	agent, err := g.agents.GetAgent(ctx, agentID)
	if err != nil {
		return nil, false, err
	}
	if agent.Disabled {
		return nil, false, fmt.Errorf("%w: %s", types.ErrAgentDisabled, agentID)
	}

	conv, created, err := g.conversations.ResolveOrCreate(ctx, agent, party)
	if err != nil {
		return nil, false, fmt.Errorf("resolve conversation: %w", err)
	}
	if created {
		g.logger.Info("conversation started",
			"conversation_id", string(conv.ID),
			"agent_id", string(agentID),
			"organization_id", string(conv.OrganizationID),
		)
	}
	return conv, created, nil
}

// PostInboundMessage runs one turn and returns the assistant's reply. The
// call is bounded by the turn timeout; a turn abandoned before it starts
// never runs.
func (g *Gateway) PostInboundMessage(ctx context.Context, id types.ConversationID, text string) (*types.TurnResult, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text is empty", ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, g.turnTimeout)
	defer cancel()
	return g.Queue.Submit(ctx, NewRun(id, RunTurn, text))
}

// CloseConversation closes the conversation after any queued turns.
func (g *Gateway) CloseConversation(ctx context.Context, id types.ConversationID) error {
	if id == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidInput)
	}
	ctx, cancel := context.WithTimeout(ctx, g.turnTimeout)
	defer cancel()
	_, err := g.Queue.Submit(ctx, NewRun(id, RunClose, ""))
	return err
}

// Messages returns the conversation's transcript in order.
func (g *Gateway) Messages(ctx context.Context, id types.ConversationID) ([]*types.Message, error) {
	return g.conversations.ListMessages(ctx, id)
}
