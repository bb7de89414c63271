// Package orchestrator runs conversation turns: it decides between an
// exact-script step and a generated reply, dispatches requested tools,
// keeps the reply honest about their outcome, meters usage and commits
// the turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/billing"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/gateway"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/generation"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/metrics"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/prompt"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/script"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/tools"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// Generator produces one model reply for a turn.
type Generator interface {
	Generate(ctx context.Context, in prompt.Input) (*generation.Result, error)
}

// ToolDispatcher executes the tool calls a reply requested, in order.
type ToolDispatcher interface {
	DispatchAll(ctx context.Context, calls []tools.Call) ([]tools.Result, error)
}

// UsageRecorder writes the billing line for a generation call.
type UsageRecorder interface {
	Record(ctx context.Context, in billing.Input) (*types.UsageRecord, error)
}

// Orchestrator holds no per-conversation state. Everything a turn needs is
// loaded from the store at the start of the turn.
type Orchestrator struct {
	conversations types.ConversationStore
	generator     Generator
	dispatcher    ToolDispatcher
	meter         UsageRecorder
	retry         *gateway.RetryPolicy
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryPolicy sets the policy for metering and commit writes.
func WithRetryPolicy(p *gateway.RetryPolicy) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.retry = p
		}
	}
}

// WithMetrics records turn outcomes and durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator with the given dependencies.
func New(conversations types.ConversationStore, generator Generator, dispatcher ToolDispatcher, meter UsageRecorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conversations: conversations,
		generator:     generator,
		dispatcher:    dispatcher,
		meter:         meter,
		retry:         gateway.DefaultRetryPolicy(),
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessRun executes one run. This is the function passed to
// Queue.SetProcessor.
func (o *Orchestrator) ProcessRun(run *gateway.Run) (*types.TurnResult, error) {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	switch run.Kind {
	case gateway.RunClose:
		if err := o.conversations.CloseConversation(ctx, run.ConversationID); err != nil {
			return nil, &TurnError{Phase: PhaseClosing, Retryable: gateway.IsTransient(err), Err: err}
		}
		o.logger.Info("conversation closed", "conversation_id", string(run.ConversationID))
		return nil, nil
	case gateway.RunTurn, "":
		return o.processTurn(ctx, run)
	default:
		return nil, fmt.Errorf("unknown run kind %q", run.Kind)
	}
}

func (o *Orchestrator) processTurn(ctx context.Context, run *gateway.Run) (*types.TurnResult, error) {
	start := o.now()
	res, err := o.turn(ctx, run)

	outcome := "ok"
	var source types.Source
	var terr *TurnError
	switch {
	case errors.As(err, &terr):
		outcome = string(terr.Phase)
	case err != nil:
		outcome = "error"
	default:
		source = res.Source
	}
	o.metrics.RecordTurn(source, outcome, o.now().Sub(start))
	return res, err
}

func (o *Orchestrator) turn(ctx context.Context, run *gateway.Run) (*types.TurnResult, error) {
	log := o.logger.With("conversation_id", string(run.ConversationID), "run_id", string(run.ID))

	state, err := o.conversations.LoadConversationState(ctx, run.ConversationID)
	if err != nil {
		return nil, &TurnError{Phase: PhaseLoading, Retryable: gateway.IsTransient(err), Err: err}
	}
	conv, agent := state.Conversation, state.Agent
	if conv.Status != types.ConversationActive {
		return nil, &TurnError{Phase: PhaseLoading, Err: types.ErrConversationClosed}
	}

	turn := conv.AssistantTurnCount + 1
	log = log.With("turn", turn, "organization_id", string(conv.OrganizationID))

	userMsg := &types.Message{
		ID:             types.NewMessageID(),
		ConversationID: conv.ID,
		Turn:           turn,
		Role:           types.RoleUser,
		Content:        run.Text,
		Source:         types.SourceInbound,
		CreatedAt:      o.now().UTC(),
	}

	// Deciding
	facts := script.ExtractFacts(conv.Party, append(state.Messages[:len(state.Messages):len(state.Messages)], userMsg))
	decision := script.Match(agent.Scripts, conv.AssistantTurnCount, facts)
	if !decision.UseScript && decision.Rule != nil {
		log.Debug("script rule skipped", "sequence", decision.Rule.Sequence, "reason", string(decision.Reason), "missing", decision.Missing)
	}

	var (
		text    string
		source  types.Source
		results []tools.Result
		usage   *types.UsageRecord
	)

	if decision.UseScript {
		text, source = decision.Text, types.SourceScript
	} else {
		gen, err := o.generator.Generate(ctx, prompt.Input{
			Agent:   agent,
			History: state.Messages,
			Inbound: run.Text,
			Facts:   facts,
		})
		if err != nil {
			return nil, &TurnError{Phase: PhaseGenerating, Retryable: true, Err: err}
		}

		if len(gen.ToolCalls) > 0 {
			tctx := tools.WithCallContext(ctx, tools.CallContext{
				OrganizationID: conv.OrganizationID,
				ConversationID: conv.ID,
			})
			results, err = o.dispatcher.DispatchAll(tctx, gen.ToolCalls)
			if err != nil {
				return nil, &TurnError{Phase: PhaseToolDispatch, Retryable: true, Err: err}
			}
		}
		text, source = applyHonesty(agent, strings.TrimSpace(gen.Text), results, state.ToolCalls, facts)
		if source == types.SourceFallback {
			log.Warn("reply replaced by failure fallback", "tool_calls", len(results))
		}

		// Another worker may have committed this turn while we generated.
		// Its usage owns the conv:turn key, so stop before metering.
		if err := o.checkTurn(ctx, conv); err != nil {
			return nil, err
		}

		err = o.retry.Execute(ctx, func(ctx context.Context) error {
			var err error
			usage, err = o.meter.Record(ctx, billing.Input{
				ConversationID:   conv.ID,
				OrganizationID:   conv.OrganizationID,
				Turn:             turn,
				Model:            gen.Model,
				Provider:         gen.Provider,
				PromptTokens:     gen.PromptTokens,
				CompletionTokens: gen.CompletionTokens,
			})
			return err
		})
		if err != nil {
			return nil, &TurnError{Phase: PhaseMetering, Retryable: ctx.Err() == nil, Err: err}
		}
	}

	// Persisting
	assistantMsg := &types.Message{
		ID:             types.NewMessageID(),
		ConversationID: conv.ID,
		Turn:           turn,
		Role:           types.RoleAssistant,
		Content:        text,
		Source:         source,
		CreatedAt:      o.now().UTC(),
	}
	calls := toolCallRows(conv.ID, assistantMsg.ID, turn, results)
	commit := &types.TurnCommit{
		ConversationID:    conv.ID,
		ExpectedTurnCount: conv.AssistantTurnCount,
		UserMessage:       userMsg,
		AssistantMessage:  assistantMsg,
		ToolCalls:         calls,
	}
	err = o.retry.Execute(ctx, func(ctx context.Context) error {
		return o.conversations.CommitTurn(ctx, commit)
	})
	if err != nil {
		retryable := ctx.Err() == nil && !errors.Is(err, types.ErrConversationClosed) && !errors.Is(err, types.ErrConversationNotFound)
		return nil, &TurnError{Phase: PhasePersisting, Retryable: retryable, Err: err}
	}

	log.Info("turn completed", "source", string(source), "tool_calls", len(calls))
	return &types.TurnResult{
		ConversationID: conv.ID,
		MessageID:      assistantMsg.ID,
		Turn:           turn,
		AssistantText:  text,
		Source:         source,
		ToolCalls:      calls,
		Usage:          usage,
	}, nil
}

func (o *Orchestrator) checkTurn(ctx context.Context, conv *types.Conversation) error {
	current, err := o.conversations.GetConversation(ctx, conv.ID)
	if err != nil {
		return &TurnError{Phase: PhaseMetering, Retryable: gateway.IsTransient(err), Err: err}
	}
	if current.Status != types.ConversationActive {
		return &TurnError{Phase: PhaseMetering, Err: types.ErrConversationClosed}
	}
	if current.AssistantTurnCount != conv.AssistantTurnCount {
		return &TurnError{Phase: PhaseMetering, Retryable: true, Err: fmt.Errorf("%w: expected %d, found %d",
			types.ErrTurnConflict, conv.AssistantTurnCount, current.AssistantTurnCount)}
	}
	return nil
}

func toolCallRows(conv types.ConversationID, msg types.MessageID, turn int, results []tools.Result) []*types.ToolCall {
	if len(results) == 0 {
		return nil
	}
	rows := make([]*types.ToolCall, 0, len(results))
	for _, r := range results {
		rows = append(rows, &types.ToolCall{
			ID:             types.NewToolCallID(),
			ConversationID: conv,
			MessageID:      msg,
			Turn:           turn,
			CallID:         r.CallID,
			ToolName:       r.Name,
			Input:          r.Input,
			Outcome:        r.Outcome,
			Result:         r.Output,
			Error:          r.Err,
			StartedAt:      r.StartedAt,
			FinishedAt:     r.FinishedAt,
		})
	}
	return rows
}
