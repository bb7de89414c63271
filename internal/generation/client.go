// Package generation calls the agent's generative model for turns that are
// not exact-script steps.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/prompt"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/tools"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/pkg/llm"
)

// Kind classifies a generation failure.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindProvider  Kind = "provider"
	KindMalformed Kind = "malformed"
)

// Error is returned for every failed generation call.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("generation %s (%s): %v", e.Kind, e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is a successful generation.
type Result struct {
	Text             string
	ToolCalls        []tools.Call
	PromptTokens     int
	CompletionTokens int
	// Estimated is set when token counts came from the local tokenizer
	// because the provider reported none.
	Estimated bool
	Model     string
	Provider  string
}

// Client routes each agent to its configured provider.
type Client struct {
	providers map[string]llm.Provider
	builder   *prompt.Builder
	registry  *tools.Registry
	timeout   time.Duration
	logger    *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithProvider registers p under p.Name().
func WithProvider(p llm.Provider) Option {
	return func(c *Client) { c.providers[p.Name()] = p }
}

// WithTimeout bounds a single provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(builder *prompt.Builder, registry *tools.Registry, opts ...Option) *Client {
	c := &Client{
		providers: make(map[string]llm.Provider),
		builder:   builder,
		registry:  registry,
		timeout:   60 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Providers returns the registered provider names, sorted.
func (c *Client) Providers() []string {
	out := make([]string, 0, len(c.providers))
	for name := range c.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Generate makes exactly one provider call for the prompt described by in.
// Only the agent's enabled tools are declared, and a response that asks for
// any other tool is rejected as malformed.
func (c *Client) Generate(ctx context.Context, in prompt.Input) (*Result, error) {
	agent := in.Agent
	name := agent.Model.Provider
	provider, ok := c.providers[name]
	if !ok {
		return nil, &Error{Kind: KindProvider, Provider: name, Err: fmt.Errorf("provider %q is not configured", name)}
	}

	msgs, err := c.builder.Build(in)
	if err != nil {
		return nil, &Error{Kind: KindProvider, Provider: name, Err: err}
	}

	req := &llm.Request{
		Model:       agent.Model.Name,
		Messages:    msgs,
		Tools:       c.registry.Specs(agent.Tools),
		Temperature: agent.Model.Temperature,
		MaxTokens:   agent.Model.MaxTokens,
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.Complete(cctx, req)
	if err != nil {
		kind := KindProvider
		if isTimeout(err) {
			kind = KindTimeout
		}
		c.logger.Warn("generation failed", "provider", name, "model", req.Model, "kind", kind, "error", err)
		return nil, &Error{Kind: kind, Provider: name, Err: err}
	}
	c.logger.Debug("generation complete", "provider", name, "model", req.Model,
		"duration", time.Since(start), "tool_calls", len(resp.ToolCalls))

	calls, err := c.validateToolCalls(agent.Tools, resp.ToolCalls)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Provider: name, Err: err}
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" && len(calls) == 0 {
		return nil, &Error{Kind: KindMalformed, Provider: name, Err: errors.New("empty response")}
	}

	res := &Result{
		Text:             text,
		ToolCalls:        calls,
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		Model:            resp.Model,
		Provider:         name,
	}
	if res.Model == "" {
		res.Model = req.Model
	}
	if res.PromptTokens == 0 {
		res.PromptTokens = c.builder.Count(msgs)
		res.Estimated = true
	}
	if res.CompletionTokens == 0 && res.Text != "" {
		res.CompletionTokens = c.builder.CountText(res.Text)
		res.Estimated = true
	}
	return res, nil
}

func (c *Client) validateToolCalls(enabled []string, in []llm.ToolCall) ([]tools.Call, error) {
	calls := make([]tools.Call, 0, len(in))
	for _, tc := range in {
		name := tc.Function.Name
		if !contains(enabled, name) {
			return nil, fmt.Errorf("tool %q is not enabled for this agent", name)
		}
		if _, ok := c.registry.Get(name); !ok {
			return nil, fmt.Errorf("tool %q is not registered", name)
		}
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return nil, fmt.Errorf("tool %q arguments are not valid JSON", name)
		}
		calls = append(calls, tools.Call{ID: tc.ID, Name: name, Args: json.RawMessage(args)})
	}
	return calls, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
