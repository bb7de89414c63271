// Package prompt assembles token-budgeted chat prompts for generation turns.
package prompt

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/pkg/llm"
)

// perMessageOverhead approximates the role and framing tokens of a message.
const perMessageOverhead = 4

// Builder turns conversation history into provider messages.
type Builder struct {
	counter       Counter
	contextWindow int
	reserve       int
	tmpl          *template.Template
	now           func() time.Time
}

// Option configures a Builder.
type Option func(*Builder) error

// WithTemplate replaces the default system prompt template.
func WithTemplate(text string) Option {
	return func(b *Builder) error {
		t, err := template.New("system").Parse(text)
		if err != nil {
			return fmt.Errorf("parse prompt template: %w", err)
		}
		b.tmpl = t
		return nil
	}
}

// WithClock sets the time source used for the current-time line.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) error {
		b.now = now
		return nil
	}
}

// New creates a Builder for a model with the given context window. reserve
// tokens are kept free for the response unless the agent sets max_tokens.
func New(counter Counter, contextWindow, reserve int, opts ...Option) (*Builder, error) {
	b := &Builder{
		counter:       counter,
		contextWindow: contextWindow,
		reserve:       reserve,
		tmpl:          template.Must(template.New("system").Parse(DefaultTemplate)),
		now:           time.Now,
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Input is everything needed for one prompt.
type Input struct {
	Agent *types.Agent
	// History is the committed conversation, oldest first.
	History []*types.Message
	// Inbound is the message being answered; it is always included.
	Inbound string
	Facts   map[string]string
}

type fact struct {
	Name  string
	Value string
}

type systemData struct {
	Instructions   string
	OrganizationID string
	Time           string
	Facts          []fact
	Tools          string
}

// Build returns the system message, as much of the most recent history as
// fits the budget, and the inbound message. History is dropped oldest first.
func (b *Builder) Build(in Input) ([]llm.Message, error) {
	sys, err := b.systemPrompt(in)
	if err != nil {
		return nil, err
	}
	system := llm.Message{Role: "system", Content: sys}
	inbound := llm.Message{Role: "user", Content: in.Inbound}

	reserve := b.reserve
	if in.Agent.Model.MaxTokens > 0 {
		reserve = in.Agent.Model.MaxTokens
	}
	budget := b.contextWindow - reserve - b.messageTokens(system) - b.messageTokens(inbound)

	var kept []llm.Message
	for i := len(in.History) - 1; i >= 0; i-- {
		msg, ok := toLLM(in.History[i])
		if !ok {
			continue
		}
		cost := b.messageTokens(msg)
		if cost > budget {
			break
		}
		budget -= cost
		kept = append(kept, msg)
	}

	out := make([]llm.Message, 0, len(kept)+2)
	out = append(out, system)
	for i := len(kept) - 1; i >= 0; i-- {
		out = append(out, kept[i])
	}
	out = append(out, inbound)
	return out, nil
}

// Count returns the estimated prompt size of msgs.
func (b *Builder) Count(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += b.messageTokens(m)
	}
	return total
}

// CountText returns the token count of a bare string.
func (b *Builder) CountText(text string) int {
	return b.counter.Count(text)
}

func (b *Builder) messageTokens(m llm.Message) int {
	n := perMessageOverhead + b.counter.Count(m.Content)
	for _, tc := range m.ToolCalls {
		n += b.counter.Count(tc.Function.Name) + b.counter.Count(tc.Function.Arguments)
	}
	return n
}

func (b *Builder) systemPrompt(in Input) (string, error) {
	data := systemData{
		Instructions:   strings.TrimSpace(in.Agent.Instructions),
		OrganizationID: string(in.Agent.OrganizationID),
		Time:           b.now().Format(time.RFC1123),
		Tools:          strings.Join(in.Agent.Tools, ", "),
	}
	names := make([]string, 0, len(in.Facts))
	for name, v := range in.Facts {
		if strings.TrimSpace(v) != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		data.Facts = append(data.Facts, fact{Name: name, Value: in.Facts[name]})
	}

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// toLLM maps a stored message to the provider format. Tool rows are not
// replayed; their outcome is already reflected in the assistant text.
func toLLM(m *types.Message) (llm.Message, bool) {
	switch m.Role {
	case types.RoleUser:
		return llm.Message{Role: "user", Content: m.Content}, true
	case types.RoleAssistant:
		return llm.Message{Role: "assistant", Content: m.Content}, true
	default:
		return llm.Message{}, false
	}
}
