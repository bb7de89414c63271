// Package tools holds the tool registry and the dispatcher that executes
// model-requested tool calls under a deadline.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
	"github.com/Schofield90/atlas-fitness-onboarding-sub047/pkg/llm"
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	// Deadline bounds a single execution. Zero uses the dispatcher default.
	Deadline() time.Duration
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Failure is a structured tool failure. Reason is a short machine-readable
// code such as "invalid_input" or "http_503".
type Failure struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return f.Reason
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Detail)
}

// Registry holds registered tools and provides lookup.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the names of all registered tools.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Specs converts the enabled tools to the LLM provider format, in the
// order given. Names that are not registered are skipped.
func (r *Registry) Specs(enabled []string) []llm.Tool {
	out := make([]llm.Tool, 0, len(enabled))
	for _, name := range enabled {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// CallContext identifies the conversation a tool call runs for.
type CallContext struct {
	OrganizationID types.OrganizationID
	ConversationID types.ConversationID
}

type callContextKey struct{}

// WithCallContext attaches cc to ctx for tools that need tenant scope.
func WithCallContext(ctx context.Context, cc CallContext) context.Context {
	return context.WithValue(ctx, callContextKey{}, cc)
}

// CallContextFrom returns the CallContext attached to ctx, if any.
func CallContextFrom(ctx context.Context) (CallContext, bool) {
	cc, ok := ctx.Value(callContextKey{}).(CallContext)
	return cc, ok
}
