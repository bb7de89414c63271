package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

type echoInput struct {
	Text  string `json:"text" validate:"required"`
	Count int    `json:"count,omitempty" validate:"gte=0,lte=5"`
}

type echoOutput struct {
	Text string `json:"text"`
}

func echoTool() Tool {
	return NewTyped("echo", "Echoes input", 0, func(_ context.Context, in echoInput) (echoOutput, error) {
		return echoOutput{Text: strings.Repeat(in.Text, max(in.Count, 1))}, nil
	})
}

// funcTool lets tests control Execute directly.
type funcTool struct {
	name     string
	deadline time.Duration
	fn       func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

func (f *funcTool) Name() string                { return f.name }
func (f *funcTool) Description() string         { return "test tool" }
func (f *funcTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *funcTool) Deadline() time.Duration     { return f.deadline }
func (f *funcTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f.fn(ctx, args)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())

	tool, ok := r.Get("echo")
	if !ok || tool.Name() != "echo" {
		t.Fatal("expected to find echo tool")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected not to find missing tool")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "echo" {
		t.Errorf("unexpected names %v", names)
	}
}

func TestRegistrySpecsOnlyEnabled(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())
	r.Register(&funcTool{name: "other"})

	specs := r.Specs([]string{"echo", "not_registered"})
	if len(specs) != 1 {
		t.Fatalf("expected 1 spec, got %d", len(specs))
	}
	if specs[0].Type != "function" || specs[0].Function.Name != "echo" {
		t.Errorf("unexpected spec %+v", specs[0])
	}
	if len(r.Specs(nil)) != 0 {
		t.Error("no tools should be declared when none are enabled")
	}
}

func TestTypedSchema(t *testing.T) {
	var schema map[string]any
	if err := json.Unmarshal(echoTool().Parameters(), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("type = %v", schema["type"])
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("missing properties: %v", schema)
	}
	if _, ok := props["text"]; !ok {
		t.Error("expected text property")
	}
	if _, ok := schema["$schema"]; ok {
		t.Error("expected $schema to be stripped")
	}
}

func TestTypedExecute(t *testing.T) {
	tool := echoTool()

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"text":"hi","count":2}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"text":"hihi"}` {
		t.Errorf("got %s", out)
	}

	_, err = tool.Execute(context.Background(), json.RawMessage(`{"count":2}`))
	var f *Failure
	if !errors.As(err, &f) || f.Reason != "invalid_input" {
		t.Fatalf("expected invalid_input failure, got %v", err)
	}
	if !strings.Contains(f.Detail, "text") {
		t.Errorf("detail should name the json field: %q", f.Detail)
	}

	_, err = tool.Execute(context.Background(), json.RawMessage(`{not json`))
	if !errors.As(err, &f) || f.Reason != "invalid_input" {
		t.Fatalf("expected invalid_input failure for bad JSON, got %v", err)
	}
}

func TestDispatchSucceeded(t *testing.T) {
	r := NewRegistry()
	r.Register(echoTool())

	var observed int32
	d := NewDispatcher(r, WithObserver(func(Result) { atomic.AddInt32(&observed, 1) }))

	res, err := d.Dispatch(context.Background(), Call{ID: "c1", Name: "echo", Args: json.RawMessage(`{"text":"ok"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != types.ToolSucceeded || !res.Succeeded() {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if string(res.Output) != `{"text":"ok"}` {
		t.Errorf("output = %s", res.Output)
	}
	if res.CallID != "c1" || res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("unexpected result %+v", res)
	}
	if atomic.LoadInt32(&observed) != 1 {
		t.Error("observer not called")
	}
}

func TestDispatchFailed(t *testing.T) {
	r := NewRegistry()
	r.Register(&funcTool{name: "broken", fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, &Failure{Reason: "http_503", Detail: "unavailable"}
	}})
	d := NewDispatcher(r)

	res, err := d.Dispatch(context.Background(), Call{Name: "broken"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != types.ToolFailed || res.Reason != "http_503" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDispatchTimesOutIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := NewRegistry()
	r.Register(&funcTool{name: "slow", deadline: 20 * time.Millisecond, fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	}})
	d := NewDispatcher(r)

	start := time.Now()
	res, err := d.Dispatch(context.Background(), Call{Name: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != types.ToolTimedOut {
		t.Errorf("outcome = %s, want timed_out", res.Outcome)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dispatcher waited %v for a stuck tool", elapsed)
	}
}

func TestDispatchMaxDeadlineCapsTool(t *testing.T) {
	r := NewRegistry()
	r.Register(&funcTool{name: "slow", deadline: time.Hour, fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	d := NewDispatcher(r, WithMaxDeadline(20*time.Millisecond))

	res, err := d.Dispatch(context.Background(), Call{Name: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != types.ToolTimedOut {
		t.Errorf("outcome = %s, want timed_out", res.Outcome)
	}
}

func TestDispatchPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&funcTool{name: "boom", fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	}})
	d := NewDispatcher(r)

	res, err := d.Dispatch(context.Background(), Call{Name: "boom"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != types.ToolFailed || res.Reason != "panic" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher(NewRegistry())
	res, err := d.Dispatch(context.Background(), Call{Name: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != types.ToolFailed || res.Reason != "unknown_tool" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDispatchCallerCancelled(t *testing.T) {
	r := NewRegistry()
	r.Register(&funcTool{name: "wait", deadline: time.Second, fn: func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	d := NewDispatcher(r)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := d.Dispatch(ctx, Call{Name: "wait"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDispatchAllSequential(t *testing.T) {
	var order []string
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		name := name
		r.Register(&funcTool{name: name, fn: func(context.Context, json.RawMessage) (json.RawMessage, error) {
			order = append(order, name)
			return json.RawMessage(`{}`), nil
		}})
	}
	d := NewDispatcher(r)

	results, err := d.DispatchAll(context.Background(), []Call{{Name: "a"}, {Name: "b"}, {Name: "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 || strings.Join(order, "") != "abc" {
		t.Errorf("results=%d order=%v", len(results), order)
	}
}
