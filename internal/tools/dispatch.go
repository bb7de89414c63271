package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// DefaultDeadline applies to tools that do not declare their own.
const DefaultDeadline = 10 * time.Second

// Call is one model-requested tool invocation.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Result is the recorded outcome of a Call.
type Result struct {
	CallID     string
	Name       string
	Input      json.RawMessage
	Outcome    types.ToolOutcome
	Output     json.RawMessage
	Err        string
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the call produced a result.
func (r Result) Succeeded() bool { return r.Outcome == types.ToolSucceeded }

// Dispatcher executes tool calls. Every call runs under its own deadline,
// min(tool deadline, MaxDeadline), and the dispatcher stops waiting once it
// passes even if the tool ignores its context.
type Dispatcher struct {
	registry    *Registry
	maxDeadline time.Duration
	observe     func(Result)
	logger      *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxDeadline caps every tool deadline.
func WithMaxDeadline(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.maxDeadline = d }
}

// WithObserver registers a callback invoked with every Result.
func WithObserver(fn func(Result)) Option {
	return func(disp *Dispatcher) { disp.observe = fn }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(disp *Dispatcher) { disp.logger = l }
}

func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		maxDeadline: DefaultDeadline,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) deadlineFor(t Tool) time.Duration {
	dl := t.Deadline()
	if dl <= 0 || dl > d.maxDeadline {
		dl = d.maxDeadline
	}
	return dl
}

type execOutcome struct {
	out json.RawMessage
	err error
}

// Dispatch runs a single call. Tool errors, panics and deadline overruns are
// reported in the Result; the returned error is non-nil only when ctx itself
// ended, which aborts the turn.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call) (Result, error) {
	res := Result{
		CallID:    call.ID,
		Name:      call.Name,
		Input:     call.Args,
		StartedAt: time.Now().UTC(),
	}
	finish := func(outcome types.ToolOutcome, err error) Result {
		res.Outcome = outcome
		res.FinishedAt = time.Now().UTC()
		if err != nil {
			res.Err = err.Error()
			var f *Failure
			if errors.As(err, &f) {
				res.Reason = f.Reason
			}
		}
		if d.observe != nil {
			d.observe(res)
		}
		d.logger.Debug("tool call finished",
			"tool", res.Name, "call_id", res.CallID, "outcome", res.Outcome,
			"duration", res.FinishedAt.Sub(res.StartedAt), "error", res.Err)
		return res
	}

	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return finish(types.ToolFailed, &Failure{Reason: "unknown_tool", Detail: call.Name}), nil
	}

	deadline := d.deadlineFor(tool)
	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: &Failure{Reason: "panic", Detail: fmt.Sprint(r)}}
			}
		}()
		out, err := tool.Execute(tctx, call.Args)
		done <- execOutcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if o.err != nil {
			if errors.Is(tctx.Err(), context.DeadlineExceeded) {
				return finish(types.ToolTimedOut, &Failure{Reason: "deadline_exceeded", Detail: deadline.String()}), nil
			}
			return finish(types.ToolFailed, o.err), nil
		}
		res.Output = o.out
		return finish(types.ToolSucceeded, nil), nil
	case <-tctx.Done():
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		d.logger.Warn("tool exceeded deadline", "tool", call.Name, "deadline", deadline)
		return finish(types.ToolTimedOut, &Failure{Reason: "deadline_exceeded", Detail: deadline.String()}), nil
	}
}

// DispatchAll runs calls one after another, each under its own deadline.
// On turn abort it returns the results gathered so far with the error.
func (d *Dispatcher) DispatchAll(ctx context.Context, calls []Call) ([]Result, error) {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		res, err := d.Dispatch(ctx, call)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}
