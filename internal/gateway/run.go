package gateway

import (
	"context"
	"time"

	"github.com/Schofield90/atlas-fitness-onboarding-sub047/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusSkipped  RunStatus = "skipped"
)

// RunKind selects what a Run does to its conversation.
type RunKind string

const (
	RunTurn  RunKind = "turn"
	RunClose RunKind = "close"
)

// Run is one unit of work serialized through a conversation's lane.
type Run struct {
	ID             types.RunID
	ConversationID types.ConversationID
	Kind           RunKind
	Text           string
	Status         RunStatus
	Attempts       int
	CreatedAt      time.Time
	StartedAt      *time.Time
	EndedAt        *time.Time

	// Ctx is the submitter's context while queued and the merged
	// submitter/queue context while processing.
	Ctx context.Context

	Result *types.TurnResult
	Err    error
	done   chan struct{}
}

// NewRun creates a Run in the Queued state.
func NewRun(id types.ConversationID, kind RunKind, text string) *Run {
	return &Run{
		ID:             types.NewRunID(),
		ConversationID: id,
		Kind:           kind,
		Text:           text,
		Status:         RunStatusQueued,
		CreatedAt:      time.Now(),
		done:           make(chan struct{}),
	}
}

// Done is closed once the run has a result or error.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) finish(status RunStatus, res *types.TurnResult, err error) {
	now := time.Now()
	r.Status = status
	r.EndedAt = &now
	r.Result = res
	r.Err = err
	close(r.done)
}
