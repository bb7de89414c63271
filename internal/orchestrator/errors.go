package orchestrator

import "fmt"

// Phase names a step of the turn state machine.
type Phase string

const (
	PhaseLoading      Phase = "loading"
	PhaseDeciding     Phase = "deciding"
	PhaseGenerating   Phase = "generating"
	PhaseToolDispatch Phase = "tool_dispatch"
	PhaseMetering     Phase = "metering"
	PhasePersisting   Phase = "persisting"
	PhaseClosing      Phase = "closing"
)

// TurnError is returned when a turn aborts. Nothing of the turn was
// persisted; Retryable says whether resubmitting the same message may
// succeed.
type TurnError struct {
	Phase     Phase
	Retryable bool
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn aborted in %s: %v", e.Phase, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }
