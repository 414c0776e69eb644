package job

import "fmt"

// State is the lifecycle state of one job execution.
type State string

const (
	StateCreated          State = "CREATED"
	StatePreHook          State = "PRE_HOOK"
	StateExecuting        State = "EXECUTING"
	StatePostHook         State = "POST_HOOK"
	StateCompletedSuccess State = "COMPLETED_SUCCESS"
	StateCompletedFailed  State = "COMPLETED_FAILED"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompletedSuccess, StateCompletedFailed:
		return true
	}
	return false
}

// ValidTransitions defines the allowed state transitions. The runner drives
// every transition; any non-terminal state can fail.
var ValidTransitions = map[State][]State{
	StateCreated:   {StatePreHook, StateCompletedFailed},
	StatePreHook:   {StateExecuting, StateCompletedFailed},
	StateExecuting: {StatePostHook, StateCompletedFailed},
	StatePostHook:  {StateCompletedSuccess, StateCompletedFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range ValidTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job state transition: %s → %s (job %s)", e.From, e.To, e.JobID)
}

// Hosting-runtime status codes returned by the top-level service function.
const (
	ServiceSucceeded = 3
	ServiceFailed    = 4
)
