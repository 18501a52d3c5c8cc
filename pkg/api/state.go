package api

import "fmt"

// StepState is a stage of the per-step execution state machine.
type StepState string

const (
	StepStatePending        StepState = "pending"
	StepStateGenerating     StepState = "generating"
	StepStateRetrying       StepState = "retrying"
	StepStateSafetyFallback StepState = "safety_fallback"
	StepStateSuccess        StepState = "success"
	StepStateFailed         StepState = "failed"
)

// IsTerminal reports whether no transition leaves the state.
func (s StepState) IsTerminal() bool {
	return s == StepStateSuccess || s == StepStateFailed
}

// ValidateStepTransition checks whether a step state transition is valid.
// Terminal states (success, failed) do not allow outgoing transitions.
// A pending step may fail directly when the run is cancelled before its
// first call.
func ValidateStepTransition(from, to StepState) error {
	valid := map[StepState][]StepState{
		StepStatePending:        {StepStateGenerating, StepStateFailed},
		StepStateGenerating:     {StepStateSuccess, StepStateRetrying, StepStateSafetyFallback, StepStateFailed},
		StepStateRetrying:       {StepStateGenerating, StepStateFailed},
		StepStateSafetyFallback: {StepStateGenerating, StepStateFailed},
		StepStateSuccess:        {},
		StepStateFailed:         {},
	}

	allowed, exists := valid[from]
	if !exists {
		return fmt.Errorf("invalid step transition from %q to %q", from, to)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid step transition from %q to %q", from, to)
}
