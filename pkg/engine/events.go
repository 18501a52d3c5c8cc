package engine

import (
	"fmt"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/executor"
)

// emitFunc receives the frames of a run in order. Both the streaming
// writer and the synchronous accumulator consume runs through it.
type emitFunc func(api.Frame) error

// stepFailedError builds the error frame payload that halts a run after
// a failed step.
func stepFailedError(res *api.StepExecutionResult) *api.APIError {
	msg := "step failed"
	if res.Error != nil {
		msg = *res.Error
	}
	return &api.APIError{
		Type:    api.ErrorTypeModelError,
		Code:    api.CodeStepFailed,
		Param:   fmt.Sprintf("step[%d]", res.StepOrder),
		Message: fmt.Sprintf("step %d (%s) failed: %s", res.StepOrder, res.TaskType, msg),
	}
}

// noSuccessError ends a run in which every step failed under the continue
// policy, leaving no output to report.
func noSuccessError(steps int) *api.APIError {
	return &api.APIError{
		Type:    api.ErrorTypeModelError,
		Code:    api.CodeStepFailed,
		Message: fmt.Sprintf("none of the %d steps succeeded", steps),
	}
}

func cancelledError(stepOrder int) *api.APIError {
	if stepOrder < 0 {
		return api.NewCancelledError(executor.ErrCancelled.Error())
	}
	return api.NewCancelledError(fmt.Sprintf("%s before step %d", executor.ErrCancelled, stepOrder))
}
