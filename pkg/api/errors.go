package api

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	ErrorTypeServerError     ErrorType = "server_error"
	ErrorTypeInvalidRequest  ErrorType = "invalid_request"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeModelError      ErrorType = "model_error"
	ErrorTypeTooManyRequests ErrorType = "too_many_requests"
	ErrorTypeCancelled       ErrorType = "cancelled"
)

// Error codes narrow down an ErrorType for clients that branch on them.
const (
	CodeEmptyChain        = "empty_chain"
	CodeUnknownTemplate   = "unknown_template"
	CodeMissingParameter  = "missing_required_parameter"
	CodeInvalidParameter  = "invalid_parameter"
	CodeStepFailed        = "step_failed"
	CodeStreamInterrupted = "stream_interrupted"
)

// APIError represents a structured API error with type, code, param, and message.
type APIError struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Param   string    `json:"param,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param: %s)", e.Type, e.Message, e.Param)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorResponse wraps an APIError for JSON serialization as the top-level error response.
// A synchronous run that failed part way also reports the steps it executed.
type ErrorResponse struct {
	Error        *APIError             `json:"error"`
	RunID        string                `json:"run_id,omitempty"`
	StepsResults []StepExecutionResult `json:"steps_results,omitempty"`
}

// RunError is the error of a run that stopped after some of its steps
// were executed. It unwraps to the APIError that ended the run.
type RunError struct {
	*APIError
	RunID        string
	StepsResults []StepExecutionResult
}

// NewRunError attaches the results folded so far to the error that ended a run.
func NewRunError(err *APIError, partial *RuleChainExecuteResponse) *RunError {
	re := &RunError{APIError: err}
	if partial != nil {
		re.RunID = partial.RunID
		re.StepsResults = partial.StepsResults
	}
	return re
}

// Unwrap returns the APIError that ended the run.
func (e *RunError) Unwrap() error { return e.APIError }

// NewInvalidRequestError creates an APIError for invalid request parameters.
func NewInvalidRequestError(param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Param:   param,
		Message: message,
	}
}

// NewValidationError creates an invalid_request APIError carrying a code.
// Validation errors are raised before any model call is made.
func NewValidationError(code, param, message string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Code:    code,
		Param:   param,
		Message: message,
	}
}

// NewNotFoundError creates an APIError for resources that cannot be found.
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewServerError creates an APIError for internal server errors.
func NewServerError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeServerError,
		Message: message,
	}
}

// NewModelError creates an APIError for model-related errors.
func NewModelError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeModelError,
		Message: message,
	}
}

// NewTooManyRequestsError creates an APIError for rate limiting.
func NewTooManyRequestsError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeTooManyRequests,
		Message: message,
	}
}

// NewCancelledError creates an APIError for runs stopped by the caller.
func NewCancelledError(message string) *APIError {
	return &APIError{
		Type:    ErrorTypeCancelled,
		Message: message,
	}
}

// IsValidation reports whether err is an invalid_request APIError.
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == ErrorTypeInvalidRequest
}
