package gateway

import (
	"context"
	"errors"
	"fmt"
)

// Request is one text generation call.
type Request struct {
	// Model is the engine-side model id. The Router replaces it with the
	// provider's upstream name before calling an adapter.
	Model string

	Prompt       string
	SystemPrefix string

	// Parameters are the merged llm override parameters of the step.
	Parameters map[string]any

	// MaxTokens limits the completion. Zero leaves the choice to the
	// backend.
	MaxTokens int
}

// Response is the generated text and what the backend reported about it.
type Response struct {
	Text             string
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Gateway generates text. Implementations must be safe for concurrent use.
type Gateway interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to the Gateway interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// ErrorKind classifies gateway failures for the retry policy.
type ErrorKind string

const (
	// KindTransient failures may succeed when retried with the same model.
	KindTransient ErrorKind = "transient"

	// KindSafety marks a content policy rejection.
	KindSafety ErrorKind = "safety"

	// KindPermanent failures are not retried.
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified gateway failure.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var s string
	switch {
	case e.Provider != "" && e.StatusCode != 0:
		s = fmt.Sprintf("%s: %s error (HTTP %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	case e.Provider != "":
		s = fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, e.Message)
	default:
		s = fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransientError creates a retryable error.
func NewTransientError(message string, err error) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// NewSafetyError creates a content policy rejection.
func NewSafetyError(message string) *Error {
	return &Error{Kind: KindSafety, Message: message}
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Kind: KindPermanent, Message: message, Err: err}
}

// KindOf classifies err. Deadline errors are transient, since a per-call
// timeout may not recur; every other unclassified error is permanent.
func KindOf(err error) ErrorKind {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindPermanent
}
