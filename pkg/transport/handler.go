package transport

import (
	"context"

	"github.com/rhuss/rulechain/pkg/api"
)

// ChainExecutor handles the execute operation. The implementation receives
// a request and writes the result (frames, a complete response, or a
// dry-run estimate) to the ResponseWriter.
type ChainExecutor interface {
	Execute(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error
}

// ChainExecutorFunc is an adapter that allows using an ordinary function
// as a ChainExecutor.
type ChainExecutorFunc func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error

// Execute calls f(ctx, req, w).
func (f ChainExecutorFunc) Execute(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
	return f(ctx, req, w)
}

// ResponseWriter abstracts streaming and non-streaming output for the
// handler. The transport layer creates a ResponseWriter for each request.
//
// WriteFrame is mutually exclusive with WriteResponse and WriteDryRun on a
// single writer instance, and only one complete response may be written.
// Calling WriteFrame after a terminal frame (final_output or error)
// returns an error.
type ResponseWriter interface {
	// WriteFrame sends a single stream frame.
	WriteFrame(ctx context.Context, frame api.Frame) error

	// WriteResponse sends a complete synchronous execution result.
	WriteResponse(ctx context.Context, resp *api.RuleChainExecuteResponse) error

	// WriteDryRun sends a dry-run estimate.
	WriteDryRun(ctx context.Context, resp *api.RuleChainDryRunResponse) error

	// Flush ensures buffered data is sent to the client. Returns an error
	// if the client has disconnected.
	Flush() error
}
