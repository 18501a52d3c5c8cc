package transport

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/rhuss/rulechain/pkg/api"
)

const requestIDPrefix = "req_"

type requestIDKey struct{}

// RequestIDFromContext returns the request ID carried by ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID returns a copy of ctx carrying id.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns middleware that makes sure every execution carries a
// request ID. An ID supplied by the client (X-Request-ID, placed in the
// context by the HTTP adapter) is kept; otherwise a "req_" ID is
// generated. Request IDs correlate log lines and are distinct from the
// run IDs reported in metadata frames.
func RequestID() Middleware {
	return func(next ChainExecutor) ChainExecutor {
		return ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, newRequestID())
			}
			return next.Execute(ctx, req, w)
		})
	}
}

func newRequestID() string {
	return requestIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
