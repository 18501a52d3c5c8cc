// Package transport defines the handler interfaces and middleware chain for
// the rulechain HTTP/SSE transport layer.
//
// The transport layer bridges external clients and the execution engine.
// It deserializes incoming requests into the types defined in pkg/api,
// dispatches them for execution, and serializes results back to the client
// as a JSON response, a JSON dry-run estimate, or a stream of frames.
//
// # Handler Interfaces
//
// ChainExecutor is the contract between the transport layer and the
// engine. The ResponseWriter interface abstracts the three output shapes,
// allowing the engine to emit frames or complete responses without knowing
// the underlying transport protocol.
//
// # Middleware
//
// The middleware chain wraps ChainExecutor with cross-cutting concerns.
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID), and structured logging via log/slog. Custom middleware
// can be added for application-specific concerns.
//
// HTTP serving uses net/http with Go 1.22+ ServeMux routing patterns. SSE
// flushing uses http.NewResponseController.
package transport
