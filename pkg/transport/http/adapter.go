package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/debug"
	"github.com/rhuss/rulechain/pkg/observability"
	"github.com/rhuss/rulechain/pkg/storage"
	"github.com/rhuss/rulechain/pkg/transport"
)

// HealthChecker reports whether the backing services are reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Adapter serves the rule chain API over HTTP.
// It routes requests to the appropriate handler and serializes responses.
type Adapter struct {
	executor transport.ChainExecutor
	chains   storage.ChainRepository // nil disables chain retrieval
	health   HealthChecker           // nil reports healthy
	runs     *transport.RunRegistry
	mux      *http.ServeMux
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     10 << 20, // 10 MB
		ShutdownTimeout: 30,
	}
}

// NewAdapter creates an HTTP adapter with the given ChainExecutor and
// options. The chain repository and health checker are optional.
// Middleware is applied to the ChainExecutor in the given order.
func NewAdapter(executor transport.ChainExecutor, chains storage.ChainRepository, health HealthChecker, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		executor = transport.Chain(middlewares...)(executor)
	}

	a := &Adapter{
		executor: executor,
		chains:   chains,
		health:   health,
		runs:     transport.NewRunRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/rule-chains/execute", a.handleExecute)
	a.mux.HandleFunc("GET /v1/rule-chains/{id}", a.handleGetChain)
	a.mux.HandleFunc("DELETE /v1/runs/{id}", a.handleCancelRun)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation and request metrics.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(observability.MetricsMiddleware(a.mux))
}

// httpRequestIDMiddleware is HTTP-level middleware that propagates the
// X-Request-ID header. If present in the request, it is forwarded to
// the response. After the handler runs, it checks the context for a
// request ID (set by the transport-level RequestID middleware) and adds
// it to the response headers if not already set.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx := transport.ContextWithRequestID(r.Context(), id)
			r = r.WithContext(ctx)
		}
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// handleExecute handles POST /v1/rule-chains/execute.
func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	var req api.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}

	if req.Stream && !req.DryRun {
		a.handleStreamingExecute(w, r, &req)
		return
	}

	rw := newSSEResponseWriter(w, nil)
	if err := a.executor.Execute(r.Context(), &req, rw); err != nil {
		a.writeHandlerError(w, rw, err)
	}
}

// handleStreamingExecute runs a streaming request. The run is registered
// for cancellation as soon as its metadata frame names the run id.
func (a *Adapter) handleStreamingExecute(w http.ResponseWriter, r *http.Request, req *api.ExecutionRequest) {
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)

	var runID string
	release := func() {}
	rw := newSSEResponseWriter(w, func(id string) {
		runID = id
		release = a.runs.Register(id, cancel)
	})
	defer rw.close()

	err := a.executor.Execute(ctx, req, rw)
	release()

	if errors.Is(context.Cause(ctx), transport.ErrRunCancelled) {
		debug.Log("streaming", "run stopped by cancel request", "run_id", runID)
	}
	if err != nil {
		a.writeHandlerError(w, rw, err)
	}
}

// handleGetChain handles GET /v1/rule-chains/{id}.
func (a *Adapter) handleGetChain(w http.ResponseWriter, r *http.Request) {
	if a.chains == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "chain retrieval is not available (no repository configured)"),
			http.StatusNotImplemented,
		)
		return
	}

	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "chain id must be a positive integer"),
			http.StatusBadRequest,
		)
		return
	}

	c, err := a.chains.GetChain(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		transport.WriteAPIError(w, api.NewNotFoundError("rule chain "+raw+" not found"))
		return
	}
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

// handleCancelRun handles DELETE /v1/runs/{id}. Only runs that are still
// streaming can be cancelled.
func (a *Adapter) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !api.ValidateRunID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed run ID"),
			http.StatusBadRequest,
		)
		return
	}

	if age, ok := a.runs.Cancel(id); ok {
		slog.Info("run cancelled", "run_id", id, "age", age)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	transport.WriteAPIError(w, api.NewNotFoundError("run "+id+" is not in flight"))
}

// handleHealth handles GET /healthz.
func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health.HealthCheck(r.Context()); err != nil {
			transport.WriteErrorResponse(w, api.NewServerError("unhealthy: "+err.Error()), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// writeHandlerError writes an error response from the handler. If streaming
// has already started, it sends a terminal error frame unless one was
// already written. Otherwise it writes a standard JSON error response.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, rw *sseResponseWriter, err error) {
	apiErr := transport.AsAPIError(err)

	if rw.hasStartedStreaming() {
		if !rw.isCompleted() {
			rw.WriteFrame(context.Background(), api.ErrorFrame(apiErr))
		}
		return
	}
	if rw.isCompleted() {
		return
	}

	transport.WriteError(w, err)
}
