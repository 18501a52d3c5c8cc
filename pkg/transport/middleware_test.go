package transport

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/rhuss/rulechain/pkg/api"
)

// recordingWriter is a minimal ResponseWriter for testing middleware.
type recordingWriter struct {
	frames   []api.Frame
	response *api.RuleChainExecuteResponse
	dryRun   *api.RuleChainDryRunResponse
	flushed  bool
}

func (w *recordingWriter) WriteFrame(_ context.Context, frame api.Frame) error {
	w.frames = append(w.frames, frame)
	return nil
}

func (w *recordingWriter) WriteResponse(_ context.Context, resp *api.RuleChainExecuteResponse) error {
	w.response = resp
	return nil
}

func (w *recordingWriter) WriteDryRun(_ context.Context, resp *api.RuleChainDryRunResponse) error {
	w.dryRun = resp
	return nil
}

func (w *recordingWriter) Flush() error {
	w.flushed = true
	return nil
}

func TestChainAppliesMiddlewareInOrder(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next ChainExecutor) ChainExecutor {
			return ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
				order = append(order, name+":before")
				err := next.Execute(ctx, req, w)
				order = append(order, name+":after")
				return err
			})
		}
	}

	handler := ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
		order = append(order, "handler")
		return nil
	})

	chain := Chain(mw("first"), mw("second"), mw("third"))
	wrapped := chain(handler)

	wrapped.Execute(context.Background(), &api.ExecutionRequest{}, &recordingWriter{})

	expected := []string{
		"first:before", "second:before", "third:before",
		"handler",
		"third:after", "second:after", "first:after",
	}

	if len(order) != len(expected) {
		t.Fatalf("execution order length = %d, want %d: %v", len(order), len(expected), order)
	}
	for i, got := range order {
		if got != expected[i] {
			t.Errorf("order[%d] = %q, want %q", i, got, expected[i])
		}
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	handler := ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
		panic("test panic")
	})

	wrapped := Recovery()(handler)
	err := wrapped.Execute(context.Background(), &api.ExecutionRequest{}, &recordingWriter{})

	if err == nil {
		t.Fatal("expected error after panic, got nil")
	}

	apiErr, ok := err.(*api.APIError)
	if !ok {
		t.Fatalf("expected *api.APIError, got %T: %v", err, err)
	}
	if apiErr.Type != api.ErrorTypeServerError {
		t.Errorf("error type = %q, want %q", apiErr.Type, api.ErrorTypeServerError)
	}
	if !strings.Contains(apiErr.Message, "test panic") {
		t.Errorf("error message = %q, should contain %q", apiErr.Message, "test panic")
	}
}

func TestRecoveryPassesThroughNormalExecution(t *testing.T) {
	handler := ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
		return nil
	})

	wrapped := Recovery()(handler)
	err := wrapped.Execute(context.Background(), &api.ExecutionRequest{}, &recordingWriter{})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestIDGeneratesNewID(t *testing.T) {
	var capturedID string

	handler := ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
		capturedID = RequestIDFromContext(ctx)
		return nil
	})

	wrapped := RequestID()(handler)
	wrapped.Execute(context.Background(), &api.ExecutionRequest{}, &recordingWriter{})

	if capturedID == "" {
		t.Error("expected a generated request ID, got empty string")
	}
	if !strings.HasPrefix(capturedID, "req_") || len(capturedID) != len("req_")+32 {
		t.Errorf("request ID = %q, want req_ followed by 32 hex chars", capturedID)
	}
}

func TestRequestIDPropagatesExisting(t *testing.T) {
	var capturedID string

	handler := ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
		capturedID = RequestIDFromContext(ctx)
		return nil
	})

	ctx := ContextWithRequestID(context.Background(), "existing-id-123")
	wrapped := RequestID()(handler)
	wrapped.Execute(ctx, &api.ExecutionRequest{}, &recordingWriter{})

	if capturedID != "existing-id-123" {
		t.Errorf("request ID = %q, want %q", capturedID, "existing-id-123")
	}
}

func TestRequestIDUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	handler := ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
		ids[RequestIDFromContext(ctx)] = true
		return nil
	})

	wrapped := RequestID()(handler)
	for i := 0; i < 100; i++ {
		wrapped.Execute(context.Background(), &api.ExecutionRequest{}, &recordingWriter{})
	}

	if len(ids) != 100 {
		t.Errorf("expected 100 unique IDs, got %d", len(ids))
	}
}

func TestLoggingEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
		return nil
	})

	ctx := ContextWithRequestID(context.Background(), "req-log-test")
	wrapped := Logging(logger)(handler)
	wrapped.Execute(ctx, &api.ExecutionRequest{RuleChainID: api.Int64(42), Stream: true}, &recordingWriter{})

	output := buf.String()
	for _, expected := range []string{"request_id=req-log-test", "chain=42", "stream=true", "dry_run=false", "request completed"} {
		if !strings.Contains(output, expected) {
			t.Errorf("log output missing %q in:\n%s", expected, output)
		}
	}
}

func TestLoggingEmitsErrorOnFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
		return api.NewServerError("test failure")
	})

	wrapped := Logging(logger)(handler)
	wrapped.Execute(context.Background(), &api.ExecutionRequest{RuleChainDefinition: &api.RuleChain{}}, &recordingWriter{})

	output := buf.String()
	if !strings.Contains(output, "level=ERROR") {
		t.Errorf("server errors should log at error level:\n%s", output)
	}
	if !strings.Contains(output, "chain=inline") {
		t.Errorf("log output missing inline chain label in:\n%s", output)
	}
	if !strings.Contains(output, "request failed") {
		t.Errorf("log output missing 'request failed' in:\n%s", output)
	}
	if !strings.Contains(output, "test failure") {
		t.Errorf("log output missing error message in:\n%s", output)
	}
}

func TestLoggingValidationErrorsAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	handler := ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
		return api.NewInvalidRequestError("source_text", "source_text must not be empty")
	})

	Logging(logger)(handler).Execute(context.Background(), &api.ExecutionRequest{DryRun: true}, &recordingWriter{})

	output := buf.String()
	if !strings.Contains(output, "level=WARN") {
		t.Errorf("validation errors should log at warn level:\n%s", output)
	}
	if !strings.Contains(output, "dry_run=true") {
		t.Errorf("log output missing dry_run flag in:\n%s", output)
	}
}
