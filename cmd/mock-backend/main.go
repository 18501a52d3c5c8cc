// Command mock-backend runs a deterministic Chat Completions server for
// exercising the rule chain engine without a real model. Responses are
// derived from the prompt, and markers in the prompt trigger the failure
// classes the engine handles:
//
//	[[transient]] - first call per prompt answers 503, the retry succeeds
//	[[down]]      - every call answers 503
//	[[unsafe]]    - 400 with code content_policy, except for safe models
//	[[filtered]]  - finish_reason content_filter, except for safe models
//
// Configuration:
//
//	MOCK_PORT        - Listen port (default: 9090)
//	MOCK_SAFE_MODELS - Comma-separated models never rejected for safety (default: mock-safe)
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "9090"
	}
	safe := os.Getenv("MOCK_SAFE_MODELS")
	if safe == "" {
		safe = "mock-safe"
	}

	b := newBackend(strings.Split(safe, ","))
	srv := &http.Server{Addr: ":" + port, Handler: b.routes()}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("mock backend starting", "port", port, "safe_models", safe)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("mock backend failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
