package transport

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/rhuss/rulechain/pkg/api"
)

// Logging returns middleware that emits structured log entries for each
// request. The log entry includes the request ID (from context), the chain
// (its id, or "inline" for a request-supplied definition), the mode flags,
// duration, and whether the request succeeded or failed.
//
// HTTP method, path, and status codes are not available at the
// ChainExecutor level; the metrics middleware in pkg/observability records
// those.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ChainExecutor) ChainExecutor {
		return ChainExecutorFunc(func(ctx context.Context, req *api.ExecutionRequest, w ResponseWriter) error {
			start := time.Now()
			requestID := RequestIDFromContext(ctx)

			err := next.Execute(ctx, req, w)

			attrs := []slog.Attr{
				slog.String("request_id", requestID),
				slog.String("chain", chainLabel(req)),
				slog.Bool("stream", req.Stream),
				slog.Bool("dry_run", req.DryRun),
				slog.Int("source_bytes", len(req.SourceText)),
				slog.Duration("duration", time.Since(start)),
			}

			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				level := slog.LevelError
				if api.IsValidation(err) {
					level = slog.LevelWarn
				}
				logger.LogAttrs(ctx, level, "request failed", attrs...)
			} else {
				logger.LogAttrs(ctx, slog.LevelInfo, "request completed", attrs...)
			}

			return err
		})
	}
}

func chainLabel(req *api.ExecutionRequest) string {
	if req.RuleChainID != nil {
		return strconv.FormatInt(*req.RuleChainID, 10)
	}
	return "inline"
}
