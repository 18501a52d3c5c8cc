package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/constraints"
	"github.com/rhuss/rulechain/pkg/debug"
	"github.com/rhuss/rulechain/pkg/estimate"
	"github.com/rhuss/rulechain/pkg/executor"
	"github.com/rhuss/rulechain/pkg/gateway"
	"github.com/rhuss/rulechain/pkg/observability"
	"github.com/rhuss/rulechain/pkg/storage"
	"github.com/rhuss/rulechain/pkg/transport"
)

// Run modes, used as metric labels.
const (
	modeSync   = "sync"
	modeStream = "stream"
	modeDryRun = "dry_run"
)

// Run outcomes, used as metric labels.
const (
	outcomeCompleted = "completed"
	outcomePartial   = "partial"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
	outcomeRejected  = "rejected"
)

// Repository is the read side of storage the engine needs.
type Repository interface {
	storage.TemplateRepository
	storage.ChainRepository
}

// Engine orchestrates rule chain runs between the transport layer and the
// text generation gateway. It implements transport.ChainExecutor.
type Engine struct {
	configs   *config.Store
	repo      Repository
	gateways  gateway.Source
	evaluator *constraints.Evaluator

	execOpts []executor.Option
	estOpts  []estimate.Option
	now      func() time.Time
}

// Ensure Engine implements transport.ChainExecutor at compile time.
var _ transport.ChainExecutor = (*Engine)(nil)

// New creates a new Engine. The config store, repository, and gateway
// source must not be nil. A nil evaluator disables expression constraints.
func New(configs *config.Store, repo Repository, gateways gateway.Source, evaluator *constraints.Evaluator, opts ...Option) (*Engine, error) {
	switch {
	case configs == nil:
		return nil, fmt.Errorf("engine: config store must not be nil")
	case repo == nil:
		return nil, fmt.Errorf("engine: repository must not be nil")
	case gateways == nil:
		return nil, fmt.Errorf("engine: gateway source must not be nil")
	}
	e := &Engine{
		configs:   configs,
		repo:      repo,
		gateways:  gateways,
		evaluator: evaluator,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Execute runs, streams, or estimates the chain named by req and writes
// the result to w. Errors found before any output is produced are
// returned as *api.APIError values. Once a stream has started, failures
// are reported in-band as an error frame and Execute returns nil unless
// the writer itself fails.
func (e *Engine) Execute(ctx context.Context, req *api.ExecutionRequest, w transport.ResponseWriter) error {
	snap := e.configs.Snapshot()
	mode := runMode(req)

	p, err := e.prepare(ctx, snap, req)
	if err != nil {
		observability.RunsTotal.WithLabelValues(mode, outcomeRejected).Inc()
		return err
	}

	switch mode {
	case modeDryRun:
		resp := e.dryRun(snap, p, req.SourceText)
		observability.RunsTotal.WithLabelValues(mode, outcomeCompleted).Inc()
		return w.WriteDryRun(ctx, resp)

	case modeStream:
		outcome, err := e.run(ctx, snap, p, req.SourceText, func(f api.Frame) error {
			return w.WriteFrame(ctx, f)
		})
		observability.RunsTotal.WithLabelValues(mode, outcome).Inc()
		return err

	default:
		var acc api.Accumulator
		outcome, err := e.run(ctx, snap, p, req.SourceText, acc.Add)
		observability.RunsTotal.WithLabelValues(mode, outcome).Inc()
		if err != nil {
			return err
		}
		resp, err := acc.Response()
		if err != nil {
			partial := acc.Partial()
			logPartial(partial, err)
			var apiErr *api.APIError
			if errors.As(err, &apiErr) {
				return api.NewRunError(apiErr, partial)
			}
			return err
		}
		return w.WriteResponse(ctx, resp)
	}
}

func runMode(req *api.ExecutionRequest) string {
	switch {
	case req.DryRun:
		return modeDryRun
	case req.Stream:
		return modeStream
	}
	return modeSync
}

// logPartial records the steps a failed synchronous run completed.
func logPartial(resp *api.RuleChainExecuteResponse, err error) {
	steps := make([]string, 0, len(resp.StepsResults))
	for _, r := range resp.StepsResults {
		steps = append(steps, fmt.Sprintf("%d:%s", r.StepOrder, r.Status))
	}
	slog.Warn("synchronous run ended with error",
		"run_id", resp.RunID,
		"steps", steps,
		"error", err.Error())
	debug.Log("engine", "partial results", "run_id", resp.RunID, "results", len(resp.StepsResults))
}
