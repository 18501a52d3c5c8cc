package engine

import (
	"context"
	"log/slog"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/debug"
	"github.com/rhuss/rulechain/pkg/executor"
)

// run executes the steps of p in order and emits the run's frame
// sequence: metadata, one step_result per step, then final_output or an
// error frame. The returned error is non-nil only when emit fails; run
// outcomes travel in the frames. The outcome label is returned for
// metrics.
func (e *Engine) run(ctx context.Context, snap *config.Snapshot, p *plan, source string, emit emitFunc) (string, error) {
	start := e.now()
	runID := api.NewRunID()

	err := emit(api.MetadataFrame(api.RunMetadata{
		RunID:        runID,
		ChainID:      p.chainID(),
		ChainName:    p.chain.Name,
		StepCount:    len(p.steps),
		OriginalText: source,
	}))
	if err != nil {
		return outcomeFailed, err
	}

	debug.Log("engine", "run started", "run_id", runID, "steps", len(p.steps), "policy", snap.Engine.OnStepFailure)

	exec := executor.New(snap, e.gateways.Gateway(snap), e.evaluator, e.execOpts...)
	history := newRunHistory(source)
	failed := 0

	for i := range p.steps {
		bs := &p.steps[i]

		if ctx.Err() != nil {
			return stopRun(runID, emit, outcomeCancelled, cancelledError(bs.StepOrder))
		}

		res := exec.Execute(ctx, bs, history.inputFor(bs), history.variables())
		if err := emit(api.StepResultFrame(res)); err != nil {
			return outcomeFailed, err
		}

		if res.Succeeded() {
			history.record(bs, res.Output)
			continue
		}

		failed++
		if ctx.Err() != nil {
			return stopRun(runID, emit, outcomeCancelled, cancelledError(-1))
		}
		if snap.Engine.OnStepFailure != config.FailurePolicyContinue {
			return stopRun(runID, emit, outcomeFailed, stepFailedError(&res))
		}
		debug.Log("engine", "continuing after failed step", "run_id", runID, "step", bs.StepOrder)
	}

	output, ok := history.final()
	if !ok {
		return stopRun(runID, emit, outcomeFailed, noSuccessError(len(p.steps)))
	}

	elapsed := e.now().Sub(start).Seconds()
	if err := emit(api.FinalOutputFrame(output, elapsed)); err != nil {
		return outcomeFailed, err
	}

	outcome := outcomeCompleted
	if failed > 0 {
		outcome = outcomePartial
	}
	debug.Log("engine", "run finished", "run_id", runID, "failed_steps", failed, "seconds", elapsed)
	return outcome, nil
}

// stop ends a run early with an error frame.
func stopRun(runID string, emit emitFunc, outcome string, apiErr *api.APIError) (string, error) {
	slog.Warn("run stopped", "run_id", runID, "outcome", outcome, "error", apiErr.Message)
	return outcome, emit(api.ErrorFrame(apiErr))
}
