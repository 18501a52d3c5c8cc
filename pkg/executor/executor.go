// Package executor runs one bound step against the text generation
// gateway: it applies the provider timeout, retries transient failures
// with exponential backoff, falls back to the safety model once after a
// content policy rejection, post-processes the output, and evaluates the
// step's generation constraints.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/chain"
	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/constraints"
	"github.com/rhuss/rulechain/pkg/debug"
	"github.com/rhuss/rulechain/pkg/gateway"
	"github.com/rhuss/rulechain/pkg/observability"
	"github.com/rhuss/rulechain/pkg/postprocess"
)

// ErrCancelled is reported when the run's context ends before a step's
// first call or between its attempts.
var ErrCancelled = errors.New("run cancelled")

// Observer is notified of every state transition of a step.
type Observer func(stepOrder int, from, to api.StepState)

// Executor runs steps. It holds the configuration snapshot of one run.
type Executor struct {
	snap      *config.Snapshot
	gw        gateway.Gateway
	evaluator *constraints.Evaluator
	sleep     func(ctx context.Context, d time.Duration) error
	observer  Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff wait, e.g. to skip delays in tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithObserver registers a transition observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// New creates an Executor. evaluator may be nil, in which case generation
// constraints are not evaluated.
func New(snap *config.Snapshot, gw gateway.Gateway, evaluator *constraints.Evaluator, opts ...Option) *Executor {
	e := &Executor{
		snap:      snap,
		gw:        gw,
		evaluator: evaluator,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// step tracks the state machine of one execution.
type step struct {
	order    int
	state    api.StepState
	observer Observer
}

func (s *step) to(next api.StepState) {
	if err := api.ValidateStepTransition(s.state, next); err != nil {
		slog.Error("invalid step transition", "step", s.order, "error", err)
	}
	debug.Log("executor", "transition", "step", s.order, "from", s.state, "to", next)
	if s.observer != nil {
		s.observer(s.order, s.state, next)
	}
	s.state = next
}

// Execute runs bs on input. It always returns a result; failures are
// reported in its Status and Error fields. Output holds the full
// post-processed text of a successful step.
func (e *Executor) Execute(ctx context.Context, bs *chain.BoundStep, input string, vars map[string]string) api.StepExecutionResult {
	start := time.Now()
	st := &step{order: bs.StepOrder, state: api.StepStatePending, observer: e.observer}
	res := api.StepExecutionResult{
		StepOrder:    bs.StepOrder,
		TaskType:     bs.TaskType,
		InputSnippet: debug.Truncate(input, e.snap.Engine.SnippetLength),
		ModelUsed:    bs.Model,
	}

	finish := func(err error) api.StepExecutionResult {
		res.DurationMS = time.Since(start).Milliseconds()
		status := "success"
		if err != nil {
			st.to(api.StepStateFailed)
			msg := err.Error()
			res.Status = api.StepStatusFailure
			res.Error = &msg
			res.Output = ""
			status = "failure"
			slog.Warn("step failed", "step", bs.StepOrder, "task_type", bs.TaskType, "model", res.ModelUsed, "attempts", res.Attempts, "error", msg)
		} else {
			st.to(api.StepStateSuccess)
			res.Status = api.StepStatusSuccess
		}
		observability.StepExecutionsTotal.WithLabelValues(bs.TaskType, status).Inc()
		observability.StepDuration.WithLabelValues(bs.TaskType).Observe(time.Since(start).Seconds())
		return res
	}

	if ctx.Err() != nil {
		return finish(ErrCancelled)
	}

	prompt, err := bs.Render(input, vars)
	if err != nil {
		return finish(err)
	}

	resp, err := e.generate(ctx, st, bs, prompt, &res)
	if err != nil {
		return finish(err)
	}

	output, err := postprocess.Apply(resp.Text, bs.PostProcessing)
	if err != nil {
		return finish(fmt.Errorf("post-processing: %w", err))
	}
	res.Output = output
	res.OutputSnippet = debug.Truncate(output, e.snap.Engine.SnippetLength)

	if bs.Constraints != nil && e.evaluator != nil {
		res.ConstraintsSatisfied = e.evaluator.Evaluate(bs.Constraints, output, bs.TaskType)
		if !constraints.AllSatisfied(res.ConstraintsSatisfied) {
			debug.Log("executor", "constraints not satisfied", "step", bs.StepOrder, "results", res.ConstraintsSatisfied)
		}
	}
	return finish(nil)
}

// generate calls the gateway until it succeeds, the retry budget is
// spent, the failure is not retryable, or the run is cancelled between
// attempts.
func (e *Executor) generate(ctx context.Context, st *step, bs *chain.BoundStep, prompt chain.Prompt, res *api.StepExecutionResult) (*gateway.Response, error) {
	model := bs.Model
	provider, err := e.snap.ProviderFor(model)
	if err != nil {
		return nil, err
	}
	retries := 0

	for {
		if res.Attempts > 0 && ctx.Err() != nil {
			return nil, ErrCancelled
		}
		st.to(api.StepStateGenerating)
		res.Attempts++
		res.ModelUsed = model

		// A call that has started runs to completion or to the provider
		// timeout; cancelling the run only prevents further attempts.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), provider.Timeout)
		resp, err := e.gw.Generate(callCtx, &gateway.Request{
			Model:        model,
			Prompt:       prompt.User,
			SystemPrefix: prompt.System,
			Parameters:   bs.Overrides,
			MaxTokens:    bs.MaxTokens,
		})
		cancel()
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}

		switch gateway.KindOf(err) {
		case gateway.KindTransient:
			if retries >= provider.MaxRetries {
				return nil, fmt.Errorf("giving up after %d attempts: %w", res.Attempts, err)
			}
			retries++
			st.to(api.StepStateRetrying)
			observability.GatewayRetriesTotal.WithLabelValues(model).Inc()
			delay := e.backoff(retries)
			debug.Log("executor", "retrying", "step", bs.StepOrder, "model", model, "retry", retries, "delay", delay, "error", err)
			if err := e.sleep(ctx, delay); err != nil {
				return nil, ErrCancelled
			}

		case gateway.KindSafety:
			fallback := e.snap.ResolveAlias(e.snap.Safety.FallbackModel)
			if res.FallbackUsed || !e.snap.SafetyEligible(bs.TaskType) || fallback == model {
				return nil, fmt.Errorf("rejected by safety policy: %w", err)
			}
			st.to(api.StepStateSafetyFallback)
			observability.SafetyFallbacksTotal.WithLabelValues(bs.TaskType).Inc()
			slog.Info("safety fallback", "step", bs.StepOrder, "task_type", bs.TaskType, "from", model, "to", fallback)
			provider, err = e.snap.ProviderFor(fallback)
			if err != nil {
				return nil, err
			}
			model = fallback
			res.FallbackUsed = true
			retries = 0

		default:
			return nil, err
		}
	}
}

// backoff returns the wait before retry n (1-based): the initial delay
// doubled per retry, capped at the maximum, with ±25% jitter and never
// below the initial delay.
func (e *Executor) backoff(n int) time.Duration {
	initial := e.snap.Engine.RetryInitialDelay
	maxDelay := e.snap.Engine.RetryMaxDelay
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	d := float64(initial) * math.Pow(2, float64(n-1))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	d += (rand.Float64()*2 - 1) * d * 0.25
	if d < float64(initial) {
		d = float64(initial)
	}
	return time.Duration(d)
}
