package engine

import (
	"time"

	"github.com/rhuss/rulechain/pkg/estimate"
	"github.com/rhuss/rulechain/pkg/executor"
)

// Option configures an Engine.
type Option func(*Engine)

// WithExecutorOptions passes options to the step executor of every run.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(e *Engine) { e.execOpts = append(e.execOpts, opts...) }
}

// WithEstimatorOptions passes options to the dry-run estimator.
func WithEstimatorOptions(opts ...estimate.Option) Option {
	return func(e *Engine) { e.estOpts = append(e.estOpts, opts...) }
}

// WithClock replaces time.Now for run timing.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}
