package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/chain"
	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/constraints"
	"github.com/rhuss/rulechain/pkg/engine"
	"github.com/rhuss/rulechain/pkg/gateway"
	"github.com/rhuss/rulechain/pkg/gateway/echo"
	"github.com/rhuss/rulechain/pkg/storage/memory"
	"github.com/rhuss/rulechain/pkg/transport"
)

// offlineEnv is the engine configuration and template store the offline
// commands work against.
type offlineEnv struct {
	cfg       *config.Config
	path      string
	repo      *memory.Store
	evaluator *constraints.Evaluator
}

func loadOfflineEnv(configPath, seedFile string) (*offlineEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	repo := memory.New()
	if seedFile != "" {
		if repo, err = memory.LoadSeedFile(seedFile); err != nil {
			return nil, err
		}
	}
	ev, err := constraints.NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &offlineEnv{cfg: cfg, path: configPath, repo: repo, evaluator: ev}, nil
}

// bind validates, resolves, and binds c the way a run would before its
// first step.
func (e *offlineEnv) bind(ctx context.Context, c *api.RuleChain, params map[string]any) ([]chain.BoundStep, error) {
	snap := config.NewSnapshot(e.cfg)
	limits := api.ValidationConfig{MaxSourceTextSize: snap.Engine.MaxSourceTextSize, MaxSteps: snap.Engine.MaxSteps}
	if apiErr := api.ValidateChain(c, limits); apiErr != nil {
		return nil, apiErr
	}
	resolved, err := chain.NewResolver(e.repo).Resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	return chain.NewBinder(snap, e.evaluator).Bind(c, resolved, params)
}

func newValidateCmd(configFn func() string, outputFn func(*cobra.Command) *Output) *cobra.Command {
	var seedFile string
	var params, jsonParams []string

	cmd := &cobra.Command{
		Use:   "validate CHAIN_FILE",
		Short: "Resolve and bind a chain file without running it",
		Long: `Check a chain definition against the engine configuration: structure,
template references (from --seed), required parameters, model
selection, and constraint expressions. Prints the execution order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadOfflineEnv(configFn(), seedFile)
			if err != nil {
				return err
			}
			c, err := loadChainFile(args[0])
			if err != nil {
				return err
			}
			userParams, err := parseParams(params, jsonParams)
			if err != nil {
				return err
			}
			steps, err := env.bind(cmd.Context(), c, userParams)
			if err != nil {
				return err
			}
			out := outputFn(cmd)
			out.BoundSteps(c, steps)
			out.Info("chain is valid: %d steps", len(steps))
			return nil
		},
	}

	cmd.Flags().StringVar(&seedFile, "seed", "", "Seed file with the templates the chain references")
	cmd.Flags().StringArrayVar(&params, "param", nil, "User parameter as KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&jsonParams, "param-json", nil, "User parameter as KEY=JSON (repeatable)")
	return cmd
}

func newEstimateCmd(configFn func() string, outputFn func(*cobra.Command) *Output) *cobra.Command {
	var in runInputs
	var seedFile string

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the token cost of a chain without a server",
		Long: `Run the dry-run path of the engine locally. No model is called; the
estimate uses the tokenizer and cost thresholds of the configuration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := in.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			req.DryRun = true

			env, err := loadOfflineEnv(configFn(), seedFile)
			if err != nil {
				return err
			}
			eng, err := engine.New(config.NewStore(env.cfg, env.path), env.repo, gateway.Fixed(echo.New()), env.evaluator)
			if err != nil {
				return err
			}

			var w dryRunWriter
			if err := eng.Execute(cmd.Context(), &req, &w); err != nil {
				return err
			}
			outputFn(cmd).DryRun(w.resp)
			return nil
		},
	}

	addRunFlags(cmd, &in, false)
	cmd.Flags().StringVar(&seedFile, "seed", "", "Seed file with the templates the chain references")
	return cmd
}

// dryRunWriter captures the estimate of a local dry run.
type dryRunWriter struct {
	resp *api.RuleChainDryRunResponse
}

var _ transport.ResponseWriter = (*dryRunWriter)(nil)

func (w *dryRunWriter) WriteFrame(context.Context, api.Frame) error {
	return fmt.Errorf("unexpected frame in a dry run")
}

func (w *dryRunWriter) WriteResponse(context.Context, *api.RuleChainExecuteResponse) error {
	return fmt.Errorf("unexpected response in a dry run")
}

func (w *dryRunWriter) WriteDryRun(_ context.Context, resp *api.RuleChainDryRunResponse) error {
	w.resp = resp
	return nil
}

func (w *dryRunWriter) Flush() error { return nil }
