package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/chain"
	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/debug"
	"github.com/rhuss/rulechain/pkg/estimate"
	"github.com/rhuss/rulechain/pkg/observability"
	"github.com/rhuss/rulechain/pkg/storage"
)

// plan is a validated chain with its steps resolved and bound, ready to
// run or estimate.
type plan struct {
	chain *api.RuleChain
	steps []chain.BoundStep
}

// chainID returns the stored chain's id, or nil for an inline definition.
func (p *plan) chainID() *int64 {
	if p.chain.ID == 0 {
		return nil
	}
	id := p.chain.ID
	return &id
}

// prepare validates req and turns it into a plan: the chain is loaded (or
// taken inline), its steps resolved, and parameters and constraints bound.
// No gateway call happens here.
func (e *Engine) prepare(ctx context.Context, snap *config.Snapshot, req *api.ExecutionRequest) (*plan, error) {
	vcfg := api.ValidationConfig{
		MaxSourceTextSize: snap.Engine.MaxSourceTextSize,
		MaxSteps:          snap.Engine.MaxSteps,
	}
	if apiErr := api.ValidateRequest(req, vcfg); apiErr != nil {
		return nil, apiErr
	}

	c := req.RuleChainDefinition
	if req.RuleChainID != nil {
		stored, err := e.repo.GetChain(ctx, *req.RuleChainID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, api.NewNotFoundError(fmt.Sprintf("rule chain %d not found", *req.RuleChainID))
			}
			return nil, fmt.Errorf("loading rule chain %d: %w", *req.RuleChainID, err)
		}
		if apiErr := api.ValidateChain(stored, vcfg); apiErr != nil {
			return nil, apiErr
		}
		c = stored
	}

	resolved, err := chain.NewResolver(e.repo).Resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	bound, err := chain.NewBinder(snap, e.evaluator).Bind(c, resolved, req.UserProvidedParams)
	if err != nil {
		return nil, err
	}

	debug.Log("engine", "chain prepared",
		"chain_id", c.ID,
		"chain_name", c.Name,
		"steps", len(bound))
	return &plan{chain: c, steps: bound}, nil
}

// dryRun estimates p over source without calling the gateway. Steps that
// read the previous step's output are estimated against the source text,
// and output variables stand in as the source text as well.
func (e *Engine) dryRun(snap *config.Snapshot, p *plan, source string) *api.RuleChainDryRunResponse {
	items, warnings := estimateItems(p.steps, source)
	resp := estimate.New(snap, e.estOpts...).Estimate(items)
	resp.Warnings = append(resp.Warnings, warnings...)

	observability.DryRunEstimatedTokens.Observe(float64(resp.EstimatedTotalPromptTokens + resp.EstimatedTotalCompletionTokens))
	return resp
}

// estimateItems renders each bound step's prompt for estimation. A step
// whose prompt cannot be rendered is estimated from its input alone and
// reported in the returned warnings.
func estimateItems(steps []chain.BoundStep, source string) ([]estimate.Item, []string) {
	var warnings []string
	vars := map[string]string{}
	items := make([]estimate.Item, 0, len(steps))

	for i := range steps {
		bs := &steps[i]
		text := source
		prompt, err := bs.Render(source, vars)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("step %d: prompt not rendered, estimating input only: %v", bs.StepOrder, err))
		} else {
			text = prompt.Text()
		}
		items = append(items, estimate.Item{
			StepOrder: bs.StepOrder,
			TaskType:  bs.TaskType,
			ModelID:   bs.Model,
			Prompt:    text,
			MaxTokens: bs.MaxTokens,
		})
		if bs.OutputVariable != "" {
			vars[bs.OutputVariable] = source
		}
	}
	return items, warnings
}
