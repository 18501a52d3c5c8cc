package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/config"
)

type brokenRepo struct{}

func (brokenRepo) GetTemplate(context.Context, int64) (*api.RuleTemplate, error) {
	return nil, errors.New("connection refused")
}

func (brokenRepo) GetChain(context.Context, int64) (*api.RuleChain, error) {
	return nil, errors.New("connection refused")
}

func TestPrepareWrapsRepositoryErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.repo = brokenRepo{}
	snap := f.engine.configs.Snapshot()

	_, err := f.engine.prepare(context.Background(), snap, &api.ExecutionRequest{SourceText: "x", RuleChainID: api.Int64(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading rule chain 1")

	var apiErr *api.APIError
	assert.False(t, errors.As(err, &apiErr), "repository failures are server errors, not API errors")
}

func TestPrepareValidatesStoredChain(t *testing.T) {
	f := newFixture(t, nil)
	id, err := f.repo.SaveChain(context.Background(), &api.RuleChain{
		GlobalGenerationConstraints: &api.GenerationConstraints{MaxLength: api.Int(-1)},
		Steps:                       []api.PrivateStep{private(1, "generic", "")},
	})
	require.NoError(t, err)

	_, err = f.engine.prepare(context.Background(), f.engine.configs.Snapshot(), &api.ExecutionRequest{SourceText: "x", RuleChainID: api.Int64(id)})
	assert.True(t, api.IsValidation(err))
}

func TestPrepareAppliesSnapshotLimits(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Engine.MaxSourceTextSize = 8
	})

	_, err := f.engine.prepare(context.Background(), f.engine.configs.Snapshot(), inline(summarizeThenRewrite(), "far too long"))

	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "source_text", apiErr.Param)
}

func TestEstimateItems(t *testing.T) {
	f := newFixture(t, nil)
	c := &api.RuleChain{Steps: []api.PrivateStep{
		{StepOrder: 1, StepDefinition: api.StepDefinition{TaskType: "summarize_text", OutputVariableName: "gist"}},
		{StepOrder: 2, StepDefinition: api.StepDefinition{
			TaskType:          "rewrite_text",
			InputSource:       api.InputSourcePreviousStep,
			CustomInstruction: "Keep {{.Vars.gist}} in mind.",
		}},
	}}
	p, err := f.engine.prepare(context.Background(), f.engine.configs.Snapshot(), inline(c, "Dawn."))
	require.NoError(t, err)

	items, warnings := estimateItems(p.steps, "Dawn.")
	assert.Empty(t, warnings)
	require.Len(t, items, 2)

	assert.Equal(t, 1, items[0].StepOrder)
	assert.Equal(t, "writer", items[0].ModelID)
	assert.Contains(t, items[0].Prompt, "Text:\nDawn.")
	assert.Contains(t, items[1].Prompt, "Keep Dawn. in mind.")
}

func TestEstimateItemsWarnsOnRenderFailure(t *testing.T) {
	f := newFixture(t, nil)
	c := &api.RuleChain{Steps: []api.PrivateStep{{
		StepOrder:      1,
		StepDefinition: api.StepDefinition{TaskType: "generic", CustomInstruction: `{{index .Vars "a" "b"}}`},
	}}}
	p, err := f.engine.prepare(context.Background(), f.engine.configs.Snapshot(), inline(c, "Dusk."))
	require.NoError(t, err)

	items, warnings := estimateItems(p.steps, "Dusk.")
	require.Len(t, items, 1)
	assert.Equal(t, "Dusk.", items[0].Prompt)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "step 1: prompt not rendered")
}

func TestPlanChainID(t *testing.T) {
	assert.Nil(t, (&plan{chain: &api.RuleChain{}}).chainID())
	assert.Equal(t, int64(9), *(&plan{chain: &api.RuleChain{ID: 9}}).chainID())
}
