package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/storage/memory"
)

func seedTemplates(t *testing.T, templates ...api.RuleTemplate) *memory.Store {
	t.Helper()
	store := memory.New()
	for i := range templates {
		_, err := store.SaveTemplate(context.Background(), &templates[i])
		require.NoError(t, err)
	}
	return store
}

func private(order int, task string) api.PrivateStep {
	return api.PrivateStep{StepOrder: order, StepDefinition: api.StepDefinition{TaskType: task}}
}

func orders(steps []ResolvedStep) []int {
	out := make([]int, len(steps))
	for i, s := range steps {
		out[i] = s.StepOrder
	}
	return out
}

func TestResolveMergesPrivateAndTemplateSteps(t *testing.T) {
	store := seedTemplates(t, api.RuleTemplate{ID: 7, Name: "rewrite", StepDefinition: api.StepDefinition{TaskType: "rewrite_text"}})
	r := NewResolver(store)

	steps, err := r.Resolve(context.Background(), &api.RuleChain{
		Steps:                []api.PrivateStep{private(3, "expand_text"), private(1, "summarize_text")},
		TemplateAssociations: []api.TemplateAssociation{{TemplateID: 7, StepOrder: 2}},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, orders(steps))
	assert.Equal(t, "rewrite_text", steps[1].TaskType)
	assert.Equal(t, SourceTemplate, steps[1].Source)
	assert.Equal(t, int64(7), steps[1].TemplateID)
	assert.Equal(t, SourcePrivate, steps[0].Source)
}

func TestResolveDropsDisabledWithoutRenumbering(t *testing.T) {
	store := seedTemplates(t, api.RuleTemplate{ID: 1, StepDefinition: api.StepDefinition{TaskType: "generic"}})
	disabled := private(2, "rewrite_text")
	disabled.IsEnabled = api.Bool(false)

	steps, err := NewResolver(store).Resolve(context.Background(), &api.RuleChain{
		Steps: []api.PrivateStep{private(1, "summarize_text"), disabled, private(3, "expand_text")},
		TemplateAssociations: []api.TemplateAssociation{
			{TemplateID: 1, StepOrder: 5, IsEnabled: api.Bool(false)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, orders(steps))
}

func TestResolveTieBreakPrivateFirst(t *testing.T) {
	store := seedTemplates(t,
		api.RuleTemplate{ID: 1, StepDefinition: api.StepDefinition{TaskType: "tmpl_a"}},
		api.RuleTemplate{ID: 2, StepDefinition: api.StepDefinition{TaskType: "tmpl_b"}},
	)

	steps, err := NewResolver(store).Resolve(context.Background(), &api.RuleChain{
		TemplateAssociations: []api.TemplateAssociation{{TemplateID: 1, StepOrder: 1}, {TemplateID: 2, StepOrder: 1}},
		Steps:                []api.PrivateStep{private(1, "priv_a"), private(1, "priv_b")},
	})
	require.NoError(t, err)

	var tasks []string
	for _, s := range steps {
		tasks = append(tasks, s.TaskType)
	}
	assert.Equal(t, []string{"priv_a", "priv_b", "tmpl_a", "tmpl_b"}, tasks)
}

func TestResolveValidationErrors(t *testing.T) {
	store := seedTemplates(t)
	r := NewResolver(store)

	tests := []struct {
		name  string
		chain api.RuleChain
		code  string
	}{
		{
			name:  "no steps",
			chain: api.RuleChain{},
			code:  api.CodeEmptyChain,
		},
		{
			name: "all disabled",
			chain: api.RuleChain{Steps: []api.PrivateStep{
				{StepOrder: 1, IsEnabled: api.Bool(false), StepDefinition: api.StepDefinition{TaskType: "generic"}},
			}},
			code: api.CodeEmptyChain,
		},
		{
			name: "unknown template",
			chain: api.RuleChain{
				Steps:                []api.PrivateStep{private(1, "generic")},
				TemplateAssociations: []api.TemplateAssociation{{TemplateID: 99, StepOrder: 2}},
			},
			code: api.CodeUnknownTemplate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), &tt.chain)
			require.Error(t, err)
			var apiErr *api.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, api.ErrorTypeInvalidRequest, apiErr.Type)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}
}

func TestResolveIgnoresUnknownDisabledTemplate(t *testing.T) {
	steps, err := NewResolver(seedTemplates(t)).Resolve(context.Background(), &api.RuleChain{
		Steps:                []api.PrivateStep{private(1, "generic")},
		TemplateAssociations: []api.TemplateAssociation{{TemplateID: 42, StepOrder: 2, IsEnabled: api.Bool(false)}},
	})
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

type failingRepo struct{}

func (failingRepo) GetTemplate(context.Context, int64) (*api.RuleTemplate, error) {
	return nil, errors.New("connection refused")
}

func TestResolveWrapsRepositoryErrors(t *testing.T) {
	_, err := NewResolver(failingRepo{}).Resolve(context.Background(), &api.RuleChain{
		TemplateAssociations: []api.TemplateAssociation{{TemplateID: 1, StepOrder: 1}},
	})
	require.Error(t, err)
	assert.False(t, api.IsValidation(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestResolveOrderProperty(t *testing.T) {
	store := seedTemplates(t, api.RuleTemplate{ID: 1, StepDefinition: api.StepDefinition{TaskType: "generic"}})
	r := NewResolver(store)

	rapid.Check(t, func(t *rapid.T) {
		var c api.RuleChain
		enabled := 0
		for i, n := 0, rapid.IntRange(0, 8).Draw(t, "private"); i < n; i++ {
			s := private(rapid.IntRange(0, 10).Draw(t, "order"), "generic")
			s.IsEnabled = api.Bool(rapid.Bool().Draw(t, "enabled"))
			if *s.IsEnabled {
				enabled++
			}
			c.Steps = append(c.Steps, s)
		}
		for i, n := 0, rapid.IntRange(0, 8).Draw(t, "templates"); i < n; i++ {
			on := rapid.Bool().Draw(t, "enabled")
			if on {
				enabled++
			}
			c.TemplateAssociations = append(c.TemplateAssociations, api.TemplateAssociation{
				TemplateID: 1, StepOrder: rapid.IntRange(0, 10).Draw(t, "order"), IsEnabled: api.Bool(on),
			})
		}

		steps, err := r.Resolve(context.Background(), &c)
		if enabled == 0 {
			if err == nil {
				t.Fatalf("expected empty chain error")
			}
			return
		}
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if len(steps) != enabled {
			t.Fatalf("got %d steps, want %d enabled", len(steps), enabled)
		}
		for i := 1; i < len(steps); i++ {
			prev, cur := steps[i-1], steps[i]
			if prev.StepOrder > cur.StepOrder {
				t.Fatalf("steps out of order: %v", orders(steps))
			}
			if prev.StepOrder == cur.StepOrder && prev.Source == SourceTemplate && cur.Source == SourcePrivate {
				t.Fatalf("template step ahead of private step at order %d", cur.StepOrder)
			}
		}
	})
}
