package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/constraints"
	"github.com/rhuss/rulechain/pkg/executor"
	"github.com/rhuss/rulechain/pkg/gateway"
	"github.com/rhuss/rulechain/pkg/storage/memory"
)

// editor is a deterministic gateway. It wraps the prompt's input text in
// a verb derived from the task prompt, and fails permanently when the
// prompt contains "FAIL".
type editor struct {
	mu      sync.Mutex
	calls   int
	prompts []string
}

func (g *editor) Generate(ctx context.Context, req *gateway.Request) (*gateway.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.prompts = append(g.prompts, req.Prompt)

	input := req.Prompt
	if i := strings.LastIndex(input, "\n\nText:\n"); i >= 0 {
		input = input[i+len("\n\nText:\n"):]
	}
	if strings.Contains(req.Prompt, "FAIL") {
		return nil, gateway.NewPermanentError("rejected input", nil)
	}

	verb := "processed"
	switch {
	case strings.HasPrefix(req.Prompt, "Summarize"):
		verb = "summary"
	case strings.HasPrefix(req.Prompt, "Rewrite"):
		verb = "rewrite"
	}
	return &gateway.Response{Text: verb + "(" + input + ")", Model: req.Model, FinishReason: "stop"}, nil
}

func (g *editor) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// recorder is a transport.ResponseWriter that keeps what it was given.
type recorder struct {
	frames   []api.Frame
	response *api.RuleChainExecuteResponse
	dryRun   *api.RuleChainDryRunResponse
	failOn   api.FrameType
}

func (r *recorder) WriteFrame(_ context.Context, f api.Frame) error {
	if r.failOn != "" && f.Type == r.failOn {
		return errors.New("client went away")
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recorder) WriteResponse(_ context.Context, resp *api.RuleChainExecuteResponse) error {
	r.response = resp
	return nil
}

func (r *recorder) WriteDryRun(_ context.Context, resp *api.RuleChainDryRunResponse) error {
	r.dryRun = resp
	return nil
}

func (r *recorder) Flush() error { return nil }

func (r *recorder) types() []api.FrameType {
	out := make([]api.FrameType, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Engine.DefaultModel = "writer"
	cfg.Engine.SnippetLength = 60
	cfg.Engine.RetryInitialDelay = time.Millisecond
	cfg.Engine.RetryMaxDelay = 2 * time.Millisecond
	cfg.Providers = []config.ProviderConfig{{Name: "local", Type: config.ProviderEcho, Timeout: time.Second}}
	cfg.Models = []config.ModelConfig{{ID: "writer", Provider: "local", CharsPerToken: 4}}
	cfg.CostThresholds = config.CostThresholds{LowMaxTokens: 100, MediumMaxTokens: 1000}
	return cfg
}

type fixture struct {
	engine *Engine
	gw     *editor
	repo   *memory.Store
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	ev, err := constraints.NewEvaluator()
	require.NoError(t, err)

	f := &fixture{gw: &editor{}, repo: memory.New()}
	f.engine, err = New(config.NewStore(&cfg, ""), f.repo, gateway.Fixed(f.gw), ev,
		WithExecutorOptions(executor.WithSleep(func(context.Context, time.Duration) error { return nil })))
	require.NoError(t, err)
	return f
}

func private(order int, task string, input api.InputSource) api.PrivateStep {
	return api.PrivateStep{
		StepOrder:      order,
		StepDefinition: api.StepDefinition{TaskType: task, InputSource: input},
	}
}

// summarizeThenRewrite is the two-step chain: summarize the original
// text, then rewrite the summary.
func summarizeThenRewrite() *api.RuleChain {
	return &api.RuleChain{
		Name: "tighten",
		Steps: []api.PrivateStep{
			private(1, "summarize_text", api.InputSourceOriginal),
			private(2, "rewrite_text", api.InputSourcePreviousStep),
		},
	}
}

func inline(c *api.RuleChain, source string) *api.ExecutionRequest {
	return &api.ExecutionRequest{SourceText: source, RuleChainDefinition: c}
}

func TestNewRequiresCollaborators(t *testing.T) {
	cfg := testConfig()
	store := config.NewStore(&cfg, "")
	repo := memory.New()
	src := gateway.Fixed(&editor{})

	_, err := New(nil, repo, src, nil)
	assert.Error(t, err)
	_, err = New(store, nil, src, nil)
	assert.Error(t, err)
	_, err = New(store, repo, nil, nil)
	assert.Error(t, err)
	_, err = New(store, repo, src, nil)
	assert.NoError(t, err)
}

func TestSummarizeThenRewriteSync(t *testing.T) {
	f := newFixture(t, nil)
	w := &recorder{}

	err := f.engine.Execute(context.Background(), inline(summarizeThenRewrite(), "The long night ended."), w)
	require.NoError(t, err)
	require.NotNil(t, w.response)

	resp := w.response
	assert.True(t, api.ValidateRunID(resp.RunID))
	assert.Equal(t, "The long night ended.", resp.OriginalText)
	assert.Equal(t, "rewrite(summary(The long night ended.))", resp.FinalOutputText)
	assert.Equal(t, "tighten", resp.ExecutedChainName)
	assert.Nil(t, resp.ExecutedChainID)
	require.NotNil(t, resp.TotalExecutionTime)

	require.Len(t, resp.StepsResults, 2)
	first, second := resp.StepsResults[0], resp.StepsResults[1]
	assert.Equal(t, 1, first.StepOrder)
	assert.Equal(t, "summarize_text", first.TaskType)
	assert.Equal(t, "The long night ended.", first.InputSnippet)
	assert.Equal(t, "summary(The long night ended.)", first.OutputSnippet)
	assert.Equal(t, api.StepStatusSuccess, first.Status)
	assert.Nil(t, first.Error)
	assert.Equal(t, "writer", first.ModelUsed)

	assert.Equal(t, 2, second.StepOrder)
	assert.Equal(t, "summary(The long night ended.)", second.InputSnippet)
	assert.Equal(t, api.StepStatusSuccess, second.Status)

	assert.Empty(t, w.frames, "sync mode never writes frames")
	assert.Equal(t, 2, f.gw.callCount())
}

func TestSummarizeThenRewriteStream(t *testing.T) {
	f := newFixture(t, nil)
	w := &recorder{}

	req := inline(summarizeThenRewrite(), "The long night ended.")
	req.Stream = true
	require.NoError(t, f.engine.Execute(context.Background(), req, w))

	assert.Nil(t, w.response)
	assert.Equal(t, []api.FrameType{api.FrameMetadata, api.FrameStepResult, api.FrameStepResult, api.FrameFinalOutput}, w.types())

	meta := w.frames[0].Metadata
	assert.Equal(t, 2, meta.StepCount)
	assert.Equal(t, "tighten", meta.ChainName)
	assert.Equal(t, "The long night ended.", meta.OriginalText)
	assert.Equal(t, "rewrite(summary(The long night ended.))", w.frames[3].FinalOutput.FinalOutputText)
}

func TestStoredChainByID(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tid, err := f.repo.SaveTemplate(ctx, &api.RuleTemplate{
		Name:           "polish",
		StepDefinition: api.StepDefinition{TaskType: "rewrite_text", InputSource: api.InputSourcePreviousStep},
	})
	require.NoError(t, err)
	c := &api.RuleChain{
		Name:                 "stored",
		Steps:                []api.PrivateStep{private(1, "summarize_text", api.InputSourceOriginal)},
		TemplateAssociations: []api.TemplateAssociation{{TemplateID: tid, StepOrder: 2}},
	}
	cid, err := f.repo.SaveChain(ctx, c)
	require.NoError(t, err)

	w := &recorder{}
	err = f.engine.Execute(ctx, &api.ExecutionRequest{SourceText: "Rain.", RuleChainID: api.Int64(cid)}, w)
	require.NoError(t, err)

	require.NotNil(t, w.response.ExecutedChainID)
	assert.Equal(t, cid, *w.response.ExecutedChainID)
	assert.Equal(t, "rewrite(summary(Rain.))", w.response.FinalOutputText)
}

func TestUnknownChainIsNotFound(t *testing.T) {
	f := newFixture(t, nil)

	err := f.engine.Execute(context.Background(), &api.ExecutionRequest{SourceText: "x", RuleChainID: api.Int64(404)}, &recorder{})

	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.ErrorTypeNotFound, apiErr.Type)
	assert.Zero(t, f.gw.callCount())
}

func TestRejectedRequestsNeverCallGateway(t *testing.T) {
	tests := []struct {
		name string
		req  *api.ExecutionRequest
		code string
	}{
		{
			name: "empty source",
			req:  inline(summarizeThenRewrite(), "   "),
		},
		{
			name: "no steps",
			req:  inline(&api.RuleChain{}, "text"),
			code: api.CodeEmptyChain,
		},
		{
			name: "unknown template",
			req: inline(&api.RuleChain{
				TemplateAssociations: []api.TemplateAssociation{{TemplateID: 77, StepOrder: 1}},
			}, "text"),
			code: api.CodeUnknownTemplate,
		},
		{
			name: "missing required parameter",
			req: inline(&api.RuleChain{Steps: []api.PrivateStep{{
				StepOrder: 1,
				StepDefinition: api.StepDefinition{
					TaskType: "translate_text",
					Parameters: map[string]api.Parameter{
						"target_language": {Value: api.UserChoice{Options: []string{"de", "fr"}}, Required: true},
					},
				},
			}}}, "text"),
			code: api.CodeMissingParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			w := &recorder{}

			err := f.engine.Execute(context.Background(), tt.req, w)

			var apiErr *api.APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, api.ErrorTypeInvalidRequest, apiErr.Type)
			if tt.code != "" {
				assert.Equal(t, tt.code, apiErr.Code)
			}
			assert.Zero(t, f.gw.callCount())
			assert.Empty(t, w.frames)
			assert.Nil(t, w.response)
		})
	}
}

func TestUserParamsReachThePrompt(t *testing.T) {
	f := newFixture(t, nil)
	c := &api.RuleChain{Steps: []api.PrivateStep{{
		StepOrder: 1,
		StepDefinition: api.StepDefinition{
			TaskType: "translate_text",
			Parameters: map[string]api.Parameter{
				"target_language": {Value: api.UserChoice{Options: []string{"German", "French"}}, Required: true},
			},
		},
	}}}
	req := inline(c, "Hello.")
	req.UserProvidedParams = map[string]any{"target_language": "German"}

	require.NoError(t, f.engine.Execute(context.Background(), req, &recorder{}))
	require.Len(t, f.gw.prompts, 1)
	assert.Contains(t, f.gw.prompts[0], "Translate the following text into German.")
}

func TestHaltPolicyStopsAfterFailedStep(t *testing.T) {
	f := newFixture(t, nil)
	c := &api.RuleChain{Steps: []api.PrivateStep{
		private(1, "summarize_text", api.InputSourceOriginal),
		private(2, "rewrite_text", api.InputSourceOriginal),
		private(3, "rewrite_text", api.InputSourcePreviousStep),
	}}

	t.Run("stream", func(t *testing.T) {
		w := &recorder{}
		req := inline(c, "FAIL here")
		req.Stream = true
		require.NoError(t, f.engine.Execute(context.Background(), req, w))

		assert.Equal(t, []api.FrameType{api.FrameMetadata, api.FrameStepResult, api.FrameError}, w.types())
		res := w.frames[1].StepResult
		assert.Equal(t, api.StepStatusFailure, res.Status)
		require.NotNil(t, res.Error)
		assert.Contains(t, *res.Error, "rejected input")

		apiErr := w.frames[2].Error
		assert.Equal(t, api.CodeStepFailed, apiErr.Code)
		assert.Equal(t, "step[1]", apiErr.Param)
	})

	t.Run("sync", func(t *testing.T) {
		w := &recorder{}
		err := f.engine.Execute(context.Background(), inline(c, "FAIL here"), w)

		var apiErr *api.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, api.ErrorTypeModelError, apiErr.Type)
		assert.Equal(t, api.CodeStepFailed, apiErr.Code)
		assert.Nil(t, w.response)

		var runErr *api.RunError
		require.ErrorAs(t, err, &runErr)
		assert.NotEmpty(t, runErr.RunID)
		require.Len(t, runErr.StepsResults, 1)
		failed := runErr.StepsResults[0]
		assert.Equal(t, 1, failed.StepOrder)
		assert.Equal(t, api.StepStatusFailure, failed.Status)
		require.NotNil(t, failed.Error)
		assert.Contains(t, *failed.Error, "rejected input")
	})
}

func TestContinuePolicyFeedsLastSuccessfulOutput(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Engine.OnStepFailure = config.FailurePolicyContinue
	})
	c := &api.RuleChain{Steps: []api.PrivateStep{
		private(1, "summarize_text", api.InputSourceOriginal),
		{
			StepOrder: 2,
			StepDefinition: api.StepDefinition{
				TaskType:          "rewrite_text",
				InputSource:       api.InputSourcePreviousStep,
				CustomInstruction: "FAIL on purpose.",
			},
		},
		private(3, "rewrite_text", api.InputSourcePreviousStep),
	}}

	t.Run("sync", func(t *testing.T) {
		w := &recorder{}
		require.NoError(t, f.engine.Execute(context.Background(), inline(c, "Once."), w))

		resp := w.response
		require.Len(t, resp.StepsResults, 3)
		assert.Equal(t, api.StepStatusSuccess, resp.StepsResults[0].Status)
		assert.Equal(t, api.StepStatusFailure, resp.StepsResults[1].Status)
		assert.Empty(t, resp.StepsResults[1].OutputSnippet)
		assert.Equal(t, "summary(Once.)", resp.StepsResults[2].InputSnippet)
		assert.Equal(t, "rewrite(summary(Once.))", resp.FinalOutputText)
	})

	t.Run("stream", func(t *testing.T) {
		w := &recorder{}
		req := inline(c, "Once.")
		req.Stream = true
		require.NoError(t, f.engine.Execute(context.Background(), req, w))

		assert.Equal(t, []api.FrameType{
			api.FrameMetadata, api.FrameStepResult, api.FrameStepResult, api.FrameStepResult, api.FrameFinalOutput,
		}, w.types())
	})
}

func TestContinuePolicyWithoutAnySuccess(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Engine.OnStepFailure = config.FailurePolicyContinue
	})
	c := &api.RuleChain{Steps: []api.PrivateStep{
		private(1, "summarize_text", api.InputSourceOriginal),
		private(2, "rewrite_text", api.InputSourcePreviousStep),
	}}

	w := &recorder{}
	req := inline(c, "FAIL")
	req.Stream = true
	require.NoError(t, f.engine.Execute(context.Background(), req, w))

	assert.Equal(t, []api.FrameType{api.FrameMetadata, api.FrameStepResult, api.FrameStepResult, api.FrameError}, w.types())
	assert.Contains(t, w.frames[3].Error.Message, "none of the 2 steps succeeded")
	assert.Equal(t, 2, f.gw.callCount())
}

func TestOutputVariablesReachLaterPrompts(t *testing.T) {
	f := newFixture(t, nil)
	c := &api.RuleChain{Steps: []api.PrivateStep{
		{
			StepOrder: 1,
			StepDefinition: api.StepDefinition{
				TaskType:           "summarize_text",
				OutputVariableName: "gist",
			},
		},
		{
			StepOrder: 2,
			StepDefinition: api.StepDefinition{
				TaskType:          "rewrite_text",
				CustomInstruction: "Stay close to this gist: {{.Vars.gist}}",
			},
		},
	}}

	require.NoError(t, f.engine.Execute(context.Background(), inline(c, "Snow fell."), &recorder{}))
	require.Len(t, f.gw.prompts, 2)
	assert.Contains(t, f.gw.prompts[1], "Stay close to this gist: summary(Snow fell.)")
}

func TestCancelledRunEndsWithCancelledFrame(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &recorder{}
	req := inline(summarizeThenRewrite(), "text")
	req.Stream = true
	require.NoError(t, f.engine.Execute(ctx, req, w))

	assert.Equal(t, []api.FrameType{api.FrameMetadata, api.FrameError}, w.types())
	assert.Equal(t, api.ErrorTypeCancelled, w.frames[1].Error.Type)
	assert.Zero(t, f.gw.callCount())
}

func TestStreamWriterFailureStopsRun(t *testing.T) {
	f := newFixture(t, nil)
	w := &recorder{failOn: api.FrameStepResult}
	req := inline(summarizeThenRewrite(), "text")
	req.Stream = true

	err := f.engine.Execute(context.Background(), req, w)
	require.Error(t, err)
	assert.Equal(t, 1, f.gw.callCount(), "no further step runs once the writer fails")
}

func TestDryRunEstimates(t *testing.T) {
	f := newFixture(t, nil)
	req := inline(summarizeThenRewrite(), strings.Repeat("word ", 40))
	req.DryRun = true
	req.Stream = true

	w := &recorder{}
	require.NoError(t, f.engine.Execute(context.Background(), req, w))

	require.NotNil(t, w.dryRun)
	assert.Empty(t, w.frames, "dry run takes precedence over streaming")
	assert.Zero(t, f.gw.callCount())

	est := w.dryRun
	require.Len(t, est.StepsEstimates, 2)
	for _, s := range est.StepsEstimates {
		assert.Equal(t, "writer", s.ModelID)
		assert.Positive(t, s.EstimatedPromptTokens)
		assert.Equal(t, 1024, s.EstimatedCompletionTokens)
	}
	assert.Equal(t, est.StepsEstimates[0].EstimatedPromptTokens+est.StepsEstimates[1].EstimatedPromptTokens, est.EstimatedTotalPromptTokens)
	assert.Equal(t, 2048, est.EstimatedTotalCompletionTokens)
	assert.Equal(t, api.CostLevelHigh, est.TokenCostLevel)
}
