package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/constraints"
	"github.com/rhuss/rulechain/pkg/engine"
	"github.com/rhuss/rulechain/pkg/gateway"
	"github.com/rhuss/rulechain/pkg/gateway/echo"
	"github.com/rhuss/rulechain/pkg/storage/memory"
	transporthttp "github.com/rhuss/rulechain/pkg/transport/http"
)

const testConfigYAML = `
engine:
  default_model: writer
providers:
  - name: local
    type: echo
models:
  - id: writer
    provider: local
    chars_per_token: 4
cost_thresholds:
  low_max_tokens: 100
  medium_max_tokens: 1000
`

const testChainYAML = `
name: tidy
steps:
  - step_order: 1
    task_type: summarize_text
  - step_order: 2
    task_type: rewrite_text
    input_source: PREVIOUS_STEP
    parameters:
      rewrite_goal:
        param_type: text_block
        required: true
`

const testSeedYAML = `
templates:
  - id: 7
    name: polish
    task_type: rewrite_text
chains:
  - id: 3
    name: stored
    steps:
      - step_order: 1
        task_type: summarize_text
    template_associations:
      - template_id: 7
        step_order: 2
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// startServer serves the engine with an echo gateway and the seed store.
func startServer(t *testing.T) string {
	t.Helper()
	cfg := config.Defaults()
	cfg.Engine.DefaultModel = "writer"
	cfg.Providers = []config.ProviderConfig{{Name: "local", Type: config.ProviderEcho, Timeout: time.Second}}
	cfg.Models = []config.ModelConfig{{ID: "writer", Provider: "local", CharsPerToken: 4}}

	repo, err := memory.LoadSeedFile(writeFile(t, "seed.yaml", testSeedYAML))
	require.NoError(t, err)
	ev, err := constraints.NewEvaluator()
	require.NoError(t, err)
	eng, err := engine.New(config.NewStore(&cfg, ""), repo, gateway.Fixed(echo.New()), ev)
	require.NoError(t, err)

	adapter := transporthttp.NewAdapter(eng, repo, repo, transporthttp.DefaultConfig())
	srv := httptest.NewServer(adapter.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

// runCLI executes the root command with args and returns stdout and stderr.
func runCLI(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestParseParams(t *testing.T) {
	got, err := parseParams(
		[]string{"rewrite_goal=tense", "style.tone=dark"},
		[]string{`count=3`, `flags=["a","b"]`},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"rewrite_goal": "tense",
		"style.tone":   "dark",
		"count":        float64(3),
		"flags":        []any{"a", "b"},
	}, got)

	none, err := parseParams(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = parseParams([]string{"novalue"}, nil)
	assert.Error(t, err)
	_, err = parseParams(nil, []string{"bad={"})
	assert.Error(t, err)
}

func TestRunInputsRequest(t *testing.T) {
	chainFile := writeFile(t, "chain.yaml", testChainYAML)

	t.Run("chain file and stdin", func(t *testing.T) {
		in := runInputs{chainFile: chainFile, textFile: "-", novelID: 9}
		req, err := in.request(strings.NewReader("from stdin"))
		require.NoError(t, err)
		assert.Equal(t, "from stdin", req.SourceText)
		assert.Equal(t, int64(9), req.NovelID)
		require.NotNil(t, req.RuleChainDefinition)
		assert.Equal(t, "tidy", req.RuleChainDefinition.Name)
		assert.Len(t, req.RuleChainDefinition.Steps, 2)
		assert.Equal(t, api.InputSourcePreviousStep, req.RuleChainDefinition.Steps[1].InputSource)
	})

	t.Run("chain id", func(t *testing.T) {
		in := runInputs{chainID: 3, text: "hello"}
		req, err := in.request(nil)
		require.NoError(t, err)
		require.NotNil(t, req.RuleChainID)
		assert.Equal(t, int64(3), *req.RuleChainID)
	})

	errs := map[string]runInputs{
		"no chain":        {text: "x"},
		"both chains":     {text: "x", chainID: 1, chainFile: chainFile},
		"no text":         {chainID: 1},
		"both texts":      {chainID: 1, text: "x", textFile: "-"},
		"missing file":    {chainFile: filepath.Join(t.TempDir(), "absent.yaml"), text: "x"},
		"malformed param": {chainID: 1, text: "x", params: []string{"=v"}},
	}
	for name, in := range errs {
		t.Run(name, func(t *testing.T) {
			_, err := in.request(strings.NewReader(""))
			assert.Error(t, err)
		})
	}
}

func TestExecuteSync(t *testing.T) {
	url := startServer(t)
	chainFile := writeFile(t, "chain.yaml", testChainYAML)

	stdout, _, err := runCLI(t, "", "--api-url", url, "execute",
		"--chain-file", chainFile, "--text", "The knight rode home.", "--param", "rewrite_goal=tense")
	require.NoError(t, err)
	assert.Contains(t, stdout, "summarize_text")
	assert.Contains(t, stdout, "rewrite_text")
	assert.Contains(t, stdout, "success")
	assert.True(t, strings.HasSuffix(stdout, "The knight rode home.\n"), stdout)
}

func TestExecuteStreamMatchesSync(t *testing.T) {
	url := startServer(t)
	client := NewClient(url)
	req := api.ExecutionRequest{SourceText: "A storm gathered.", RuleChainID: api.Int64(3)}

	syncResp, err := client.Execute(context.Background(), req)
	require.NoError(t, err)

	var frames []api.FrameType
	streamResp, err := client.Stream(context.Background(), req, func(f api.Frame) { frames = append(frames, f.Type) })
	require.NoError(t, err)

	assert.Equal(t, []api.FrameType{api.FrameMetadata, api.FrameStepResult, api.FrameStepResult, api.FrameFinalOutput}, frames)
	assert.Equal(t, syncResp.FinalOutputText, streamResp.FinalOutputText)
	assert.Equal(t, len(syncResp.StepsResults), len(streamResp.StepsResults))
	for i := range syncResp.StepsResults {
		assert.Equal(t, syncResp.StepsResults[i].TaskType, streamResp.StepsResults[i].TaskType)
		assert.Equal(t, syncResp.StepsResults[i].Status, streamResp.StepsResults[i].Status)
	}
	assert.Equal(t, "stored", streamResp.ExecutedChainName)
}

func TestExecuteStreamCommandPrintsProgress(t *testing.T) {
	url := startServer(t)

	stdout, stderr, err := runCLI(t, "", "--api-url", url, "execute", "--chain-id", "3", "--text", "Rain.", "--stream")
	require.NoError(t, err)
	assert.Contains(t, stderr, "started: 2 steps")
	assert.Contains(t, stderr, "step 1 (summarize_text): success")
	assert.Contains(t, stdout, "Rain.")
}

func TestExecuteDryRunJSON(t *testing.T) {
	url := startServer(t)

	stdout, _, err := runCLI(t, "", "--api-url", url, "--json", "execute", "--chain-id", "3", "--text", "Rain.", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"token_cost_level"`)
	assert.Contains(t, stdout, `"steps_estimates"`)
}

func TestExecuteReportsAPIError(t *testing.T) {
	url := startServer(t)

	_, _, err := runCLI(t, "", "--api-url", url, "execute", "--chain-id", "99", "--text", "x")
	require.Error(t, err)
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.ErrorTypeNotFound, apiErr.Type)
}

func TestGetAndCancel(t *testing.T) {
	url := startServer(t)

	stdout, _, err := runCLI(t, "", "--api-url", url, "get", "3")
	require.NoError(t, err)
	assert.Contains(t, stdout, "stored")
	assert.Contains(t, stdout, "template 7")

	_, _, err = runCLI(t, "", "--api-url", url, "get", "zero")
	assert.Error(t, err)

	_, _, err = runCLI(t, "", "--api-url", url, "cancel", "run_0123456789abcdef0123456789abcdef")
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.ErrorTypeNotFound, apiErr.Type)

	_, _, err = runCLI(t, "", "--api-url", url, "cancel", "not-a-run")
	assert.ErrorContains(t, err, "invalid run id")
}

func TestValidateOffline(t *testing.T) {
	configFile := writeFile(t, "config.yaml", testConfigYAML)
	chainFile := writeFile(t, "chain.yaml", testChainYAML)

	stdout, stderr, err := runCLI(t, "", "--config", configFile, "validate", chainFile, "--param", "rewrite_goal=tense")
	require.NoError(t, err)
	assert.Contains(t, stdout, "summarize_text")
	assert.Contains(t, stdout, "PREVIOUS_STEP")
	assert.Contains(t, stdout, "writer")
	assert.Contains(t, stderr, "chain is valid: 2 steps")

	_, _, err = runCLI(t, "", "--config", configFile, "validate", chainFile)
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr, "missing required parameter")
	assert.Equal(t, api.CodeMissingParameter, apiErr.Code)
}

func TestValidateResolvesTemplatesFromSeed(t *testing.T) {
	configFile := writeFile(t, "config.yaml", testConfigYAML)
	seedFile := writeFile(t, "seed.yaml", testSeedYAML)
	chainFile := writeFile(t, "chain.yaml", `
name: with-template
template_associations:
  - template_id: 7
    step_order: 1
`)

	stdout, _, err := runCLI(t, "", "--config", configFile, "validate", chainFile, "--seed", seedFile)
	require.NoError(t, err)
	assert.Contains(t, stdout, "template 7")

	_, _, err = runCLI(t, "", "--config", configFile, "validate", chainFile)
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, api.CodeUnknownTemplate, apiErr.Code)
}

func TestEstimateOffline(t *testing.T) {
	configFile := writeFile(t, "config.yaml", testConfigYAML)
	chainFile := writeFile(t, "chain.yaml", testChainYAML)

	stdout, _, err := runCLI(t, "Once upon a time.", "--config", configFile, "estimate",
		"--chain-file", chainFile, "--text-file", "-", "--param", "rewrite_goal=tense")
	require.NoError(t, err)
	assert.Contains(t, stdout, "total")
	// Two steps at the default 1024 completion tokens exceed the medium bound.
	assert.Contains(t, stdout, "cost level: high")
}
