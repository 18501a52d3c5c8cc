package estimate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/config"
)

func testSnapshot() *config.Snapshot {
	cfg := testConfig()
	return config.NewSnapshot(&cfg)
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Engine.DefaultModel = "base"
	cfg.Engine.DefaultMaxCompletionTokens = 256
	cfg.Providers = []config.ProviderConfig{
		{Name: "dense", Type: config.ProviderEcho, CharsPerToken: 2},
		{Name: "plain", Type: config.ProviderEcho},
	}
	cfg.Models = []config.ModelConfig{
		{ID: "tuned", Provider: "dense", CharsPerToken: 5, MaxCompletionTokens: 128},
		{ID: "provider-factor", Provider: "dense"},
		{ID: "base", Provider: "plain"},
	}
	cfg.CostThresholds = config.CostThresholds{LowMaxTokens: 1000, MediumMaxTokens: 5000}
	return cfg
}

type fixedCounter int

func (c fixedCounter) Count(string) int { return int(c) }

func TestFactorPrecedence(t *testing.T) {
	e := New(testSnapshot())
	latin := "plain english text"

	f, warn := e.Factor("tuned", latin)
	assert.Equal(t, 5.0, f)
	assert.Empty(t, warn)

	f, _ = e.Factor("provider-factor", latin)
	assert.Equal(t, 2.0, f)

	f, _ = e.Factor("base", latin)
	assert.Equal(t, 4.0, f)

	f, warn = e.Factor("mystery", latin)
	assert.Equal(t, 4.0, f)
	assert.Contains(t, warn, "mystery")

	f, _ = e.Factor("tuned", "これは日本語の文章です")
	assert.Equal(t, 1.5, f, "mostly non-Latin text uses the non-Latin factor")
}

func TestPromptTokensRoundsUp(t *testing.T) {
	e := New(testSnapshot())

	n, _ := e.PromptTokens("base", strings.Repeat("a", 9))
	assert.Equal(t, 3, n, "ceil(9/4)")

	n, _ = e.PromptTokens("base", strings.Repeat("a", 8))
	assert.Equal(t, 2, n)

	n, _ = e.PromptTokens("base", "")
	assert.Equal(t, 0, n)
}

func TestCompletionTokensPrecedence(t *testing.T) {
	e := New(testSnapshot())

	assert.Equal(t, 40, e.CompletionTokens("tuned", 40))
	assert.Equal(t, 128, e.CompletionTokens("tuned", 0))
	assert.Equal(t, 256, e.CompletionTokens("base", 0))
	assert.Equal(t, 256, e.CompletionTokens("mystery", 0))
}

func TestCostLevelBoundaries(t *testing.T) {
	th := config.CostThresholds{LowMaxTokens: 1000, MediumMaxTokens: 5000}

	assert.Equal(t, api.CostLevelLow, CostLevel(0, th))
	assert.Equal(t, api.CostLevelLow, CostLevel(1000, th))
	assert.Equal(t, api.CostLevelMedium, CostLevel(1001, th))
	assert.Equal(t, api.CostLevelMedium, CostLevel(5000, th))
	assert.Equal(t, api.CostLevelHigh, CostLevel(5001, th))
}

func TestCostLevelMonotonic(t *testing.T) {
	rank := map[string]int{api.CostLevelLow: 0, api.CostLevelMedium: 1, api.CostLevelHigh: 2}
	rapid.Check(t, func(t *rapid.T) {
		low := rapid.IntRange(0, 10_000).Draw(t, "low")
		medium := rapid.IntRange(low, 20_000).Draw(t, "medium")
		a := rapid.IntRange(0, 30_000).Draw(t, "a")
		b := rapid.IntRange(a, 30_000).Draw(t, "b")
		th := config.CostThresholds{LowMaxTokens: low, MediumMaxTokens: medium}

		if rank[CostLevel(a, th)] > rank[CostLevel(b, th)] {
			t.Fatalf("tier not monotonic: %d -> %s, %d -> %s", a, CostLevel(a, th), b, CostLevel(b, th))
		}
		if CostLevel(low, th) != api.CostLevelLow {
			t.Fatalf("total == low_max_tokens must be low")
		}
	})
}

func TestEstimateTotals(t *testing.T) {
	e := New(testSnapshot())

	resp := e.Estimate([]Item{
		{StepOrder: 1, TaskType: "summarize_text", ModelID: "base", Prompt: strings.Repeat("x", 400)},
		{StepOrder: 2, TaskType: "rewrite_text", ModelID: "tuned", Prompt: strings.Repeat("y", 500), MaxTokens: 50},
	})

	require.Len(t, resp.StepsEstimates, 2)
	assert.Equal(t, 100, resp.StepsEstimates[0].EstimatedPromptTokens)
	assert.Equal(t, 256, resp.StepsEstimates[0].EstimatedCompletionTokens)
	assert.Equal(t, 100, resp.StepsEstimates[1].EstimatedPromptTokens)
	assert.Equal(t, 50, resp.StepsEstimates[1].EstimatedCompletionTokens)
	assert.Equal(t, 200, resp.EstimatedTotalPromptTokens)
	assert.Equal(t, 306, resp.EstimatedTotalCompletionTokens)
	assert.Equal(t, api.CostLevelLow, resp.TokenCostLevel)
	assert.Empty(t, resp.Warnings)
}

func TestEstimateWarnsForUnknownModel(t *testing.T) {
	e := New(testSnapshot())
	resp := e.Estimate([]Item{{StepOrder: 3, TaskType: "generic", ModelID: "mystery", Prompt: "abc"}})

	require.Len(t, resp.Warnings, 1)
	assert.True(t, strings.HasPrefix(resp.Warnings[0], "step 3:"))
	assert.Equal(t, 1, resp.EstimatedTotalPromptTokens)
}

func TestEstimateWithCounter(t *testing.T) {
	e := New(testSnapshot(), WithCounter(fixedCounter(7)))
	resp := e.Estimate([]Item{{StepOrder: 1, ModelID: "mystery", Prompt: strings.Repeat("z", 1000)}})

	assert.Equal(t, 7, resp.EstimatedTotalPromptTokens)
	assert.Empty(t, resp.Warnings, "exact counting needs no factor")
}

func TestMostlyNonLatin(t *testing.T) {
	assert.False(t, MostlyNonLatin("Hello, world"))
	assert.False(t, MostlyNonLatin("1234 !?"))
	assert.True(t, MostlyNonLatin("Привет, мир"))
	assert.True(t, MostlyNonLatin("ok 你好世界"))
	assert.False(t, MostlyNonLatin("hello 你好"), "exactly half is not a majority")
}
