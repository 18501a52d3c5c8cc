// Package estimate predicts prompt and completion token counts for a dry
// run and maps the total onto a cost tier. It never calls a model.
package estimate

import (
	"fmt"
	"math"
	"unicode"
	"unicode/utf8"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/debug"
)

// Counter counts tokens exactly for a given text.
type Counter interface {
	Count(text string) int
}

// Item is one step to estimate.
type Item struct {
	StepOrder int
	TaskType  string
	ModelID   string

	// Prompt is the full rendered prompt, system prefix included.
	Prompt string

	// MaxTokens is the step's max_tokens override, or 0 when unset.
	MaxTokens int
}

// Estimator produces dry-run estimates from a config snapshot.
type Estimator struct {
	snap    *config.Snapshot
	counter Counter
	warning string
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithCounter makes the estimator count prompt tokens with c instead of
// character factors.
func WithCounter(c Counter) Option {
	return func(e *Estimator) { e.counter = c }
}

// New returns an Estimator reading factors and thresholds from snap. When
// the snapshot selects the tiktoken tokenizer and no counter is given, the
// encoding is loaded on first use; if it cannot be loaded, estimation falls
// back to character factors and every estimate carries a warning.
func New(snap *config.Snapshot, opts ...Option) *Estimator {
	e := &Estimator{snap: snap}
	for _, o := range opts {
		o(e)
	}
	if e.counter == nil && snap.Tokenizer.Mode == config.TokenizerTiktoken {
		c, err := TiktokenCounter(snap.Tokenizer.Encoding)
		if err != nil {
			e.warning = fmt.Sprintf("tiktoken encoding %q unavailable, using character factors: %v", snap.Tokenizer.Encoding, err)
		} else {
			e.counter = c
		}
	}
	return e
}

// Estimate builds the dry-run response for items.
func (e *Estimator) Estimate(items []Item) *api.RuleChainDryRunResponse {
	resp := &api.RuleChainDryRunResponse{
		StepsEstimates: make([]api.RuleChainStepCostEstimate, 0, len(items)),
	}
	if e.warning != "" {
		resp.Warnings = append(resp.Warnings, e.warning)
	}

	for _, it := range items {
		prompt, warn := e.PromptTokens(it.ModelID, it.Prompt)
		if warn != "" {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("step %d: %s", it.StepOrder, warn))
		}
		completion := e.CompletionTokens(it.ModelID, it.MaxTokens)

		resp.StepsEstimates = append(resp.StepsEstimates, api.RuleChainStepCostEstimate{
			StepOrder:                 it.StepOrder,
			TaskType:                  it.TaskType,
			ModelID:                   it.ModelID,
			EstimatedPromptTokens:     prompt,
			EstimatedCompletionTokens: completion,
		})
		resp.EstimatedTotalPromptTokens += prompt
		resp.EstimatedTotalCompletionTokens += completion
	}

	resp.TokenCostLevel = CostLevel(resp.EstimatedTotalPromptTokens+resp.EstimatedTotalCompletionTokens, e.snap.CostThresholds)
	debug.Log("estimate", "dry run estimated",
		"steps", len(items),
		"prompt_tokens", resp.EstimatedTotalPromptTokens,
		"completion_tokens", resp.EstimatedTotalCompletionTokens,
		"level", resp.TokenCostLevel)
	return resp
}

// PromptTokens estimates the prompt tokens of text sent to model. The
// returned warning is non-empty when the estimate degraded to defaults.
func (e *Estimator) PromptTokens(model, text string) (int, string) {
	if e.counter != nil {
		return e.counter.Count(text), ""
	}
	factor, warn := e.Factor(model, text)
	runes := utf8.RuneCountInString(text)
	return int(math.Ceil(float64(runes) / factor)), warn
}

// Factor returns the characters-per-token factor for text sent to model.
// Mostly non-Latin text uses the non-Latin factor. Otherwise the model's
// factor wins over its provider's, which wins over the general default.
// Models missing from the configuration use the general default and
// produce a warning.
func (e *Estimator) Factor(model, text string) (float64, string) {
	tk := e.snap.Tokenizer
	if MostlyNonLatin(text) {
		return tk.NonLatinCharsPerToken, ""
	}

	m, ok := e.snap.Model(model)
	if !ok {
		return tk.DefaultCharsPerToken, fmt.Sprintf("model %q is not configured, using the default token factor", model)
	}
	if m.CharsPerToken > 0 {
		return m.CharsPerToken, ""
	}
	if p, err := e.snap.ProviderFor(model); err == nil && p.CharsPerToken > 0 {
		return p.CharsPerToken, ""
	}
	return tk.DefaultCharsPerToken, ""
}

// CompletionTokens returns the expected completion budget: the step's
// max_tokens override, then the model's max_completion_tokens, then the
// configured default.
func (e *Estimator) CompletionTokens(model string, maxTokens int) int {
	if maxTokens > 0 {
		return maxTokens
	}
	if m, ok := e.snap.Model(model); ok && m.MaxCompletionTokens > 0 {
		return m.MaxCompletionTokens
	}
	return e.snap.Engine.DefaultMaxCompletionTokens
}

// CostLevel maps a token total onto a tier. The thresholds are inclusive
// upper bounds.
func CostLevel(total int, th config.CostThresholds) string {
	switch {
	case total <= th.LowMaxTokens:
		return api.CostLevelLow
	case total <= th.MediumMaxTokens:
		return api.CostLevelMedium
	default:
		return api.CostLevelHigh
	}
}

// MostlyNonLatin reports whether more than half of the letters in text are
// outside the Latin script. Text without letters counts as Latin.
func MostlyNonLatin(text string) bool {
	var letters, nonLatin int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if !unicode.Is(unicode.Latin, r) {
			nonLatin++
		}
	}
	return letters > 0 && nonLatin*2 > letters
}
