package chain

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"sort"
	"strings"
	"text/template"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/config"
	"github.com/rhuss/rulechain/pkg/constraints"
	"github.com/rhuss/rulechain/pkg/postprocess"
)

// Override parameter keys read by the engine itself. All other keys are
// passed to the gateway untouched.
const (
	ParamMaxTokens           = "max_tokens"
	ParamMaxCompletionTokens = "max_completion_tokens"
)

// BoundStep is a resolved step with every layer of configuration applied.
// It holds no input text; the orchestrator supplies that at run time.
type BoundStep struct {
	StepOrder      int
	TaskType       string
	Source         Source
	TemplateID     int64
	InputSource    api.InputSource
	Model          string
	Parameters     map[string]api.Parameter
	Overrides      map[string]any
	Constraints    *api.GenerationConstraints
	PostProcessing []string
	OutputVariable string

	// MaxTokens is the completion token limit taken from the override
	// parameters, or zero when none is set.
	MaxTokens int

	instruction *template.Template
}

// Binder computes bound steps from resolved steps.
type Binder struct {
	snap      *config.Snapshot
	evaluator *constraints.Evaluator
}

// NewBinder creates a Binder using the configuration snapshot of a run.
func NewBinder(snap *config.Snapshot, evaluator *constraints.Evaluator) *Binder {
	return &Binder{snap: snap, evaluator: evaluator}
}

// Bind binds every step of a run. Validation is total: any missing
// required parameter, unknown post-processing rule, invalid constraint
// expression, or malformed instruction fails the whole run, with the
// error naming the step order.
//
// userParams override parameter values by name. A dotted key such as
// "style.tone" addresses a field of a nested object parameter. Keys that
// match no parameter of a step are ignored for that step.
func (b *Binder) Bind(c *api.RuleChain, steps []ResolvedStep, userParams map[string]any) ([]BoundStep, error) {
	bound := make([]BoundStep, 0, len(steps))
	for _, s := range steps {
		bs, err := b.bindStep(c, s, userParams)
		if err != nil {
			return nil, err
		}
		bound = append(bound, bs)
	}
	return bound, nil
}

func (b *Binder) bindStep(c *api.RuleChain, s ResolvedStep, userParams map[string]any) (BoundStep, error) {
	bs := BoundStep{
		StepOrder:      s.StepOrder,
		TaskType:       s.TaskType,
		Source:         s.Source,
		TemplateID:     s.TemplateID,
		InputSource:    s.InputSource,
		Model:          b.SelectModel(c, &s.StepDefinition),
		Overrides:      mergeOverrides(c.GlobalLLMOverrideParameters, s.LLMOverrideParameters),
		Constraints:    constraints.Merge(c.GlobalGenerationConstraints, s.GenerationConstraints),
		PostProcessing: s.PostProcessingRules,
		OutputVariable: s.OutputVariableName,
	}
	if bs.InputSource == "" {
		bs.InputSource = api.InputSourceOriginal
	}

	params, err := applyUserParams(s.Parameters, userParams)
	if err != nil {
		return bs, api.NewValidationError(api.CodeInvalidParameter,
			fmt.Sprintf("step[%d].parameters", s.StepOrder),
			fmt.Sprintf("step %d: %v", s.StepOrder, err))
	}
	bs.Parameters = params

	if missing := api.MissingRequired(params); len(missing) > 0 {
		return bs, api.NewValidationError(api.CodeMissingParameter,
			fmt.Sprintf("step[%d].parameters.%s", s.StepOrder, missing[0]),
			fmt.Sprintf("step %d: required parameter %q has no value", s.StepOrder, missing[0]))
	}

	if err := postprocess.Validate(bs.PostProcessing); err != nil {
		return bs, api.NewValidationError(api.CodeInvalidParameter,
			fmt.Sprintf("step[%d].post_processing_rules", s.StepOrder),
			fmt.Sprintf("step %d: %v", s.StepOrder, err))
	}

	// Each side may be valid alone and still conflict once merged.
	if apiErr := api.ValidateConstraints(fmt.Sprintf("step[%d].generation_constraints", s.StepOrder), bs.Constraints); apiErr != nil {
		return bs, api.NewValidationError(api.CodeInvalidParameter, apiErr.Param,
			fmt.Sprintf("step %d: merged generation constraints: %s", s.StepOrder, apiErr.Message))
	}

	if b.evaluator != nil {
		if err := b.evaluator.Validate(bs.Constraints); err != nil {
			return bs, api.NewValidationError(api.CodeInvalidParameter,
				fmt.Sprintf("step[%d].generation_constraints.expressions", s.StepOrder),
				fmt.Sprintf("step %d: %v", s.StepOrder, err))
		}
	}

	if s.CustomInstruction != "" {
		t, err := parseInstruction(s.CustomInstruction)
		if err != nil {
			return bs, api.NewValidationError(api.CodeInvalidParameter,
				fmt.Sprintf("step[%d].custom_instruction", s.StepOrder),
				fmt.Sprintf("step %d: %v", s.StepOrder, err))
		}
		bs.instruction = t
	}

	mt, err := maxTokens(bs.Overrides)
	if err != nil {
		return bs, api.NewValidationError(api.CodeInvalidParameter,
			fmt.Sprintf("step[%d].llm_override_parameters", s.StepOrder),
			fmt.Sprintf("step %d: %v", s.StepOrder, err))
	}
	bs.MaxTokens = mt
	return bs, nil
}

// SelectModel returns the effective model of a step: the step's model_id,
// then the chain's global_model_id, then the task-type preference, then
// the configured default. Aliases are resolved last.
func (b *Binder) SelectModel(c *api.RuleChain, def *api.StepDefinition) string {
	model := def.ModelID
	if model == "" {
		model = c.GlobalModelID
	}
	if model == "" {
		if pref, ok := b.snap.TaskPreference(def.TaskType); ok {
			model = pref
		}
	}
	if model == "" {
		model = b.snap.Engine.DefaultModel
	}
	return b.snap.ResolveAlias(model)
}

func mergeOverrides(global, step map[string]any) map[string]any {
	out := make(map[string]any, len(global)+len(step))
	maps.Copy(out, global)
	maps.Copy(out, step)
	return out
}

// applyUserParams returns a copy of params with user values applied.
func applyUserParams(params map[string]api.Parameter, userParams map[string]any) (map[string]api.Parameter, error) {
	out := make(map[string]api.Parameter, len(params))
	maps.Copy(out, params)

	keys := make([]string, 0, len(userParams))
	for k := range userParams {
		keys = append(keys, k)
	}
	// Whole-object values are applied before dotted field values so the
	// more specific key wins.
	sort.Slice(keys, func(i, j int) bool {
		di, dj := strings.Count(keys[i], "."), strings.Count(keys[j], ".")
		if di != dj {
			return di < dj
		}
		return keys[i] < keys[j]
	})

	for _, key := range keys {
		path := strings.Split(key, ".")
		if _, ok := out[path[0]]; !ok {
			continue
		}
		if err := setParam(out, path, userParams[key]); err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
	}
	return out, nil
}

func setParam(params map[string]api.Parameter, path []string, v any) error {
	p, ok := params[path[0]]
	if !ok {
		return fmt.Errorf("no parameter named %q", path[0])
	}
	if len(path) == 1 {
		np, err := p.WithValue(v)
		if err != nil {
			return err
		}
		params[path[0]] = np
		return nil
	}
	obj, ok := p.Value.(api.NestedObject)
	if !ok {
		return fmt.Errorf("%q is not an object parameter", path[0])
	}
	fields := make(map[string]api.Parameter, len(obj.Fields))
	maps.Copy(fields, obj.Fields)
	if err := setParam(fields, path[1:], v); err != nil {
		return err
	}
	p.Value = api.NestedObject{Fields: fields}
	params[path[0]] = p
	return nil
}

func maxTokens(overrides map[string]any) (int, error) {
	for _, key := range []string{ParamMaxTokens, ParamMaxCompletionTokens} {
		v, ok := overrides[key]
		if !ok {
			continue
		}
		var n float64
		switch x := v.(type) {
		case int:
			n = float64(x)
		case int64:
			n = float64(x)
		case float64:
			n = x
		case json.Number:
			f, err := x.Float64()
			if err != nil {
				return 0, fmt.Errorf("%s: %w", key, err)
			}
			n = f
		default:
			return 0, fmt.Errorf("%s must be a number, got %T", key, v)
		}
		if n <= 0 || n != math.Trunc(n) {
			return 0, fmt.Errorf("%s must be a positive integer, got %v", key, v)
		}
		return int(n), nil
	}
	return 0, nil
}
