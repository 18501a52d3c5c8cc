package api

// ---------------------------------------------------------------------------
// Chain definitions
// ---------------------------------------------------------------------------

// InputSource selects which text a step consumes.
type InputSource string

const (
	// InputSourceOriginal feeds the request's source text to the step.
	InputSourceOriginal InputSource = "ORIGINAL"

	// InputSourcePreviousStep feeds the previous step's post-processed output.
	// The first step falls back to the source text.
	InputSourcePreviousStep InputSource = "PREVIOUS_STEP"
)

// Valid reports whether s is a known input source. The empty value is
// accepted and treated as ORIGINAL.
func (s InputSource) Valid() bool {
	switch s {
	case "", InputSourceOriginal, InputSourcePreviousStep:
		return true
	}
	return false
}

// Output formats understood by generation constraints.
const (
	OutputFormatPlain    = "plain"
	OutputFormatJSON     = "json"
	OutputFormatMarkdown = "markdown"
)

// GenerationConstraints are declarative limits a step's output is expected
// to satisfy. They are rendered into the prompt as hints and evaluated
// against the final output.
type GenerationConstraints struct {
	MaxLength    *int              `json:"max_length,omitempty"`
	MinLength    *int              `json:"min_length,omitempty"`
	OutputFormat string            `json:"output_format,omitempty"`
	MustInclude  []string          `json:"must_include,omitempty"`
	MustExclude  []string          `json:"must_exclude,omitempty"`
	Expressions  map[string]string `json:"expressions,omitempty"`
}

// IsZero reports whether no constraint is set.
func (c *GenerationConstraints) IsZero() bool {
	return c == nil || (c.MaxLength == nil && c.MinLength == nil && c.OutputFormat == "" &&
		len(c.MustInclude) == 0 && len(c.MustExclude) == 0 && len(c.Expressions) == 0)
}

// StepDefinition is the shape shared by private steps and template bodies.
type StepDefinition struct {
	TaskType              string                 `json:"task_type"`
	Parameters            map[string]Parameter   `json:"parameters,omitempty"`
	CustomInstruction     string                 `json:"custom_instruction,omitempty"`
	PostProcessingRules   []string               `json:"post_processing_rules,omitempty"`
	InputSource           InputSource            `json:"input_source,omitempty"`
	ModelID               string                 `json:"model_id,omitempty"`
	LLMOverrideParameters map[string]any         `json:"llm_override_parameters,omitempty"`
	GenerationConstraints *GenerationConstraints `json:"generation_constraints,omitempty"`
	OutputVariableName    string                 `json:"output_variable_name,omitempty"`
}

// PrivateStep is a step owned by a single chain.
type PrivateStep struct {
	StepDefinition
	StepOrder int   `json:"step_order"`
	IsEnabled *bool `json:"is_enabled,omitempty"`
}

// Enabled reports whether the step takes part in execution. A missing
// is_enabled field means enabled.
func (s PrivateStep) Enabled() bool {
	return s.IsEnabled == nil || *s.IsEnabled
}

// RuleTemplate is a reusable, chain-independent step definition.
type RuleTemplate struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	StepDefinition
}

// TemplateAssociation places a template into a chain. Its step order and
// enabled flag belong to the association, not to the template, so one
// template can appear at different positions across chains.
type TemplateAssociation struct {
	TemplateID int64 `json:"template_id"`
	StepOrder  int   `json:"step_order"`
	IsEnabled  *bool `json:"is_enabled,omitempty"`
}

// Enabled reports whether the association takes part in execution.
func (a TemplateAssociation) Enabled() bool {
	return a.IsEnabled == nil || *a.IsEnabled
}

// RuleChain is an ordered pipeline of text-transformation steps.
type RuleChain struct {
	ID                          int64                  `json:"id,omitempty"`
	Name                        string                 `json:"name,omitempty"`
	Description                 string                 `json:"description,omitempty"`
	GlobalModelID               string                 `json:"global_model_id,omitempty"`
	GlobalLLMOverrideParameters map[string]any         `json:"global_llm_override_parameters,omitempty"`
	GlobalGenerationConstraints *GenerationConstraints `json:"global_generation_constraints,omitempty"`
	Steps                       []PrivateStep          `json:"steps,omitempty"`
	TemplateAssociations        []TemplateAssociation  `json:"template_associations,omitempty"`
}

// Bool returns a pointer to b. It is a convenience for the optional
// is_enabled fields.
func Bool(b bool) *bool {
	return &b
}

// Int returns a pointer to n.
func Int(n int) *int {
	return &n
}

// Int64 returns a pointer to n.
func Int64(n int64) *int64 {
	return &n
}

// ---------------------------------------------------------------------------
// Requests and responses
// ---------------------------------------------------------------------------

// ExecutionRequest asks the engine to run, stream, or estimate a chain.
// Exactly one of RuleChainID and RuleChainDefinition must be set.
type ExecutionRequest struct {
	SourceText          string         `json:"source_text"`
	NovelID             int64          `json:"novel_id"`
	RuleChainID         *int64         `json:"rule_chain_id,omitempty"`
	RuleChainDefinition *RuleChain     `json:"rule_chain_definition,omitempty"`
	DryRun              bool           `json:"dry_run,omitempty"`
	Stream              bool           `json:"stream,omitempty"`
	UserProvidedParams  map[string]any `json:"user_provided_params,omitempty"`
}

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailure StepStatus = "failure"
)

// StepExecutionResult records what happened to one step.
type StepExecutionResult struct {
	StepOrder            int             `json:"step_order"`
	TaskType             string          `json:"task_type"`
	InputSnippet         string          `json:"input_snippet"`
	OutputSnippet        string          `json:"output_snippet"`
	Status               StepStatus      `json:"status"`
	Error                *string         `json:"error"`
	ModelUsed            string          `json:"model_used,omitempty"`
	ConstraintsSatisfied map[string]bool `json:"constraints_satisfied,omitempty"`
	Attempts             int             `json:"attempts,omitempty"`
	FallbackUsed         bool            `json:"fallback_used,omitempty"`
	DurationMS           int64           `json:"duration_ms,omitempty"`

	// Output is the full post-processed output. It is carried in memory for
	// chaining and final output selection and never serialized.
	Output string `json:"-"`
}

// Succeeded reports whether the step completed successfully.
func (r *StepExecutionResult) Succeeded() bool {
	return r.Status == StepStatusSuccess
}

// RuleChainExecuteResponse is the aggregate result of a synchronous run,
// or the fold of a streamed run.
type RuleChainExecuteResponse struct {
	RunID              string                `json:"run_id,omitempty"`
	OriginalText       string                `json:"original_text"`
	FinalOutputText    string                `json:"final_output_text"`
	ExecutedChainID    *int64                `json:"executed_chain_id,omitempty"`
	ExecutedChainName  string                `json:"executed_chain_name,omitempty"`
	StepsResults       []StepExecutionResult `json:"steps_results"`
	TotalExecutionTime *float64              `json:"total_execution_time,omitempty"`
}

// Cost tiers for dry-run estimates.
const (
	CostLevelLow    = "low"
	CostLevelMedium = "medium"
	CostLevelHigh   = "high"
)

// RuleChainStepCostEstimate is the dry-run estimate for one step.
type RuleChainStepCostEstimate struct {
	StepOrder                 int    `json:"step_order"`
	TaskType                  string `json:"task_type"`
	ModelID                   string `json:"model_id"`
	EstimatedPromptTokens     int    `json:"estimated_prompt_tokens"`
	EstimatedCompletionTokens int    `json:"estimated_completion_tokens"`
}

// RuleChainDryRunResponse is the aggregate result of a dry run.
type RuleChainDryRunResponse struct {
	EstimatedTotalPromptTokens     int                         `json:"estimated_total_prompt_tokens"`
	EstimatedTotalCompletionTokens int                         `json:"estimated_total_completion_tokens"`
	TokenCostLevel                 string                      `json:"token_cost_level"`
	StepsEstimates                 []RuleChainStepCostEstimate `json:"steps_estimates"`
	Warnings                       []string                    `json:"warnings,omitempty"`
}
