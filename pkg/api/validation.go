package api

import (
	"fmt"
	"strings"
)

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxSourceTextSize int
	MaxSteps          int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxSourceTextSize: 1 << 20, // 1MB
		MaxSteps:          64,
	}
}

// ValidateRequest checks an ExecutionRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request
// is valid. Template references and required parameters are checked later
// by the resolver and binder, which need repository access.
func ValidateRequest(req *ExecutionRequest, cfg ValidationConfig) *APIError {
	if strings.TrimSpace(req.SourceText) == "" {
		return NewInvalidRequestError("source_text", "source_text must not be empty")
	}

	if cfg.MaxSourceTextSize > 0 && len(req.SourceText) > cfg.MaxSourceTextSize {
		return NewInvalidRequestError("source_text",
			fmt.Sprintf("source_text exceeds maximum of %d bytes", cfg.MaxSourceTextSize))
	}

	if req.NovelID < 0 {
		return NewInvalidRequestError("novel_id", "novel_id must not be negative")
	}

	switch {
	case req.RuleChainID == nil && req.RuleChainDefinition == nil:
		return NewInvalidRequestError("rule_chain_id", "one of rule_chain_id or rule_chain_definition is required")
	case req.RuleChainID != nil && req.RuleChainDefinition != nil:
		return NewInvalidRequestError("rule_chain_definition", "rule_chain_id and rule_chain_definition are mutually exclusive")
	}

	if req.RuleChainDefinition != nil {
		return ValidateChain(req.RuleChainDefinition, cfg)
	}
	return nil
}

// ValidateChain checks the structural validity of a chain definition.
func ValidateChain(chain *RuleChain, cfg ValidationConfig) *APIError {
	total := len(chain.Steps) + len(chain.TemplateAssociations)
	if cfg.MaxSteps > 0 && total > cfg.MaxSteps {
		return NewInvalidRequestError("steps",
			fmt.Sprintf("chain exceeds maximum of %d steps", cfg.MaxSteps))
	}

	if apiErr := ValidateConstraints("global_generation_constraints", chain.GlobalGenerationConstraints); apiErr != nil {
		return apiErr
	}

	for i, s := range chain.Steps {
		param := fmt.Sprintf("steps[%d]", i)
		if s.StepOrder < 0 {
			return NewInvalidRequestError(param+".step_order", "step_order must not be negative")
		}
		if apiErr := ValidateStepDefinition(param, &s.StepDefinition); apiErr != nil {
			return apiErr
		}
	}

	for i, a := range chain.TemplateAssociations {
		param := fmt.Sprintf("template_associations[%d]", i)
		if a.StepOrder < 0 {
			return NewInvalidRequestError(param+".step_order", "step_order must not be negative")
		}
		if a.TemplateID <= 0 {
			return NewInvalidRequestError(param+".template_id", "template_id must be positive")
		}
	}
	return nil
}

// ValidateStepDefinition checks a single step or template body.
func ValidateStepDefinition(param string, def *StepDefinition) *APIError {
	if strings.TrimSpace(def.TaskType) == "" {
		return NewInvalidRequestError(param+".task_type", "task_type is required")
	}
	if !def.InputSource.Valid() {
		return NewInvalidRequestError(param+".input_source",
			fmt.Sprintf("input_source must be %q or %q, got %q", InputSourceOriginal, InputSourcePreviousStep, def.InputSource))
	}
	for name, p := range def.Parameters {
		if p.Value == nil {
			return NewInvalidRequestError(param+".parameters."+name, "parameter is missing param_type")
		}
	}
	return ValidateConstraints(param+".generation_constraints", def.GenerationConstraints)
}

// ValidateConstraints checks one set of generation constraints. param
// prefixes the offending field in the returned error.
func ValidateConstraints(param string, c *GenerationConstraints) *APIError {
	if c == nil {
		return nil
	}
	if c.MaxLength != nil && *c.MaxLength <= 0 {
		return NewInvalidRequestError(param+".max_length", "max_length must be positive")
	}
	if c.MinLength != nil && *c.MinLength < 0 {
		return NewInvalidRequestError(param+".min_length", "min_length must not be negative")
	}
	if c.MaxLength != nil && c.MinLength != nil && *c.MinLength > *c.MaxLength {
		return NewInvalidRequestError(param+".min_length", "min_length must not exceed max_length")
	}
	switch c.OutputFormat {
	case "", OutputFormatPlain, OutputFormatJSON, OutputFormatMarkdown:
	default:
		return NewInvalidRequestError(param+".output_format",
			fmt.Sprintf("output_format must be plain, json, or markdown, got %q", c.OutputFormat))
	}
	return nil
}
