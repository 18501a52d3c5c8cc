package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported together, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Engine.DefaultModel == "" {
		errs = append(errs, fmt.Errorf("engine.default_model is required"))
	}

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	switch c.Engine.OnStepFailure {
	case FailurePolicyHalt, FailurePolicyContinue:
	default:
		errs = append(errs, fmt.Errorf("engine.on_step_failure must be %q or %q, got %q",
			FailurePolicyHalt, FailurePolicyContinue, c.Engine.OnStepFailure))
	}

	if c.Engine.SnippetLength <= 0 {
		errs = append(errs, fmt.Errorf("engine.snippet_length must be > 0, got %d", c.Engine.SnippetLength))
	}
	if c.Engine.DefaultMaxCompletionTokens <= 0 {
		errs = append(errs, fmt.Errorf("engine.default_max_completion_tokens must be > 0, got %d", c.Engine.DefaultMaxCompletionTokens))
	}

	// providers: at least one, unique names, known types.
	if len(c.Providers) == 0 {
		errs = append(errs, fmt.Errorf("providers: at least one provider is required"))
	}
	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d].name is required", i))
		} else if names[p.Name] {
			errs = append(errs, fmt.Errorf("providers[%d].name %q is duplicated", i, p.Name))
		}
		names[p.Name] = true

		switch p.Type {
		case ProviderOpenAI:
			if p.BaseURL == "" {
				errs = append(errs, fmt.Errorf("providers[%d].base_url is required for type %q", i, p.Type))
			}
		case ProviderEcho:
		default:
			errs = append(errs, fmt.Errorf("providers[%d].type must be %q or %q, got %q", i, ProviderOpenAI, ProviderEcho, p.Type))
		}
		if p.CharsPerToken < 0 {
			errs = append(errs, fmt.Errorf("providers[%d].chars_per_token must not be negative", i))
		}
		if p.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("providers[%d].requests_per_second must not be negative", i))
		}
	}

	if c.Engine.DefaultProvider != "" && !names[c.Engine.DefaultProvider] {
		errs = append(errs, fmt.Errorf("engine.default_provider %q is not a configured provider", c.Engine.DefaultProvider))
	}

	for i, m := range c.Models {
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("models[%d].id is required", i))
		}
		if m.Provider != "" && !names[m.Provider] {
			errs = append(errs, fmt.Errorf("models[%d].provider %q is not a configured provider", i, m.Provider))
		}
		if m.CharsPerToken < 0 {
			errs = append(errs, fmt.Errorf("models[%d].chars_per_token must not be negative", i))
		}
	}

	if c.CostThresholds.LowMaxTokens < 0 || c.CostThresholds.MediumMaxTokens < c.CostThresholds.LowMaxTokens {
		errs = append(errs, fmt.Errorf("cost_thresholds: need 0 <= low_max_tokens <= medium_max_tokens, got %d and %d",
			c.CostThresholds.LowMaxTokens, c.CostThresholds.MediumMaxTokens))
	}

	switch c.Tokenizer.Mode {
	case TokenizerFactor, TokenizerTiktoken:
	default:
		errs = append(errs, fmt.Errorf("tokenizer.mode must be %q or %q, got %q", TokenizerFactor, TokenizerTiktoken, c.Tokenizer.Mode))
	}
	if c.Tokenizer.DefaultCharsPerToken <= 0 {
		errs = append(errs, fmt.Errorf("tokenizer.default_chars_per_token must be > 0"))
	}
	if c.Tokenizer.NonLatinCharsPerToken <= 0 {
		errs = append(errs, fmt.Errorf("tokenizer.non_latin_chars_per_token must be > 0"))
	}

	switch c.Storage.Type {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}

	// If storage.type is "postgres", DSN or DSNFile must be set.
	if c.Storage.Type == "postgres" {
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	}

	return errors.Join(errs...)
}
