// Package config provides unified configuration for the rule chain engine.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (RULECHAIN_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
//
// A validated Config is frozen into a Snapshot, which is what runs read.
package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Failure policies for engine.on_step_failure.
const (
	FailurePolicyHalt     = "halt"
	FailurePolicyContinue = "continue"
)

// Tokenizer modes.
const (
	TokenizerFactor   = "factor"
	TokenizerTiktoken = "tiktoken"
)

// Provider types.
const (
	ProviderOpenAI = "openai"
	ProviderEcho   = "echo"
)

// Config holds all configuration for the rule chain engine.
type Config struct {
	Server              ServerConfig        `yaml:"server"`
	Engine              EngineConfig        `yaml:"engine"`
	Providers           []ProviderConfig    `yaml:"providers"`
	Models              []ModelConfig       `yaml:"models"`
	ModelAliases        map[string]string   `yaml:"model_aliases"`
	TaskModelPreference map[string]string   `yaml:"task_model_preference"`
	Safety              SafetyConfig        `yaml:"safety"`
	CostThresholds      CostThresholds      `yaml:"cost_thresholds"`
	Tokenizer           TokenizerConfig     `yaml:"tokenizer"`
	Storage             StorageConfig       `yaml:"storage"`
	Observability       ObservabilityConfig `yaml:"observability"`
	Logging             LoggingConfig       `yaml:"logging"`
}

// LoggingConfig holds log output settings. RULECHAIN_LOG_LEVEL,
// RULECHAIN_DEBUG, and RULECHAIN_LOG_FORMAT override these at startup.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // default: "INFO"
	Debug  string `yaml:"debug"`  // comma-separated debug categories
	Format string `yaml:"format"` // "text" or "json", default: "text"
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
	Port    int    `yaml:"port"`    // 0 serves metrics on the API port
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 300s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 15s
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 4MB
}

// EngineConfig holds orchestration settings.
type EngineConfig struct {
	DefaultModel               string        `yaml:"default_model"`                 // required
	DefaultProvider            string        `yaml:"default_provider"`              // provider for unlisted models, default: first provider
	OnStepFailure              string        `yaml:"on_step_failure"`               // "halt" or "continue", default: "halt"
	SnippetLength              int           `yaml:"snippet_length"`                // default: 200
	DefaultMaxCompletionTokens int           `yaml:"default_max_completion_tokens"` // default: 1024
	RetryInitialDelay          time.Duration `yaml:"retry_initial_delay"`           // default: 500ms
	RetryMaxDelay              time.Duration `yaml:"retry_max_delay"`               // default: 10s
	MaxSourceTextSize          int           `yaml:"max_source_text_size"`          // default: 1MB
	MaxSteps                   int           `yaml:"max_steps"`                     // default: 64
}

// ProviderConfig describes one text generation backend.
type ProviderConfig struct {
	Name              string        `yaml:"name"`
	Type              string        `yaml:"type"` // "openai" or "echo", default: "openai"
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	APIKeyFile        string        `yaml:"api_key_file"` // _file variant for api_key
	Timeout           time.Duration `yaml:"timeout"`      // default: 60s
	MaxRetries        int           `yaml:"max_retries"`  // default: 2 when the key is absent, 0 disables retries
	CharsPerToken     float64       `yaml:"chars_per_token"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 disables limiting
	Burst             int           `yaml:"burst"`
}

// ModelConfig maps a model id to its provider and estimation hints.
type ModelConfig struct {
	ID                  string  `yaml:"id"`
	Provider            string  `yaml:"provider"`
	UpstreamName        string  `yaml:"upstream_name"` // name sent to the provider, default: ID
	CharsPerToken       float64 `yaml:"chars_per_token"`
	MaxCompletionTokens int     `yaml:"max_completion_tokens"`
}

// SafetyConfig controls the one-shot fallback after a safety rejection.
type SafetyConfig struct {
	FallbackModel     string   `yaml:"fallback_model"`
	EligibleTaskTypes []string `yaml:"eligible_task_types"`
}

// CostThresholds bound the dry-run cost tiers (inclusive upper bounds).
type CostThresholds struct {
	LowMaxTokens    int `yaml:"low_max_tokens"`    // default: 2000
	MediumMaxTokens int `yaml:"medium_max_tokens"` // default: 8000
}

// TokenizerConfig holds token estimation settings.
type TokenizerConfig struct {
	Mode                  string  `yaml:"mode"`                      // "factor" or "tiktoken", default: "factor"
	Encoding              string  `yaml:"encoding"`                  // tiktoken encoding, default: "cl100k_base"
	DefaultCharsPerToken  float64 `yaml:"default_chars_per_token"`   // default: 4.0
	NonLatinCharsPerToken float64 `yaml:"non_latin_chars_per_token"` // default: 1.5
}

// StorageConfig holds chain and template repository settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`      // "memory" or "postgres", default: "memory"
	SeedFile string         `yaml:"seed_file"` // YAML seed for the memory repository
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNFile         string        `yaml:"dsn_file"`          // _file variant for dsn
	MaxConns        int32         `yaml:"max_conns"`         // default: 25
	MinConns        int32         `yaml:"min_conns"`         // default: 2
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // default: 5m
	LookupTimeout   time.Duration `yaml:"lookup_timeout"`    // default: 5s
	MigrateOnStart  bool          `yaml:"migrate_on_start"`  // default: false
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodySize:     4 << 20,
		},
		Engine: EngineConfig{
			OnStepFailure:              FailurePolicyHalt,
			SnippetLength:              200,
			DefaultMaxCompletionTokens: 1024,
			RetryInitialDelay:          500 * time.Millisecond,
			RetryMaxDelay:              10 * time.Second,
			MaxSourceTextSize:          1 << 20,
			MaxSteps:                   64,
		},
		CostThresholds: CostThresholds{
			LowMaxTokens:    2000,
			MediumMaxTokens: 8000,
		},
		Tokenizer: TokenizerConfig{
			Mode:                  TokenizerFactor,
			Encoding:              "cl100k_base",
			DefaultCharsPerToken:  4.0,
			NonLatinCharsPerToken: 1.5,
		},
		Storage: StorageConfig{
			Type: "memory",
			Postgres: PostgresConfig{
				MaxConns: 25,
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// providerDefaults fills unset per-provider fields.
func providerDefaults(p *ProviderConfig) {
	if p.Type == "" {
		p.Type = ProviderOpenAI
	}
	if p.Timeout == 0 {
		p.Timeout = 60 * time.Second
	}
}

// DefaultMaxRetries applies to providers whose YAML omits max_retries and to
// the provider created from RULECHAIN_BACKEND_URL.
const DefaultMaxRetries = 2

// UnmarshalYAML decodes a provider entry, defaulting max_retries only when
// the key is absent so that an explicit 0 disables retries.
func (p *ProviderConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain ProviderConfig
	raw := plain{MaxRetries: DefaultMaxRetries}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = ProviderConfig(raw)
	return nil
}
