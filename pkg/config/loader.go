package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, RULECHAIN_CONFIG env, ./config.yaml, /etc/rulechain/config.yaml)
//  3. Environment variable overrides
//  4. Per-provider defaults
//  5. File reference resolution (_file suffix)
//  6. Validation
func Load(configPath string) (*Config, error) {
	// Start with defaults.
	cfg := Defaults()

	// Discover and load YAML config file.
	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Providers {
		providerDefaults(&cfg.Providers[i])
	}

	// Resolve _file references.
	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	// Validate.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. RULECHAIN_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/rulechain/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("RULECHAIN_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/rulechain/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps RULECHAIN_* environment variables to config fields.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("RULECHAIN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RULECHAIN_DEFAULT_MODEL"); v != "" {
		cfg.Engine.DefaultModel = v
	}
	if v := os.Getenv("RULECHAIN_ON_STEP_FAILURE"); v != "" {
		cfg.Engine.OnStepFailure = v
	}
	if v := os.Getenv("RULECHAIN_STORAGE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("RULECHAIN_SEED_FILE"); v != "" {
		cfg.Storage.SeedFile = v
	}
	if v := os.Getenv("RULECHAIN_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("RULECHAIN_TOKENIZER"); v != "" {
		cfg.Tokenizer.Mode = v
	}

	// RULECHAIN_PROVIDERS replaces the provider list. The value is parsed as
	// YAML, so a JSON array works too.
	if v := os.Getenv("RULECHAIN_PROVIDERS"); v != "" {
		providers, err := parseProviders(v)
		if err != nil {
			return err
		}
		cfg.Providers = providers
	}

	// RULECHAIN_BACKEND_URL and RULECHAIN_API_KEY target the first provider,
	// creating one when none is configured.
	backendURL := os.Getenv("RULECHAIN_BACKEND_URL")
	apiKey := os.Getenv("RULECHAIN_API_KEY")
	if (backendURL != "" || apiKey != "") && len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{{Name: "default", MaxRetries: DefaultMaxRetries}}
	}
	if backendURL != "" {
		cfg.Providers[0].BaseURL = backendURL
	}
	if apiKey != "" {
		cfg.Providers[0].APIKey = apiKey
	}
	return nil
}

// parseProviders parses a YAML or JSON array of provider configurations.
func parseProviders(s string) ([]ProviderConfig, error) {
	var providers []ProviderConfig
	if err := yaml.Unmarshal([]byte(s), &providers); err != nil {
		return nil, fmt.Errorf("parsing RULECHAIN_PROVIDERS: %w", err)
	}
	return providers, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// providers[*].api_key_file -> providers[*].api_key
	for i := range cfg.Providers {
		if cfg.Providers[i].APIKeyFile != "" && cfg.Providers[i].APIKey == "" {
			val, err := readSecretFile(cfg.Providers[i].APIKeyFile)
			if err != nil {
				return fmt.Errorf("providers[%d].api_key_file: %w", i, err)
			}
			cfg.Providers[i].APIKey = val
		}
	}

	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
