package config

import (
	"fmt"
	"sync/atomic"
)

// Snapshot is an immutable runtime view of a validated Config. A run takes
// one Snapshot when it starts and reads only from it, so a concurrent
// reload never changes settings in the middle of a run. Callers must not
// modify the values it returns.
type Snapshot struct {
	Server         ServerConfig
	Engine         EngineConfig
	Safety         SafetyConfig
	CostThresholds CostThresholds
	Tokenizer      TokenizerConfig

	providers      map[string]ProviderConfig
	providerOrder  []string
	models         map[string]ModelConfig
	aliases        map[string]string
	taskPreference map[string]string
	safetyEligible map[string]bool
}

// NewSnapshot freezes cfg. The Config is copied; later changes to cfg do
// not affect the Snapshot.
func NewSnapshot(cfg *Config) *Snapshot {
	s := &Snapshot{
		Server:         cfg.Server,
		Engine:         cfg.Engine,
		Safety:         cfg.Safety,
		CostThresholds: cfg.CostThresholds,
		Tokenizer:      cfg.Tokenizer,
		providers:      make(map[string]ProviderConfig, len(cfg.Providers)),
		models:         make(map[string]ModelConfig, len(cfg.Models)),
		aliases:        make(map[string]string, len(cfg.ModelAliases)),
		taskPreference: make(map[string]string, len(cfg.TaskModelPreference)),
		safetyEligible: make(map[string]bool, len(cfg.Safety.EligibleTaskTypes)),
	}
	s.Safety.EligibleTaskTypes = append([]string(nil), cfg.Safety.EligibleTaskTypes...)

	for _, p := range cfg.Providers {
		providerDefaults(&p)
		if p.MaxRetries < 0 {
			p.MaxRetries = 0
		}
		s.providers[p.Name] = p
		s.providerOrder = append(s.providerOrder, p.Name)
	}
	for _, m := range cfg.Models {
		if m.UpstreamName == "" {
			m.UpstreamName = m.ID
		}
		s.models[m.ID] = m
	}
	for k, v := range cfg.ModelAliases {
		s.aliases[k] = v
	}
	for k, v := range cfg.TaskModelPreference {
		s.taskPreference[k] = v
	}
	for _, t := range cfg.Safety.EligibleTaskTypes {
		s.safetyEligible[t] = true
	}
	return s
}

// ResolveAlias follows model aliases until it reaches a name that is not an
// alias. Alias cycles stop after visiting every alias once.
func (s *Snapshot) ResolveAlias(model string) string {
	for range len(s.aliases) {
		target, ok := s.aliases[model]
		if !ok {
			break
		}
		model = target
	}
	return model
}

// TaskPreference returns the preferred model for a task type.
func (s *Snapshot) TaskPreference(taskType string) (string, bool) {
	m, ok := s.taskPreference[taskType]
	return m, ok && m != ""
}

// Model returns the configuration of a known model.
func (s *Snapshot) Model(id string) (ModelConfig, bool) {
	m, ok := s.models[id]
	return m, ok
}

// Provider returns a provider by name.
func (s *Snapshot) Provider(name string) (ProviderConfig, bool) {
	p, ok := s.providers[name]
	return p, ok
}

// Providers returns all providers in configuration order.
func (s *Snapshot) Providers() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(s.providerOrder))
	for _, name := range s.providerOrder {
		out = append(out, s.providers[name])
	}
	return out
}

// ProviderFor returns the provider serving model. Models without an
// explicit provider go to engine.default_provider, or the first provider.
func (s *Snapshot) ProviderFor(model string) (ProviderConfig, error) {
	name := ""
	if m, ok := s.models[model]; ok {
		name = m.Provider
	}
	if name == "" {
		name = s.Engine.DefaultProvider
	}
	if name == "" && len(s.providerOrder) > 0 {
		name = s.providerOrder[0]
	}
	p, ok := s.providers[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("no provider configured for model %q", model)
	}
	return p, nil
}

// UpstreamName returns the name a provider knows model by.
func (s *Snapshot) UpstreamName(model string) string {
	if m, ok := s.models[model]; ok {
		return m.UpstreamName
	}
	return model
}

// SafetyEligible reports whether a task type may retry on the safety
// fallback model after a safety rejection.
func (s *Snapshot) SafetyEligible(taskType string) bool {
	return s.Safety.FallbackModel != "" && s.safetyEligible[taskType]
}

// Store holds the current Snapshot and swaps it atomically on reload.
type Store struct {
	path string
	cur  atomic.Pointer[Snapshot]
}

// NewStore returns a Store serving a snapshot of cfg. path is the config
// file Reload reads; it may be empty to use discovery.
func NewStore(cfg *Config, path string) *Store {
	s := &Store{path: path}
	s.cur.Store(NewSnapshot(cfg))
	return s
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.cur.Load()
}

// Reload loads and validates the configuration again. On error the current
// snapshot stays in place.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(NewSnapshot(cfg))
	return nil
}
