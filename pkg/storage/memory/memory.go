// Package memory provides an in-memory chain and template repository for
// tests and lightweight deployments. Content can be seeded from a YAML
// file and is lost when the process restarts.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/storage"
)

// Store is an in-memory Repository. Stored values are copied on the way
// in and on the way out, so callers never share state with the store.
type Store struct {
	mu        sync.RWMutex
	templates map[int64]*api.RuleTemplate
	chains    map[int64]*api.RuleChain
	nextID    int64
}

// Ensure Store implements storage.Repository at compile time.
var _ storage.Repository = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		templates: make(map[int64]*api.RuleTemplate),
		chains:    make(map[int64]*api.RuleChain),
	}
}

// Seed is the document shape of a seed file.
type Seed struct {
	Templates []api.RuleTemplate `json:"templates"`
	Chains    []api.RuleChain    `json:"chains"`
}

// LoadSeedFile reads a YAML (or JSON) seed file into a new store.
func LoadSeedFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed Seed
	if err := DecodeYAML(data, &seed); err != nil {
		return nil, fmt.Errorf("decoding seed %s: %w", path, err)
	}

	s := New()
	ctx := context.Background()
	for i := range seed.Templates {
		if _, err := s.SaveTemplate(ctx, &seed.Templates[i]); err != nil {
			return nil, fmt.Errorf("seed template %d: %w", seed.Templates[i].ID, err)
		}
	}
	for i := range seed.Chains {
		if _, err := s.SaveChain(ctx, &seed.Chains[i]); err != nil {
			return nil, fmt.Errorf("seed chain %d: %w", seed.Chains[i].ID, err)
		}
	}
	return s, nil
}

// DecodeYAML decodes YAML into v through the JSON representation, so types
// only need json tags and custom JSON decoders (such as parameter
// variants) apply.
func DecodeYAML(data []byte, v any) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// GetTemplate returns a copy of the template with the given id.
func (s *Store) GetTemplate(_ context.Context, id int64) (*api.RuleTemplate, error) {
	s.mu.RLock()
	t, ok := s.templates[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(t)
}

// GetChain returns a copy of the chain with the given id.
func (s *Store) GetChain(_ context.Context, id int64) (*api.RuleChain, error) {
	s.mu.RLock()
	c, ok := s.chains[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(c)
}

// SaveTemplate stores a copy of t and returns its id.
func (s *Store) SaveTemplate(_ context.Context, t *api.RuleTemplate) (int64, error) {
	cp, err := clone(t)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.assignID(cp.ID, func(id int64) bool { _, ok := s.templates[id]; return ok })
	if err != nil {
		return 0, err
	}
	cp.ID = id
	s.templates[id] = cp
	return id, nil
}

// SaveChain stores a copy of c and returns its id.
func (s *Store) SaveChain(_ context.Context, c *api.RuleChain) (int64, error) {
	cp, err := clone(c)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.assignID(cp.ID, func(id int64) bool { _, ok := s.chains[id]; return ok })
	if err != nil {
		return 0, err
	}
	cp.ID = id
	s.chains[id] = cp
	return id, nil
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// assignID returns want, or the next free id when want is zero.
// Must be called with s.mu held.
func (s *Store) assignID(want int64, exists func(int64) bool) (int64, error) {
	if want < 0 {
		return 0, fmt.Errorf("id must not be negative: %d", want)
	}
	if want != 0 {
		if exists(want) {
			return 0, storage.ErrConflict
		}
		if want > s.nextID {
			s.nextID = want
		}
		return want, nil
	}
	for {
		s.nextID++
		if !exists(s.nextID) {
			return s.nextID, nil
		}
	}
}

func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copying %T: %w", v, err)
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("copying %T: %w", v, err)
	}
	return &out, nil
}
