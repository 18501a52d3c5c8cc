package storage

import (
	"context"

	"github.com/rhuss/rulechain/pkg/api"
)

// TemplateRepository provides read access to rule templates.
type TemplateRepository interface {
	// GetTemplate returns the template with the given id, or ErrNotFound.
	GetTemplate(ctx context.Context, id int64) (*api.RuleTemplate, error)
}

// ChainRepository provides read access to stored rule chains.
type ChainRepository interface {
	// GetChain returns the chain with the given id, or ErrNotFound.
	GetChain(ctx context.Context, id int64) (*api.RuleChain, error)
}

// Repository is implemented by the storage adapters. The engine only reads
// through it; the write methods exist for seeding and administration.
type Repository interface {
	TemplateRepository
	ChainRepository

	// SaveTemplate stores a template. A zero ID is assigned by the
	// repository; an explicit ID that already exists yields ErrConflict.
	SaveTemplate(ctx context.Context, t *api.RuleTemplate) (int64, error)

	// SaveChain stores a chain with the same ID rules as SaveTemplate.
	SaveChain(ctx context.Context, c *api.RuleChain) (int64, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the repository.
	Close() error
}
