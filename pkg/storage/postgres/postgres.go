// Package postgres provides a PostgreSQL chain and template repository.
// It uses pgx/v5 for connection pooling and stores definitions as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/rulechain/pkg/api"
	"github.com/rhuss/rulechain/pkg/storage"
)

// Store is a PostgreSQL-backed Repository.
type Store struct {
	pool          *pgxpool.Pool
	lookupTimeout time.Duration
}

// Ensure Store implements storage.Repository at compile time.
var _ storage.Repository = (*Store)(nil)

// New creates a new PostgreSQL store with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool, lookupTimeout: cfg.LookupTimeout}

	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return s, nil
}

// GetTemplate retrieves a template by id.
func (s *Store) GetTemplate(ctx context.Context, id int64) (*api.RuleTemplate, error) {
	ctx, cancel := s.lookupContext(ctx)
	defer cancel()

	var name, description string
	var definition []byte
	err := s.pool.QueryRow(ctx,
		"SELECT name, description, definition FROM rule_templates WHERE id = $1",
		id,
	).Scan(&name, &description, &definition)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying template: %w", err)
	}

	t := &api.RuleTemplate{ID: id, Name: name, Description: description}
	if err := json.Unmarshal(definition, &t.StepDefinition); err != nil {
		return nil, fmt.Errorf("unmarshaling template %d: %w", id, err)
	}
	return t, nil
}

// GetChain retrieves a chain by id. The id, name, and description columns
// are authoritative over the values inside the stored definition.
func (s *Store) GetChain(ctx context.Context, id int64) (*api.RuleChain, error) {
	ctx, cancel := s.lookupContext(ctx)
	defer cancel()

	var name, description string
	var definition []byte
	err := s.pool.QueryRow(ctx,
		"SELECT name, description, definition FROM rule_chains WHERE id = $1",
		id,
	).Scan(&name, &description, &definition)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chain: %w", err)
	}

	var c api.RuleChain
	if err := json.Unmarshal(definition, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling chain %d: %w", id, err)
	}
	c.ID = id
	c.Name = name
	c.Description = description
	return &c, nil
}

// SaveTemplate inserts a template. A zero ID is assigned by the database.
func (s *Store) SaveTemplate(ctx context.Context, t *api.RuleTemplate) (int64, error) {
	definition, err := json.Marshal(t.StepDefinition)
	if err != nil {
		return 0, fmt.Errorf("marshaling template: %w", err)
	}

	var id int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if t.ID == 0 {
			return tx.QueryRow(ctx, `
				INSERT INTO rule_templates (name, description, task_type, definition)
				VALUES ($1, $2, $3, $4) RETURNING id
			`, t.Name, t.Description, t.TaskType, definition).Scan(&id)
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO rule_templates (id, name, description, task_type, definition)
			VALUES ($1, $2, $3, $4, $5) RETURNING id
		`, t.ID, t.Name, t.Description, t.TaskType, definition).Scan(&id)
		if err != nil {
			return err
		}
		return syncSequence(ctx, tx, "rule_templates")
	})
	if err != nil {
		if isDuplicateKey(err) {
			return 0, storage.ErrConflict
		}
		return 0, fmt.Errorf("inserting template: %w", err)
	}
	return id, nil
}

// SaveChain inserts a chain and its template association rows in one
// transaction.
func (s *Store) SaveChain(ctx context.Context, c *api.RuleChain) (int64, error) {
	definition, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("marshaling chain: %w", err)
	}

	var id int64
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if c.ID == 0 {
			err := tx.QueryRow(ctx, `
				INSERT INTO rule_chains (name, description, definition)
				VALUES ($1, $2, $3) RETURNING id
			`, c.Name, c.Description, definition).Scan(&id)
			if err != nil {
				return err
			}
		} else {
			err := tx.QueryRow(ctx, `
				INSERT INTO rule_chains (id, name, description, definition)
				VALUES ($1, $2, $3, $4) RETURNING id
			`, c.ID, c.Name, c.Description, definition).Scan(&id)
			if err != nil {
				return err
			}
			if err := syncSequence(ctx, tx, "rule_chains"); err != nil {
				return err
			}
		}

		for _, a := range c.TemplateAssociations {
			if _, err := tx.Exec(ctx, `
				INSERT INTO rule_chain_templates (chain_id, template_id, step_order, is_enabled)
				VALUES ($1, $2, $3, $4)
			`, id, a.TemplateID, a.StepOrder, a.Enabled()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			return 0, storage.ErrConflict
		}
		return 0, fmt.Errorf("inserting chain: %w", err)
	}
	return id, nil
}

// ChainsUsingTemplate returns the ids of chains that reference a template.
func (s *Store) ChainsUsingTemplate(ctx context.Context, templateID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT DISTINCT chain_id FROM rule_chain_templates WHERE template_id = $1 ORDER BY chain_id",
		templateID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying template usage: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scanning template usage: %w", err)
	}
	return ids, nil
}

func (s *Store) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.lookupTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.lookupTimeout)
}

// HealthCheck verifies the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// syncSequence moves a table's id sequence past explicitly inserted ids.
func syncSequence(ctx context.Context, tx pgx.Tx, table string) error {
	_, err := tx.Exec(ctx, fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), (SELECT MAX(id) FROM %[1]s))", table))
	return err
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
