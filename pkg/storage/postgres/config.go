package postgres

import "time"

// Config holds the connection pool and lookup settings of a Store.
type Config struct {
	DSN string

	// Pool sizing. Chain resolution issues one query per chain and one
	// per referenced template, so the pool mostly serves short reads.
	MaxConns        int32         // default: 25
	MinConns        int32         // default: 2
	MaxConnLifetime time.Duration // default: 5m

	// LookupTimeout bounds a single chain or template read. A run that
	// cannot resolve its chain in time fails before any model call.
	LookupTimeout time.Duration // default: 5s

	MigrateOnStart bool
}

func (c *Config) defaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 25
	}
	if c.MinConns <= 0 {
		c.MinConns = 2
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 5 * time.Minute
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 5 * time.Second
	}
}
