package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a chain or template does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an entity with the given ID already exists.
	ErrConflict = errors.New("already exists")
)
