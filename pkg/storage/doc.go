// Package storage defines the read-only repositories the engine resolves
// chains and templates from, plus the sentinel errors shared by the
// adapter implementations (memory, postgres).
package storage
