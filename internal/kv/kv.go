// Package kv provides the small string key/value stores that back chat
// history persistence.
//
// Three backends are available: SQLite (the default, a single file in the
// user's XDG data directory), PostgreSQL for shared deployments, and an
// in-memory map for tests and ephemeral runs. All implementations are safe
// for concurrent use.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is a string key/value store.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend. Further calls return ErrClosed.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is one of BackendSQLite, BackendPostgres or BackendMemory.
	// Empty selects SQLite.
	Backend string

	// Path is the SQLite database file. Empty uses DefaultSQLitePath.
	Path string

	// DSN is the PostgreSQL connection string.
	DSN string
}

// Open creates the store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendSQLite:
		return OpenSQLite(ctx, opts.Path)
	case BackendPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("kv: postgres backend requires a dsn")
		}
		return OpenPostgres(ctx, opts.DSN)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("kv: unknown backend %q", opts.Backend)
	}
}
