// Package storage defines the unified Store interface that abstracts all
// persistence operations. Two backends are provided: SQLite (default,
// zero-config) and PostgreSQL (production/multi-instance).
package storage

import (
	"context"

	"github.com/RactorLabs/ractor/internal/sandbox"
	"github.com/RactorLabs/ractor/internal/snapshot"
	"github.com/RactorLabs/ractor/internal/task"
)

// Store is the unified persistence interface for the engine. It provides
// access to the domain-specific sub-stores through accessor methods; the
// returned stores share the same underlying connection.
type Store interface {
	Sandboxes() sandbox.Store
	Tasks() task.Store
	Snapshots() snapshot.Store

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
