package postgres

import (
	"context"

	"github.com/RactorLabs/ractor/internal/sandbox"
	"github.com/RactorLabs/ractor/internal/snapshot"
	"github.com/RactorLabs/ractor/internal/storage"
	"github.com/RactorLabs/ractor/internal/task"
)

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Store bundles the PostgreSQL repositories behind the unified storage
// interface.
type Store struct {
	db        *DB
	sandboxes *SandboxRepository
	tasks     *TaskRepository
	snapshots *SnapshotRepository
}

// NewStore creates a Store over an open connection.
func NewStore(db *DB) *Store {
	gdb := db.GormDB()
	return &Store{
		db:        db,
		sandboxes: NewSandboxRepository(gdb),
		tasks:     NewTaskRepository(gdb),
		snapshots: NewSnapshotRepository(gdb),
	}
}

func (s *Store) Sandboxes() sandbox.Store  { return s.sandboxes }
func (s *Store) Tasks() task.Store         { return s.tasks }
func (s *Store) Snapshots() snapshot.Store { return s.snapshots }

// Migrate re-runs AutoMigrate. Open already migrates; this exists for the
// explicit migrate command.
func (s *Store) Migrate(ctx context.Context) error {
	return AutoMigrate(s.db.GormDB().WithContext(ctx))
}

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }
func (s *Store) Driver() string                 { return storage.DriverPostgres }
