package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/runtime"
	"github.com/RactorLabs/ractor/internal/sandbox"
)

// CreateFromRequest configures a sandbox created from a snapshot. Content is
// always restored; code and env follow the copy flags.
type CreateFromRequest struct {
	CreatedBy string

	// Metadata overrides the snapshot's metadata when non-nil.
	Metadata map[string]any

	Description        string
	Tags               []string
	IdleTimeoutSeconds int

	CopyCode bool
	CopyEnv  bool

	// Prompt, when set, is submitted as the clone's first task once it
	// reaches idle.
	Prompt string
}

// Manager captures snapshots and provisions sandboxes from them.
type Manager struct {
	store    Store
	registry *sandbox.Registry
	runtime  runtime.Runtime
	logger   *slog.Logger
	now      func() time.Time
	dir      string
}

// NewManager creates a Manager. dir is the host directory where exported
// snapshot archives live.
func NewManager(store Store, registry *sandbox.Registry, rt runtime.Runtime, dir string, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		runtime:  rt,
		logger:   logger,
		now:      time.Now,
		dir:      dir,
	}
}

// WithNow overrides the clock. Tests only.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Capture exports the sandbox filesystem and records the snapshot. Manual
// captures of terminated sandboxes are refused; the termination path uses
// CaptureTermination before the container is destroyed.
func (m *Manager) Capture(ctx context.Context, sandboxID string, trigger TriggerType, createdBy string, metadata map[string]any) (*Snapshot, error) {
	sb, err := m.registry.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if trigger == TriggerManual && sb.State.Terminal() {
		return nil, fmt.Errorf("%w: sandbox is terminated", domain.ErrConflict)
	}

	s := &Snapshot{
		ID:          uuid.NewString(),
		SandboxID:   sandboxID,
		TriggerType: trigger,
		CreatedBy:   createdBy,
		Metadata:    metadata,
		CreatedAt:   m.now().UTC(),
	}

	hostDir := filepath.Join(m.dir, s.ID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot dir: %w", err)
	}
	if err := m.runtime.Export(ctx, sandboxID, hostDir); err != nil {
		return nil, fmt.Errorf("%w: exporting sandbox filesystem: %v", domain.ErrUpstream, err)
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("recording snapshot: %w", err)
	}

	m.logger.Info("snapshot captured",
		slog.String("snapshot_id", s.ID),
		slog.String("sandbox_id", sandboxID),
		slog.String("trigger", string(trigger)),
	)
	return s, nil
}

// CaptureTermination implements sandbox.TerminationRecorder.
func (m *Manager) CaptureTermination(ctx context.Context, sandboxID string) error {
	_, err := m.Capture(ctx, sandboxID, TriggerTermination, "system", nil)
	return err
}

// CreateFrom provisions a new sandbox seeded from the snapshot. The clone
// records the snapshot as its seed and the snapshot's sandbox as its parent,
// which fixes the lineage tree at creation.
func (m *Manager) CreateFrom(ctx context.Context, snapshotID string, req CreateFromRequest) (*sandbox.Sandbox, error) {
	s, err := m.store.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	metadata := req.Metadata
	if metadata == nil {
		metadata = s.Metadata
	}
	sb, err := m.registry.Create(ctx, sandbox.CreateRequest{
		CreatedBy:          req.CreatedBy,
		Description:        req.Description,
		Metadata:           metadata,
		Tags:               req.Tags,
		IdleTimeoutSeconds: req.IdleTimeoutSeconds,
		SnapshotID:         s.ID,
		ParentID:           s.SandboxID,
		CopyCode:           req.CopyCode,
		CopyEnv:            req.CopyEnv,
		InitPrompt:         req.Prompt,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("sandbox created from snapshot",
		slog.String("snapshot_id", s.ID),
		slog.String("sandbox_id", sb.ID),
		slog.String("parent_id", s.SandboxID),
		slog.Bool("copy_code", req.CopyCode),
		slog.Bool("copy_env", req.CopyEnv),
	)
	return sb, nil
}

// Get returns one snapshot record.
func (m *Manager) Get(ctx context.Context, id string) (*Snapshot, error) {
	return m.store.Get(ctx, id)
}

// List returns snapshot records, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Snapshot, error) {
	return m.store.List(ctx, f)
}

// Count returns the number of snapshots matching the filter.
func (m *Manager) Count(ctx context.Context, f Filter) (int64, error) {
	return m.store.Count(ctx, f)
}

// Delete removes the record and the archived filesystem.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(m.dir, id)); err != nil {
		m.logger.Warn("removing snapshot archive",
			slog.String("snapshot_id", id),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
