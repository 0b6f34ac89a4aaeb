package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/snapshot"
)

// Compile-time interface check.
var _ snapshot.Store = (*SnapshotRepository)(nil)

// SnapshotRepository implements snapshot.Store with GORM.
type SnapshotRepository struct {
	db *gorm.DB
}

// NewSnapshotRepository creates a SnapshotRepository.
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Create inserts a snapshot record.
func (r *SnapshotRepository) Create(ctx context.Context, s *snapshot.Snapshot) error {
	model := toSnapshotModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}
	return nil
}

// Get loads one snapshot by ID.
func (r *SnapshotRepository) Get(ctx context.Context, id string) (*snapshot.Snapshot, error) {
	var model SnapshotModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	return toSnapshotDomain(&model), nil
}

func (r *SnapshotRepository) scoped(ctx context.Context, f snapshot.Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&SnapshotModel{})
	if f.SandboxID != "" {
		q = q.Where("sandbox_id = ?", f.SandboxID)
	}
	if f.Trigger != "" {
		q = q.Where("trigger_type = ?", string(f.Trigger))
	}
	return q
}

// List returns snapshots matching the filter, newest first.
func (r *SnapshotRepository) List(ctx context.Context, f snapshot.Filter) ([]*snapshot.Snapshot, error) {
	q := r.scoped(ctx, f).Order("created_at DESC, id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var models []SnapshotModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	out := make([]*snapshot.Snapshot, len(models))
	for i := range models {
		out[i] = toSnapshotDomain(&models[i])
	}
	return out, nil
}

// Count returns the number of snapshots matching the filter.
func (r *SnapshotRepository) Count(ctx context.Context, f snapshot.Filter) (int64, error) {
	var n int64
	if err := r.scoped(ctx, f).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting snapshots: %w", err)
	}
	return n, nil
}

// Delete removes the snapshot record.
func (r *SnapshotRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&SnapshotModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting snapshot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("snapshot %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
