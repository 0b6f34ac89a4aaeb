package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/sandbox"
)

// Compile-time interface check.
var _ sandbox.Store = (*SandboxRepository)(nil)

// SandboxRepository implements sandbox.Store with GORM.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// Create inserts a new sandbox row.
func (r *SandboxRepository) Create(ctx context.Context, sb *sandbox.Sandbox) error {
	model := toSandboxModel(sb)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("sandbox %s already exists: %w", sb.ID, domain.ErrConflict)
		}
		return fmt.Errorf("creating sandbox: %w", err)
	}
	return nil
}

// Get loads one sandbox by ID.
func (r *SandboxRepository) Get(ctx context.Context, id string) (*sandbox.Sandbox, error) {
	var model SandboxModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading sandbox: %w", err)
	}
	return toSandboxDomain(&model), nil
}

func (r *SandboxRepository) scoped(ctx context.Context, f sandbox.Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&SandboxModel{})
	if len(f.States) > 0 {
		q = q.Where("state IN ?", stateStrings(f.States))
	}
	if f.CreatedBy != "" {
		q = q.Where("created_by = ?", f.CreatedBy)
	}
	if f.Tag != "" {
		// Tags are stored as a JSON array of strings. A substring match on
		// the quoted tag is portable across jsonb and TEXT columns.
		q = q.Where("CAST(tags AS TEXT) LIKE ?", `%"`+f.Tag+`"%`)
	}
	if f.ParentID != "" {
		q = q.Where("parent_id = ?", f.ParentID)
	}
	return q
}

// List returns sandboxes matching the filter, newest first.
func (r *SandboxRepository) List(ctx context.Context, f sandbox.Filter) ([]*sandbox.Sandbox, error) {
	q := r.scoped(ctx, f).Order("created_at DESC, id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var models []SandboxModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	return toSandboxSlice(models), nil
}

// Count returns the number of sandboxes matching the filter.
func (r *SandboxRepository) Count(ctx context.Context, f sandbox.Filter) (int64, error) {
	var n int64
	if err := r.scoped(ctx, f).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting sandboxes: %w", err)
	}
	return n, nil
}

// UpdateProfile persists the mutable non-lifecycle fields.
func (r *SandboxRepository) UpdateProfile(ctx context.Context, sb *sandbox.Sandbox) error {
	res := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", sb.ID).
		Updates(map[string]any{
			"description":          sb.Description,
			"metadata":             marshalJSON(sb.Metadata),
			"tags":                 marshalJSON(sb.Tags),
			"idle_timeout_seconds": sb.IdleTimeoutSeconds,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("updating sandbox profile: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", sb.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes the sandbox row. Task rows cascade via the FK.
func (r *SandboxRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&SandboxModel{})
	if res.Error != nil {
		return fmt.Errorf("deleting sandbox: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CompareAndSwapState applies the transition in one guarded UPDATE. All
// three lifecycle clocks are written every time, which keeps the at-most-
// one-clock invariant intact even when a previous writer crashed.
func (r *SandboxRepository) CompareAndSwapState(ctx context.Context, id string, expect []sandbox.State, change sandbox.StateChange) (bool, error) {
	now := time.Now().UTC()
	updates := map[string]any{
		"state":             string(change.To),
		"idle_from":         change.IdleFrom,
		"busy_from":         change.BusyFrom,
		"terminating_since": change.TerminatingSince,
		"updated_at":        now,
	}
	if change.ClearStop {
		updates["stop_at"] = nil
		updates["stop_note"] = ""
	}
	if change.Touch {
		updates["last_activity_at"] = now
	}

	res := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ? AND state IN ?", id, stateStrings(expect)).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("swapping sandbox state: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ScheduleStop records a durable stop time and note.
func (r *SandboxRepository) ScheduleStop(ctx context.Context, id string, at time.Time, note string) error {
	res := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"stop_at":    at.UTC(),
			"stop_note":  note,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("scheduling stop: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ClearStop removes a scheduled stop.
func (r *SandboxRepository) ClearStop(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"stop_at":    nil,
			"stop_note":  "",
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("clearing stop: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// SetContextLength records the agent-reported prompt length and when it was
// measured.
func (r *SandboxRepository) SetContextLength(ctx context.Context, id string, length int64, measuredAt time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_context_length": length,
			"context_measured_at": measuredAt.UTC(),
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("recording context length: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// SetContextCutoff advances the history fence and zeroes the last reported
// length, which predates the new cutoff by definition.
func (r *SandboxRepository) SetContextCutoff(ctx context.Context, id string, cutoff time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"context_cutoff_at":   cutoff.UTC(),
			"last_context_length": 0,
			"updated_at":          time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("advancing context cutoff: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// DueForStop returns running sandboxes whose scheduled stop time has passed.
func (r *SandboxRepository) DueForStop(ctx context.Context, now time.Time, limit int) ([]*sandbox.Sandbox, error) {
	var models []SandboxModel
	err := r.db.WithContext(ctx).
		Where("state IN ? AND stop_at IS NOT NULL AND stop_at <= ?",
			[]string{string(sandbox.StateIdle), string(sandbox.StateBusy)}, now.UTC()).
		Order("stop_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing due stops: %w", err)
	}
	return toSandboxSlice(models), nil
}

// IdleExpired returns idle sandboxes whose own idle timeout has elapsed.
// Candidates are fetched oldest-clock-first and the per-row timeout is
// applied here, since the timeout lives in a column and a portable query
// cannot compare interval arithmetic across both backends.
func (r *SandboxRepository) IdleExpired(ctx context.Context, now time.Time, limit int) ([]*sandbox.Sandbox, error) {
	var models []SandboxModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND idle_from IS NOT NULL", string(sandbox.StateIdle)).
		Order("idle_from ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing idle sandboxes: %w", err)
	}

	out := make([]*sandbox.Sandbox, 0, len(models))
	for i := range models {
		sb := toSandboxDomain(&models[i])
		if sb.IdleExpired(now) {
			out = append(out, sb)
		}
	}
	return out, nil
}

// TerminatingBefore returns sandboxes that entered terminating before cutoff.
func (r *SandboxRepository) TerminatingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*sandbox.Sandbox, error) {
	var models []SandboxModel
	err := r.db.WithContext(ctx).
		Where("state = ? AND terminating_since IS NOT NULL AND terminating_since <= ?",
			string(sandbox.StateTerminating), cutoff.UTC()).
		Order("terminating_since ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing terminating sandboxes: %w", err)
	}
	return toSandboxSlice(models), nil
}

// StuckInitializing returns sandboxes that have sat in initializing longer
// than their idle timeout, measured from creation. Like IdleExpired, the
// per-row timeout is applied here.
func (r *SandboxRepository) StuckInitializing(ctx context.Context, now time.Time, limit int) ([]*sandbox.Sandbox, error) {
	var models []SandboxModel
	err := r.db.WithContext(ctx).
		Where("state = ?", string(sandbox.StateInitializing)).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing initializing sandboxes: %w", err)
	}

	out := make([]*sandbox.Sandbox, 0, len(models))
	for i := range models {
		sb := toSandboxDomain(&models[i])
		timeout := time.Duration(sb.IdleTimeoutSeconds) * time.Second
		if now.Sub(sb.CreatedAt) >= timeout {
			out = append(out, sb)
		}
	}
	return out, nil
}

// MissingClock returns running sandboxes with both lifecycle clocks null.
func (r *SandboxRepository) MissingClock(ctx context.Context, limit int) ([]*sandbox.Sandbox, error) {
	var models []SandboxModel
	err := r.db.WithContext(ctx).
		Where("state IN ? AND idle_from IS NULL AND busy_from IS NULL",
			[]string{string(sandbox.StateIdle), string(sandbox.StateBusy)}).
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes with missing clocks: %w", err)
	}
	return toSandboxSlice(models), nil
}

func toSandboxSlice(models []SandboxModel) []*sandbox.Sandbox {
	out := make([]*sandbox.Sandbox, len(models))
	for i := range models {
		out[i] = toSandboxDomain(&models[i])
	}
	return out
}

func stateStrings(states []sandbox.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
