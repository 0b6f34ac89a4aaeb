package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/task"
)

// Compile-time interface check.
var _ task.Store = (*TaskRepository)(nil)

// TaskRepository implements task.Store with GORM.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a TaskRepository.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// CreateIfNoneActive inserts the task only when its sandbox has no
// non-terminal task. The guard and the insert are a single statement, so
// two concurrent submits cannot both claim the slot.
func (r *TaskRepository) CreateIfNoneActive(ctx context.Context, t *task.Task) (bool, error) {
	m := toTaskModel(t)
	res := r.db.WithContext(ctx).Exec(`
		INSERT INTO tasks (
			id, sandbox_id, created_by, status,
			input, output, steps, error, context_length,
			timeout_seconds, timeout_at, created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM tasks
			WHERE sandbox_id = ? AND status IN ?
		)`,
		m.ID, m.SandboxID, m.CreatedBy, m.Status,
		[]byte(m.Input), []byte(m.Output), []byte(m.Steps), m.Error, m.ContextLength,
		m.TimeoutSeconds, m.TimeoutAt, m.CreatedAt, m.UpdatedAt,
		m.SandboxID, statusStrings(task.ActiveStatuses),
	)
	if res.Error != nil {
		return false, fmt.Errorf("inserting task: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Create inserts unconditionally. Marker tasks are born terminal and never
// contend for the sandbox's slot.
func (r *TaskRepository) Create(ctx context.Context, t *task.Task) error {
	m := toTaskModel(t)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

// Get loads one task scoped to its sandbox.
func (r *TaskRepository) Get(ctx context.Context, sandboxID, id string) (*task.Task, error) {
	var m TaskModel
	err := r.db.WithContext(ctx).
		Where("id = ? AND sandbox_id = ?", id, sandboxID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	return toTaskDomain(&m), nil
}

func (r *TaskRepository) scoped(ctx context.Context, sandboxID string, f task.Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&TaskModel{}).Where("sandbox_id = ?", sandboxID)
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}
	return q
}

// List returns a sandbox's tasks oldest first, with the id as a
// deterministic tie-break for rows sharing a creation time.
func (r *TaskRepository) List(ctx context.Context, sandboxID string, f task.Filter) ([]*task.Task, error) {
	q := r.scoped(ctx, sandboxID, f).Order("created_at ASC, id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var models []TaskModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return toTaskSlice(models), nil
}

// Count returns the number of a sandbox's tasks matching the filter.
func (r *TaskRepository) Count(ctx context.Context, sandboxID string, f task.Filter) (int64, error) {
	var n int64
	if err := r.scoped(ctx, sandboxID, f).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("counting tasks: %w", err)
	}
	return n, nil
}

// ActiveBySandbox returns the sandbox's non-terminal task, or ErrNotFound
// when the slot is free.
func (r *TaskRepository) ActiveBySandbox(ctx context.Context, sandboxID string) (*task.Task, error) {
	var m TaskModel
	err := r.db.WithContext(ctx).
		Where("sandbox_id = ? AND status IN ?", sandboxID, statusStrings(task.ActiveStatuses)).
		Order("created_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no active task for sandbox %s: %w", sandboxID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading active task: %w", err)
	}
	return toTaskDomain(&m), nil
}

// SaveIf persists the task's mutable fields only if the row's current
// status is one of expect.
func (r *TaskRepository) SaveIf(ctx context.Context, t *task.Task, expect []task.Status) (bool, error) {
	m := toTaskModel(t)
	res := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("id = ? AND status IN ?", t.ID, statusStrings(expect)).
		Updates(map[string]any{
			"status":          m.Status,
			"output":          m.Output,
			"steps":           m.Steps,
			"error":           m.Error,
			"context_length":  m.ContextLength,
			"timeout_seconds": m.TimeoutSeconds,
			"timeout_at":      m.TimeoutAt,
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("saving task: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// TimedOut returns non-terminal tasks whose deadline has passed.
func (r *TaskRepository) TimedOut(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	var models []TaskModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND timeout_at IS NOT NULL AND timeout_at <= ?",
			statusStrings(task.ActiveStatuses), now.UTC()).
		Order("timeout_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing timed out tasks: %w", err)
	}
	return toTaskSlice(models), nil
}

// ListSince returns a sandbox's tasks created after since, oldest first.
// A nil since means all tasks.
func (r *TaskRepository) ListSince(ctx context.Context, sandboxID string, since *time.Time) ([]*task.Task, error) {
	q := r.db.WithContext(ctx).Where("sandbox_id = ?", sandboxID)
	if since != nil {
		q = q.Where("created_at > ?", since.UTC())
	}

	var models []TaskModel
	if err := q.Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tasks since cutoff: %w", err)
	}
	return toTaskSlice(models), nil
}

func toTaskSlice(models []TaskModel) []*task.Task {
	out := make([]*task.Task, len(models))
	for i := range models {
		out[i] = toTaskDomain(&models[i])
	}
	return out
}

func statusStrings(statuses []task.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
