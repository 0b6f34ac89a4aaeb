// Package task owns task records and the Scheduler that enforces the
// single-flight rule: at most one non-terminal task per sandbox.
package task

import (
	"context"
	"time"
)

// Status is the lifecycle status of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a raw string into a Status, reporting membership.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return Status(s), true
	}
	return "", false
}

// ActiveStatuses are the non-terminal statuses. At most one task per sandbox
// may hold one of these.
var ActiveStatuses = []Status{StatusPending, StatusProcessing}

// Output is the task result. Text and Content merge independently on update
// so an agent can stream them separately.
type Output struct {
	Text    string `json:"text,omitempty"`
	Content string `json:"content,omitempty"`
}

// Step is one progress entry. Steps are append-only while the task is
// non-terminal.
type Step struct {
	Type      string    `json:"type,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of work bound to one sandbox.
type Task struct {
	ID        string
	SandboxID string
	CreatedBy string
	Status    Status

	Input  map[string]any
	Output *Output
	Steps  []Step

	// Error is set when the task fails, including reaper-forced timeouts.
	Error string

	// ContextLength is the prompt length the agent reported for this task.
	ContextLength int64

	// TimeoutSeconds re-arms TimeoutAt on update. TimeoutAt nil means the
	// task never times out.
	TimeoutSeconds int
	TimeoutAt      *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the task still occupies its sandbox's single slot.
func (t *Task) Active() bool { return !t.Status.Terminal() }

// Filter narrows List and Count.
type Filter struct {
	Statuses []Status
	Limit    int
	Offset   int
}

// Store is the persistence boundary for tasks. Status changes go through
// SaveIf, an optimistic write guarded by the expected current status, so the
// reaper and a concurrently completing agent cannot both win.
type Store interface {
	// CreateIfNoneActive inserts the task only when the sandbox has no
	// non-terminal task. Returns false with a nil error when the slot is
	// taken. The check and insert are one transaction.
	CreateIfNoneActive(ctx context.Context, t *Task) (bool, error)

	// Create inserts unconditionally. Used for marker tasks that are born
	// terminal and never occupy the slot.
	Create(ctx context.Context, t *Task) error

	Get(ctx context.Context, sandboxID, id string) (*Task, error)
	List(ctx context.Context, sandboxID string, f Filter) ([]*Task, error)
	Count(ctx context.Context, sandboxID string, f Filter) (int64, error)

	// ActiveBySandbox returns the sandbox's non-terminal task, or
	// ErrNotFound when the slot is free.
	ActiveBySandbox(ctx context.Context, sandboxID string) (*Task, error)

	// SaveIf persists the task's mutable fields only if the row's current
	// status is one of expect. Returns false when the guard missed.
	SaveIf(ctx context.Context, t *Task, expect []Status) (bool, error)

	// TimedOut returns non-terminal tasks whose timeout_at has passed.
	TimedOut(ctx context.Context, now time.Time, limit int) ([]*Task, error)

	// ListSince returns a sandbox's tasks created after since (all tasks
	// when since is nil), oldest first. Feeds context compaction.
	ListSince(ctx context.Context, sandboxID string, since *time.Time) ([]*Task, error)
}
