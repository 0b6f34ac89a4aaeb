package sandbox

import (
	"context"
	"time"
)

// StateChange is the target of a compare-and-swap transition. All three
// lifecycle clocks are written on every swap; a nil pointer clears the
// column. This keeps the "at most one clock set" invariant enforceable in
// one UPDATE.
type StateChange struct {
	To               State
	IdleFrom         *time.Time
	BusyFrom         *time.Time
	TerminatingSince *time.Time

	// ClearStop removes a scheduled stop along with the transition.
	ClearStop bool

	// Touch bumps last_activity_at to the transition time.
	Touch bool
}

// Filter narrows List and Count.
type Filter struct {
	States    []State
	CreatedBy string
	Tag       string
	ParentID  string
	Limit     int
	Offset    int
}

// Store is the persistence boundary for sandboxes. All state transitions go
// through CompareAndSwapState so that concurrent engine instances cannot
// race each other past the lifecycle table.
type Store interface {
	Create(ctx context.Context, sb *Sandbox) error
	Get(ctx context.Context, id string) (*Sandbox, error)
	List(ctx context.Context, f Filter) ([]*Sandbox, error)
	Count(ctx context.Context, f Filter) (int64, error)

	// UpdateProfile persists the mutable, non-lifecycle fields: description,
	// metadata, tags, and idle timeout.
	UpdateProfile(ctx context.Context, sb *Sandbox) error

	// Delete removes the row. Tasks cascade.
	Delete(ctx context.Context, id string) error

	// CompareAndSwapState applies change only if the row's current state is
	// one of expect. Returns false with a nil error when the guard missed.
	CompareAndSwapState(ctx context.Context, id string, expect []State, change StateChange) (bool, error)

	// ScheduleStop records a durable stop time and note. ClearStop removes it.
	ScheduleStop(ctx context.Context, id string, at time.Time, note string) error
	ClearStop(ctx context.Context, id string) error

	// SetContextLength records the agent-reported prompt length.
	// SetContextCutoff advances the history fence.
	SetContextLength(ctx context.Context, id string, length int64, measuredAt time.Time) error
	SetContextCutoff(ctx context.Context, id string, cutoff time.Time) error

	// Sweep queries, used by the reaper. Each returns at most limit rows.
	// IdleExpired and StuckInitializing apply each row's own idle timeout
	// against now; TerminatingBefore compares terminating_since to cutoff.
	DueForStop(ctx context.Context, now time.Time, limit int) ([]*Sandbox, error)
	IdleExpired(ctx context.Context, now time.Time, limit int) ([]*Sandbox, error)
	TerminatingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Sandbox, error)
	StuckInitializing(ctx context.Context, now time.Time, limit int) ([]*Sandbox, error)

	// MissingClock finds running sandboxes where both lifecycle clocks are
	// null, which can happen after a crash mid-transition.
	MissingClock(ctx context.Context, limit int) ([]*Sandbox, error)
}
