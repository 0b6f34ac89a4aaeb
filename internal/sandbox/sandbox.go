// Package sandbox owns the sandbox lifecycle: the entity, the closed state
// machine, and the Registry service that performs validated transitions
// against the store.
package sandbox

import "time"

// State is the lifecycle state of a sandbox. The vocabulary is closed;
// unknown strings never enter the system.
type State string

const (
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StateBusy         State = "busy"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
)

// transitions is the full lifecycle edge table. Anything not listed here
// is rejected.
var transitions = map[State][]State{
	StateInitializing: {StateIdle, StateTerminating},
	StateIdle:         {StateBusy, StateTerminating},
	StateBusy:         {StateIdle, StateTerminating},
	StateTerminating:  {StateTerminated},
	StateTerminated:   {},
}

// ParseState converts a raw string into a State, reporting whether it is a
// member of the lifecycle vocabulary.
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateInitializing, StateIdle, StateBusy, StateTerminating, StateTerminated:
		return State(s), true
	}
	return "", false
}

// CanTransitionTo reports whether the edge s -> to is in the lifecycle table.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state has no outgoing edges.
func (s State) Terminal() bool { return s == StateTerminated }

// Addressable reports whether the sandbox still accepts work and mutations.
// Terminating and terminated sandboxes are past the point of no return.
func (s State) Addressable() bool {
	return s != StateTerminating && s != StateTerminated
}

const (
	// DefaultIdleTimeoutSeconds applies when a sandbox is created without an
	// explicit idle timeout.
	DefaultIdleTimeoutSeconds = 900

	// MaxIdleTimeoutSeconds caps the idle timeout at seven days.
	MaxIdleTimeoutSeconds = 604800

	// MinStopDelaySeconds is the shortest scheduled-stop delay accepted.
	MinStopDelaySeconds = 5

	// TerminationGrace is how long a sandbox may sit in terminating before
	// the reaper finalizes it.
	TerminationGrace = 5 * time.Second
)

// Sandbox is the lifecycle entity. It carries no ORM tags; the storage layer
// maps it to its own row model.
type Sandbox struct {
	ID          string
	CreatedBy   string
	State       State
	Description string
	Metadata    map[string]any
	Tags        []string

	// SnapshotID is the snapshot this sandbox was provisioned from, if any.
	// ParentID is the sandbox it was forked from via snapshot restore.
	SnapshotID string
	ParentID   string

	// Exactly one of IdleFrom and BusyFrom is set while the sandbox is
	// running; both are cleared once termination begins.
	IdleTimeoutSeconds int
	IdleFrom           *time.Time
	BusyFrom           *time.Time

	// StopAt schedules a durable stop; StopNote is recorded with it.
	StopAt   *time.Time
	StopNote string

	// TerminatingSince marks entry into terminating for grace accounting.
	TerminatingSince *time.Time

	// Context accounting. LastContextLength is the prompt length the agent
	// last reported; ContextCutoffAt fences off history cleared or compacted
	// away; ContextMeasuredAt is when the length was reported.
	LastContextLength int64
	ContextCutoffAt   *time.Time
	ContextMeasuredAt *time.Time

	// InitPrompt is submitted as the first task once the sandbox reaches idle.
	InitPrompt string

	LastActivityAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Busy reports whether the sandbox is currently executing a task.
func (sb *Sandbox) Busy() bool { return sb.State == StateBusy }

// IdleExpired reports whether the sandbox has been idle longer than its
// idle timeout. Only meaningful in the idle state with the idle clock set.
func (sb *Sandbox) IdleExpired(now time.Time) bool {
	if sb.State != StateIdle || sb.IdleFrom == nil || sb.IdleTimeoutSeconds <= 0 {
		return false
	}
	return now.Sub(*sb.IdleFrom) >= time.Duration(sb.IdleTimeoutSeconds)*time.Second
}
