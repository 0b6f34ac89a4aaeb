package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/sandbox"
)

const (
	// DefaultTimeoutSeconds applies when a submission omits the timeout.
	DefaultTimeoutSeconds = 3600

	// WaitInterval is the poll period of a synchronous submit.
	WaitInterval = 500 * time.Millisecond

	// WaitCeiling bounds a synchronous submit. Hitting it returns
	// ErrTimeout; the task keeps running.
	WaitCeiling = 15 * time.Minute
)

// ContextGuard rejects submissions when the sandbox's context window is
// considered full. Implemented by the context accountant.
type ContextGuard interface {
	CheckCapacity(ctx context.Context, sandboxID string) error
}

// Dispatcher pushes a newly accepted task to the sandbox's runtime agent.
// Implemented by the websocket hub. Delivery is best effort; an agent that
// is offline picks up the pending task when it reconnects.
type Dispatcher interface {
	Dispatch(ctx context.Context, sandboxID string, t *Task) error
}

// CancelNotifier tells the sandbox's runtime agent to abort its in-flight
// task. Implemented by the websocket hub. Best effort; an agent that misses
// the notice hits the terminal-task conflict on its next update.
type CancelNotifier interface {
	NotifyCancel(ctx context.Context, sandboxID, taskID, reason string)
}

// SubmitRequest carries a task submission.
type SubmitRequest struct {
	CreatedBy string
	Input     map[string]any

	// TimeoutSeconds: nil = default, <=0 = never times out.
	TimeoutSeconds *int

	// Background submissions return immediately; foreground ones wait for
	// a terminal status up to WaitCeiling.
	Background bool
}

// UpdateRequest carries a partial task update from the runtime agent.
type UpdateRequest struct {
	Status *Status

	// OutputText and OutputContent merge into the stored output
	// independently.
	OutputText    *string
	OutputContent *string

	// Steps are appended in order.
	Steps []Step

	Error *string

	// TimeoutSeconds re-arms the deadline from now.
	TimeoutSeconds *int

	// ContextLength mirrors into the sandbox's context accounting.
	ContextLength *int64
}

// Scheduler enforces the single-flight rule and drives tasks through their
// statuses. All cross-instance races resolve through guarded writes in the
// store, never in-process locks.
type Scheduler struct {
	store      Store
	registry   *sandbox.Registry
	sandboxes  sandbox.Store
	logger     *slog.Logger
	now        func() time.Time
	notifier   *notifier
	guard      ContextGuard
	dispatcher Dispatcher
	cancels    CancelNotifier
}

// NewScheduler creates a Scheduler. The guard and dispatcher are wired with
// the With setters.
func NewScheduler(store Store, registry *sandbox.Registry, sandboxes sandbox.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		registry:  registry,
		sandboxes: sandboxes,
		logger:    logger,
		now:       time.Now,
		notifier:  newNotifier(),
	}
}

// WithContextGuard wires the context-full submission guard.
func (s *Scheduler) WithContextGuard(g ContextGuard) *Scheduler {
	s.guard = g
	return s
}

// WithDispatcher wires the runtime agent channel.
func (s *Scheduler) WithDispatcher(d Dispatcher) *Scheduler {
	s.dispatcher = d
	return s
}

// WithCancelNotifier wires the runtime agent's cancel notice.
func (s *Scheduler) WithCancelNotifier(n CancelNotifier) *Scheduler {
	s.cancels = n
	return s
}

// WithNow overrides the clock. Tests only.
func (s *Scheduler) WithNow(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Submit accepts a task for the sandbox. The insert is conditional on the
// single-flight slot being free; losing the race returns ErrConflict.
// Foreground submissions then wait for a terminal status.
func (s *Scheduler) Submit(ctx context.Context, sandboxID string, req SubmitRequest) (*Task, error) {
	sb, err := s.registry.Get(ctx, sandboxID)
	if err != nil {
		return nil, err
	}
	if !sb.State.Addressable() {
		return nil, fmt.Errorf("%w: sandbox is %s", domain.ErrConflict, sb.State)
	}
	if s.guard != nil {
		if err := s.guard.CheckCapacity(ctx, sandboxID); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	t := &Task{
		ID:        uuid.NewString(),
		SandboxID: sandboxID,
		CreatedBy: req.CreatedBy,
		Status:    StatusPending,
		Input:     req.Input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	timeout := DefaultTimeoutSeconds
	if req.TimeoutSeconds != nil {
		timeout = *req.TimeoutSeconds
	}
	if timeout > 0 {
		t.TimeoutSeconds = timeout
		at := now.Add(time.Duration(timeout) * time.Second)
		t.TimeoutAt = &at
	}

	ok, err := s.store.CreateIfNoneActive(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: a task is already in flight", domain.ErrConflict)
	}

	if err := s.registry.MarkBusy(ctx, sandboxID); err != nil {
		// Termination raced the insert. Release the slot and refuse.
		t.Status = StatusCancelled
		t.Error = "sandbox became unavailable"
		if _, serr := s.store.SaveIf(ctx, t, ActiveStatuses); serr != nil {
			s.logger.Warn("releasing task after failed busy transition",
				slog.String("task_id", t.ID),
				slog.String("error", serr.Error()),
			)
		}
		return nil, err
	}

	if s.dispatcher != nil {
		if derr := s.dispatcher.Dispatch(ctx, sandboxID, t); derr != nil {
			s.logger.Warn("task dispatch deferred",
				slog.String("sandbox_id", sandboxID),
				slog.String("task_id", t.ID),
				slog.String("error", derr.Error()),
			)
		}
	}

	s.logger.Info("task submitted",
		slog.String("sandbox_id", sandboxID),
		slog.String("task_id", t.ID),
		slog.Bool("background", req.Background),
	)

	if req.Background {
		return t, nil
	}
	return s.waitTerminal(ctx, sandboxID, t.ID)
}

// waitTerminal blocks until the task reaches a terminal status, the ceiling
// passes, or ctx is done. The notifier short-circuits the poll for updates
// applied by this instance.
func (s *Scheduler) waitTerminal(ctx context.Context, sandboxID, taskID string) (*Task, error) {
	signal, cancel := s.notifier.subscribe(taskID)
	defer cancel()

	deadline := time.NewTimer(WaitCeiling)
	defer deadline.Stop()
	ticker := time.NewTicker(WaitInterval)
	defer ticker.Stop()

	for {
		t, err := s.store.Get(ctx, sandboxID, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status.Terminal() {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-deadline.C:
			return t, fmt.Errorf("%w: task still running after %s", domain.ErrTimeout, WaitCeiling)
		case <-signal:
		case <-ticker.C:
		}
	}
}

// Get returns one task of a sandbox.
func (s *Scheduler) Get(ctx context.Context, sandboxID, taskID string) (*Task, error) {
	return s.store.Get(ctx, sandboxID, taskID)
}

// List returns a sandbox's tasks, oldest first, paginated.
func (s *Scheduler) List(ctx context.Context, sandboxID string, f Filter) ([]*Task, error) {
	if _, err := s.registry.Get(ctx, sandboxID); err != nil {
		return nil, err
	}
	return s.store.List(ctx, sandboxID, f)
}

// Count returns the number of a sandbox's tasks matching the filter.
func (s *Scheduler) Count(ctx context.Context, sandboxID string, f Filter) (int64, error) {
	if _, err := s.registry.Get(ctx, sandboxID); err != nil {
		return 0, err
	}
	return s.store.Count(ctx, sandboxID, f)
}

// Update applies a partial update from the runtime agent. Terminal tasks are
// immutable; a terminal transition releases the sandbox back to idle when no
// other active task remains.
func (s *Scheduler) Update(ctx context.Context, sandboxID, taskID string, req UpdateRequest) (*Task, error) {
	t, err := s.store.Get(ctx, sandboxID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("%w: task is %s", domain.ErrConflict, t.Status)
	}
	prev := t.Status
	now := s.now().UTC()

	if req.OutputText != nil || req.OutputContent != nil {
		if t.Output == nil {
			t.Output = &Output{}
		}
		if req.OutputText != nil {
			t.Output.Text = *req.OutputText
		}
		if req.OutputContent != nil {
			t.Output.Content = *req.OutputContent
		}
	}
	for _, st := range req.Steps {
		if st.CreatedAt.IsZero() {
			st.CreatedAt = now
		}
		t.Steps = append(t.Steps, st)
	}
	if req.Error != nil {
		t.Error = *req.Error
	}
	if req.TimeoutSeconds != nil {
		t.TimeoutSeconds = *req.TimeoutSeconds
		if *req.TimeoutSeconds > 0 {
			at := now.Add(time.Duration(*req.TimeoutSeconds) * time.Second)
			t.TimeoutAt = &at
		} else {
			t.TimeoutAt = nil
		}
	}
	if req.ContextLength != nil {
		length := *req.ContextLength
		if length < 0 {
			length = 0
		}
		t.ContextLength = length
		if err := s.sandboxes.SetContextLength(ctx, sandboxID, length, now); err != nil {
			s.logger.Warn("mirroring context length",
				slog.String("sandbox_id", sandboxID),
				slog.String("error", err.Error()),
			)
		}
	}
	if req.Status != nil {
		if !validStatusChange(prev, *req.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, prev, *req.Status)
		}
		t.Status = *req.Status
	}
	t.UpdatedAt = now

	ok, err := s.store.SaveIf(ctx, t, []Status{prev})
	if err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: task changed concurrently", domain.ErrConflict)
	}

	if t.Status.Terminal() {
		s.notifier.notify(t.ID, t.Status)
		s.releaseIfQuiet(ctx, sandboxID)
	}
	return t, nil
}

// Cancel cancels the sandbox's in-flight task. Reports false when the slot
// was already free.
func (s *Scheduler) Cancel(ctx context.Context, sandboxID string) (bool, error) {
	return s.CancelActive(ctx, sandboxID)
}

// CancelActive implements sandbox.TaskCanceller.
func (s *Scheduler) CancelActive(ctx context.Context, sandboxID string) (bool, error) {
	t, err := s.store.ActiveBySandbox(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	prev := t.Status
	t.Status = StatusCancelled
	t.UpdatedAt = s.now().UTC()
	ok, err := s.store.SaveIf(ctx, t, []Status{prev})
	if err != nil {
		return false, fmt.Errorf("cancelling task: %w", err)
	}
	if !ok {
		// The task reached a terminal status first.
		return false, nil
	}
	s.notifier.notify(t.ID, StatusCancelled)
	if s.cancels != nil {
		s.cancels.NotifyCancel(ctx, sandboxID, t.ID, "task cancelled")
	}
	s.releaseIfQuiet(ctx, sandboxID)
	s.logger.Info("task cancelled",
		slog.String("sandbox_id", sandboxID),
		slog.String("task_id", t.ID),
	)
	return true, nil
}

// CreateMarker inserts a task that is born completed. Markers record
// context clear/compact events in the task history without occupying the
// single-flight slot.
func (s *Scheduler) CreateMarker(ctx context.Context, sandboxID, createdBy, title string, output *Output) (*Task, error) {
	now := s.now().UTC()
	t := &Task{
		ID:        uuid.NewString(),
		SandboxID: sandboxID,
		CreatedBy: createdBy,
		Status:    StatusCompleted,
		Input:     map[string]any{"marker": title},
		Output:    output,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("creating marker task: %w", err)
	}
	return t, nil
}

// releaseIfQuiet moves the sandbox back to idle when no active task remains.
// The recheck guards against a submit that slipped in between the terminal
// write and this call.
func (s *Scheduler) releaseIfQuiet(ctx context.Context, sandboxID string) {
	if _, err := s.store.ActiveBySandbox(ctx, sandboxID); err == nil {
		return
	} else if !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("checking active task before idle release",
			slog.String("sandbox_id", sandboxID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.registry.MarkIdle(ctx, sandboxID); err != nil && !errors.Is(err, domain.ErrConflict) {
		s.logger.Warn("releasing sandbox to idle",
			slog.String("sandbox_id", sandboxID),
			slog.String("error", err.Error()),
		)
	}
}

// validStatusChange is the task status edge table: pending may start
// processing or land terminal directly, processing may only land terminal.
func validStatusChange(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to.Terminal()
	case StatusProcessing:
		return to.Terminal()
	}
	return false
}
