package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/runtime"
)

// TaskCanceller cancels the in-flight task of a sandbox, if any. Implemented
// by the task scheduler; wired after construction to avoid a package cycle.
type TaskCanceller interface {
	CancelActive(ctx context.Context, sandboxID string) (bool, error)
}

// TerminationRecorder captures the implicit snapshot taken when a sandbox is
// terminated. Implemented by the snapshot manager.
type TerminationRecorder interface {
	CaptureTermination(ctx context.Context, sandboxID string) error
}

// ReadyHook runs after a sandbox first reaches idle. Used to submit the
// initial prompt of a snapshot clone.
type ReadyHook func(ctx context.Context, sb *Sandbox)

// CreateRequest carries the caller-supplied fields for a new sandbox.
type CreateRequest struct {
	CreatedBy          string
	Description        string
	Metadata           map[string]any
	Tags               []string
	IdleTimeoutSeconds int // 0 = default
	SnapshotID         string
	ParentID           string
	CopyCode           bool
	CopyEnv            bool
	InitPrompt         string
	Env                map[string]string
}

// UpdateRequest patches the mutable profile of a sandbox. Nil fields are
// left untouched.
type UpdateRequest struct {
	Description        *string
	Metadata           map[string]any
	Tags               []string
	IdleTimeoutSeconds *int
}

// Registry owns sandbox lifecycle transitions. Every state change is a
// compare-and-swap in the store, so concurrent engine instances serialize
// through the database rather than in-process locks.
type Registry struct {
	store       Store
	runtime     runtime.Runtime
	logger      *slog.Logger
	now         func() time.Time
	tasks       TaskCanceller
	snaps       TerminationRecorder
	onReady     ReadyHook
	idleDefault int
}

// NewRegistry creates a Registry. TaskCanceller, TerminationRecorder, and
// the ready hook are wired with the With setters before Start.
func NewRegistry(store Store, rt runtime.Runtime, logger *slog.Logger) *Registry {
	return &Registry{
		store:       store,
		runtime:     rt,
		logger:      logger,
		now:         time.Now,
		idleDefault: DefaultIdleTimeoutSeconds,
	}
}

// WithDefaultIdleTimeout overrides the idle timeout applied when a create
// request leaves it unset. Out-of-range values keep the package default.
func (r *Registry) WithDefaultIdleTimeout(seconds int) *Registry {
	if ValidateIdleTimeout(seconds) == nil {
		r.idleDefault = seconds
	}
	return r
}

// WithTaskCanceller wires the task scheduler's cancel path.
func (r *Registry) WithTaskCanceller(tc TaskCanceller) *Registry {
	r.tasks = tc
	return r
}

// WithTerminationRecorder wires the snapshot manager's implicit capture.
func (r *Registry) WithTerminationRecorder(tr TerminationRecorder) *Registry {
	r.snaps = tr
	return r
}

// WithReadyHook wires the callback invoked when a sandbox first reaches idle.
func (r *Registry) WithReadyHook(h ReadyHook) *Registry {
	r.onReady = h
	return r
}

// WithNow overrides the clock. Tests only.
func (r *Registry) WithNow(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Create validates the request, inserts the sandbox in initializing, and
// provisions the backing container in the background. The sandbox reaches
// idle when the runtime agent reports ready.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	if err := ValidateTags(req.Tags); err != nil {
		return nil, err
	}
	if err := validateDescription(req.Description); err != nil {
		return nil, err
	}
	timeout := req.IdleTimeoutSeconds
	if timeout == 0 {
		timeout = r.idleDefault
	}
	if err := ValidateIdleTimeout(timeout); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	sb := &Sandbox{
		ID:                 uuid.NewString(),
		CreatedBy:          req.CreatedBy,
		State:              StateInitializing,
		Description:        req.Description,
		Metadata:           req.Metadata,
		Tags:               req.Tags,
		SnapshotID:         req.SnapshotID,
		ParentID:           req.ParentID,
		IdleTimeoutSeconds: timeout,
		InitPrompt:         req.InitPrompt,
		LastActivityAt:     &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.store.Create(ctx, sb); err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	spec := runtime.ProvisionSpec{
		SandboxID:  sb.ID,
		SnapshotID: req.SnapshotID,
		CopyCode:   req.CopyCode,
		CopyEnv:    req.CopyEnv,
		Env:        req.Env,
	}
	go r.provision(sb.ID, spec)

	return sb, nil
}

// provision runs detached from the request context: a client disconnect must
// not abort container startup.
func (r *Registry) provision(id string, spec runtime.ProvisionSpec) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := r.runtime.Provision(ctx, spec); err != nil {
		r.logger.Error("sandbox provisioning failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
		if terr := r.BeginTermination(ctx, id, "provisioning failed"); terr != nil {
			r.logger.Warn("aborting failed sandbox",
				slog.String("sandbox_id", id),
				slog.String("error", terr.Error()),
			)
			return
		}
		if terr := r.FinalizeTermination(ctx, id); terr != nil {
			r.logger.Warn("finalizing failed sandbox",
				slog.String("sandbox_id", id),
				slog.String("error", terr.Error()),
			)
		}
	}
}

// Get returns a sandbox by id.
func (r *Registry) Get(ctx context.Context, id string) (*Sandbox, error) {
	return r.store.Get(ctx, id)
}

// List returns sandboxes matching the filter, newest first.
func (r *Registry) List(ctx context.Context, f Filter) ([]*Sandbox, error) {
	return r.store.List(ctx, f)
}

// Count returns the number of sandboxes matching the filter.
func (r *Registry) Count(ctx context.Context, f Filter) (int64, error) {
	return r.store.Count(ctx, f)
}

// Update patches the mutable profile. Terminated sandboxes are read-only.
func (r *Registry) Update(ctx context.Context, id string, req UpdateRequest) (*Sandbox, error) {
	sb, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sb.State.Terminal() {
		return nil, fmt.Errorf("%w: sandbox is terminated", domain.ErrConflict)
	}
	if req.Description != nil {
		if err := validateDescription(*req.Description); err != nil {
			return nil, err
		}
		sb.Description = *req.Description
	}
	if req.Metadata != nil {
		sb.Metadata = req.Metadata
	}
	if req.Tags != nil {
		if err := ValidateTags(req.Tags); err != nil {
			return nil, err
		}
		sb.Tags = req.Tags
	}
	if req.IdleTimeoutSeconds != nil {
		if err := ValidateIdleTimeout(*req.IdleTimeoutSeconds); err != nil {
			return nil, err
		}
		sb.IdleTimeoutSeconds = *req.IdleTimeoutSeconds
	}
	if err := r.store.UpdateProfile(ctx, sb); err != nil {
		return nil, fmt.Errorf("updating sandbox: %w", err)
	}
	return sb, nil
}

// Transition moves the sandbox along one lifecycle edge. Edges outside the
// transition table fail with ErrInvalidTransition before touching the store.
func (r *Registry) Transition(ctx context.Context, id string, target State) error {
	sb, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sb.State.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, sb.State, target)
	}

	switch target {
	case StateIdle:
		if sb.State == StateInitializing {
			return r.MarkReady(ctx, id)
		}
		return r.MarkIdle(ctx, id)
	case StateBusy:
		return r.MarkBusy(ctx, id)
	case StateTerminating:
		return r.BeginTermination(ctx, id, "requested")
	case StateTerminated:
		return r.FinalizeTermination(ctx, id)
	}
	return fmt.Errorf("%w: unknown state %q", domain.ErrValidation, target)
}

// MarkReady moves initializing -> idle and starts the idle clock. Fires the
// ready hook when an initial prompt is pending.
func (r *Registry) MarkReady(ctx context.Context, id string) error {
	now := r.now().UTC()
	ok, err := r.store.CompareAndSwapState(ctx, id, []State{StateInitializing}, StateChange{
		To:       StateIdle,
		IdleFrom: &now,
		Touch:    true,
	})
	if err != nil {
		return fmt.Errorf("marking ready: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: sandbox is not initializing", domain.ErrConflict)
	}
	r.logger.Info("sandbox ready", slog.String("sandbox_id", id))

	if r.onReady != nil {
		sb, err := r.store.Get(ctx, id)
		if err == nil && sb.InitPrompt != "" {
			r.onReady(ctx, sb)
		}
	}
	return nil
}

// MarkBusy flips idle -> busy, swapping the lifecycle clocks in the same
// write. Already-busy is a no-op; terminating and terminated refuse.
func (r *Registry) MarkBusy(ctx context.Context, id string) error {
	now := r.now().UTC()
	ok, err := r.store.CompareAndSwapState(ctx, id, []State{StateIdle}, StateChange{
		To:       StateBusy,
		BusyFrom: &now,
		Touch:    true,
	})
	if err != nil {
		return fmt.Errorf("marking busy: %w", err)
	}
	if ok {
		return nil
	}
	sb, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sb.State == StateBusy {
		return nil
	}
	return fmt.Errorf("%w: sandbox is %s", domain.ErrConflict, sb.State)
}

// MarkIdle flips busy -> idle and restarts the idle clock.
func (r *Registry) MarkIdle(ctx context.Context, id string) error {
	now := r.now().UTC()
	ok, err := r.store.CompareAndSwapState(ctx, id, []State{StateBusy}, StateChange{
		To:       StateIdle,
		IdleFrom: &now,
		Touch:    true,
	})
	if err != nil {
		return fmt.Errorf("marking idle: %w", err)
	}
	if ok {
		return nil
	}
	sb, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sb.State == StateIdle {
		return nil
	}
	return fmt.Errorf("%w: sandbox is %s", domain.ErrConflict, sb.State)
}

// Stop schedules a durable termination at now+delay. The delay is clamped to
// the five second floor. A stop that is already scheduled stays as it is.
func (r *Registry) Stop(ctx context.Context, id string, delaySeconds int, note string) (*Sandbox, error) {
	sb, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sb.State.Addressable() {
		return nil, fmt.Errorf("%w: sandbox is %s", domain.ErrConflict, sb.State)
	}
	if sb.StopAt != nil {
		return sb, nil
	}
	if delaySeconds < MinStopDelaySeconds {
		delaySeconds = MinStopDelaySeconds
	}
	at := r.now().UTC().Add(time.Duration(delaySeconds) * time.Second)
	if err := r.store.ScheduleStop(ctx, id, at, note); err != nil {
		return nil, fmt.Errorf("scheduling stop: %w", err)
	}
	sb.StopAt = &at
	sb.StopNote = note
	r.logger.Info("sandbox stop scheduled",
		slog.String("sandbox_id", id),
		slog.Time("stop_at", at),
	)
	return sb, nil
}

// CancelStop removes a scheduled stop. Removing a stop that never existed
// succeeds.
func (r *Registry) CancelStop(ctx context.Context, id string) error {
	if _, err := r.store.Get(ctx, id); err != nil {
		return err
	}
	return r.store.ClearStop(ctx, id)
}

// Restart tears down and re-provisions the backing container of an idle or
// busy sandbox. The active task, if any, is cancelled first.
func (r *Registry) Restart(ctx context.Context, id string) error {
	sb, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if sb.State != StateIdle && sb.State != StateBusy {
		return fmt.Errorf("%w: sandbox is %s", domain.ErrConflict, sb.State)
	}
	if r.tasks != nil {
		if _, err := r.tasks.CancelActive(ctx, id); err != nil {
			r.logger.Warn("cancelling task before restart",
				slog.String("sandbox_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	ok, err := r.store.CompareAndSwapState(ctx, id, []State{StateIdle, StateBusy}, StateChange{
		To:        StateInitializing,
		ClearStop: true,
		Touch:     true,
	})
	if err != nil {
		return fmt.Errorf("restarting sandbox: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: sandbox state changed", domain.ErrConflict)
	}
	if err := r.runtime.Destroy(ctx, id); err != nil {
		r.logger.Warn("destroying container before restart",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
	}
	go r.provision(id, runtime.ProvisionSpec{SandboxID: id})
	return nil
}

// BeginTermination moves the sandbox into terminating, clearing both
// lifecycle clocks and any scheduled stop, and cancels the active task.
// Initializing is accepted so failed provisions can be aborted.
func (r *Registry) BeginTermination(ctx context.Context, id, reason string) error {
	now := r.now().UTC()
	ok, err := r.store.CompareAndSwapState(ctx, id, []State{StateInitializing, StateIdle, StateBusy}, StateChange{
		To:               StateTerminating,
		TerminatingSince: &now,
		ClearStop:        true,
		Touch:            true,
	})
	if err != nil {
		return fmt.Errorf("beginning termination: %w", err)
	}
	if !ok {
		sb, gerr := r.store.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if sb.State == StateTerminating || sb.State == StateTerminated {
			return nil
		}
		return fmt.Errorf("%w: sandbox is %s", domain.ErrConflict, sb.State)
	}
	r.logger.Info("sandbox terminating",
		slog.String("sandbox_id", id),
		slog.String("reason", reason),
	)
	if r.tasks != nil {
		if _, err := r.tasks.CancelActive(ctx, id); err != nil {
			r.logger.Warn("cancelling task during termination",
				slog.String("sandbox_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// FinalizeTermination captures the termination snapshot, destroys the
// container, and moves terminating -> terminated. Snapshot and runtime
// failures are logged; the row still reaches terminated.
func (r *Registry) FinalizeTermination(ctx context.Context, id string) error {
	if r.snaps != nil {
		if err := r.snaps.CaptureTermination(ctx, id); err != nil {
			r.logger.Warn("termination snapshot failed",
				slog.String("sandbox_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := r.runtime.Destroy(ctx, id); err != nil {
		r.logger.Warn("destroying container",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
	}
	ok, err := r.store.CompareAndSwapState(ctx, id, []State{StateTerminating}, StateChange{
		To:    StateTerminated,
		Touch: true,
	})
	if err != nil {
		return fmt.Errorf("finalizing termination: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: sandbox is not terminating", domain.ErrConflict)
	}
	r.logger.Info("sandbox terminated", slog.String("sandbox_id", id))
	return nil
}

// Delete terminates the sandbox if needed, then removes the row. Tasks
// cascade with the row; snapshots survive.
func (r *Registry) Delete(ctx context.Context, id string) error {
	sb, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sb.State.Terminal() {
		if err := r.BeginTermination(ctx, id, "deleted"); err != nil {
			return err
		}
		if err := r.FinalizeTermination(ctx, id); err != nil {
			return err
		}
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting sandbox: %w", err)
	}
	r.logger.Info("sandbox deleted", slog.String("sandbox_id", id))
	return nil
}
