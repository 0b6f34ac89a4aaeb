// Package reaper runs the periodic lifecycle sweep: repairing lost clocks,
// executing due stops, expiring idle sandboxes, finalizing terminations
// after the grace window, and failing tasks past their deadline.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RactorLabs/ractor/internal/observability"
	"github.com/RactorLabs/ractor/internal/sandbox"
	"github.com/RactorLabs/ractor/internal/task"
)

const sweepTimeout = 60 * time.Second

// Reaper owns the sweep loop. Every write it performs is a guarded
// compare-and-swap, so sandboxes and tasks that change concurrently simply
// fall out of the batch. The reaper never surfaces user-visible errors; it
// logs, counts, and moves on.
type Reaper struct {
	sandboxes sandbox.Store
	registry  *sandbox.Registry
	scheduler *task.Scheduler
	logger    *slog.Logger
	metrics   *observability.MetricsCollector
	now       func() time.Time

	schedule string
	batch    int
	cron     *cron.Cron
}

// New creates a Reaper. schedule is a cron expression or @every form;
// batch caps rows per sweep query.
func New(sandboxes sandbox.Store, registry *sandbox.Registry, scheduler *task.Scheduler, schedule string, batch int, logger *slog.Logger) *Reaper {
	if schedule == "" {
		schedule = "@every 30s"
	}
	if batch <= 0 {
		batch = 50
	}
	return &Reaper{
		sandboxes: sandboxes,
		registry:  registry,
		scheduler: scheduler,
		logger:    logger,
		now:       time.Now,
		schedule:  schedule,
		batch:     batch,
	}
}

// WithMetrics wires the sweep counters.
func (r *Reaper) WithMetrics(m *observability.MetricsCollector) *Reaper {
	r.metrics = m
	return r
}

// WithNow overrides the clock. Tests only.
func (r *Reaper) WithNow(now func() time.Time) *Reaper {
	r.now = now
	return r
}

// Start schedules the sweep and returns a stop function.
func (r *Reaper) Start() (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		r.Sweep(ctx)
	}); err != nil {
		return nil, err
	}
	c.Start()
	r.cron = c
	r.logger.Info("reaper started", slog.String("schedule", r.schedule))

	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
		r.logger.Info("reaper stopped")
	}, nil
}

// Sweep runs one full pass. Exported so tests and the serve command can
// trigger it directly.
func (r *Reaper) Sweep(ctx context.Context) {
	start := r.now()
	now := start.UTC()

	r.repairClocks(ctx, now)
	r.executeDueStops(ctx, now)
	r.expireIdle(ctx, now)
	r.finalizeTerminating(ctx, now)
	r.failTimedOutTasks(ctx, now)

	r.metrics.ObserveSweep(r.now().Sub(start))
}

// repairClocks restores the lifecycle clock of running sandboxes whose
// clock columns were lost to a crash mid-transition. Without a clock an
// idle sandbox would never expire.
func (r *Reaper) repairClocks(ctx context.Context, now time.Time) {
	sbs, err := r.sandboxes.MissingClock(ctx, r.batch)
	if err != nil {
		r.logger.Warn("listing sandboxes with missing clocks", slog.String("error", err.Error()))
		return
	}
	repaired := 0
	for _, sb := range sbs {
		change := sandbox.StateChange{To: sb.State}
		switch sb.State {
		case sandbox.StateIdle:
			change.IdleFrom = &now
		case sandbox.StateBusy:
			change.BusyFrom = &now
		default:
			continue
		}
		ok, err := r.sandboxes.CompareAndSwapState(ctx, sb.ID, []sandbox.State{sb.State}, change)
		if err != nil {
			r.logger.Warn("repairing lifecycle clock",
				slog.String("sandbox_id", sb.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			repaired++
			r.logger.Info("repaired lifecycle clock",
				slog.String("sandbox_id", sb.ID),
				slog.String("state", string(sb.State)),
			)
		}
	}
	r.metrics.CountReaperAction("clock_repair", repaired)
}

// executeDueStops begins termination for sandboxes whose scheduled stop time
// has passed.
func (r *Reaper) executeDueStops(ctx context.Context, now time.Time) {
	sbs, err := r.sandboxes.DueForStop(ctx, now, r.batch)
	if err != nil {
		r.logger.Warn("listing due stops", slog.String("error", err.Error()))
		return
	}
	stopped := 0
	for _, sb := range sbs {
		reason := "scheduled stop"
		if sb.StopNote != "" {
			reason = "scheduled stop: " + sb.StopNote
		}
		if err := r.registry.BeginTermination(ctx, sb.ID, reason); err != nil {
			r.logger.Warn("executing scheduled stop",
				slog.String("sandbox_id", sb.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		stopped++
	}
	r.metrics.CountReaperAction("due_stop", stopped)
}

// expireIdle begins termination for sandboxes idle past their timeout and
// for sandboxes stuck in initializing longer than their timeout.
func (r *Reaper) expireIdle(ctx context.Context, now time.Time) {
	expired := 0

	sbs, err := r.sandboxes.IdleExpired(ctx, now, r.batch)
	if err != nil {
		r.logger.Warn("listing idle-expired sandboxes", slog.String("error", err.Error()))
	} else {
		for _, sb := range sbs {
			if err := r.registry.BeginTermination(ctx, sb.ID, "idle timeout"); err != nil {
				r.logger.Warn("expiring idle sandbox",
					slog.String("sandbox_id", sb.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			expired++
		}
	}

	stuck, err := r.sandboxes.StuckInitializing(ctx, now, r.batch)
	if err != nil {
		r.logger.Warn("listing stuck-initializing sandboxes", slog.String("error", err.Error()))
	} else {
		for _, sb := range stuck {
			if err := r.registry.BeginTermination(ctx, sb.ID, "startup timeout"); err != nil {
				r.logger.Warn("aborting stuck sandbox",
					slog.String("sandbox_id", sb.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			expired++
		}
	}
	r.metrics.CountReaperAction("idle_expiry", expired)
}

// finalizeTerminating completes termination for sandboxes that have sat in
// terminating through the grace window.
func (r *Reaper) finalizeTerminating(ctx context.Context, now time.Time) {
	cutoff := now.Add(-sandbox.TerminationGrace)
	sbs, err := r.sandboxes.TerminatingBefore(ctx, cutoff, r.batch)
	if err != nil {
		r.logger.Warn("listing terminating sandboxes", slog.String("error", err.Error()))
		return
	}
	finalized := 0
	for _, sb := range sbs {
		if err := r.registry.FinalizeTermination(ctx, sb.ID); err != nil {
			r.logger.Warn("finalizing termination",
				slog.String("sandbox_id", sb.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		finalized++
	}
	r.metrics.CountReaperAction("finalize", finalized)
}

// failTimedOutTasks delegates to the scheduler's forced-timeout path.
func (r *Reaper) failTimedOutTasks(ctx context.Context, now time.Time) {
	n, err := r.scheduler.FailTimedOut(ctx, now, r.batch)
	if err != nil {
		r.logger.Warn("failing timed out tasks", slog.String("error", err.Error()))
		return
	}
	r.metrics.CountTimeouts(n)
}
