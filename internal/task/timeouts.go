package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// FailTimedOut forces every non-terminal task past its deadline into failed,
// with the timeout recorded in the error field and as a final step, then
// releases the sandbox. The write is guarded by the task's current status,
// so an agent completing the task concurrently wins and the forced failure
// becomes a no-op. Returns how many tasks were failed.
func (s *Scheduler) FailTimedOut(ctx context.Context, now time.Time, limit int) (int, error) {
	tasks, err := s.store.TimedOut(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("listing timed out tasks: %w", err)
	}

	failed := 0
	for _, t := range tasks {
		prev := t.Status
		msg := fmt.Sprintf("task timed out after %d seconds", t.TimeoutSeconds)
		t.Status = StatusFailed
		t.Error = msg
		t.Steps = append(t.Steps, Step{Type: "timeout", Content: msg, CreatedAt: now})
		t.UpdatedAt = now

		ok, err := s.store.SaveIf(ctx, t, []Status{prev})
		if err != nil {
			s.logger.Warn("failing timed out task",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			// The agent finished it first.
			continue
		}
		failed++
		s.notifier.notify(t.ID, StatusFailed)
		s.releaseIfQuiet(ctx, t.SandboxID)
		s.logger.Info("task timed out",
			slog.String("sandbox_id", t.SandboxID),
			slog.String("task_id", t.ID),
			slog.Int("timeout_seconds", t.TimeoutSeconds),
		)
	}
	return failed, nil
}
