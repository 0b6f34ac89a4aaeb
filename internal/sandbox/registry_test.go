package sandbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/runtime"
	"github.com/RactorLabs/ractor/internal/sandbox"
	sqlitestore "github.com/RactorLabs/ractor/internal/storage/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	store, err := sqlitestore.Open(sqlitestore.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	}, testLogger())
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testRegistry(t *testing.T) (*sandbox.Registry, sandbox.Store, *runtime.Fake) {
	t.Helper()
	store := testStore(t)
	rt := runtime.NewFake()
	reg := sandbox.NewRegistry(store.Sandboxes(), rt, testLogger())
	return reg, store.Sandboxes(), rt
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRegistryCreateDefaults(t *testing.T) {
	reg, _, rt := testRegistry(t)
	ctx := context.Background()

	sb, err := reg.Create(ctx, sandbox.CreateRequest{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if sb.State != sandbox.StateInitializing {
		t.Errorf("state = %s, want initializing", sb.State)
	}
	if sb.IdleTimeoutSeconds != sandbox.DefaultIdleTimeoutSeconds {
		t.Errorf("idle timeout = %d, want %d", sb.IdleTimeoutSeconds, sandbox.DefaultIdleTimeoutSeconds)
	}
	if sb.LastActivityAt == nil {
		t.Error("last activity should be set on create")
	}

	waitFor(t, func() bool { return rt.ProvisionedCount() > 0 }, "container was never provisioned")
	if got := rt.ProvisionedSpec(0).SandboxID; got != sb.ID {
		t.Errorf("provisioned sandbox = %s, want %s", got, sb.ID)
	}
}

func TestRegistryConfiguredIdleDefault(t *testing.T) {
	reg, _, _ := testRegistry(t)
	reg.WithDefaultIdleTimeout(1800)
	ctx := context.Background()

	sb, err := reg.Create(ctx, sandbox.CreateRequest{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if sb.IdleTimeoutSeconds != 1800 {
		t.Errorf("idle timeout = %d, want the configured 1800", sb.IdleTimeoutSeconds)
	}

	// An explicit request value still wins.
	sb, err = reg.Create(ctx, sandbox.CreateRequest{CreatedBy: "alice", IdleTimeoutSeconds: 60})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if sb.IdleTimeoutSeconds != 60 {
		t.Errorf("idle timeout = %d, want the request's 60", sb.IdleTimeoutSeconds)
	}

	// An out-of-range override is ignored.
	reg.WithDefaultIdleTimeout(-1)
	sb, err = reg.Create(ctx, sandbox.CreateRequest{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if sb.IdleTimeoutSeconds != 1800 {
		t.Errorf("idle timeout = %d, want the last valid default", sb.IdleTimeoutSeconds)
	}
}

func TestRegistryCreateValidation(t *testing.T) {
	reg, _, _ := testRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, sandbox.CreateRequest{Tags: []string{"NOT OK"}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("invalid tag: got %v, want ErrValidation", err)
	}
	_, err = reg.Create(ctx, sandbox.CreateRequest{IdleTimeoutSeconds: -5})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("negative idle timeout: got %v, want ErrValidation", err)
	}
}

func TestRegistryReadyAndBusyClocks(t *testing.T) {
	reg, store, _ := testRegistry(t)
	ctx := context.Background()

	sb, err := reg.Create(ctx, sandbox.CreateRequest{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}

	if err := reg.MarkReady(ctx, sb.ID); err != nil {
		t.Fatalf("marking ready: %v", err)
	}
	got, _ := store.Get(ctx, sb.ID)
	if got.State != sandbox.StateIdle {
		t.Fatalf("state = %s, want idle", got.State)
	}
	if got.IdleFrom == nil || got.BusyFrom != nil {
		t.Error("idle state must have only the idle clock set")
	}

	// Ready twice fails: the sandbox is no longer initializing.
	if err := reg.MarkReady(ctx, sb.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second MarkReady: got %v, want ErrConflict", err)
	}

	if err := reg.MarkBusy(ctx, sb.ID); err != nil {
		t.Fatalf("marking busy: %v", err)
	}
	got, _ = store.Get(ctx, sb.ID)
	if got.State != sandbox.StateBusy {
		t.Fatalf("state = %s, want busy", got.State)
	}
	if got.BusyFrom == nil || got.IdleFrom != nil {
		t.Error("busy state must have only the busy clock set")
	}

	// Already busy is a no-op.
	if err := reg.MarkBusy(ctx, sb.ID); err != nil {
		t.Errorf("MarkBusy on busy sandbox: %v", err)
	}

	if err := reg.MarkIdle(ctx, sb.ID); err != nil {
		t.Fatalf("marking idle: %v", err)
	}
	got, _ = store.Get(ctx, sb.ID)
	if got.IdleFrom == nil || got.BusyFrom != nil {
		t.Error("idle clock should restart after release")
	}
}

func TestRegistryTransitionRejectsUnknownEdges(t *testing.T) {
	reg, _, _ := testRegistry(t)
	ctx := context.Background()

	sb, err := reg.Create(ctx, sandbox.CreateRequest{})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}

	// initializing -> busy is not in the lifecycle table.
	err = reg.Transition(ctx, sb.ID, sandbox.StateBusy)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("initializing -> busy: got %v, want ErrInvalidTransition", err)
	}

	// initializing -> terminated skips terminating.
	err = reg.Transition(ctx, sb.ID, sandbox.StateTerminated)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("initializing -> terminated: got %v, want ErrInvalidTransition", err)
	}
}

func TestRegistryStopScheduling(t *testing.T) {
	reg, store, _ := testRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	reg.WithNow(func() time.Time { return base })

	sb, err := reg.Create(ctx, sandbox.CreateRequest{})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}

	// Delay below the floor clamps to five seconds.
	stopped, err := reg.Stop(ctx, sb.ID, 1, "maintenance")
	if err != nil {
		t.Fatalf("scheduling stop: %v", err)
	}
	wantAt := base.Add(time.Duration(sandbox.MinStopDelaySeconds) * time.Second)
	if stopped.StopAt == nil || !stopped.StopAt.Equal(wantAt) {
		t.Errorf("stop_at = %v, want %v", stopped.StopAt, wantAt)
	}

	// A second stop keeps the original schedule.
	again, err := reg.Stop(ctx, sb.ID, 3600, "later")
	if err != nil {
		t.Fatalf("rescheduling stop: %v", err)
	}
	if !again.StopAt.Equal(wantAt) {
		t.Errorf("second stop moved stop_at to %v, want unchanged %v", again.StopAt, wantAt)
	}
	if again.StopNote != "maintenance" {
		t.Errorf("stop note = %q, want the original", again.StopNote)
	}

	if err := reg.CancelStop(ctx, sb.ID); err != nil {
		t.Fatalf("cancelling stop: %v", err)
	}
	got, _ := store.Get(ctx, sb.ID)
	if got.StopAt != nil || got.StopNote != "" {
		t.Error("cancel should clear the scheduled stop")
	}

	// Cancelling again is fine.
	if err := reg.CancelStop(ctx, sb.ID); err != nil {
		t.Errorf("cancelling absent stop: %v", err)
	}
}

func TestRegistryTermination(t *testing.T) {
	reg, store, rt := testRegistry(t)
	ctx := context.Background()

	sb, err := reg.Create(ctx, sandbox.CreateRequest{})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if err := reg.MarkReady(ctx, sb.ID); err != nil {
		t.Fatalf("marking ready: %v", err)
	}
	if _, err := reg.Stop(ctx, sb.ID, 60, ""); err != nil {
		t.Fatalf("scheduling stop: %v", err)
	}

	if err := reg.BeginTermination(ctx, sb.ID, "test"); err != nil {
		t.Fatalf("beginning termination: %v", err)
	}
	got, _ := store.Get(ctx, sb.ID)
	if got.State != sandbox.StateTerminating {
		t.Fatalf("state = %s, want terminating", got.State)
	}
	if got.IdleFrom != nil || got.BusyFrom != nil {
		t.Error("termination must clear both lifecycle clocks")
	}
	if got.TerminatingSince == nil {
		t.Error("terminating_since should be set")
	}
	if got.StopAt != nil {
		t.Error("termination must clear the scheduled stop")
	}

	// Idempotent while terminating.
	if err := reg.BeginTermination(ctx, sb.ID, "again"); err != nil {
		t.Errorf("repeated BeginTermination: %v", err)
	}

	if err := reg.FinalizeTermination(ctx, sb.ID); err != nil {
		t.Fatalf("finalizing termination: %v", err)
	}
	got, _ = store.Get(ctx, sb.ID)
	if got.State != sandbox.StateTerminated {
		t.Fatalf("state = %s, want terminated", got.State)
	}
	if rt.DestroyedCount() == 0 {
		t.Error("container should be destroyed on finalize")
	}

	// Finalizing a terminated sandbox refuses.
	if err := reg.FinalizeTermination(ctx, sb.ID); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("second finalize: got %v, want ErrConflict", err)
	}

	// Terminated sandboxes are read-only.
	desc := "new description"
	if _, err := reg.Update(ctx, sb.ID, sandbox.UpdateRequest{Description: &desc}); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("updating terminated sandbox: got %v, want ErrConflict", err)
	}
	if _, err := reg.Stop(ctx, sb.ID, 60, ""); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("stopping terminated sandbox: got %v, want ErrConflict", err)
	}
}

func TestRegistryDelete(t *testing.T) {
	reg, store, _ := testRegistry(t)
	ctx := context.Background()

	sb, err := reg.Create(ctx, sandbox.CreateRequest{})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if err := reg.MarkReady(ctx, sb.ID); err != nil {
		t.Fatalf("marking ready: %v", err)
	}

	// Delete terminates first, then removes the row.
	if err := reg.Delete(ctx, sb.ID); err != nil {
		t.Fatalf("deleting sandbox: %v", err)
	}
	if _, err := store.Get(ctx, sb.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("after delete: got %v, want ErrNotFound", err)
	}
}

func TestRegistryUpdateProfile(t *testing.T) {
	reg, _, _ := testRegistry(t)
	ctx := context.Background()

	sb, err := reg.Create(ctx, sandbox.CreateRequest{Description: "before"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}

	desc := "after"
	timeout := 120
	got, err := reg.Update(ctx, sb.ID, sandbox.UpdateRequest{
		Description:        &desc,
		Tags:               []string{"env.test"},
		IdleTimeoutSeconds: &timeout,
	})
	if err != nil {
		t.Fatalf("updating sandbox: %v", err)
	}
	if got.Description != "after" || got.IdleTimeoutSeconds != 120 {
		t.Errorf("update not applied: %+v", got)
	}

	bad := 0
	if _, err := reg.Update(ctx, sb.ID, sandbox.UpdateRequest{IdleTimeoutSeconds: &bad}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero idle timeout: got %v, want ErrValidation", err)
	}
}

func TestRegistryReadyHook(t *testing.T) {
	reg, _, _ := testRegistry(t)
	ctx := context.Background()

	var hookedID string
	reg.WithReadyHook(func(_ context.Context, sb *sandbox.Sandbox) {
		hookedID = sb.ID
	})

	// No init prompt: the hook stays quiet.
	plain, err := reg.Create(ctx, sandbox.CreateRequest{})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if err := reg.MarkReady(ctx, plain.ID); err != nil {
		t.Fatalf("marking ready: %v", err)
	}
	if hookedID != "" {
		t.Error("ready hook fired without an init prompt")
	}

	seeded, err := reg.Create(ctx, sandbox.CreateRequest{InitPrompt: "continue the plan"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if err := reg.MarkReady(ctx, seeded.ID); err != nil {
		t.Fatalf("marking ready: %v", err)
	}
	if hookedID != seeded.ID {
		t.Errorf("ready hook saw %q, want %q", hookedID, seeded.ID)
	}
}
