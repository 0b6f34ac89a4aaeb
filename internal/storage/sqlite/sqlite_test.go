package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/RactorLabs/ractor/internal/domain"
	"github.com/RactorLabs/ractor/internal/sandbox"
	"github.com/RactorLabs/ractor/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, testLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// seedSandbox inserts a minimal sandbox row in the given state.
func seedSandbox(t *testing.T, repo sandbox.Store, state sandbox.State, mutate func(*sandbox.Sandbox)) *sandbox.Sandbox {
	t.Helper()
	now := time.Now().UTC()
	sb := &sandbox.Sandbox{
		ID:                 uuid.NewString(),
		CreatedBy:          "alice",
		State:              state,
		IdleTimeoutSeconds: sandbox.DefaultIdleTimeoutSeconds,
		LastActivityAt:     &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if mutate != nil {
		mutate(sb)
	}
	if err := repo.Create(context.Background(), sb); err != nil {
		t.Fatalf("seeding sandbox: %v", err)
	}
	return sb
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}, testLogger()); err == nil {
		t.Fatal("open without a path should fail")
	}
}

func TestDriverName(t *testing.T) {
	store := openStore(t)
	if store.Driver() != "sqlite" {
		t.Errorf("driver = %q, want sqlite", store.Driver())
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

// --- Sandboxes ---

func TestSandboxCompareAndSwap(t *testing.T) {
	store := openStore(t)
	repo := store.Sandboxes()
	ctx := context.Background()
	sb := seedSandbox(t, repo, sandbox.StateInitializing, nil)

	// Guard miss: the row is not idle.
	ok, err := repo.CompareAndSwapState(ctx, sb.ID, []sandbox.State{sandbox.StateIdle}, sandbox.StateChange{
		To: sandbox.StateBusy,
	})
	if err != nil {
		t.Fatalf("swapping: %v", err)
	}
	if ok {
		t.Fatal("swap with a stale guard should miss")
	}

	now := time.Now().UTC()
	ok, err = repo.CompareAndSwapState(ctx, sb.ID, []sandbox.State{sandbox.StateInitializing}, sandbox.StateChange{
		To:       sandbox.StateIdle,
		IdleFrom: &now,
		Touch:    true,
	})
	if err != nil || !ok {
		t.Fatalf("swap: ok=%v err=%v", ok, err)
	}

	got, err := repo.Get(ctx, sb.ID)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if got.State != sandbox.StateIdle || got.IdleFrom == nil || got.BusyFrom != nil {
		t.Errorf("row after swap: state=%s idle=%v busy=%v", got.State, got.IdleFrom, got.BusyFrom)
	}
}

func TestSandboxSwapClearsOtherClocks(t *testing.T) {
	store := openStore(t)
	repo := store.Sandboxes()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	sb := seedSandbox(t, repo, sandbox.StateIdle, func(s *sandbox.Sandbox) {
		s.IdleFrom = &past
		s.StopAt = &past
		s.StopNote = "old stop"
	})

	now := time.Now().UTC()
	ok, err := repo.CompareAndSwapState(ctx, sb.ID, []sandbox.State{sandbox.StateIdle}, sandbox.StateChange{
		To:               sandbox.StateTerminating,
		TerminatingSince: &now,
		ClearStop:        true,
	})
	if err != nil || !ok {
		t.Fatalf("swap: ok=%v err=%v", ok, err)
	}

	got, _ := repo.Get(ctx, sb.ID)
	if got.IdleFrom != nil || got.BusyFrom != nil {
		t.Errorf("lifecycle clocks survive a swap: idle=%v busy=%v", got.IdleFrom, got.BusyFrom)
	}
	if got.TerminatingSince == nil {
		t.Error("terminating clock should be set")
	}
	if got.StopAt != nil || got.StopNote != "" {
		t.Errorf("stop should be cleared: at=%v note=%q", got.StopAt, got.StopNote)
	}
}

func TestSandboxFilters(t *testing.T) {
	store := openStore(t)
	repo := store.Sandboxes()
	ctx := context.Background()

	a := seedSandbox(t, repo, sandbox.StateIdle, func(s *sandbox.Sandbox) {
		s.Tags = []string{"team/payments", "env.prod"}
	})
	seedSandbox(t, repo, sandbox.StateBusy, func(s *sandbox.Sandbox) {
		s.CreatedBy = "bob"
		s.Tags = []string{"team/search"}
	})
	seedSandbox(t, repo, sandbox.StateTerminated, nil)

	got, err := repo.List(ctx, sandbox.Filter{Tag: "team/payments"})
	if err != nil {
		t.Fatalf("listing by tag: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("tag filter returned %d rows", len(got))
	}

	n, err := repo.Count(ctx, sandbox.Filter{CreatedBy: "bob"})
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if n != 1 {
		t.Errorf("created_by count = %d, want 1", n)
	}

	got, err = repo.List(ctx, sandbox.Filter{States: []sandbox.State{sandbox.StateIdle, sandbox.StateBusy}})
	if err != nil {
		t.Fatalf("listing by state: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("state filter returned %d rows, want 2", len(got))
	}
}

func TestSandboxDeleteCascadesTasks(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	sb := seedSandbox(t, store.Sandboxes(), sandbox.StateIdle, nil)

	now := time.Now().UTC()
	tk := &task.Task{
		ID:        uuid.NewString(),
		SandboxID: sb.ID,
		Status:    task.StatusCompleted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.Tasks().Create(ctx, tk); err != nil {
		t.Fatalf("creating task: %v", err)
	}

	if err := store.Sandboxes().Delete(ctx, sb.ID); err != nil {
		t.Fatalf("deleting sandbox: %v", err)
	}
	if _, err := store.Tasks().Get(ctx, sb.ID, tk.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("task after cascade: got %v, want ErrNotFound", err)
	}
}

// --- Tasks ---

func TestTaskSingleFlightInsert(t *testing.T) {
	store := openStore(t)
	repo := store.Tasks()
	ctx := context.Background()
	sb := seedSandbox(t, store.Sandboxes(), sandbox.StateIdle, nil)

	now := time.Now().UTC()
	mk := func(status task.Status) *task.Task {
		return &task.Task{
			ID:        uuid.NewString(),
			SandboxID: sb.ID,
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	first := mk(task.StatusPending)
	ok, err := repo.CreateIfNoneActive(ctx, first)
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}

	ok, err = repo.CreateIfNoneActive(ctx, mk(task.StatusPending))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ok {
		t.Fatal("second insert should lose the slot")
	}

	// Freeing the slot lets the next insert through.
	first.Status = task.StatusCompleted
	if ok, err := repo.SaveIf(ctx, first, task.ActiveStatuses); err != nil || !ok {
		t.Fatalf("completing: ok=%v err=%v", ok, err)
	}
	ok, err = repo.CreateIfNoneActive(ctx, mk(task.StatusPending))
	if err != nil || !ok {
		t.Fatalf("insert after release: ok=%v err=%v", ok, err)
	}
}

func TestTaskSingleFlightConcurrent(t *testing.T) {
	store := openStore(t)
	repo := store.Tasks()
	ctx := context.Background()
	sb := seedSandbox(t, store.Sandboxes(), sandbox.StateIdle, nil)

	now := time.Now().UTC()
	const racers = 10
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.CreateIfNoneActive(ctx, &task.Task{
				ID:        uuid.NewString(),
				SandboxID: sb.ID,
				Status:    task.StatusPending,
				CreatedAt: now,
				UpdatedAt: now,
			})
			if err != nil {
				t.Errorf("racing insert: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	n, err := repo.Count(ctx, sb.ID, task.Filter{Statuses: task.ActiveStatuses})
	if err != nil {
		t.Fatalf("counting active: %v", err)
	}
	if n != 1 {
		t.Errorf("active rows = %d, want 1", n)
	}
}

func TestTaskListOrdering(t *testing.T) {
	store := openStore(t)
	repo := store.Tasks()
	ctx := context.Background()
	sb := seedSandbox(t, store.Sandboxes(), sandbox.StateIdle, nil)

	now := time.Now().UTC()
	// Reverse-lexical insert order with one shared creation time; the id
	// breaks the tie, so physical order must not leak through.
	for _, id := range []string{"task-bbb", "task-aaa"} {
		tk := &task.Task{
			ID:        id,
			SandboxID: sb.ID,
			Status:    task.StatusCompleted,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := repo.Create(ctx, tk); err != nil {
			t.Fatalf("seeding task: %v", err)
		}
	}
	older := &task.Task{
		ID:        "task-zzz",
		SandboxID: sb.ID,
		Status:    task.StatusCompleted,
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now.Add(-time.Minute),
	}
	if err := repo.Create(ctx, older); err != nil {
		t.Fatalf("seeding task: %v", err)
	}

	got, err := repo.List(ctx, sb.ID, task.Filter{})
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	want := []string{"task-zzz", "task-aaa", "task-bbb"}
	if len(got) != len(want) {
		t.Fatalf("rows = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("row %d = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestTaskSaveIfGuard(t *testing.T) {
	store := openStore(t)
	repo := store.Tasks()
	ctx := context.Background()
	sb := seedSandbox(t, store.Sandboxes(), sandbox.StateIdle, nil)

	now := time.Now().UTC()
	tk := &task.Task{
		ID:        uuid.NewString(),
		SandboxID: sb.ID,
		Status:    task.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ok, err := repo.CreateIfNoneActive(ctx, tk); err != nil || !ok {
		t.Fatalf("inserting: ok=%v err=%v", ok, err)
	}

	// A writer that believes the task is processing loses.
	tk.Status = task.StatusFailed
	ok, err := repo.SaveIf(ctx, tk, []task.Status{task.StatusProcessing})
	if err != nil {
		t.Fatalf("guarded save: %v", err)
	}
	if ok {
		t.Fatal("save with a stale guard should miss")
	}
	got, _ := repo.Get(ctx, sb.ID, tk.ID)
	if got.Status != task.StatusPending {
		t.Errorf("status = %s, want pending untouched", got.Status)
	}
}

func TestTaskActiveBySandbox(t *testing.T) {
	store := openStore(t)
	repo := store.Tasks()
	ctx := context.Background()
	sb := seedSandbox(t, store.Sandboxes(), sandbox.StateIdle, nil)

	if _, err := repo.ActiveBySandbox(ctx, sb.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("empty slot: got %v, want ErrNotFound", err)
	}

	now := time.Now().UTC()
	tk := &task.Task{
		ID:        uuid.NewString(),
		SandboxID: sb.ID,
		Status:    task.StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ok, err := repo.CreateIfNoneActive(ctx, tk); err != nil || !ok {
		t.Fatalf("inserting: ok=%v err=%v", ok, err)
	}
	got, err := repo.ActiveBySandbox(ctx, sb.ID)
	if err != nil {
		t.Fatalf("reading active: %v", err)
	}
	if got.ID != tk.ID {
		t.Errorf("active task = %s, want %s", got.ID, tk.ID)
	}
}

func TestTaskTimedOutQuery(t *testing.T) {
	store := openStore(t)
	repo := store.Tasks()
	ctx := context.Background()
	sb := seedSandbox(t, store.Sandboxes(), sandbox.StateIdle, nil)

	now := time.Now().UTC()
	overdue := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	rows := []*task.Task{
		{ID: uuid.NewString(), SandboxID: sb.ID, Status: task.StatusProcessing, TimeoutAt: &overdue},
		{ID: uuid.NewString(), SandboxID: sb.ID, Status: task.StatusCompleted, TimeoutAt: &overdue},
		{ID: uuid.NewString(), SandboxID: sb.ID, Status: task.StatusPending, TimeoutAt: &future},
		{ID: uuid.NewString(), SandboxID: sb.ID, Status: task.StatusPending},
	}
	for _, tk := range rows {
		tk.CreatedAt, tk.UpdatedAt = now, now
		if err := repo.Create(ctx, tk); err != nil {
			t.Fatalf("seeding task: %v", err)
		}
	}

	got, err := repo.TimedOut(ctx, now, 10)
	if err != nil {
		t.Fatalf("listing timed out: %v", err)
	}
	if len(got) != 1 || got[0].ID != rows[0].ID {
		t.Errorf("timed out rows = %d, want only the overdue active task", len(got))
	}
}

func TestTaskListSince(t *testing.T) {
	store := openStore(t)
	repo := store.Tasks()
	ctx := context.Background()
	sb := seedSandbox(t, store.Sandboxes(), sandbox.StateIdle, nil)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		tk := &task.Task{
			ID:        uuid.NewString(),
			SandboxID: sb.ID,
			Status:    task.StatusCompleted,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, tk); err != nil {
			t.Fatalf("seeding task: %v", err)
		}
	}

	all, err := repo.ListSince(ctx, sb.ID, nil)
	if err != nil {
		t.Fatalf("listing all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d rows, want 3", len(all))
	}
	if !all[0].CreatedAt.Before(all[2].CreatedAt) {
		t.Error("expected oldest first")
	}

	cutoff := base.Add(30 * time.Second)
	since, err := repo.ListSince(ctx, sb.ID, &cutoff)
	if err != nil {
		t.Fatalf("listing since: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("since = %d rows, want 2", len(since))
	}
}

// --- Sweep queries ---

func TestSweepQueries(t *testing.T) {
	store := openStore(t)
	repo := store.Sandboxes()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	recent := now.Add(-time.Minute)

	dueStop := seedSandbox(t, repo, sandbox.StateIdle, func(s *sandbox.Sandbox) {
		s.IdleFrom = &recent
		s.StopAt = &past
	})
	idleExpired := seedSandbox(t, repo, sandbox.StateIdle, func(s *sandbox.Sandbox) {
		s.IdleFrom = &past
	})
	idleFresh := seedSandbox(t, repo, sandbox.StateIdle, func(s *sandbox.Sandbox) {
		s.IdleFrom = &recent
	})
	terminating := seedSandbox(t, repo, sandbox.StateTerminating, func(s *sandbox.Sandbox) {
		s.TerminatingSince = &past
	})
	stuck := seedSandbox(t, repo, sandbox.StateInitializing, func(s *sandbox.Sandbox) {
		s.CreatedAt = past
	})
	lostClock := seedSandbox(t, repo, sandbox.StateBusy, nil)

	ids := func(sbs []*sandbox.Sandbox) map[string]bool {
		out := make(map[string]bool, len(sbs))
		for _, sb := range sbs {
			out[sb.ID] = true
		}
		return out
	}

	got, err := repo.DueForStop(ctx, now, 50)
	if err != nil {
		t.Fatalf("due stops: %v", err)
	}
	if set := ids(got); len(set) != 1 || !set[dueStop.ID] {
		t.Errorf("due stops = %v", set)
	}

	got, err = repo.IdleExpired(ctx, now, 50)
	if err != nil {
		t.Fatalf("idle expired: %v", err)
	}
	if set := ids(got); !set[idleExpired.ID] || set[idleFresh.ID] {
		t.Errorf("idle expired = %v", set)
	}

	got, err = repo.TerminatingBefore(ctx, now.Add(-sandbox.TerminationGrace), 50)
	if err != nil {
		t.Fatalf("terminating before: %v", err)
	}
	if set := ids(got); len(set) != 1 || !set[terminating.ID] {
		t.Errorf("terminating = %v", set)
	}

	got, err = repo.StuckInitializing(ctx, now, 50)
	if err != nil {
		t.Fatalf("stuck initializing: %v", err)
	}
	if set := ids(got); len(set) != 1 || !set[stuck.ID] {
		t.Errorf("stuck = %v", set)
	}

	got, err = repo.MissingClock(ctx, 50)
	if err != nil {
		t.Fatalf("missing clock: %v", err)
	}
	if set := ids(got); len(set) != 1 || !set[lostClock.ID] {
		t.Errorf("missing clock = %v", set)
	}
}
