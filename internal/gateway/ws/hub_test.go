package ws_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/RactorLabs/ractor/internal/gateway/ws"
	"github.com/RactorLabs/ractor/internal/protocol"
	"github.com/RactorLabs/ractor/internal/runtime"
	"github.com/RactorLabs/ractor/internal/sandbox"
	sqlitestore "github.com/RactorLabs/ractor/internal/storage/sqlite"
	"github.com/RactorLabs/ractor/internal/task"
)

const testToken = "agent-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	hub       *ws.Hub
	registry  *sandbox.Registry
	scheduler *task.Scheduler
	store     *sqlitestore.Store
	server    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
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

	reg := sandbox.NewRegistry(store.Sandboxes(), runtime.NewFake(), testLogger())
	sched := task.NewScheduler(store.Tasks(), reg, store.Sandboxes(), testLogger())
	acct := sandbox.NewAccountant(store.Sandboxes(), nil, 0, testLogger())
	hub := ws.NewHub(reg, sched, store.Tasks(), acct, testToken, testLogger())
	sched.WithDispatcher(hub).WithCancelNotifier(hub)

	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return &fixture{hub: hub, registry: reg, scheduler: sched, store: store, server: srv}
}

func (f *fixture) dial(t *testing.T, ctx context.Context) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, f.server.URL+"?token="+testToken, &websocket.DialOptions{
		Subprotocols: []string{"ractor-agent-v1"},
	})
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	return conn
}

func sendEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("writing envelope: %v", err)
	}
}

func readEnvelope(t *testing.T, ctx context.Context, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading envelope: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("parsing envelope: %v", err)
	}
	return &env
}

// register performs the registration handshake for the sandbox.
func register(t *testing.T, ctx context.Context, conn *websocket.Conn, sandboxID string) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.MsgSandboxRegister, protocol.RegisterPayload{
		SandboxID: sandboxID,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("building registration: %v", err)
	}
	sendEnvelope(t, ctx, conn, env)

	resp := readEnvelope(t, ctx, conn)
	if resp.Type != protocol.MsgRegistered {
		t.Fatalf("handshake reply = %s, want %s", resp.Type, protocol.MsgRegistered)
	}
}

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

func TestRejectsBadToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "?token=wrong")
	if err != nil {
		t.Fatalf("requesting: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestRegistrationUnknownSandbox(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	defer conn.Close(websocket.StatusNormalClosure, "")

	env, _ := protocol.NewEnvelope(protocol.MsgSandboxRegister, protocol.RegisterPayload{
		SandboxID: "does-not-exist",
	})
	sendEnvelope(t, ctx, conn, env)

	// The hub refuses registration by closing the connection.
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected the connection to be closed")
	}
}

func TestAgentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sb, err := f.registry.Create(ctx, sandbox.CreateRequest{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}

	conn := f.dial(t, ctx)
	defer conn.Close(websocket.StatusNormalClosure, "")
	register(t, ctx, conn, sb.ID)

	waitFor(t, func() bool { return f.hub.Connected(sb.ID) }, "agent never registered")

	// The agent reports its container booted; the sandbox becomes idle.
	ready, _ := protocol.NewEnvelope(protocol.MsgSandboxReady, nil)
	sendEnvelope(t, ctx, conn, ready)
	waitFor(t, func() bool {
		got, err := f.registry.Get(ctx, sb.ID)
		return err == nil && got.State == sandbox.StateIdle
	}, "sandbox never became idle")

	// A submission is pushed to the agent over the socket.
	tk, err := f.scheduler.Submit(ctx, sb.ID, task.SubmitRequest{
		CreatedBy:  "alice",
		Input:      map[string]any{"prompt": "run the suite"},
		Background: true,
	})
	if err != nil {
		t.Fatalf("submitting: %v", err)
	}

	assign := readEnvelope(t, ctx, conn)
	if assign.Type != protocol.MsgTaskAssign {
		t.Fatalf("pushed message = %s, want %s", assign.Type, protocol.MsgTaskAssign)
	}
	var assignment protocol.TaskAssignment
	if err := assign.Decode(&assignment); err != nil {
		t.Fatalf("decoding assignment: %v", err)
	}
	if assignment.TaskID != tk.ID || assignment.Input["prompt"] != "run the suite" {
		t.Errorf("assignment = %+v", assignment)
	}

	// The agent streams an update and finishes the task.
	status := string(task.StatusCompleted)
	text := "all green"
	upd, _ := protocol.NewEnvelope(protocol.MsgTaskUpdate, protocol.TaskUpdatePayload{
		Status:     &status,
		OutputText: &text,
	})
	upd.TaskID = tk.ID
	sendEnvelope(t, ctx, conn, upd)

	waitFor(t, func() bool {
		got, err := f.scheduler.Get(ctx, sb.ID, tk.ID)
		return err == nil && got.Status == task.StatusCompleted
	}, "task never completed")

	got, _ := f.scheduler.Get(ctx, sb.ID, tk.ID)
	if got.Output == nil || got.Output.Text != "all green" {
		t.Errorf("output = %+v", got.Output)
	}

	// Context reports land in the sandbox's accounting.
	rep, _ := protocol.NewEnvelope(protocol.MsgContextReport, protocol.ContextReportPayload{Tokens: 2048})
	sendEnvelope(t, ctx, conn, rep)
	waitFor(t, func() bool {
		got, err := f.store.Sandboxes().Get(ctx, sb.ID)
		return err == nil && got.LastContextLength == 2048
	}, "context report never recorded")
}

func TestPendingTaskDeliveredOnReconnect(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sb, err := f.registry.Create(ctx, sandbox.CreateRequest{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if err := f.registry.MarkReady(ctx, sb.ID); err != nil {
		t.Fatalf("marking ready: %v", err)
	}

	// Submitted while no agent is connected; dispatch fails quietly and the
	// task stays pending.
	tk, err := f.scheduler.Submit(ctx, sb.ID, task.SubmitRequest{
		Input:      map[string]any{"prompt": "catch up"},
		Background: true,
	})
	if err != nil {
		t.Fatalf("submitting: %v", err)
	}

	conn := f.dial(t, ctx)
	defer conn.Close(websocket.StatusNormalClosure, "")
	register(t, ctx, conn, sb.ID)

	// Right after the handshake the hub re-delivers the pending task.
	assign := readEnvelope(t, ctx, conn)
	if assign.Type != protocol.MsgTaskAssign || assign.TaskID != tk.ID {
		t.Errorf("redelivery = type %s task %s, want %s", assign.Type, assign.TaskID, tk.ID)
	}
}

func TestCancelNoticePushedToAgent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sb, err := f.registry.Create(ctx, sandbox.CreateRequest{CreatedBy: "alice"})
	if err != nil {
		t.Fatalf("creating sandbox: %v", err)
	}
	if err := f.registry.MarkReady(ctx, sb.ID); err != nil {
		t.Fatalf("marking ready: %v", err)
	}

	conn := f.dial(t, ctx)
	defer conn.Close(websocket.StatusNormalClosure, "")
	register(t, ctx, conn, sb.ID)
	waitFor(t, func() bool { return f.hub.Connected(sb.ID) }, "agent never registered")

	tk, err := f.scheduler.Submit(ctx, sb.ID, task.SubmitRequest{
		Input:      map[string]any{"prompt": "long analysis"},
		Background: true,
	})
	if err != nil {
		t.Fatalf("submitting: %v", err)
	}
	if assign := readEnvelope(t, ctx, conn); assign.Type != protocol.MsgTaskAssign {
		t.Fatalf("first push = %s, want %s", assign.Type, protocol.MsgTaskAssign)
	}

	cancelled, err := f.scheduler.Cancel(ctx, sb.ID)
	if err != nil {
		t.Fatalf("cancelling: %v", err)
	}
	if !cancelled {
		t.Fatal("cancel should have hit the in-flight task")
	}

	// The agent is told to abort without waiting for its next update.
	notice := readEnvelope(t, ctx, conn)
	if notice.Type != protocol.MsgTaskCancel || notice.TaskID != tk.ID {
		t.Errorf("notice = type %s task %s, want %s for %s",
			notice.Type, notice.TaskID, protocol.MsgTaskCancel, tk.ID)
	}
}

func TestDispatchWithoutConnection(t *testing.T) {
	f := newFixture(t)

	if f.hub.Connected("sb-orphan") {
		t.Error("no agent should be connected")
	}
	err := f.hub.Dispatch(context.Background(), "sb-orphan", &task.Task{ID: "tk-1"})
	if err == nil {
		t.Error("dispatch without a connection should fail")
	}
}
