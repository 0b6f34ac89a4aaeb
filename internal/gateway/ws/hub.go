// Package ws implements the WebSocket channel between the engine and the
// runtime agents living inside sandbox containers. Each agent connects once,
// registers its sandbox, and receives task assignments in real time instead
// of polling.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/RactorLabs/ractor/internal/protocol"
	"github.com/RactorLabs/ractor/internal/sandbox"
	"github.com/RactorLabs/ractor/internal/task"
)

const (
	registerTimeout   = 10 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Compile-time interface check.
var _ task.Dispatcher = (*Hub)(nil)

// Hub tracks connected runtime agents keyed by sandbox ID and routes task
// assignments to them. It implements task.Dispatcher; an agent that is
// offline picks its pending task up on reconnect.
type Hub struct {
	registry   *sandbox.Registry
	scheduler  *task.Scheduler
	tasks      task.Store
	accountant *sandbox.Accountant
	logger     *slog.Logger
	token      string

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// NewHub creates a Hub. token is the shared secret runtime agents present
// when connecting; empty disables the check.
func NewHub(reg *sandbox.Registry, sched *task.Scheduler, tasks task.Store, acct *sandbox.Accountant, token string, logger *slog.Logger) *Hub {
	return &Hub{
		registry:   reg,
		scheduler:  sched,
		tasks:      tasks,
		accountant: acct,
		logger:     logger,
		token:      token,
		conns:      make(map[string]*websocket.Conn),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.handleUpgrade)
}

// Connected reports whether the sandbox's agent currently holds a connection.
func (h *Hub) Connected(sandboxID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[sandboxID]
	return ok
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"ractor-agent-v1"},
	})
	if err != nil {
		h.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *Hub) handleConnection(ctx context.Context, conn *websocket.Conn) {
	var sandboxID string
	defer func() {
		if sandboxID != "" {
			h.detach(sandboxID, conn)
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	sandboxID, err := h.waitForRegistration(ctx, conn)
	if err != nil {
		h.logger.Error("agent registration failed", slog.String("error", err.Error()))
		return
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go h.heartbeatLoop(hbCtx, conn, sandboxID)

	// An agent reconnecting after a drop picks its pending task back up.
	h.deliverPending(ctx, conn, sandboxID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				h.logger.Info("agent disconnected", slog.String("sandbox_id", sandboxID))
			} else {
				h.logger.Warn("agent connection error",
					slog.String("sandbox_id", sandboxID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("invalid message from agent",
				slog.String("sandbox_id", sandboxID),
				slog.String("error", err.Error()),
			)
			continue
		}
		env.SandboxID = sandboxID

		h.handleMessage(ctx, sandboxID, &env)
	}
}

func (h *Hub) waitForRegistration(ctx context.Context, conn *websocket.Conn) (string, error) {
	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	_, data, err := conn.Read(regCtx)
	if err != nil {
		return "", fmt.Errorf("reading registration: %w", err)
	}

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("parsing registration: %w", err)
	}
	if env.Type != protocol.MsgSandboxRegister {
		return "", fmt.Errorf("expected %s, got %s", protocol.MsgSandboxRegister, env.Type)
	}

	var reg protocol.RegisterPayload
	if err := env.Decode(&reg); err != nil {
		return "", fmt.Errorf("parsing registration payload: %w", err)
	}
	if reg.SandboxID == "" {
		return "", fmt.Errorf("sandbox_id is required")
	}

	sb, err := h.registry.Get(ctx, reg.SandboxID)
	if err != nil {
		return "", fmt.Errorf("unknown sandbox %s: %w", reg.SandboxID, err)
	}
	if sb.State.Terminal() {
		return "", fmt.Errorf("sandbox %s is terminated", reg.SandboxID)
	}

	h.mu.Lock()
	h.conns[reg.SandboxID] = conn
	h.mu.Unlock()

	resp, _ := protocol.NewEnvelope(protocol.MsgRegistered, protocol.RegisteredPayload{
		Message: fmt.Sprintf("registered sandbox %s", reg.SandboxID),
	})
	resp.SandboxID = reg.SandboxID
	if err := h.writeEnvelope(ctx, conn, resp); err != nil {
		return "", fmt.Errorf("confirming registration: %w", err)
	}

	h.logger.Info("agent registered", slog.String("sandbox_id", reg.SandboxID))
	return reg.SandboxID, nil
}

func (h *Hub) handleMessage(ctx context.Context, sandboxID string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgSandboxReady:
		if err := h.registry.MarkReady(ctx, sandboxID); err != nil {
			h.logger.Warn("marking sandbox ready",
				slog.String("sandbox_id", sandboxID),
				slog.String("error", err.Error()),
			)
		}

	case protocol.MsgTaskUpdate:
		if env.TaskID == "" {
			h.logger.Warn("task update without task_id", slog.String("sandbox_id", sandboxID))
			return
		}
		var upd protocol.TaskUpdatePayload
		if err := env.Decode(&upd); err != nil {
			h.logger.Warn("invalid task update",
				slog.String("sandbox_id", sandboxID),
				slog.String("task_id", env.TaskID),
				slog.String("error", err.Error()),
			)
			return
		}
		h.applyTaskUpdate(ctx, sandboxID, env.TaskID, upd)

	case protocol.MsgContextReport:
		var rep protocol.ContextReportPayload
		if err := env.Decode(&rep); err == nil {
			if err := h.accountant.ReportUsage(ctx, sandboxID, rep.Tokens); err != nil {
				h.logger.Warn("recording context report",
					slog.String("sandbox_id", sandboxID),
					slog.String("error", err.Error()),
				)
			}
		}

	case protocol.MsgPong:
		// Heartbeat reply, nothing to do.

	default:
		h.logger.Warn("unknown message type from agent",
			slog.String("sandbox_id", sandboxID),
			slog.String("type", string(env.Type)),
		)
	}
}

func (h *Hub) applyTaskUpdate(ctx context.Context, sandboxID, taskID string, upd protocol.TaskUpdatePayload) {
	req := task.UpdateRequest{
		OutputText:     upd.OutputText,
		OutputContent:  upd.OutputContent,
		Error:          upd.Error,
		TimeoutSeconds: upd.TimeoutSeconds,
		ContextLength:  upd.ContextLength,
	}
	for _, st := range upd.Steps {
		req.Steps = append(req.Steps, task.Step{
			Type:      st.Type,
			Content:   st.Content,
			CreatedAt: st.CreatedAt,
		})
	}
	if upd.Status != nil {
		st, ok := task.ParseStatus(*upd.Status)
		if !ok {
			h.logger.Warn("unknown task status from agent",
				slog.String("sandbox_id", sandboxID),
				slog.String("task_id", taskID),
				slog.String("status", *upd.Status),
			)
			return
		}
		req.Status = &st
	}

	if _, err := h.scheduler.Update(ctx, sandboxID, taskID, req); err != nil {
		h.logger.Warn("applying task update",
			slog.String("sandbox_id", sandboxID),
			slog.String("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

// Dispatch implements task.Dispatcher. An agent without a connection
// returns an error; the task stays pending and is delivered on reconnect.
func (h *Hub) Dispatch(ctx context.Context, sandboxID string, t *task.Task) error {
	h.mu.RLock()
	conn, ok := h.conns[sandboxID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no agent connected for sandbox %s", sandboxID)
	}

	env, _ := protocol.NewEnvelope(protocol.MsgTaskAssign, protocol.TaskAssignment{
		TaskID:      t.ID,
		SandboxID:   sandboxID,
		Input:       t.Input,
		TimeoutSecs: t.TimeoutSeconds,
	})
	env.SandboxID = sandboxID
	env.TaskID = t.ID

	if err := h.writeEnvelope(ctx, conn, env); err != nil {
		return fmt.Errorf("sending task to sandbox %s: %w", sandboxID, err)
	}
	h.logger.Info("task dispatched",
		slog.String("sandbox_id", sandboxID),
		slog.String("task_id", t.ID),
	)
	return nil
}

// NotifyCancel tells the agent to abort its in-flight task. Best effort.
func (h *Hub) NotifyCancel(ctx context.Context, sandboxID, taskID, reason string) {
	h.mu.RLock()
	conn, ok := h.conns[sandboxID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	env, _ := protocol.NewEnvelope(protocol.MsgTaskCancel, protocol.TaskCancelPayload{Reason: reason})
	env.SandboxID = sandboxID
	env.TaskID = taskID
	if err := h.writeEnvelope(ctx, conn, env); err != nil {
		h.logger.Debug("cancel notice failed",
			slog.String("sandbox_id", sandboxID),
			slog.String("error", err.Error()),
		)
	}
}

// deliverPending re-sends the sandbox's active task, if any.
func (h *Hub) deliverPending(ctx context.Context, conn *websocket.Conn, sandboxID string) {
	t, err := h.tasks.ActiveBySandbox(ctx, sandboxID)
	if err != nil {
		return
	}
	env, _ := protocol.NewEnvelope(protocol.MsgTaskAssign, protocol.TaskAssignment{
		TaskID:      t.ID,
		SandboxID:   sandboxID,
		Input:       t.Input,
		TimeoutSecs: t.TimeoutSeconds,
	})
	env.SandboxID = sandboxID
	env.TaskID = t.ID
	if err := h.writeEnvelope(ctx, conn, env); err != nil {
		h.logger.Warn("delivering pending task",
			slog.String("sandbox_id", sandboxID),
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("pending task delivered",
		slog.String("sandbox_id", sandboxID),
		slog.String("task_id", t.ID),
	)
}

// detach removes the connection only if it is still the registered one; a
// reconnect may already have replaced it.
func (h *Hub) detach(sandboxID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[sandboxID] == conn {
		delete(h.conns, sandboxID)
	}
}

func (h *Hub) heartbeatLoop(ctx context.Context, conn *websocket.Conn, sandboxID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := h.writeEnvelope(ctx, conn, env); err != nil {
				h.logger.Debug("heartbeat ping failed",
					slog.String("sandbox_id", sandboxID),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (h *Hub) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
