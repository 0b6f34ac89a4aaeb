// Package protocol defines the WebSocket message types for engine <-> runtime
// agent communication. All messages are JSON-encoded and wrapped in an
// Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Agent -> Engine
	MsgSandboxRegister MessageType = "sandbox.register"
	MsgSandboxReady    MessageType = "sandbox.ready"
	MsgTaskUpdate      MessageType = "task.update"
	MsgContextReport   MessageType = "context.report"
	MsgPong            MessageType = "engine.pong"

	// Engine -> Agent
	MsgRegistered MessageType = "engine.registered"
	MsgTaskAssign MessageType = "task.assign"
	MsgTaskCancel MessageType = "task.cancel"
	MsgPing       MessageType = "engine.ping"

	// Bidirectional
	MsgError MessageType = "error"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation and deduplication.
	SandboxID string          `json:"sandbox_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// --- Agent -> Engine payloads ---

// RegisterPayload is sent with MsgSandboxRegister when an agent connects.
type RegisterPayload struct {
	SandboxID string `json:"sandbox_id"`
	Version   string `json:"version,omitempty"`
}

// TaskUpdatePayload is sent with MsgTaskUpdate as the agent works through a
// task. Omitted fields are left untouched.
type TaskUpdatePayload struct {
	Status         *string `json:"status,omitempty"`
	OutputText     *string `json:"output_text,omitempty"`
	OutputContent  *string `json:"output_content,omitempty"`
	Steps          []Step  `json:"steps,omitempty"`
	Error          *string `json:"error,omitempty"`
	TimeoutSeconds *int    `json:"timeout_seconds,omitempty"`
	ContextLength  *int64  `json:"context_length,omitempty"`
}

// Step is one progress entry inside a task update.
type Step struct {
	Type      string    `json:"type,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ContextReportPayload is sent with MsgContextReport after each agent turn.
type ContextReportPayload struct {
	Tokens int64 `json:"tokens"`
}

// --- Engine -> Agent payloads ---

// RegisteredPayload is sent with MsgRegistered to confirm registration.
type RegisteredPayload struct {
	Message string `json:"message"`
}

// TaskAssignment is sent with MsgTaskAssign to hand a task to the agent.
type TaskAssignment struct {
	TaskID      string         `json:"task_id"`
	SandboxID   string         `json:"sandbox_id"`
	Input       map[string]any `json:"input"`
	TimeoutSecs int            `json:"timeout_secs,omitempty"`
}

// TaskCancelPayload is sent with MsgTaskCancel to abort an in-flight task.
type TaskCancelPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is sent with MsgError for protocol-level errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
