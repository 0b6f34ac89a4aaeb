package postgres

import (
	"encoding/json"
	"time"
)

// JSON is a json.RawMessage stored in a jsonb column on PostgreSQL and a
// TEXT column on SQLite.
type JSON json.RawMessage

// SandboxModel maps to the "sandboxes" table. The state column is only ever
// written through guarded updates; see SandboxRepository.CompareAndSwapState.
type SandboxModel struct {
	ID          string `gorm:"primaryKey"`
	CreatedBy   string `gorm:"not null;index"`
	State       string `gorm:"not null;index"`
	Description string
	Metadata    JSON `gorm:"type:jsonb"`
	Tags        JSON `gorm:"type:jsonb"`

	SnapshotID string
	ParentID   string `gorm:"index"`

	IdleTimeoutSeconds int `gorm:"not null"`
	IdleFrom           *time.Time
	BusyFrom           *time.Time

	StopAt   *time.Time `gorm:"index"`
	StopNote string

	TerminatingSince *time.Time

	LastContextLength int64 `gorm:"not null;default:0"`
	ContextCutoffAt   *time.Time
	ContextMeasuredAt *time.Time

	InitPrompt string

	LastActivityAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (SandboxModel) TableName() string { return "sandboxes" }

// TaskModel maps to the "tasks" table. Rows cascade with their sandbox.
type TaskModel struct {
	ID        string       `gorm:"primaryKey"`
	SandboxID string       `gorm:"not null;index:idx_tasks_sandbox_status"`
	Sandbox   SandboxModel `gorm:"foreignKey:SandboxID;constraint:OnDelete:CASCADE"`
	CreatedBy string       `gorm:"not null"`
	Status    string       `gorm:"not null;index:idx_tasks_sandbox_status"`

	Input  JSON `gorm:"type:jsonb"`
	Output JSON `gorm:"type:jsonb"`
	Steps  JSON `gorm:"type:jsonb"`

	Error         string
	ContextLength int64 `gorm:"not null;default:0"`

	TimeoutSeconds int
	TimeoutAt      *time.Time `gorm:"index"`

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (TaskModel) TableName() string { return "tasks" }

// SnapshotModel maps to the "snapshots" table. Append-only; snapshots
// outlive their sandbox.
type SnapshotModel struct {
	ID          string `gorm:"primaryKey"`
	SandboxID   string `gorm:"not null;index"`
	TriggerType string `gorm:"not null"`
	CreatedBy   string
	Metadata    JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time
}

func (SnapshotModel) TableName() string { return "snapshots" }
