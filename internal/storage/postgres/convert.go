package postgres

import (
	"encoding/json"

	"github.com/RactorLabs/ractor/internal/sandbox"
	"github.com/RactorLabs/ractor/internal/snapshot"
	"github.com/RactorLabs/ractor/internal/task"
)

func marshalJSON(v any) JSON {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return JSON(data)
}

func toSandboxModel(sb *sandbox.Sandbox) SandboxModel {
	return SandboxModel{
		ID:                 sb.ID,
		CreatedBy:          sb.CreatedBy,
		State:              string(sb.State),
		Description:        sb.Description,
		Metadata:           marshalJSON(sb.Metadata),
		Tags:               marshalJSON(sb.Tags),
		SnapshotID:         sb.SnapshotID,
		ParentID:           sb.ParentID,
		IdleTimeoutSeconds: sb.IdleTimeoutSeconds,
		IdleFrom:           sb.IdleFrom,
		BusyFrom:           sb.BusyFrom,
		StopAt:             sb.StopAt,
		StopNote:           sb.StopNote,
		TerminatingSince:   sb.TerminatingSince,
		LastContextLength:  sb.LastContextLength,
		ContextCutoffAt:    sb.ContextCutoffAt,
		ContextMeasuredAt:  sb.ContextMeasuredAt,
		InitPrompt:         sb.InitPrompt,
		LastActivityAt:     sb.LastActivityAt,
		CreatedAt:          sb.CreatedAt,
		UpdatedAt:          sb.UpdatedAt,
	}
}

func toSandboxDomain(m *SandboxModel) *sandbox.Sandbox {
	sb := &sandbox.Sandbox{
		ID:                 m.ID,
		CreatedBy:          m.CreatedBy,
		State:              sandbox.State(m.State),
		Description:        m.Description,
		SnapshotID:         m.SnapshotID,
		ParentID:           m.ParentID,
		IdleTimeoutSeconds: m.IdleTimeoutSeconds,
		IdleFrom:           m.IdleFrom,
		BusyFrom:           m.BusyFrom,
		StopAt:             m.StopAt,
		StopNote:           m.StopNote,
		TerminatingSince:   m.TerminatingSince,
		LastContextLength:  m.LastContextLength,
		ContextCutoffAt:    m.ContextCutoffAt,
		ContextMeasuredAt:  m.ContextMeasuredAt,
		InitPrompt:         m.InitPrompt,
		LastActivityAt:     m.LastActivityAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &sb.Metadata)
	}
	if len(m.Tags) > 0 {
		_ = json.Unmarshal(m.Tags, &sb.Tags)
	}
	return sb
}

func toTaskModel(t *task.Task) TaskModel {
	m := TaskModel{
		ID:             t.ID,
		SandboxID:      t.SandboxID,
		CreatedBy:      t.CreatedBy,
		Status:         string(t.Status),
		Input:          marshalJSON(t.Input),
		Steps:          marshalJSON(t.Steps),
		Error:          t.Error,
		ContextLength:  t.ContextLength,
		TimeoutSeconds: t.TimeoutSeconds,
		TimeoutAt:      t.TimeoutAt,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
	if t.Output != nil {
		m.Output = marshalJSON(t.Output)
	}
	return m
}

func toTaskDomain(m *TaskModel) *task.Task {
	t := &task.Task{
		ID:             m.ID,
		SandboxID:      m.SandboxID,
		CreatedBy:      m.CreatedBy,
		Status:         task.Status(m.Status),
		Error:          m.Error,
		ContextLength:  m.ContextLength,
		TimeoutSeconds: m.TimeoutSeconds,
		TimeoutAt:      m.TimeoutAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
	if len(m.Input) > 0 {
		_ = json.Unmarshal(m.Input, &t.Input)
	}
	if len(m.Output) > 0 {
		var out task.Output
		if err := json.Unmarshal(m.Output, &out); err == nil {
			t.Output = &out
		}
	}
	if len(m.Steps) > 0 {
		_ = json.Unmarshal(m.Steps, &t.Steps)
	}
	return t
}

func toSnapshotModel(s *snapshot.Snapshot) SnapshotModel {
	return SnapshotModel{
		ID:          s.ID,
		SandboxID:   s.SandboxID,
		TriggerType: string(s.TriggerType),
		CreatedBy:   s.CreatedBy,
		Metadata:    marshalJSON(s.Metadata),
		CreatedAt:   s.CreatedAt,
	}
}

func toSnapshotDomain(m *SnapshotModel) *snapshot.Snapshot {
	s := &snapshot.Snapshot{
		ID:          m.ID,
		SandboxID:   m.SandboxID,
		TriggerType: snapshot.TriggerType(m.TriggerType),
		CreatedBy:   m.CreatedBy,
		CreatedAt:   m.CreatedAt,
	}
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &s.Metadata)
	}
	return s
}
