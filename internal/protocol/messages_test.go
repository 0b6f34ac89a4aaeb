package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(MsgTaskUpdate, TaskUpdatePayload{
		OutputText: strPtr("halfway there"),
		Steps:      []Step{{Type: "tool", Content: "ran tests"}},
	})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	if env.ID == "" {
		t.Error("envelope should carry a message ID")
	}
	env.SandboxID = "sb-1"
	env.TaskID = "tk-1"

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if got.Type != MsgTaskUpdate || got.SandboxID != "sb-1" || got.TaskID != "tk-1" {
		t.Errorf("envelope = %+v", got)
	}

	var payload TaskUpdatePayload
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload.OutputText == nil || *payload.OutputText != "halfway there" {
		t.Errorf("output text = %v", payload.OutputText)
	}
	if payload.Status != nil {
		t.Errorf("omitted status decoded as %v, want nil", payload.Status)
	}
	if len(payload.Steps) != 1 || payload.Steps[0].Content != "ran tests" {
		t.Errorf("steps = %+v", payload.Steps)
	}
}

func TestEnvelopeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(MsgPing, nil)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshaling: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshaling: %v", err)
	}
	if got.Type != MsgPing || got.Payload != nil {
		t.Errorf("envelope = %+v", got)
	}
}

func strPtr(s string) *string { return &s }
