// Package snapshot captures immutable point-in-time records of sandbox
// state and creates new sandboxes from them.
package snapshot

import (
	"context"
	"time"
)

// TriggerType records why a snapshot was taken.
type TriggerType string

const (
	// TriggerManual is a client-requested capture.
	TriggerManual TriggerType = "manual"

	// TriggerTermination is the implicit capture taken as a sandbox is
	// finalized.
	TriggerTermination TriggerType = "termination"
)

// ParseTrigger converts a raw string into a TriggerType, reporting
// membership.
func ParseTrigger(s string) (TriggerType, bool) {
	switch TriggerType(s) {
	case TriggerManual, TriggerTermination:
		return TriggerType(s), true
	}
	return "", false
}

// Snapshot is an immutable capture record. The archived filesystem lives
// under the snapshot directory keyed by ID.
type Snapshot struct {
	ID          string
	SandboxID   string
	TriggerType TriggerType
	CreatedBy   string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// Filter narrows List and Count.
type Filter struct {
	SandboxID string
	Trigger   TriggerType
	Limit     int
	Offset    int
}

// Store is the persistence boundary for snapshot records.
type Store interface {
	Create(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	List(ctx context.Context, f Filter) ([]*Snapshot, error)
	Count(ctx context.Context, f Filter) (int64, error)
	Delete(ctx context.Context, id string) error
}
