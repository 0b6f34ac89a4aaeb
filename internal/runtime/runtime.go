// Package runtime is the container runtime boundary. The engine provisions
// one long-lived container per sandbox; the agent inside it connects back
// over the websocket channel to receive task dispatches.
package runtime

import "context"

// ProvisionSpec describes the container to start for a sandbox.
type ProvisionSpec struct {
	// SandboxID names the container deterministically so Destroy and
	// CopyInto can address it without extra bookkeeping.
	SandboxID string

	// SnapshotID, when set, seeds the container from a snapshot archive.
	// CopyCode and CopyEnv select which parts of the snapshot are restored;
	// persisted content is always restored.
	SnapshotID string
	CopyCode   bool
	CopyEnv    bool

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string
}

// Runtime provisions and tears down sandbox containers.
type Runtime interface {
	// Provision starts the container. It returns once the container is
	// running; readiness is reported separately by the in-container agent.
	Provision(ctx context.Context, spec ProvisionSpec) error

	// Destroy force-removes the container. Removing an already-gone
	// container is not an error.
	Destroy(ctx context.Context, sandboxID string) error

	// CopyInto copies a host path into the container filesystem.
	CopyInto(ctx context.Context, sandboxID, hostPath, containerPath string) error

	// Export copies the sandbox's working directories out of the container
	// into hostDir. Used for snapshot capture.
	Export(ctx context.Context, sandboxID, hostDir string) error
}
