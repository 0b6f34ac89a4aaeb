package runtime

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

const (
	defaultDockerImage     = "ractor-runtime:latest"
	defaultDockerMemoryMB  = 2048
	defaultDockerCPUCores  = 1.0
	defaultDockerPIDsLimit = 256
	destroyTimeout         = 10 * time.Second
)

// DockerConfig configures the Docker-backed runtime.
type DockerConfig struct {
	Image          string  // Container image (e.g. "ractor-runtime:latest").
	MemoryMB       int     // --memory hard limit.
	CPUCores       float64 // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int     // --pids-limit (prevents fork bombs).
	NetworkAllowed bool    // false = --network=none (no network stack at all).
	SnapshotDir    string  // Host directory holding snapshot archives.
}

// DockerRuntime runs one hardened container per sandbox via the docker CLI.
//
// Security guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - No host PID namespace, no docker socket mount, no privileged mode
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - CPU rate limited
type DockerRuntime struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerRuntime creates a Docker-backed runtime.
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerRuntime{
		config: cfg,
		logger: logger,
	}
}

// containerName derives the deterministic container name for a sandbox.
func containerName(sandboxID string) string {
	return "ractor-sbx-" + sandboxID
}

// Provision starts the sandbox container detached. The snapshot seed, when
// requested, is copied in before the agent starts consuming tasks.
func (r *DockerRuntime) Provision(ctx context.Context, spec ProvisionSpec) error {
	name := containerName(spec.SandboxID)
	args := r.buildRunArgs(name, spec)

	r.logger.Info("provisioning sandbox container",
		slog.String("sandbox_id", spec.SandboxID),
		slog.String("container", name),
		slog.String("image", r.config.Image),
		slog.String("snapshot_id", spec.SnapshotID),
	)

	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker run %s: %w: %s", name, err, bytes.TrimSpace(out))
	}

	if spec.SnapshotID != "" {
		if err := r.seedFromSnapshot(ctx, name, spec); err != nil {
			// Leave no half-seeded container behind.
			r.removeContainer(name)
			return err
		}
	}
	return nil
}

// Destroy force-removes the sandbox container. A container that is already
// gone is treated as success.
func (r *DockerRuntime) Destroy(ctx context.Context, sandboxID string) error {
	name := containerName(sandboxID)
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		if bytes.Contains(out, []byte("No such container")) {
			return nil
		}
		return fmt.Errorf("docker rm -f %s: %w: %s", name, err, bytes.TrimSpace(out))
	}
	r.logger.Info("destroyed sandbox container",
		slog.String("sandbox_id", sandboxID),
		slog.String("container", name),
	)
	return nil
}

// CopyInto copies a host path into the container filesystem.
func (r *DockerRuntime) CopyInto(ctx context.Context, sandboxID, hostPath, containerPath string) error {
	name := containerName(sandboxID)
	out, err := exec.CommandContext(ctx, "docker", "cp", hostPath, name+":"+containerPath).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker cp into %s: %w: %s", name, err, bytes.TrimSpace(out))
	}
	return nil
}

// Export copies the sandbox working directories out of the container into
// hostDir, laid out the way seedFromSnapshot expects to read them back.
func (r *DockerRuntime) Export(ctx context.Context, sandboxID, hostDir string) error {
	name := containerName(sandboxID)
	parts := []struct {
		src  string
		dest string
	}{
		{"/home/sandbox/content", hostDir + "/content"},
		{"/home/sandbox/code", hostDir + "/code"},
		{"/home/sandbox/.env", hostDir + "/env"},
	}
	for _, p := range parts {
		out, err := exec.CommandContext(ctx, "docker", "cp", name+":"+p.src, p.dest).CombinedOutput()
		if err != nil {
			// Missing source paths are fine; a fresh sandbox has no code yet.
			if bytes.Contains(out, []byte("Could not find the file")) ||
				bytes.Contains(out, []byte("No such file")) {
				continue
			}
			return fmt.Errorf("exporting %s from %s: %w: %s", p.src, name, err, bytes.TrimSpace(out))
		}
	}
	return nil
}

// buildRunArgs constructs the docker run argument list with the hardening
// flags. The container runs detached with the agent as its entrypoint.
func (r *DockerRuntime) buildRunArgs(name string, spec ProvisionSpec) []string {
	memoryFlag := strconv.Itoa(r.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(r.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(r.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "ractor.sandbox_id=" + spec.SandboxID,

		// --- Security hardening ---
		"--cap-drop=ALL",                   // Drop all Linux capabilities.
		"--security-opt=no-new-privileges", // Block setuid/setgid escalation.
		"--user=65534:65534",               // Non-root (nobody).

		// --- Resource limits ---
		"--memory=" + memoryFlag,      // Hard memory limit.
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,           // CPU rate limit.
		"--pids-limit=" + pidsFlag,    // Fork bomb protection.

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "RACTOR_SANDBOX_ID=" + spec.SandboxID,
	}

	// Network policy: disabled by default (no network stack at all).
	if r.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	args = append(args, "--workdir", "/home/sandbox")

	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}

	// Image (must come after all flags).
	args = append(args, r.config.Image)

	return args
}

// seedFromSnapshot restores the selected snapshot parts into a freshly
// started container. Content is always restored; code and env follow the
// copy flags.
func (r *DockerRuntime) seedFromSnapshot(ctx context.Context, name string, spec ProvisionSpec) error {
	base := r.config.SnapshotDir + "/" + spec.SnapshotID

	parts := []struct {
		enabled bool
		host    string
		dest    string
	}{
		{true, base + "/content", "/home/sandbox/content"},
		{spec.CopyCode, base + "/code", "/home/sandbox/code"},
		{spec.CopyEnv, base + "/env", "/home/sandbox/.env"},
	}
	for _, p := range parts {
		if !p.enabled {
			continue
		}
		out, err := exec.CommandContext(ctx, "docker", "cp", p.host, name+":"+p.dest).CombinedOutput()
		if err != nil {
			return fmt.Errorf("seeding %s from snapshot %s: %w: %s", p.dest, spec.SnapshotID, err, bytes.TrimSpace(out))
		}
	}
	return nil
}

// removeContainer is the best-effort cleanup path for failed provisions.
// Errors are logged but not returned.
func (r *DockerRuntime) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		r.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}
