package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

const (
	defaultImage          = "shellgate-sandbox:latest"
	defaultSessionTimeout = 900 * time.Second
	defaultMemoryMB       = 256
	defaultCPUCores       = 0.5
	defaultPIDsLimit      = 64

	// SessionLabel marks every sandbox container so orphans from a crashed
	// run can be found and removed at startup.
	SessionLabel = "shellgate.session"

	containerPrefix = "shellgate-"
	workspacePath   = "/workspace"

	outputChunk = 32 * 1024
)

// Config configures the Docker-based runner.
type Config struct {
	Image          string        // Container image.
	SessionTimeout time.Duration // Hard per-session lifetime.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
}

// DockerRunner runs one hardened, interactive Docker container per session.
//
// Security guarantees:
//   - No network stack at all (--network=none, always)
//   - Read-only root filesystem (--read-only) with tmpfs for writable dirs
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs and CPU limits
//   - The session directory is the only writable persistent mount
//   - Container always cleaned up, even on timeout/crash (rm -f safety net)
//
// The docker CLI runs under a PTY so the container gets a real interactive
// TTY; resize is propagated by resizing the PTY.
type DockerRunner struct {
	config Config
	logger *slog.Logger
}

// NewDockerRunner creates a Docker-based runner.
func NewDockerRunner(cfg Config, logger *slog.Logger) *DockerRunner {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	if cfg.MemoryMB <= 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	return &DockerRunner{config: cfg, logger: logger}
}

// CheckReady verifies the Docker daemon is reachable and the sandbox image
// is present locally.
func (r *DockerRunner) CheckReady(ctx context.Context) error {
	if err := exec.CommandContext(ctx, "docker", "info").Run(); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	out, err := exec.CommandContext(ctx, "docker", "images", "-q", r.config.Image).Output()
	if err != nil {
		return fmt.Errorf("checking sandbox image: %w", err)
	}
	if strings.TrimSpace(string(out)) == "" {
		return fmt.Errorf("sandbox image %q not found (build it before starting the gateway)", r.config.Image)
	}
	return nil
}

// CleanupOrphans force-removes all containers carrying the session label.
func (r *DockerRunner) CleanupOrphans(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "docker", "ps", "-aq", "--filter", "label="+SessionLabel).Output()
	if err != nil {
		return 0, fmt.Errorf("listing orphaned containers: %w", err)
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]string{"rm", "-f"}, ids...)
	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return 0, fmt.Errorf("removing orphaned containers: %w: %s", err, out)
	}
	r.logger.Info("removed orphaned sandbox containers", slog.Int("count", len(ids)))
	return len(ids), nil
}

// Create starts a hardened container attached to a fresh PTY and returns a
// live handle. On failure no container is left running.
func (r *DockerRunner) Create(_ context.Context, req CreateRequest) (Handle, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if req.Dir == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	name := containerPrefix + req.SessionID
	args := r.buildDockerArgs(name, req)

	cmd := exec.Command("docker", args...)

	r.logger.Info("creating sandbox",
		slog.String("session_id", req.SessionID),
		slog.String("container", name),
		slog.String("image", r.config.Image),
		slog.Int("memory_mb", r.config.MemoryMB),
		slog.Float64("cpu_cores", r.config.CPUCores),
		slog.Duration("timeout", r.config.SessionTimeout),
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		r.forceRemoveContainer(name)
		return nil, fmt.Errorf("starting sandbox container: %w", err)
	}

	h := &dockerHandle{
		name:   name,
		cmd:    cmd,
		ptmx:   ptmx,
		runner: r,
		logger: r.logger,
		output: make(chan []byte, 64),
		exit:   make(chan ExitStatus, 1),
	}
	h.timer = time.AfterFunc(r.config.SessionTimeout, func() {
		r.logger.Warn("sandbox session timeout reached",
			slog.String("container", name),
			slog.Duration("timeout", r.config.SessionTimeout),
		)
		h.Kill()
	})

	go h.readLoop()
	go h.waitLoop()

	return h, nil
}

// buildDockerArgs constructs the full docker run argument list with all
// security hardening flags and the interactive entry command.
func (r *DockerRunner) buildDockerArgs(name string, req CreateRequest) []string {
	memoryFlag := strconv.Itoa(r.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(r.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(r.config.PIDsLimit)

	args := []string{
		"run", "--rm", "-i", "-t",
		"--name", name,
		"--label", SessionLabel + "=" + req.SessionID,

		// --- Security hardening ---
		"--network=none",                   // No network stack at all.
		"--cap-drop=ALL",                   // Drop all Linux capabilities.
		"--security-opt=no-new-privileges", // Block setuid/setgid escalation.
		"--read-only",                      // Read-only root filesystem.
		"--user=65534:65534",               // Non-root (nobody).

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Writable tmpfs for scratch/cache paths ---
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=64m",

		// --- Session directory: the only writable persistent mount ---
		"--volume", req.Dir + ":" + workspacePath + ":rw",
		"--workdir", workspacePath,

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=xterm-256color",
	}

	args = append(args, r.config.Image, "/bin/sh", "-c", entryScript(req.AutoRun))
	return args
}

// entryScript sets a fixed prompt, moves into the mounted session directory,
// optionally runs the auto-run command, then drops into an interactive shell.
func entryScript(autoRun string) string {
	var b strings.Builder
	b.WriteString("export PS1='sandbox:\\w$ '; cd " + workspacePath)
	if autoRun != "" {
		b.WriteString("; " + autoRun)
	}
	b.WriteString("; exec /bin/sh -i")
	return b.String()
}

// forceRemoveContainer removes a container by name. Safety net for the cases
// where --rm didn't fire (OOM kill, daemon restart, kill race). Errors are
// logged but not returned.
func (r *DockerRunner) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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

// dockerHandle is a live docker-run process attached via PTY.
type dockerHandle struct {
	name   string
	cmd    *exec.Cmd
	ptmx   *os.File
	runner *DockerRunner
	logger *slog.Logger

	output chan []byte
	exit   chan ExitStatus
	timer  *time.Timer

	killOnce sync.Once
}

// Write forwards raw input bytes to the container's stdin.
func (h *dockerHandle) Write(p []byte) error {
	_, err := h.ptmx.Write(p)
	return err
}

// Resize adjusts the PTY; the docker CLI propagates the new size to the
// container TTY on SIGWINCH.
func (h *dockerHandle) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid terminal size %dx%d", cols, rows)
	}
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Output returns the raw terminal output stream. Closed on exit.
func (h *dockerHandle) Output() <-chan []byte {
	return h.output
}

// Exit returns the channel delivering the final container status.
func (h *dockerHandle) Exit() <-chan ExitStatus {
	return h.exit
}

// Kill tears the container down. Graceful stop first, forced removal as
// fallback; errors are swallowed. Safe to call multiple times and after exit.
func (h *dockerHandle) Kill() {
	h.killOnce.Do(func() {
		h.timer.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := exec.CommandContext(ctx, "docker", "stop", "-t", "1", h.name).Run(); err != nil {
			h.runner.forceRemoveContainer(h.name)
		}
		// Unblock the attach process if the daemon didn't already end it.
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		_ = h.ptmx.Close()
	})
}

// readLoop pumps PTY output into the output channel, one chunk at a time and
// in order. The channel is closed when the PTY returns an error, which
// happens when the container process exits.
func (h *dockerHandle) readLoop() {
	defer close(h.output)
	buf := make([]byte, outputChunk)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.output <- chunk
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the docker process, cancels the lifetime timer, runs the
// removal safety net, and publishes the exit status exactly once.
func (h *dockerHandle) waitLoop() {
	err := h.cmd.Wait()
	h.timer.Stop()
	h.runner.forceRemoveContainer(h.name)

	status := ExitStatus{Code: 0}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.Code = exitErr.ExitCode()
		} else {
			status = ExitStatus{Code: -1, Err: err}
		}
	}

	h.logger.Info("sandbox exited",
		slog.String("container", h.name),
		slog.Int("exit_code", status.Code),
	)
	h.exit <- status
}
