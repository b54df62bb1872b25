// Package sandbox provisions one hardened, interactive container per session.
// All user-driven shell commands run inside a sandbox — never on the host.
package sandbox

import (
	"context"
)

// Runner creates and supervises sandbox containers.
type Runner interface {
	// Create provisions a container for the session and attaches to its
	// terminal. The returned handle is live: output is already flowing.
	Create(ctx context.Context, req CreateRequest) (Handle, error)

	// CheckReady verifies the container runtime is reachable and the sandbox
	// image exists. A failure is a fatal startup condition.
	CheckReady(ctx context.Context) error

	// CleanupOrphans force-removes containers left over from a previous
	// crashed run, identified by the session label. Returns how many were
	// removed.
	CleanupOrphans(ctx context.Context) (int, error)
}

// CreateRequest describes the sandbox to provision.
type CreateRequest struct {
	SessionID string // Session identifier; becomes the container name suffix and label value.
	Dir       string // Host session directory, bind-mounted read-write at /workspace.
	Cols      uint16 // Initial terminal width.
	Rows      uint16 // Initial terminal height.
	AutoRun   string // Optional command executed before the interactive shell.
}

// Handle is a live attached sandbox terminal.
//
// Output delivers raw terminal bytes in the exact order produced and is
// closed when the container exits. Exit delivers the final status exactly
// once. Kill is idempotent and never returns an error to the caller.
type Handle interface {
	Write(p []byte) error
	Resize(cols, rows uint16) error
	Kill()
	Output() <-chan []byte
	Exit() <-chan ExitStatus
}

// ExitStatus is the terminal state of a sandbox container.
type ExitStatus struct {
	Code int   // Process exit code; -1 when unknown.
	Err  error // Non-nil for abnormal termination (runtime error, killed).
}
