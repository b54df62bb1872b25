package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewDockerRunnerDefaults(t *testing.T) {
	r := NewDockerRunner(Config{}, testLogger())

	if r.config.Image != defaultImage {
		t.Errorf("Image = %q, want %q", r.config.Image, defaultImage)
	}
	if r.config.SessionTimeout != defaultSessionTimeout {
		t.Errorf("SessionTimeout = %v, want %v", r.config.SessionTimeout, defaultSessionTimeout)
	}
	if r.config.MemoryMB != defaultMemoryMB {
		t.Errorf("MemoryMB = %d, want %d", r.config.MemoryMB, defaultMemoryMB)
	}
	if r.config.PIDsLimit != defaultPIDsLimit {
		t.Errorf("PIDsLimit = %d, want %d", r.config.PIDsLimit, defaultPIDsLimit)
	}
}

func TestBuildDockerArgsHardening(t *testing.T) {
	r := NewDockerRunner(Config{Image: "img:1", MemoryMB: 128, CPUCores: 0.25, PIDsLimit: 32}, testLogger())
	args := r.buildDockerArgs("shellgate-s1", CreateRequest{
		SessionID: "s1",
		Dir:       "/var/lib/shellgate/s1",
	})

	required := []string{
		"--network=none",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--memory=128m",
		"--memory-swap=128m", // equal to --memory: swap disabled
		"--cpus=0.25",
		"--pids-limit=32",
	}
	for _, flag := range required {
		if !slices.Contains(args, flag) {
			t.Errorf("args missing %q", flag)
		}
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--label "+SessionLabel+"=s1") {
		t.Error("session label missing")
	}
	if !strings.Contains(joined, "--volume /var/lib/shellgate/s1:/workspace:rw") {
		t.Error("session directory mount missing")
	}
	if !strings.Contains(joined, "--name shellgate-s1") {
		t.Error("container name missing")
	}
	if strings.Contains(joined, "HOST") || strings.Contains(joined, "DOCKER_") {
		t.Error("host environment leaked into container args")
	}
	if args[len(args)-4] != "img:1" {
		t.Errorf("image not placed before the entry command: %v", args[len(args)-4:])
	}
}

func TestEntryScript(t *testing.T) {
	got := entryScript("")
	if !strings.Contains(got, "cd /workspace") {
		t.Errorf("script = %q, missing workspace cd", got)
	}
	if !strings.HasSuffix(got, "exec /bin/sh -i") {
		t.Errorf("script = %q, must end in an interactive shell", got)
	}

	withAuto := entryScript("cat README.md")
	if !strings.Contains(withAuto, "; cat README.md; ") {
		t.Errorf("script = %q, auto-run command not inserted before the shell", withAuto)
	}
}

func TestCreateValidation(t *testing.T) {
	r := NewDockerRunner(Config{}, testLogger())
	ctx := context.Background()

	if _, err := r.Create(ctx, CreateRequest{Dir: "/tmp/x"}); err == nil {
		t.Error("Create without session id succeeded, want error")
	}
	if _, err := r.Create(ctx, CreateRequest{SessionID: "s1"}); err == nil {
		t.Error("Create without session directory succeeded, want error")
	}
}

func skipWithoutDocker(t *testing.T, image string) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
	out, err := exec.Command("docker", "images", "-q", image).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("image %s not present", image)
	}
}

func TestDockerSessionRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	image := "alpine:latest"
	skipWithoutDocker(t, image)

	r := NewDockerRunner(Config{Image: image, SessionTimeout: time.Minute}, testLogger())
	h, err := r.Create(context.Background(), CreateRequest{
		SessionID: "inttest",
		Dir:       t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer h.Kill()

	if err := h.Write([]byte("echo marker-$((40+2))\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(30 * time.Second)
	var output strings.Builder
	for !strings.Contains(output.String(), "marker-42") {
		select {
		case chunk, ok := <-h.Output():
			if !ok {
				t.Fatalf("output closed before marker; got: %s", output.String())
			}
			output.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for output; got: %s", output.String())
		}
	}

	if err := h.Resize(120, 40); err != nil {
		t.Errorf("Resize: %v", err)
	}

	h.Kill()
	h.Kill() // idempotent

	select {
	case <-h.Exit():
	case <-time.After(30 * time.Second):
		t.Fatal("no exit status after Kill")
	}
}
