package sessiondir

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = filepath.Join(t.TempDir(), "sessions")
	}
	if cfg.MaxFileBytes == 0 {
		cfg.MaxFileBytes = 1 << 20
	}
	if cfg.MaxStorage == 0 {
		cfg.MaxStorage = 10 << 20
	}
	if len(cfg.AllowedExts) == 0 {
		cfg.AllowedExts = []string{".txt", ".log"}
	}
	if cfg.CleanupGrace == 0 {
		cfg.CleanupGrace = time.Hour
	}
	m, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestCreateAndExists(t *testing.T) {
	m := newTestManager(t, Config{})

	if m.Exists("sess-1") {
		t.Fatal("Exists before Create, want false")
	}
	dir, err := m.Create("sess-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("created dir missing: %v", err)
	}
	if !m.Exists("sess-1") {
		t.Error("Exists after Create = false, want true")
	}
}

func TestListSortedWithUsage(t *testing.T) {
	m := newTestManager(t, Config{MaxStorage: 100})
	dir, err := m.Create("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "b.txt", "bbbb")
	writeFile(t, dir, "a.txt", "aa")

	files, usage, err := m.List("sess-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("len(files) = %d, want 2", len(files))
	}
	if files[0].Name != "a.txt" || files[1].Name != "b.txt" {
		t.Errorf("files not sorted by name: %v, %v", files[0].Name, files[1].Name)
	}
	if usage.Used != 6 {
		t.Errorf("usage.Used = %d, want 6", usage.Used)
	}
	if usage.Warning {
		t.Error("usage.Warning = true at 6% of cap")
	}
}

func TestListStorageWarning(t *testing.T) {
	m := newTestManager(t, Config{MaxStorage: 10})
	dir, err := m.Create("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "big.txt", "123456789")

	_, usage, err := m.List("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !usage.Warning {
		t.Errorf("usage.Warning = false at %d/%d bytes, want true", usage.Used, usage.Limit)
	}
}

func TestResolve(t *testing.T) {
	m := newTestManager(t, Config{MaxFileBytes: 5})
	dir, err := m.Create("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "ok.txt", "hi")
	writeFile(t, dir, "huge.txt", "123456789")
	writeFile(t, dir, "script.exe", "MZ")

	tests := []struct {
		name    string
		file    string
		wantErr error
	}{
		{"valid", "ok.txt", nil},
		{"empty name", "", ErrInvalidName},
		{"traversal", "../secret.txt", ErrInvalidName},
		{"nested traversal", "..\\..\\x.txt", ErrInvalidName},
		{"slash", "sub/ok.txt", ErrInvalidName},
		{"disallowed extension", "script.exe", ErrDisallowedExt},
		{"missing", "gone.txt", ErrNotFound},
		{"too large", "huge.txt", ErrTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path, info, err := m.Resolve("sess-1", tc.file)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Resolve: %v", err)
				}
				if info.Name != tc.file || info.Size != 2 {
					t.Errorf("info = %+v", info)
				}
				if filepath.Dir(path) == "" {
					t.Errorf("path = %q", path)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows")
	}
	m := newTestManager(t, Config{})
	dir, err := m.Create("sess-1")
	if err != nil {
		t.Fatal(err)
	}

	outside := filepath.Join(t.TempDir(), "outside.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(dir, "link.txt")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	if _, _, err := m.Resolve("sess-1", "link.txt"); !errors.Is(err, ErrEscapesDir) {
		t.Errorf("error = %v, want ErrEscapesDir", err)
	}
}

func TestDeleteNowCancelsGrace(t *testing.T) {
	m := newTestManager(t, Config{CleanupGrace: time.Hour})
	if _, err := m.Create("sess-1"); err != nil {
		t.Fatal(err)
	}

	m.ScheduleDelete("sess-1")
	m.ScheduleDelete("sess-1") // idempotent
	if !m.Exists("sess-1") {
		t.Fatal("directory removed before grace period")
	}

	m.DeleteNow("sess-1")
	if m.Exists("sess-1") {
		t.Error("directory still present after DeleteNow")
	}
}

func TestScheduleDeleteFires(t *testing.T) {
	m := newTestManager(t, Config{CleanupGrace: 20 * time.Millisecond})
	if _, err := m.Create("sess-1"); err != nil {
		t.Fatal(err)
	}

	m.ScheduleDelete("sess-1")

	deadline := time.Now().Add(2 * time.Second)
	for m.Exists("sess-1") {
		if time.Now().After(deadline) {
			t.Fatal("directory not removed after grace period")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPurgeAll(t *testing.T) {
	m := newTestManager(t, Config{})
	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Create(id); err != nil {
			t.Fatal(err)
		}
	}
	m.ScheduleDelete("a")

	m.PurgeAll()
	for _, id := range []string{"a", "b", "c"} {
		if m.Exists(id) {
			t.Errorf("session %q survived PurgeAll", id)
		}
	}
}

func TestSweepStale(t *testing.T) {
	m := newTestManager(t, Config{})
	oldDir, err := m.Create("old")
	if err != nil {
		t.Fatal(err)
	}
	pendingDir, err := m.Create("pending")
	if err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldDir, past, past); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(pendingDir, past, past); err != nil {
		t.Fatal(err)
	}
	// A directory with a pending deletion timer is never swept.
	m.ScheduleDelete("pending")

	removed := m.SweepStale(time.Hour)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if m.Exists("old") {
		t.Error("stale directory survived sweep")
	}
	if !m.Exists("pending") {
		t.Error("pending directory was swept")
	}
}
