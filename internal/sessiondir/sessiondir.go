// Package sessiondir manages per-session scratch directories on the host.
// Each directory is bind-mounted into exactly one sandbox, size-capped,
// restricted to an extension allow-list, and deleted after a short grace
// period once the session ends.
package sessiondir

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// File access failure reasons, mapped to distinct HTTP statuses by the gateway.
var (
	ErrInvalidName   = errors.New("invalid filename")
	ErrDisallowedExt = errors.New("file extension not allowed")
	ErrEscapesDir    = errors.New("path escapes session directory")
	ErrNotFound      = errors.New("file not found")
	ErrTooLarge      = errors.New("file exceeds maximum size")
)

const storageWarnFraction = 0.8

// Config configures the manager.
type Config struct {
	Root         string        // Directory all session dirs live under.
	MaxFileBytes int64         // Per-file download cap.
	MaxStorage   int64         // Per-session directory cap.
	AllowedExts  []string      // Lowercase, dot-prefixed extension allow-list.
	CleanupGrace time.Duration // Delay between session end and deletion.
}

// FileInfo describes one downloadable file in a session directory.
type FileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Usage summarizes a session directory against its storage cap.
type Usage struct {
	Used    int64 `json:"used"`
	Limit   int64 `json:"limit"`
	Warning bool  `json:"warning"` // true at >= 80% of the cap
}

// Manager creates, inspects, and garbage-collects session directories.
type Manager struct {
	cfg    Config
	exts   map[string]struct{}
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer // scheduled deletions by session id
}

// New creates a Manager and ensures the root directory exists.
func New(cfg Config, logger *slog.Logger) (*Manager, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving session root %q: %w", cfg.Root, err)
	}
	cfg.Root = root
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("creating session root: %w", err)
	}
	exts := make(map[string]struct{}, len(cfg.AllowedExts))
	for _, e := range cfg.AllowedExts {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &Manager{
		cfg:     cfg,
		exts:    exts,
		logger:  logger,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Create makes the directory for a new session and returns its absolute path.
func (m *Manager) Create(sessionID string) (string, error) {
	dir := filepath.Join(m.cfg.Root, sessionID)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return "", fmt.Errorf("creating session directory: %w", err)
	}
	return dir, nil
}

// Exists reports whether the session directory is still present.
func (m *Manager) Exists(sessionID string) bool {
	_, err := os.Stat(filepath.Join(m.cfg.Root, sessionID))
	return err == nil
}

// List returns the session directory's files (sorted by name) and its
// storage usage. Subdirectories are skipped: the sandbox writes flat output.
func (m *Manager) List(sessionID string) ([]FileInfo, Usage, error) {
	dir := filepath.Join(m.cfg.Root, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, Usage{}, err
	}

	files := make([]FileInfo, 0, len(entries))
	var used int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		used += info.Size()
		files = append(files, FileInfo{
			Name:     e.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	usage := Usage{
		Used:    used,
		Limit:   m.cfg.MaxStorage,
		Warning: float64(used) >= float64(m.cfg.MaxStorage)*storageWarnFraction,
	}
	return files, usage, nil
}

// Resolve validates a requested filename and returns the file's absolute
// path and info. Validation rejects traversal and disallowed extensions
// before touching the filesystem, so probing for existence is not possible
// with an invalid name.
func (m *Manager) Resolve(sessionID, name string) (string, FileInfo, error) {
	if name == "" || strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return "", FileInfo{}, ErrInvalidName
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := m.exts[ext]; !ok {
		return "", FileInfo{}, ErrDisallowedExt
	}

	dir := filepath.Join(m.cfg.Root, sessionID)
	path := filepath.Join(dir, name)

	// Symlinks inside the directory could still point outside it.
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", FileInfo{}, ErrNotFound
		}
		return "", FileInfo{}, err
	}
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", FileInfo{}, err
	}
	if resolved != realDir && !strings.HasPrefix(resolved, realDir+string(os.PathSeparator)) {
		return "", FileInfo{}, ErrEscapesDir
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", FileInfo{}, ErrNotFound
		}
		return "", FileInfo{}, err
	}
	if info.IsDir() {
		return "", FileInfo{}, ErrNotFound
	}
	if info.Size() > m.cfg.MaxFileBytes {
		return "", FileInfo{}, ErrTooLarge
	}

	return resolved, FileInfo{Name: name, Size: info.Size(), Modified: info.ModTime().UTC()}, nil
}

// ScheduleDelete arms the grace-period deletion for a finished session.
// Idempotent: a second call for the same session is a no-op.
func (m *Manager) ScheduleDelete(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[sessionID]; ok {
		return
	}
	m.pending[sessionID] = time.AfterFunc(m.cfg.CleanupGrace, func() {
		m.DeleteNow(sessionID)
	})
}

// DeleteNow removes the session directory immediately and cancels any
// pending grace timer.
func (m *Manager) DeleteNow(sessionID string) {
	m.mu.Lock()
	if t, ok := m.pending[sessionID]; ok {
		t.Stop()
		delete(m.pending, sessionID)
	}
	m.mu.Unlock()

	dir := filepath.Join(m.cfg.Root, sessionID)
	if err := os.RemoveAll(dir); err != nil {
		m.logger.Warn("removing session directory failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Debug("session directory removed", slog.String("session_id", sessionID))
}

// PurgeAll removes every session directory. Used during graceful shutdown.
func (m *Manager) PurgeAll() {
	m.mu.Lock()
	for id, t := range m.pending {
		t.Stop()
		delete(m.pending, id)
	}
	m.mu.Unlock()

	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return
	}
	for _, e := range entries {
		_ = os.RemoveAll(filepath.Join(m.cfg.Root, e.Name()))
	}
}

// SweepStale removes directories older than maxAge with no pending deletion
// timer — leftovers from a previous crashed run.
func (m *Manager) SweepStale(maxAge time.Duration) int {
	entries, err := os.ReadDir(m.cfg.Root)
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)

	removed := 0
	for _, e := range entries {
		m.mu.Lock()
		_, scheduled := m.pending[e.Name()]
		m.mu.Unlock()
		if scheduled {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.cfg.Root, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("swept stale session directories", slog.Int("count", removed))
	}
	return removed
}
