package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/shellgate/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "audit", "sessions.db"), logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	rec := &storage.SessionRecord{
		ID:        "2b1c6f0a-4a1e-4f55-9d3a-8f1f4a2b9c0d",
		ClientIP:  "203.0.113.9",
		StartedAt: started,
	}
	if err := s.RecordStart(ctx, rec); err != nil {
		t.Fatalf("RecordStart: %v", err)
	}

	code := 137
	if err := s.RecordEnd(ctx, rec.ID, "timeout", &code, 1024, 4096); err != nil {
		t.Fatalf("RecordEnd: %v", err)
	}

	recs, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("len(recs) = %d, want 1", len(recs))
	}
	got := recs[0]
	if got.ID != rec.ID || got.ClientIP != rec.ClientIP {
		t.Errorf("record = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.EndedAt == nil {
		t.Fatal("EndedAt = nil after RecordEnd")
	}
	if got.Reason != "timeout" {
		t.Errorf("Reason = %q, want timeout", got.Reason)
	}
	if got.ExitCode == nil || *got.ExitCode != 137 {
		t.Errorf("ExitCode = %v, want 137", got.ExitCode)
	}
	if got.BytesIn != 1024 || got.BytesOut != 4096 {
		t.Errorf("bytes = (%d, %d), want (1024, 4096)", got.BytesIn, got.BytesOut)
	}
}

func TestRecordStartFillsStartedAt(t *testing.T) {
	s := newTestStore(t)

	rec := &storage.SessionRecord{ID: "s-no-time", ClientIP: "10.0.0.1"}
	if err := s.RecordStart(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if rec.StartedAt.IsZero() {
		t.Error("StartedAt not filled in")
	}
}

func TestRecordEndUnknownIDIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.RecordEnd(ctx, "missing", "client_close", nil, 0, 0); err != nil {
		t.Errorf("RecordEnd on unknown id: %v", err)
	}
	recs, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("len(recs) = %d, want 0", len(recs))
	}
}

func TestRecentOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &storage.SessionRecord{
			ID:        string(rune('a' + i)),
			ClientIP:  "10.0.0.1",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.RecordStart(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.Recent(ctx, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
	if recs[0].ID != "e" || recs[1].ID != "d" || recs[2].ID != "c" {
		t.Errorf("order = %s, %s, %s, want e, d, c", recs[0].ID, recs[1].ID, recs[2].ID)
	}
	if !recs[0].StartedAt.After(recs[2].StartedAt) {
		t.Error("records not newest first")
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "sessions.db")
	ctx := context.Background()

	s1, err := Open(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.RecordStart(ctx, &storage.SessionRecord{ID: "persist", ClientIP: "10.0.0.1"}); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	recs, err := s2.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "persist" {
		t.Errorf("recs = %+v, want the persisted record", recs)
	}
}
