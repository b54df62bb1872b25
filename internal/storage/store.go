// Package storage defines the session audit log: one record per terminal
// session, written at start and completed at teardown. The log is an
// operational artifact (who connected, for how long, how it ended) and is
// never consulted on the request path.
package storage

import (
	"context"
	"time"
)

// SessionRecord is one audited terminal session.
type SessionRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	ClientIP  string `gorm:"size:45;index"`
	StartedAt time.Time
	EndedAt   *time.Time
	Reason    string `gorm:"size:32"` // close reason: client_close, sandbox_exit, sandbox_error, timeout, rate_limited, shutdown
	ExitCode  *int
	BytesIn   int64
	BytesOut  int64
}

// SessionLog persists session audit records.
type SessionLog interface {
	// RecordStart inserts the record for a freshly accepted session.
	RecordStart(ctx context.Context, rec *SessionRecord) error

	// RecordEnd completes the record at teardown.
	RecordEnd(ctx context.Context, id, reason string, exitCode *int, bytesIn, bytesOut int64) error

	// Recent returns the most recently started sessions, newest first.
	Recent(ctx context.Context, limit int) ([]SessionRecord, error)

	// Close releases the underlying database handle.
	Close() error
}
