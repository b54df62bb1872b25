// Package sqlite implements the session audit log using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM
// driver, with WAL mode enabled for concurrent reads.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/shellgate/internal/storage"
)

// Store implements storage.SessionLog backed by a SQLite file.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open creates (or opens) the audit database at path and migrates the schema.
func Open(path string, slogger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit db directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+"?_pragma=journal_mode(WAL)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening audit db %s: %w", path, err)
	}

	if err := db.AutoMigrate(&storage.SessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}

	slogger.Info("session audit log opened", slog.String("path", path))
	return &Store{db: db, logger: slogger}, nil
}

// RecordStart inserts the record for a freshly accepted session.
func (s *Store) RecordStart(ctx context.Context, rec *storage.SessionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(rec).Error
}

// RecordEnd completes the record at teardown. Unknown ids are ignored: the
// audit log is best-effort and must never interfere with teardown.
func (s *Store) RecordEnd(ctx context.Context, id, reason string, exitCode *int, bytesIn, bytesOut int64) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Model(&storage.SessionRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"ended_at":  &now,
			"reason":    reason,
			"exit_code": exitCode,
			"bytes_in":  bytesIn,
			"bytes_out": bytesOut,
		}).Error
}

// Recent returns the most recently started sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]storage.SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var recs []storage.SessionRecord
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
