// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"feedrelay/internal/model"
	"feedrelay/migrations"
)

// Storage is the interface for all persistence operations.
type Storage interface {
	HasContentHash(ctx context.Context, group, hash string) (bool, error)
	HasEntry(ctx context.Context, group, source, entryID string) (bool, error)
	// RecordProcessed upserts by (group, source, entry id). A conflict on the
	// (group, content hash) index means the content is already recorded and
	// is not reported as an error.
	RecordProcessed(ctx context.Context, rec model.ProcessedRecord) error

	LastRun(ctx context.Context, group string) (time.Time, error)
	SetLastRun(ctx context.Context, group string, t time.Time) error
	LastBatchSent(ctx context.Context, group string) (time.Time, error)
	SetLastBatchSent(ctx context.Context, group string, t time.Time) error
	LastCleanup(ctx context.Context, group string) (time.Time, error)
	SetLastCleanup(ctx context.Context, group string, t time.Time) error
	RunState(ctx context.Context, group string) (model.GroupRunState, error)

	// Cleanup deletes processed records older than cutoff that no unsent
	// pending message refers to, together with sent pending messages older
	// than cutoff. It returns the number of processed records removed.
	Cleanup(ctx context.Context, group string, cutoff time.Time) (int64, error)

	// EnqueuePending stores msg unless a row with the same key exists and
	// reports whether a row was inserted.
	EnqueuePending(ctx context.Context, msg model.PendingMessage) (bool, error)
	ListPending(ctx context.Context, group string) ([]model.PendingMessage, error)
	MarkSent(ctx context.Context, group, source string, entryIDs []string) error

	Close() error
}

// Open returns the Storage implementation for driver.
func Open(driver, dsn string) (Storage, error) {
	switch driver {
	case "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// OpenDB opens the raw database for driver without applying migrations, for
// migration tooling.
func OpenDB(driver, dsn string) (*sql.DB, migrations.Dialect, error) {
	var d migrations.Dialect
	switch driver {
	case "sqlite":
		d = migrations.SQLite
	case "postgres":
		d = migrations.Postgres
	default:
		return nil, d, fmt.Errorf("unknown database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, d, fmt.Errorf("open %s: %w", driver, err)
	}
	return db, d, nil
}
