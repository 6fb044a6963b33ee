package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"feedrelay/internal/model"
)

// sqlStore holds the queries shared by every SQL engine. Queries are written
// with '?' placeholders and rebound for engines that number them.
type sqlStore struct {
	db                *sql.DB
	numbered          bool
	isUniqueViolation func(error) bool
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// HasContentHash reports whether content with hash was already processed for group.
func (s *sqlStore) HasContentHash(ctx context.Context, group, hash string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM rss_status WHERE feed_group = ? AND entry_content_hash = ?`),
		group, hash,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check content hash: %w", err)
	}
	return count > 0, nil
}

// HasEntry reports whether the entry was already processed for group and source.
func (s *sqlStore) HasEntry(ctx context.Context, group, source, entryID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM rss_status WHERE feed_group = ? AND feed_url = ? AND entry_url = ?`),
		group, source, entryID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}
	return count > 0, nil
}

// RecordProcessed marks an entry as processed.
func (s *sqlStore) RecordProcessed(ctx context.Context, rec model.ProcessedRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO rss_status (feed_group, feed_url, entry_url, entry_content_hash, entry_timestamp)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (feed_group, feed_url, entry_url) DO UPDATE SET
		   entry_content_hash = excluded.entry_content_hash,
		   entry_timestamp = excluded.entry_timestamp`),
		rec.Group, rec.Source, rec.EntryID, rec.ContentHash, rec.Timestamp.Unix(),
	)
	if err != nil {
		if s.isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("record processed: %w", err)
	}
	return nil
}

// LastRun returns the start of the group's last cycle, or the zero time.
func (s *sqlStore) LastRun(ctx context.Context, group string) (time.Time, error) {
	return s.timestamp(ctx, "timestamps", "last_run_time", group)
}

// SetLastRun stores the start of the group's last cycle.
func (s *sqlStore) SetLastRun(ctx context.Context, group string, t time.Time) error {
	return s.setTimestamp(ctx, "timestamps", "last_run_time", group, t)
}

// LastBatchSent returns when the group's batch was last flushed, or the zero time.
func (s *sqlStore) LastBatchSent(ctx context.Context, group string) (time.Time, error) {
	return s.timestamp(ctx, "batch_timestamps", "last_batch_sent_time", group)
}

// SetLastBatchSent stores when the group's batch was last flushed.
func (s *sqlStore) SetLastBatchSent(ctx context.Context, group string, t time.Time) error {
	return s.setTimestamp(ctx, "batch_timestamps", "last_batch_sent_time", group, t)
}

// LastCleanup returns when the group's retention sweep last ran, or the zero time.
func (s *sqlStore) LastCleanup(ctx context.Context, group string) (time.Time, error) {
	return s.timestamp(ctx, "cleanup_timestamps", "last_cleanup_time", group)
}

// SetLastCleanup stores when the group's retention sweep last ran.
func (s *sqlStore) SetLastCleanup(ctx context.Context, group string, t time.Time) error {
	return s.setTimestamp(ctx, "cleanup_timestamps", "last_cleanup_time", group, t)
}

// RunState collects every persisted timestamp of a group.
func (s *sqlStore) RunState(ctx context.Context, group string) (model.GroupRunState, error) {
	st := model.GroupRunState{Group: group}
	var err error
	if st.LastRun, err = s.LastRun(ctx, group); err != nil {
		return st, err
	}
	if st.LastBatchSent, err = s.LastBatchSent(ctx, group); err != nil {
		return st, err
	}
	if st.LastCleanup, err = s.LastCleanup(ctx, group); err != nil {
		return st, err
	}
	return st, nil
}

// table and column are package constants, never user input.
func (s *sqlStore) timestamp(ctx context.Context, table, column, group string) (time.Time, error) {
	var unix int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+column+` FROM `+table+` WHERE feed_group = ?`), group,
	).Scan(&unix)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", table, err)
	}
	return time.Unix(unix, 0).UTC(), nil
}

func (s *sqlStore) setTimestamp(ctx context.Context, table, column, group string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO `+table+` (feed_group, `+column+`) VALUES (?, ?)
		 ON CONFLICT (feed_group) DO UPDATE SET `+column+` = excluded.`+column),
		group, t.Unix(),
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", table, err)
	}
	return nil
}

// Cleanup removes expired processed records and sent pending messages.
func (s *sqlStore) Cleanup(ctx context.Context, group string, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM rss_status
		 WHERE feed_group = ? AND entry_timestamp < ?
		   AND NOT EXISTS (
		     SELECT 1 FROM pending_messages p
		     WHERE p.feed_group = rss_status.feed_group
		       AND p.feed_url = rss_status.feed_url
		       AND p.entry_id = rss_status.entry_url
		       AND p.sent = ?)`),
		group, cutoff.Unix(), false,
	)
	if err != nil {
		return 0, fmt.Errorf("delete rss_status: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM pending_messages WHERE feed_group = ? AND sent = ? AND entry_timestamp < ?`),
		group, true, cutoff.Unix(),
	); err != nil {
		return 0, fmt.Errorf("delete pending_messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cleanup: %w", err)
	}
	return removed, nil
}

// EnqueuePending stores an accepted entry for the next batch flush.
func (s *sqlStore) EnqueuePending(ctx context.Context, msg model.PendingMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO pending_messages
		   (feed_group, feed_url, entry_id, entry_content_hash, entry_title, translated_title,
		    entry_link, entry_summary, entry_timestamp, sent, feed_title)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (feed_group, feed_url, entry_id) DO NOTHING`),
		msg.Group, msg.Source, msg.EntryID, msg.ContentHash, msg.Title, msg.TranslatedTitle,
		msg.Link, msg.Summary, msg.Timestamp.Unix(), false, msg.FeedTitle,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListPending returns the group's unsent messages, oldest entry first.
func (s *sqlStore) ListPending(ctx context.Context, group string) ([]model.PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT feed_group, feed_url, entry_id, entry_content_hash, entry_title, translated_title,
		        entry_link, entry_summary, entry_timestamp, feed_title
		 FROM pending_messages
		 WHERE feed_group = ? AND sent = ?
		 ORDER BY entry_timestamp, feed_url, entry_id`),
		group, false,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.PendingMessage
	for rows.Next() {
		m, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkSent flags the given pending messages as delivered.
func (s *sqlStore) MarkSent(ctx context.Context, group, source string, entryIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := s.q(`UPDATE pending_messages SET sent = ? WHERE feed_group = ? AND feed_url = ? AND entry_id = ?`)
	for _, id := range entryIDs {
		if _, err := tx.ExecContext(ctx, query, true, group, source, id); err != nil {
			return fmt.Errorf("mark sent: %w", err)
		}
	}
	return tx.Commit()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPending(row scannable) (model.PendingMessage, error) {
	var m model.PendingMessage
	var ts int64
	err := row.Scan(&m.Group, &m.Source, &m.EntryID, &m.ContentHash, &m.Title, &m.TranslatedTitle,
		&m.Link, &m.Summary, &ts, &m.FeedTitle)
	if err != nil {
		return m, fmt.Errorf("scan pending: %w", err)
	}
	m.Timestamp = time.Unix(ts, 0).UTC()
	return m, nil
}
