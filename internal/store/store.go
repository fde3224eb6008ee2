// Package store is the local SQLite mirror of remote calendar events.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	appLog "calsync/internal/log"
	"calsync/internal/state"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	summary TEXT NOT NULL DEFAULT '',
	description TEXT,
	location TEXT,
	start_ms INTEGER NOT NULL,
	end_ms INTEGER NOT NULL,
	is_all_day INTEGER NOT NULL DEFAULT 0,
	time_zone_id TEXT NOT NULL DEFAULT '',
	recurrence_rule TEXT,
	recurring_event_id TEXT,
	original_start_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_events_start_ms ON events(start_ms);
CREATE INDEX IF NOT EXISTS idx_events_recurring ON events(recurring_event_id);
`

// EventRow is one persisted event. Times are epoch milliseconds, already
// resolved against TimeZoneID at write time.
type EventRow struct {
	ID               string `json:"id"`
	Summary          string `json:"summary"`
	Description      string `json:"description,omitempty"`
	Location         string `json:"location,omitempty"`
	StartMs          int64  `json:"startMs"`
	EndMs            int64  `json:"endMs"`
	AllDay           bool   `json:"isAllDay"`
	TimeZoneID       string `json:"timeZoneId"`
	RecurrenceRule   string `json:"recurrenceRule,omitempty"`
	RecurringEventID string `json:"recurringEventId,omitempty"`
	// OriginalStartMs is 0 when the row is not a modified occurrence.
	OriginalStartMs int64 `json:"originalStartMs,omitempty"`
}

// ErrNotFound is returned by DeleteEventByID when no row has that id.
var ErrNotFound = errors.New("event not found")

// Store wraps the database. Every committed write bumps version, which
// drives the reactive range queries.
type Store struct {
	db      *sql.DB
	version *state.Cell[uint64]
}

// Open opens (or creates) the database at path in WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and avoids "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	appLog.Info("event store opened", "path", path)
	return &Store{db: db, version: state.NewCell[uint64](0)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ClearAndInsertEventsForRange deletes every row whose start falls in
// [startMs, endMs) and inserts rows, in one transaction. Readers see either
// the old span or the new one.
func (s *Store) ClearAndInsertEventsForRange(ctx context.Context, startMs, endMs int64, rows []EventRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin range replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM events WHERE start_ms >= ? AND start_ms < ?`, startMs, endMs)
	if err != nil {
		return fmt.Errorf("clear range: %w", err)
	}
	deleted, _ := res.RowsAffected()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO events (
			id, summary, description, location, start_ms, end_ms, is_all_day,
			time_zone_id, recurrence_rule, recurring_event_id, original_start_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.ID,
			r.Summary,
			nullString(r.Description),
			nullString(r.Location),
			r.StartMs,
			r.EndMs,
			r.AllDay,
			r.TimeZoneID,
			nullString(r.RecurrenceRule),
			nullString(r.RecurringEventID),
			nullInt(r.OriginalStartMs),
		); err != nil {
			return fmt.Errorf("insert event %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit range replace: %w", err)
	}
	s.bump()

	appLog.Debug("event range replaced", "start_ms", startMs, "end_ms", endMs, "deleted", deleted, "inserted", len(rows))
	return nil
}

// DeleteEventByID removes one row. A missing row yields ErrNotFound.
func (s *Store) DeleteEventByID(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.bump()
	return nil
}

// EventsInRange returns rows overlapping [startMs, endMs), ordered by start.
func (s *Store) EventsInRange(ctx context.Context, startMs, endMs int64) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, description, location, start_ms, end_ms, is_all_day,
			time_zone_id, recurrence_rule, recurring_event_id, original_start_ms
		FROM events
		WHERE start_ms < ? AND (end_ms > ? OR start_ms >= ?)
		ORDER BY start_ms, id
	`, endMs, startMs, startMs)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]EventRow, 0)
	for rows.Next() {
		var (
			r                      EventRow
			desc, loc, rule, recID sql.NullString
			origStart              sql.NullInt64
		)
		if err := rows.Scan(
			&r.ID, &r.Summary, &desc, &loc, &r.StartMs, &r.EndMs, &r.AllDay,
			&r.TimeZoneID, &rule, &recID, &origStart,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Description = desc.String
		r.Location = loc.String
		r.RecurrenceRule = rule.String
		r.RecurringEventID = recID.String
		r.OriginalStartMs = origStart.Int64
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// WatchRange emits the rows of [startMs, endMs) now and after every later
// write to the store, until ctx is done. Query failures are logged and the
// previous result is kept.
func (s *Store) WatchRange(ctx context.Context, startMs, endMs int64) <-chan []EventRow {
	out := make(chan []EventRow, 1)
	versions := s.version.Subscribe(ctx)

	go func() {
		defer close(out)
		for range versions {
			rows, err := s.EventsInRange(ctx, startMs, endMs)
			if err != nil {
				if ctx.Err() == nil {
					appLog.Error("watch query failed", err, "start_ms", startMs, "end_ms", endMs)
				}
				continue
			}
			select {
			case <-out:
			default:
			}
			select {
			case out <- rows:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Store) bump() {
	s.version.Update(func(v uint64) (uint64, bool) { return v + 1, true })
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
