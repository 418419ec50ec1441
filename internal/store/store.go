// Package store persists the mirrored schedule in SQLite.
//
// Two tables make up the contract:
//
//	events(year int, month int, day int, start_time text, end_time text, description text)
//	log(sched_day text, mtime text)
//
// Event rows for a day are only ever replaced wholesale, together with that
// day's log row, inside one transaction. Readers therefore never observe
// event rows and a log row from different refreshes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"schedmirror/internal/model"
)

// TimestampLayout is the textual timestamp format of both tables.
const TimestampLayout = "2006-01-02 15:04:05"

// ErrAlreadyInitialized is returned by Init when either table exists.
var ErrAlreadyInitialized = errors.New("store: already initialized")

// Store wraps a SQLite connection pool. Open one per refresh cycle and Close
// it before sleeping.
type Store struct {
	conn *sql.DB
	loc  *time.Location
	now  func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithClock sets the source of log mtimes.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLocation sets the zone naive timestamps are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// Open opens (creating if needed) the database file at path.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path is empty")
	}
	conn, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	s := &Store{conn: conn, loc: time.Local, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Initialized reports whether the events or log table exists.
func (s *Store) Initialized(ctx context.Context) (bool, error) {
	return tablesExist(ctx, s.conn)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tablesExist(ctx context.Context, q queryer) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('events', 'log')`,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: inspecting schema: %w", err)
	}
	return n > 0, nil
}

// Init creates both tables. It refuses to run against a database that
// already has either table so an existing mirror is never clobbered.
func (s *Store) Init(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		exists, err := tablesExist(ctx, tx)
		if err != nil {
			return err
		}
		if exists {
			return ErrAlreadyInitialized
		}
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE events (
				year        INTEGER,
				month       INTEGER,
				day         INTEGER,
				start_time  TEXT,
				end_time    TEXT,
				description TEXT
			)`); err != nil {
			return fmt.Errorf("store: creating events table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE log (
				sched_day TEXT,
				mtime     TEXT
			)`); err != nil {
			return fmt.Errorf("store: creating log table: %w", err)
		}
		return nil
	})
}

// ReplaceDay swaps the stored events of d for events and stamps d's log row
// with the current time, all in one transaction.
func (s *Store) ReplaceDay(ctx context.Context, d model.Date, events []model.Event) error {
	mtime := s.now().In(s.loc).Format(TimestampLayout)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE year = ? AND month = ? AND day = ?`,
			d.Year, int(d.Month), d.Day,
		); err != nil {
			return fmt.Errorf("store: clearing %s: %w", d, err)
		}

		if len(events) > 0 {
			stmt, err := tx.PrepareContext(ctx,
				`INSERT INTO events (year, month, day, start_time, end_time, description) VALUES (?, ?, ?, ?, ?, ?)`)
			if err != nil {
				return fmt.Errorf("store: preparing insert: %w", err)
			}
			defer stmt.Close()

			for _, ev := range events {
				if _, err := stmt.ExecContext(ctx,
					d.Year, int(d.Month), d.Day,
					ev.Start.In(s.loc).Format(TimestampLayout),
					ev.End.In(s.loc).Format(TimestampLayout),
					ev.Description,
				); err != nil {
					return fmt.Errorf("store: inserting event for %s: %w", d, err)
				}
			}
		}

		res, err := tx.ExecContext(ctx, `UPDATE log SET mtime = ? WHERE sched_day = ?`, mtime, d.String())
		if err != nil {
			return fmt.Errorf("store: updating log for %s: %w", d, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: updating log for %s: %w", d, err)
		}
		if n == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO log (sched_day, mtime) VALUES (?, ?)`, d.String(), mtime,
			); err != nil {
				return fmt.Errorf("store: inserting log for %s: %w", d, err)
			}
		}
		return nil
	})
}

// Purge deletes log rows for days strictly before before. Event rows are
// left alone. It returns the number of rows removed.
func (s *Store) Purge(ctx context.Context, before model.Date) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM log WHERE sched_day < ?`, before.String())
		if err != nil {
			return fmt.Errorf("store: purging log: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Snapshot returns the last refresh time of every logged day.
func (s *Store) Snapshot(ctx context.Context) (map[model.Date]time.Time, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT sched_day, mtime FROM log`)
	if err != nil {
		return nil, fmt.Errorf("store: reading log: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Date]time.Time)
	for rows.Next() {
		var day, mtime string
		if err := rows.Scan(&day, &mtime); err != nil {
			return nil, fmt.Errorf("store: scanning log row: %w", err)
		}
		d, err := model.ParseDate(day)
		if err != nil {
			return nil, fmt.Errorf("store: log row: %w", err)
		}
		t, err := time.ParseInLocation(TimestampLayout, mtime, s.loc)
		if err != nil {
			return nil, fmt.Errorf("store: log row %s: bad mtime %q: %w", day, mtime, err)
		}
		// Duplicate rows should not exist; keep the newest if they do.
		if prev, ok := out[d]; !ok || t.After(prev) {
			out[d] = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating log rows: %w", err)
	}
	return out, nil
}

// EventsOn returns the stored events of d in extraction order.
func (s *Store) EventsOn(ctx context.Context, d model.Date) ([]model.Event, error) {
	return s.EventsBetween(ctx, d, d)
}

// EventsBetween returns stored events for days in [from, to], ordered by
// day and then extraction order.
func (s *Store) EventsBetween(ctx context.Context, from, to model.Date) ([]model.Event, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT year, month, day, start_time, end_time, description
		FROM events
		WHERE (year * 10000 + month * 100 + day) BETWEEN ? AND ?
		ORDER BY year, month, day, rowid`,
		dateKey(from), dateKey(to),
	)
	if err != nil {
		return nil, fmt.Errorf("store: reading events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var (
			y, m, d    int
			start, end string
			desc       string
		)
		if err := rows.Scan(&y, &m, &d, &start, &end, &desc); err != nil {
			return nil, fmt.Errorf("store: scanning event row: %w", err)
		}
		ev := model.Event{Date: model.Date{Year: y, Month: time.Month(m), Day: d}, Description: desc}
		if ev.Start, err = time.ParseInLocation(TimestampLayout, start, s.loc); err != nil {
			return nil, fmt.Errorf("store: event row %s: bad start %q: %w", ev.Date, start, err)
		}
		if ev.End, err = time.ParseInLocation(TimestampLayout, end, s.loc); err != nil {
			return nil, fmt.Errorf("store: event row %s: bad end %q: %w", ev.Date, end, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating event rows: %w", err)
	}
	return out, nil
}

func dateKey(d model.Date) int {
	return d.Year*10000 + int(d.Month)*100 + d.Day
}

// inTx runs fn in a transaction, rolling back on any error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
