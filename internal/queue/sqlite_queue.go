// Package queue provides the WAL-mode SQLite outbox of the changewatch
// daemon. Every change event emitted by a watch cycle is persisted on
// Enqueue and stays pending until every sink has accepted it and the agent
// calls Ack, so events survive sink outages and daemon restarts.
//
// Delivered rows are kept as a bounded journal that backs the recent-events
// API; Prune trims it.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/changewatch/internal/agent"
)

// SQLiteQueue is a WAL-mode SQLite-backed implementation of agent.Outbox.
// It is safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

var _ agent.Outbox = (*SQLiteQueue)(nil)

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. ":memory:" opens a throwaway database.
//
// The depth counter is seeded from the rows still pending, so Depth is
// accurate immediately after a restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors between the cycle and delivery loops.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	// NORMAL survives application crashes, not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM change_outbox WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS change_outbox (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT    NOT NULL,
    tag          TEXT    NOT NULL,
    path         TEXT    NOT NULL,
    change       TEXT    NOT NULL,
    observed_at  TEXT    NOT NULL,
    enqueued_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_change_outbox_pending
    ON change_outbox (delivered, id);
`

// Enqueue persists evt with delivered = 0. It implements agent.Queue.
func (q *SQLiteQueue) Enqueue(ctx context.Context, evt agent.ChangeEvent) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO change_outbox (session_id, tag, path, change, observed_at)
		 VALUES (?, ?, ?, ?, ?)`,
		evt.SessionID,
		evt.Tag,
		evt.Path,
		evt.Change,
		evt.ObservedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// Dequeue returns up to n pending events, oldest first, without marking
// them delivered. If n <= 0 it returns nil without querying the database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]agent.PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, session_id, tag, path, change, observed_at
		 FROM   change_outbox
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	return events, nil
}

// Recent returns up to limit events, delivered or not, newest first.
func (q *SQLiteQueue) Recent(ctx context.Context, limit int) ([]agent.ChangeEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, session_id, tag, path, change, observed_at
		 FROM   change_outbox
		 ORDER  BY id DESC
		 LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: recent query: %w", err)
	}
	defer rows.Close()

	pending, err := scanEvents(rows)
	if err != nil {
		return nil, fmt.Errorf("queue: recent: %w", err)
	}
	out := make([]agent.ChangeEvent, len(pending))
	for i, pe := range pending {
		out[i] = pe.Evt
	}
	return out, nil
}

func scanEvents(rows *sql.Rows) ([]agent.PendingEvent, error) {
	var events []agent.PendingEvent
	for rows.Next() {
		var (
			pe    agent.PendingEvent
			tsStr string
		)
		if err := rows.Scan(
			&pe.ID,
			&pe.Evt.SessionID,
			&pe.Evt.Tag,
			&pe.Evt.Path,
			&pe.Evt.Change,
			&tsStr,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		// A malformed timestamp leaves ObservedAt zero rather than blocking
		// the queue.
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err == nil {
			pe.Evt.ObservedAt = ts
		}
		pe.Evt.Seq = pe.ID
		events = append(events, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return events, nil
}

// Ack marks the events identified by ids as delivered. It is idempotent;
// the depth counter only drops for rows that were still pending.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE change_outbox SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Prune deletes delivered events enqueued before cutoff and returns how many
// rows were removed. Pending events are never pruned.
func (q *SQLiteQueue) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM change_outbox WHERE delivered = 1 AND enqueued_at < ?`,
		cutoff.UTC().Format("2006-01-02T15:04:05.000Z"),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: prune: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// Depth returns the number of pending events without touching the
// database.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
