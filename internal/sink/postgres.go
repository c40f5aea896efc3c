// Package sink holds the delivery targets of the changewatch outbox.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/changewatch/internal/agent"
)

const schema = `
CREATE TABLE IF NOT EXISTS change_events (
    session_id   TEXT        NOT NULL,
    seq          BIGINT      NOT NULL,
    tag          TEXT        NOT NULL,
    path         TEXT        NOT NULL,
    change       TEXT        NOT NULL,
    observed_at  TIMESTAMPTZ NOT NULL,
    received_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_change_events_path
    ON change_events (path, observed_at DESC);
`

// Postgres stores delivered change events in a PostgreSQL table. Rows are
// keyed by (session_id, seq), so a redelivered batch is a no-op.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ agent.Sink = (*Postgres)(nil)

// NewPostgres opens a pgxpool connection to connStr, pings the database and
// creates the change_events table when it does not exist.
func NewPostgres(ctx context.Context, connStr string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("sink: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: pool.Ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: apply schema: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Name implements agent.Sink.
func (p *Postgres) Name() string { return "postgres" }

// Publish inserts events in a single batch. Events already stored are
// skipped.
func (p *Postgres) Publish(ctx context.Context, events []agent.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	const query = `
		INSERT INTO change_events
			(session_id, seq, tag, path, change, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range events {
		e := &events[i]
		b.Queue(query, e.SessionID, e.Seq, e.Tag, e.Path, e.Change, e.ObservedAt)
	}

	start := time.Now()
	br := p.pool.SendBatch(ctx, b)
	defer br.Close()

	var inserted int64
	for range events {
		tag, err := br.Exec()
		if err != nil {
			return fmt.Errorf("sink: batch exec change event: %w", err)
		}
		inserted += tag.RowsAffected()
	}

	p.logger.Debug("sink: batch stored",
		slog.Int("batch", len(events)),
		slog.Int64("inserted", inserted),
		slog.Duration("took", time.Since(start)))
	return nil
}

// Count returns the number of stored events for a session.
func (p *Postgres) Count(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM change_events WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sink: count: %w", err)
	}
	return n, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
