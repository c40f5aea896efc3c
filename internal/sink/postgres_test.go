//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/sink/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package sink_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tripwire/changewatch/internal/agent"
	"github.com/tripwire/changewatch/internal/sink"
)

// setupSink starts a PostgreSQL container and returns a connected sink.
func setupSink(t *testing.T) *sink.Postgres {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("changewatch_test"),
		tcpostgres.WithUsername("changewatch"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := sink.NewPostgres(ctx, connStr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func batch(session string, seqs ...int64) []agent.ChangeEvent {
	out := make([]agent.ChangeEvent, len(seqs))
	for i, seq := range seqs {
		out[i] = agent.ChangeEvent{
			Seq:        seq,
			SessionID:  session,
			Tag:        "/srv",
			Path:       "/srv/file",
			Change:     "IN_MODIFY",
			ObservedAt: time.Now().UTC(),
		}
	}
	return out
}

func TestPostgres_PublishStoresEvents(t *testing.T) {
	s := setupSink(t)
	ctx := context.Background()

	if err := s.Publish(ctx, batch("s1", 1, 2, 3)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	n, err := s.Count(ctx, "s1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("stored = %d, want 3", n)
	}
}

func TestPostgres_RedeliveryIsIdempotent(t *testing.T) {
	s := setupSink(t)
	ctx := context.Background()

	if err := s.Publish(ctx, batch("s1", 1, 2)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// The agent redelivers a whole batch when another sink failed.
	if err := s.Publish(ctx, batch("s1", 1, 2, 3)); err != nil {
		t.Fatalf("Publish (redelivery): %v", err)
	}
	// Sequence numbers are per session.
	if err := s.Publish(ctx, batch("s2", 1)); err != nil {
		t.Fatalf("Publish (other session): %v", err)
	}

	if n, _ := s.Count(ctx, "s1"); n != 3 {
		t.Errorf("s1 stored = %d, want 3", n)
	}
	if n, _ := s.Count(ctx, "s2"); n != 1 {
		t.Errorf("s2 stored = %d, want 1", n)
	}
}

func TestPostgres_EmptyBatch(t *testing.T) {
	s := setupSink(t)
	if err := s.Publish(context.Background(), nil); err != nil {
		t.Errorf("Publish(nil) = %v", err)
	}
	if s.Name() != "postgres" {
		t.Errorf("Name = %q", s.Name())
	}
}
