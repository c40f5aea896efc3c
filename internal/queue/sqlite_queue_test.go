package queue_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/changewatch/internal/agent"
	"github.com/tripwire/changewatch/internal/queue"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// makeEvent returns a minimal ChangeEvent for use in tests.
func makeEvent(path, change string) agent.ChangeEvent {
	return agent.ChangeEvent{
		SessionID:  "6f1c1f0e-0000-4000-8000-000000000001",
		Tag:        "/srv",
		Path:       path,
		Change:     change,
		ObservedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

// openMemQueue opens an in-memory SQLiteQueue and registers t.Cleanup to
// close it, ensuring the database is closed even when tests fail.
func openMemQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	q, err := queue.New(":memory:")
	if err != nil {
		t.Fatalf("queue.New(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func ids(pending []agent.PendingEvent) []int64 {
	out := make([]int64, len(pending))
	for i, pe := range pending {
		out[i] = pe.ID
	}
	return out
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_InMemory_EmptyDepth(t *testing.T) {
	q := openMemQueue(t)
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestNew_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := queue.New(path)
	if err != nil {
		t.Fatalf("queue.New(%q): %v", path, err)
	}
	_ = q.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Enqueue / Dequeue
// ---------------------------------------------------------------------------

func TestEnqueue_DepthAccumulates(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, makeEvent(fmt.Sprintf("/srv/%d", i), "IN_CREATE")); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if d := q.Depth(); d != 5 {
		t.Errorf("Depth = %d, want 5", d)
	}
}

func TestDequeue_ReturnsEventsInInsertionOrder(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	want := []agent.ChangeEvent{
		makeEvent("/srv/a", "IN_CREATE"),
		makeEvent("/srv/a", "IN_MODIFY"),
		makeEvent("/srv/b", "IN_DELETE|IN_ISDIR"),
	}
	for _, e := range want {
		if err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	got, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Dequeue returned %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Evt.ObservedAt.Equal(want[i].ObservedAt) {
			t.Errorf("[%d] ObservedAt = %v, want %v", i, got[i].Evt.ObservedAt, want[i].ObservedAt)
		}
		if got[i].Evt.Seq != got[i].ID {
			t.Errorf("[%d] Seq = %d, want %d", i, got[i].Evt.Seq, got[i].ID)
		}
		got[i].Evt.ObservedAt = want[i].ObservedAt
		got[i].Evt.Seq = 0
		if got[i].Evt != want[i] {
			t.Errorf("[%d] = %+v, want %+v", i, got[i].Evt, want[i])
		}
		if i > 0 && got[i].ID <= got[i-1].ID {
			t.Errorf("IDs not increasing: %d after %d", got[i].ID, got[i-1].ID)
		}
	}

	// Dequeue does not consume.
	if d := q.Depth(); d != 3 {
		t.Errorf("Depth after Dequeue = %d, want 3", d)
	}
}

func TestDequeue_RespectsLimit(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(ctx, makeEvent(fmt.Sprintf("/srv/%d", i), "IN_CREATE"))
	}

	got, err := q.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Dequeue(2) returned %d events", len(got))
	}
}

func TestDequeue_ZeroLimit_ReturnsNil(t *testing.T) {
	q := openMemQueue(t)
	_ = q.Enqueue(context.Background(), makeEvent("/srv/a", "IN_CREATE"))

	got, err := q.Dequeue(context.Background(), 0)
	if err != nil || got != nil {
		t.Errorf("Dequeue(0) = %v, %v; want nil, nil", got, err)
	}
}

// ---------------------------------------------------------------------------
// Ack
// ---------------------------------------------------------------------------

func TestAck_PartialAck_LeavesPendingEvents(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	for _, p := range []string{"/srv/a", "/srv/b", "/srv/c"} {
		_ = q.Enqueue(ctx, makeEvent(p, "IN_CREATE"))
	}

	pending, _ := q.Dequeue(ctx, 10)
	if err := q.Ack(ctx, []int64{pending[0].ID, pending[2].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d, want 1", d)
	}

	rest, _ := q.Dequeue(ctx, 10)
	if len(rest) != 1 || rest[0].Evt.Path != "/srv/b" {
		t.Errorf("remaining = %+v, want only /srv/b", rest)
	}
}

func TestAck_Idempotent(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, makeEvent("/srv/a", "IN_CREATE"))
	_ = q.Enqueue(ctx, makeEvent("/srv/b", "IN_CREATE"))

	pending, _ := q.Dequeue(ctx, 1)
	_ = q.Ack(ctx, ids(pending))
	_ = q.Ack(ctx, ids(pending))

	if d := q.Depth(); d != 1 {
		t.Errorf("Depth after double ack = %d, want 1", d)
	}
}

func TestAck_EmptyIDs_IsNoop(t *testing.T) {
	q := openMemQueue(t)
	if err := q.Ack(context.Background(), nil); err != nil {
		t.Errorf("Ack(nil) = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

func TestRecent_IncludesDeliveredNewestFirst(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	for _, p := range []string{"/srv/1", "/srv/2", "/srv/3"} {
		_ = q.Enqueue(ctx, makeEvent(p, "IN_MODIFY"))
	}
	pending, _ := q.Dequeue(ctx, 1)
	_ = q.Ack(ctx, ids(pending))

	got, err := q.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent returned %d events, want 3", len(got))
	}
	if got[0].Path != "/srv/3" || got[2].Path != "/srv/1" {
		t.Errorf("Recent order = %s, %s, %s", got[0].Path, got[1].Path, got[2].Path)
	}

	two, _ := q.Recent(ctx, 2)
	if len(two) != 2 {
		t.Errorf("Recent(2) returned %d", len(two))
	}
	if none, _ := q.Recent(ctx, 0); none != nil {
		t.Errorf("Recent(0) = %v, want nil", none)
	}
}

func TestPrune_RemovesOnlyDelivered(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, makeEvent("/srv/acked", "IN_CREATE"))
	_ = q.Enqueue(ctx, makeEvent("/srv/pending", "IN_CREATE"))
	pending, _ := q.Dequeue(ctx, 1)
	_ = q.Ack(ctx, ids(pending))

	n, err := q.Prune(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d rows, want 1", n)
	}
	left, _ := q.Recent(ctx, 10)
	if len(left) != 1 || left[0].Path != "/srv/pending" {
		t.Errorf("after prune = %+v", left)
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d, want 1", d)
	}

	if n, _ := q.Prune(ctx, time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("Prune with old cutoff removed %d rows", n)
	}
}

// ---------------------------------------------------------------------------
// Crash recovery
// ---------------------------------------------------------------------------

func TestCrashRecovery_UnacknowledgedEventsRedelivered(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	// Phase 1: enqueue two events and ack only the first, simulating a crash
	// before the second delivery completed.
	func() {
		q, err := queue.New(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer q.Close()

		_ = q.Enqueue(ctx, makeEvent("/srv/acked", "IN_CREATE"))
		_ = q.Enqueue(ctx, makeEvent("/srv/pending", "IN_DELETE"))

		pending, err := q.Dequeue(ctx, 10)
		if err != nil || len(pending) != 2 {
			t.Fatalf("phase 1 Dequeue: err=%v, got %d events", err, len(pending))
		}
		_ = q.Ack(ctx, []int64{pending[0].ID})
	}()

	// Phase 2: reopen the database.
	q2, err := queue.New(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer q2.Close()

	if d := q2.Depth(); d != 1 {
		t.Errorf("after restart Depth = %d, want 1", d)
	}
	pending, err := q2.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after restart: %v", err)
	}
	if len(pending) != 1 || pending[0].Evt.Path != "/srv/pending" {
		t.Fatalf("after restart got %+v, want only /srv/pending", pending)
	}
}

// TestSQLiteQueue_ImplementsOutbox verifies at compile time that
// *SQLiteQueue satisfies agent.Outbox.
func TestSQLiteQueue_ImplementsOutbox(t *testing.T) {
	var _ agent.Outbox = (*queue.SQLiteQueue)(nil)
}
