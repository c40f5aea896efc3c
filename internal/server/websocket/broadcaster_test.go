package websocket_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/changewatch/internal/agent"
	ws "github.com/tripwire/changewatch/internal/server/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBroadcaster() *ws.Broadcaster {
	return ws.NewBroadcaster(testLogger(), 16)
}

func change(tag, path string) agent.ChangeEvent {
	return agent.ChangeEvent{
		SessionID:  "sess",
		Tag:        tag,
		Path:       path,
		Change:     "IN_CREATE",
		ObservedAt: time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC),
	}
}

// recv reads one frame from c or fails after a short timeout.
func recv(t *testing.T, c *ws.Client) ws.EventMessage {
	t.Helper()
	select {
	case raw, ok := <-c.Send():
		if !ok {
			t.Fatal("send channel closed unexpectedly")
		}
		var msg ws.EventMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for frame")
	}
	return ws.EventMessage{}
}

func assertEmpty(t *testing.T, c *ws.Client) {
	t.Helper()
	select {
	case raw := <-c.Send():
		t.Errorf("client %s got unexpected frame %s", c.ID(), raw)
	default:
	}
}

// TestBroadcasterRegisterUnregister verifies that ClientCount tracks
// registrations and that Unregister closes the client's channel.
func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1", ws.Filter{})
	bc.Register("c2", ws.Filter{})
	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}
	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	// Unknown ids are ignored.
	bc.Unregister("does-not-exist")
	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Errorf("expected 1 client, got %d", got)
	}
}

// TestBroadcasterPublish verifies that every client receives the event in
// the change envelope.
func TestBroadcasterPublish(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	c1 := bc.Register("c1", ws.Filter{})
	c2 := bc.Register("c2", ws.Filter{})

	bc.Publish(change("/etc", "/etc/passwd"))

	for _, c := range []*ws.Client{c1, c2} {
		msg := recv(t, c)
		if msg.Type != ws.MessageTypeChange {
			t.Errorf("type = %q, want %q", msg.Type, ws.MessageTypeChange)
		}
		if msg.Data.Path != "/etc/passwd" || msg.Data.Tag != "/etc" || msg.Data.Change != "IN_CREATE" {
			t.Errorf("data = %+v", msg.Data)
		}
	}
}

func TestBroadcasterFilters(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	byTag := bc.Register("tag", ws.Filter{Tag: "/etc"})
	byPrefix := bc.Register("prefix", ws.Filter{PathPrefix: "/srv/www/"})
	both := bc.Register("both", ws.Filter{Tag: "/srv", PathPrefix: "/srv/www/"})

	bc.Publish(change("/etc", "/etc/hosts"))
	if got := recv(t, byTag); got.Data.Path != "/etc/hosts" {
		t.Errorf("tag client got %q", got.Data.Path)
	}
	assertEmpty(t, byPrefix)
	assertEmpty(t, both)

	bc.Publish(change("/srv", "/srv/www/index.html"))
	assertEmpty(t, byTag)
	recv(t, byPrefix)
	recv(t, both)

	bc.Publish(change("/srv", "/srv/db/data"))
	assertEmpty(t, byTag)
	assertEmpty(t, byPrefix)
	assertEmpty(t, both)
}

// TestBroadcasterDropsWhenBufferFull verifies that a slow client's buffer
// fills up and further frames are dropped.
func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	bc := ws.NewBroadcaster(testLogger(), 2)
	c := bc.Register("slow-client", ws.Filter{})

	for i := 0; i < 3; i++ {
		bc.Publish(change("/srv", "/srv/x"))
	}
	if got := c.Dropped.Load(); got != 1 {
		t.Errorf("expected 1 drop, got %d", got)
	}
}

func TestBroadcasterClose(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	c := bc.Register("c", ws.Filter{})
	bc.Close()
	bc.Close()

	if _, ok := <-c.Send(); ok {
		t.Error("expected closed channel after Close")
	}
	if got := bc.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d after Close", got)
	}

	// Publishing and registering after Close must not panic.
	bc.Publish(change("/srv", "/srv/x"))
	late := bc.Register("late", ws.Filter{})
	if _, ok := <-late.Send(); ok {
		t.Error("late client channel should be closed")
	}
}

// TestBroadcasterConcurrentPublishUnregister exercises Publish racing with
// Unregister; run with -race.
func TestBroadcasterConcurrentPublishUnregister(t *testing.T) {
	t.Parallel()

	bc := ws.NewBroadcaster(testLogger(), 1)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				bc.Publish(change("/srv", "/srv/x"))
			}
		}()
	}
	for j := 0; j < 200; j++ {
		bc.Register("c", ws.Filter{})
		bc.Unregister("c")
	}
	wg.Wait()
}

// TestBroadcasterImplementsPublisher verifies at compile time that
// *Broadcaster satisfies agent.Publisher.
func TestBroadcasterImplementsPublisher(t *testing.T) {
	var _ agent.Publisher = (*ws.Broadcaster)(nil)
}
