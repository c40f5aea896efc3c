// Package websocket streams change events to connected clients. The
// Broadcaster fans each event out to every registered client without
// blocking the agent's watch cycle.
//
// Each client owns a buffered channel of JSON-encoded frames. Sends are
// non-blocking: a slow or stalled client drops frames instead of applying
// back-pressure to the cycle loop.
package websocket

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tripwire/changewatch/internal/agent"
)

// MessageTypeChange is the Type of every EventMessage.
const MessageTypeChange = "change"

// EventMessage is the JSON envelope pushed to clients.
type EventMessage struct {
	Type string            `json:"type"`
	Data agent.ChangeEvent `json:"data"`
}

// Filter restricts the events a client receives. The zero Filter passes
// everything.
type Filter struct {
	// Tag matches the configured path that owns the event exactly.
	Tag string
	// PathPrefix matches the start of the event path.
	PathPrefix string
}

func (f Filter) match(evt agent.ChangeEvent) bool {
	if f.Tag != "" && evt.Tag != f.Tag {
		return false
	}
	return strings.HasPrefix(evt.Path, f.PathPrefix)
}

// Client is one registered stream consumer. It is valid until
// Broadcaster.Unregister is called.
type Client struct {
	id      string
	filter  Filter
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel of encoded frames. It is closed when the client
// is unregistered or the broadcaster closes.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans change events out to registered clients. It implements
// agent.Publisher and is safe for concurrent use.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool

	bufSize int
	logger  *slog.Logger
}

var _ agent.Publisher = (*Broadcaster)(nil)

// NewBroadcaster creates a Broadcaster. bufSize is the per-client buffer
// depth; 0 selects 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		clients: make(map[string]*Client),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register adds a client receiving the events that pass filter. The caller
// must Unregister it when the connection ends. After Close, Register
// returns a client whose Send channel is already closed.
func (b *Broadcaster) Register(id string, filter Filter) *Client {
	c := &Client{
		id:     id,
		filter: filter,
		send:   make(chan []byte, b.bufSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	if old, ok := b.clients[id]; ok {
		close(old.send)
	}
	b.clients[id] = c
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Unknown ids are ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish encodes evt once and offers it to every client whose filter
// matches. A full client buffer drops the frame for that client.
func (b *Broadcaster) Publish(evt agent.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed || len(b.clients) == 0 {
		return
	}

	raw, err := json.Marshal(EventMessage{Type: MessageTypeChange, Data: evt})
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	for _, c := range b.clients {
		if !c.filter.match(evt) {
			continue
		}
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id),
				slog.String("path", evt.Path),
			)
		}
	}
}

// Close unregisters every client. Publish is a no-op afterwards. It is safe
// to call Close more than once.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
}
