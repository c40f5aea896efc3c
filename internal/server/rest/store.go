package rest

import (
	"context"

	"github.com/tripwire/changewatch/internal/agent"
	"github.com/tripwire/changewatch/internal/watcher"
)

// EventStore is the subset of the outbox used by the REST handlers.
// *queue.SQLiteQueue implements it.
type EventStore interface {
	// Recent returns up to limit events, newest first.
	Recent(ctx context.Context, limit int) ([]agent.ChangeEvent, error)
}

// WatchLister exposes the live watch table. *agent.Agent implements it.
type WatchLister interface {
	Watches() []watcher.Watch
}
