// Package watcher provides the low-level change-notification source used by
// the beacon engine: the inotify mask vocabulary, exclusion filters, and the
// EventSource contract with its Linux inotify implementation.
package watcher

import (
	"errors"
	"fmt"
	"time"
)

// ErrSourceUnavailable is returned when the platform has no usable inotify
// backend. Callers should treat it as fatal at startup.
var ErrSourceUnavailable = errors.New("watcher: inotify event source unavailable")

// ErrUnknownWatch is returned by UpdateWatch and RemoveWatch for a watch
// descriptor that is not registered.
var ErrUnknownWatch = errors.New("watcher: unknown watch descriptor")

// WatchOptions are the per-watch settings beside the event mask.
type WatchOptions struct {
	// Recurse also watches every subdirectory present when the watch is added.
	Recurse bool
	// AutoAdd starts watching directories created under the watch.
	AutoAdd bool
	// Exclude suppresses watches on matching directories during recursive
	// and automatic expansion. May be nil.
	Exclude *ExcludeFilter
}

// Watch describes one registered watch descriptor.
type Watch struct {
	// WD is the opaque descriptor handed out by the source.
	WD int
	// Path is the directory or file the descriptor watches.
	Path string
	// Mask is the resolved inotify mask.
	Mask    uint32
	AutoAdd bool
	Recurse bool
	// Exclude is the filter the watch was registered with.
	Exclude *ExcludeFilter
}

// RawEvent is a single notification read from the source.
type RawEvent struct {
	// WD is the descriptor of the watch that produced the event.
	WD int
	// Path is the path the watch was registered for.
	Path string
	// FullPath is Path joined with Name, or Path itself when Name is empty.
	FullPath string
	// Mask is the raw event mask.
	Mask uint32
	// MaskName is the rendered mask, e.g. "IN_CREATE|IN_ISDIR".
	MaskName string
	// Cookie correlates IN_MOVED_FROM/IN_MOVED_TO pairs.
	Cookie uint32
	// Name is the basename of the affected entry; empty for events on the
	// watched path itself.
	Name string
	// Dir is true when the subject of the event is a directory.
	Dir bool
}

// EventSource wraps an OS change-notification primitive. Implementations are
// driven by one goroutine at a time; Watches may be called concurrently.
type EventSource interface {
	// AddWatch registers path and, with Recurse, its subdirectories. It
	// returns the descriptors created keyed by path.
	AddWatch(path string, mask uint32, opts WatchOptions) (map[string]int, error)
	// UpdateWatch replaces the mask and options of an existing descriptor.
	// With Recurse the descendant watches are updated too.
	UpdateWatch(wd int, mask uint32, opts WatchOptions) error
	// RemoveWatch unregisters a descriptor.
	RemoveWatch(wd int) error
	// Watches returns a snapshot of the registered descriptors.
	Watches() map[int]Watch
	// HasPending waits at most timeout for events to become readable.
	HasPending(timeout time.Duration) (bool, error)
	// Drain reads every readable event and hands each to fn in arrival order.
	Drain(fn func(RawEvent)) error
	// EnableCoalescing drops duplicate (wd, mask, cookie, name) events within
	// a single drained batch.
	EnableCoalescing()
	// Stop releases the underlying notifier. The source is unusable after.
	Stop() error
}

// WatchError reports a failed watch registration or update for one path.
type WatchError struct {
	Op   string
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("watcher: %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *WatchError) Unwrap() error { return e.Err }
