// Package watchertest provides an in-memory watcher.EventSource for tests.
package watchertest

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/changewatch/internal/watcher"
)

// Call records one watch mutation made on a Source.
type Call struct {
	Op   string // "add", "update" or "remove"
	WD   int
	Path string
	Mask uint32
	Opts watcher.WatchOptions
}

// Source is a scripted EventSource. Queue raw events with Push; they are
// returned by the next Drain. Every mutation is recorded in Calls.
type Source struct {
	mu sync.Mutex

	watches  map[int]watcher.Watch
	nextWD   int
	pending  [][]watcher.RawEvent
	calls    []Call
	coalesce bool
	stopped  bool

	// AddErr, when set, is returned by AddWatch for the matching path.
	AddErr map[string]error
	// Subdirs lists the subdirectories AddWatch registers for a recursive
	// watch, keyed by root.
	Subdirs map[string][]string
}

var _ watcher.EventSource = (*Source)(nil)

// New returns an empty Source.
func New() *Source {
	return &Source{
		watches: make(map[int]watcher.Watch),
		nextWD:  1,
		AddErr:  make(map[string]error),
		Subdirs: make(map[string][]string),
	}
}

// Push queues events to be delivered together as one drained batch.
func (s *Source) Push(events ...watcher.RawEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, events)
}

// Event builds a RawEvent for the watch registered on watchPath.
func (s *Source) Event(watchPath, name string, mask uint32) watcher.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	wd := -1
	for id, w := range s.watches {
		if w.Path == watchPath {
			wd = id
		}
	}
	full := watchPath
	if name != "" {
		full = filepath.Join(watchPath, name)
	}
	return watcher.RawEvent{
		WD:       wd,
		Path:     watchPath,
		FullPath: full,
		Mask:     mask,
		MaskName: watcher.MaskName(mask),
		Name:     name,
		Dir:      mask&watcher.InIsDir != 0,
	}
}

// Calls returns the recorded mutations.
func (s *Source) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// ResetCalls forgets recorded mutations.
func (s *Source) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// Coalescing reports whether EnableCoalescing was called.
func (s *Source) Coalescing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coalesce
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// AddWatch implements watcher.EventSource.
func (s *Source) AddWatch(path string, mask uint32, opts watcher.WatchOptions) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Op: "add", Path: path, Mask: mask, Opts: opts})
	if err := s.AddErr[path]; err != nil {
		return nil, &watcher.WatchError{Op: "add", Path: path, Err: err}
	}

	added := make(map[string]int)
	paths := []string{path}
	if opts.Recurse {
		subs := append([]string(nil), s.Subdirs[path]...)
		sort.Strings(subs)
		paths = append(paths, subs...)
	}
	for _, p := range paths {
		if p != path && opts.Exclude.Excluded(p) {
			continue
		}
		wd := s.nextWD
		s.nextWD++
		s.watches[wd] = watcher.Watch{
			WD:      wd,
			Path:    p,
			Mask:    mask,
			AutoAdd: opts.AutoAdd,
			Recurse: opts.Recurse,
			Exclude: opts.Exclude,
		}
		added[p] = wd
	}
	return added, nil
}

// UpdateWatch implements watcher.EventSource.
func (s *Source) UpdateWatch(wd int, mask uint32, opts watcher.WatchOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[wd]
	s.calls = append(s.calls, Call{Op: "update", WD: wd, Path: w.Path, Mask: mask, Opts: opts})
	if !ok {
		return &watcher.WatchError{Op: "update", Path: w.Path, Err: watcher.ErrUnknownWatch}
	}
	for id, cur := range s.watches {
		if id == wd || (opts.Recurse && strings.HasPrefix(cur.Path, w.Path+"/")) {
			cur.Mask = mask
			cur.AutoAdd = opts.AutoAdd
			cur.Recurse = opts.Recurse
			s.watches[id] = cur
		}
	}
	return nil
}

// RemoveWatch implements watcher.EventSource.
func (s *Source) RemoveWatch(wd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[wd]
	s.calls = append(s.calls, Call{Op: "remove", WD: wd, Path: w.Path})
	if !ok {
		return &watcher.WatchError{Op: "remove", Path: w.Path, Err: watcher.ErrUnknownWatch}
	}
	delete(s.watches, wd)
	return nil
}

// Watches implements watcher.EventSource.
func (s *Source) Watches() map[int]watcher.Watch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]watcher.Watch, len(s.watches))
	for wd, w := range s.watches {
		out[wd] = w
	}
	return out
}

// HasPending implements watcher.EventSource. It never waits.
func (s *Source) HasPending(_ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false, errors.New("watchertest: source stopped")
	}
	return len(s.pending) > 0, nil
}

// Drain implements watcher.EventSource. Only the oldest pushed batch is
// delivered per call.
func (s *Source) Drain(fn func(watcher.RawEvent)) error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending[0]
	s.pending = s.pending[1:]
	coalesce := s.coalesce
	s.mu.Unlock()

	type key struct {
		wd     int
		mask   uint32
		cookie uint32
		name   string
	}
	seen := make(map[key]bool)
	for _, ev := range batch {
		k := key{ev.WD, ev.Mask, ev.Cookie, ev.Name}
		if coalesce && seen[k] {
			continue
		}
		seen[k] = true
		fn(ev)
	}
	return nil
}

// EnableCoalescing implements watcher.EventSource.
func (s *Source) EnableCoalescing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coalesce = true
}

// Stop implements watcher.EventSource.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.pending = nil
	return nil
}
