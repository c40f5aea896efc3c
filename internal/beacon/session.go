package beacon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/changewatch/internal/config"
	"github.com/tripwire/changewatch/internal/watcher"
)

// DefaultPollTimeout bounds the wait for pending notifications in a cycle.
const DefaultPollTimeout = time.Millisecond

// SourceFactory builds the event source of a session.
type SourceFactory func(logger *slog.Logger) (watcher.EventSource, error)

// InotifyFactory is the default SourceFactory.
func InotifyFactory(logger *slog.Logger) (watcher.EventSource, error) {
	return watcher.NewInotifySource(logger)
}

// Session owns one event source and its pending raw-event queue. The source
// is created on the first Cycle and kept until Close; a Cycle after Close
// starts a fresh source.
//
// Cycle, Apply and Close must not be called concurrently. Watches may be
// called from any goroutine.
type Session struct {
	id          string
	logger      *slog.Logger
	factory     SourceFactory
	pollTimeout time.Duration
	policy      StalePolicy
	recorder    MutationRecorder
	pathExists  func(string) bool
	normalizer  *Normalizer

	mu         sync.RWMutex
	src        watcher.EventSource
	reconciler *Reconciler

	queue []watcher.RawEvent

	desired    *Desired
	desiredKey string
}

// Option configures a Session.
type Option func(*Session)

// WithSourceFactory replaces the inotify source, e.g. with a test double.
func WithSourceFactory(f SourceFactory) Option {
	return func(s *Session) { s.factory = f }
}

// WithPollTimeout sets the bounded wait for pending notifications.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Session) { s.pollTimeout = d }
}

// WithStalePolicy selects what happens to watches of unconfigured paths.
func WithStalePolicy(p StalePolicy) Option {
	return func(s *Session) { s.policy = p }
}

// WithRecorder registers a receiver for every watch mutation.
func WithRecorder(r MutationRecorder) Option {
	return func(s *Session) { s.recorder = r }
}

// WithPathCheck replaces the on-disk existence check used before adding a
// watch.
func WithPathCheck(exists func(string) bool) Option {
	return func(s *Session) { s.pathExists = exists }
}

// NewSession returns a Session with no event source yet.
func NewSession(logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:          uuid.NewString(),
		factory:     InotifyFactory,
		pollTimeout: DefaultPollTimeout,
		pathExists:  statExists,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With(slog.String("session", s.id))
	s.normalizer = NewNormalizer(s.logger)
	return s
}

// ID returns the session identifier attached to its log records.
func (s *Session) ID() string { return s.id }

// Apply validates an untyped beacon configuration and runs one Cycle with
// it. An invalid configuration returns a *config.ValidationError and leaves
// the event source untouched.
func (s *Session) Apply(ctx context.Context, raw any) ([]Event, error) {
	b, err := config.ParseBeacon(raw)
	if err != nil {
		return nil, err
	}
	return s.Cycle(ctx, b)
}

// Cycle drains pending notifications, translates them into Events in
// arrival order, reconciles the watch table with desired, and returns the
// events. An empty batch is a normal result. The only error conditions are
// a cancelled ctx and an event source that cannot be created.
func (s *Session) Cycle(ctx context.Context, desired *config.Beacon) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, rec, err := s.source(desired)
	if err != nil {
		return nil, err
	}
	d := s.compile(desired)

	pending, err := src.HasPending(s.pollTimeout)
	if err != nil {
		s.logger.Warn("beacon: polling for events failed", slog.Any("error", err))
	}
	if pending {
		if err := src.Drain(s.enqueue); err != nil {
			s.logger.Warn("beacon: draining events failed", slog.Any("error", err))
		}
	}

	events := s.translate(d)

	res := rec.Reconcile(d)
	if res.Added+res.Updated+res.Removed+res.Failed > 0 {
		s.logger.Debug("beacon: reconciled watches",
			slog.Int("added", res.Added),
			slog.Int("updated", res.Updated),
			slog.Int("removed", res.Removed),
			slog.Int("failed", res.Failed))
	}
	return events, nil
}

func (s *Session) enqueue(ev watcher.RawEvent) {
	s.queue = append(s.queue, ev)
}

// translate empties the queue. Events that cannot be attributed or are
// excluded are dropped individually.
func (s *Session) translate(d *Desired) []Event {
	var events []Event
	for len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue = s.queue[1:]
		if out, ok := s.normalizer.Normalize(ev, d); ok {
			events = append(events, out)
		}
	}
	s.queue = nil
	return events
}

// source returns the live event source, creating it on first use.
func (s *Session) source(desired *config.Beacon) (watcher.EventSource, *Reconciler, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.src != nil {
		return s.src, s.reconciler, nil
	}

	src, err := s.factory(s.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("beacon: start event source: %w", err)
	}
	if desired != nil && desired.Coalesce {
		src.EnableCoalescing()
	}
	rec := NewReconciler(src, s.logger, s.policy, s.recorder)
	rec.pathExists = s.pathExists

	s.src = src
	s.reconciler = rec
	s.logger.Info("beacon: event source started",
		slog.Bool("coalesce", desired != nil && desired.Coalesce),
		slog.String("stale_policy", s.policy.String()))
	return src, rec, nil
}

// compile reuses the compiled form of desired while its paths and exclude
// rules are unchanged. Callers may edit desired in place between cycles, so
// the cache is keyed on content rather than on the pointer.
func (s *Session) compile(desired *config.Beacon) *Desired {
	key := fingerprint(desired)
	if s.desired == nil || s.desired.Beacon() != desired || s.desiredKey != key {
		s.desired = NewDesired(desired, s.logger)
		s.desiredKey = key
	}
	return s.desired
}

func fingerprint(b *config.Beacon) string {
	var sb strings.Builder
	for _, p := range b.Paths() {
		sb.WriteString(p)
		for _, r := range b.Files[p].Exclude {
			fmt.Fprintf(&sb, "\x00%d:%s", r.Kind, r.Pattern)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Watches returns the live watch table, or nil before the first cycle.
func (s *Session) Watches() []watcher.Watch {
	s.mu.RLock()
	src := s.src
	s.mu.RUnlock()
	if src == nil {
		return nil
	}
	return NewWatchTable(src.Watches()).All()
}

// Close stops the event source and discards undrained events. It is safe to
// call Close on a session that never ran or was already closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = nil
	s.desired = nil
	s.desiredKey = ""
	if s.src == nil {
		return nil
	}
	err := s.src.Stop()
	s.src = nil
	s.reconciler = nil
	s.logger.Info("beacon: event source stopped")
	if err != nil {
		return fmt.Errorf("beacon: stop event source: %w", err)
	}
	return nil
}
