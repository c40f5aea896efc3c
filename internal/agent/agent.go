// Package agent contains the changewatch daemon orchestrator. It runs watch
// cycles on a fixed interval, records every emitted change in the local
// outbox, fans changes out to live subscribers, and delivers the outbox to the
// configured sinks, managing their lifecycle through a shared context.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/changewatch/internal/beacon"
	"github.com/tripwire/changewatch/internal/config"
	"github.com/tripwire/changewatch/internal/metrics"
	"github.com/tripwire/changewatch/internal/watcher"
)

// ChangeEvent is a beacon event stamped with the session that observed it.
// Seq is the outbox sequence number, assigned once the event is queued.
type ChangeEvent struct {
	Seq        int64     `json:"seq,omitempty"`
	SessionID  string    `json:"session_id"`
	Tag        string    `json:"tag"`
	Path       string    `json:"path"`
	Change     string    `json:"change"`
	ObservedAt time.Time `json:"observed_at"`
}

// PendingEvent is an undelivered ChangeEvent held by an Outbox. ID is used to
// acknowledge it.
type PendingEvent struct {
	ID  int64
	Evt ChangeEvent
}

// Engine is the watch engine driven by the agent. *beacon.Session implements
// it.
type Engine interface {
	ID() string
	Cycle(ctx context.Context, desired *config.Beacon) ([]beacon.Event, error)
	Watches() []watcher.Watch
	Close() error
}

// Queue is the interface for the local SQLite-backed event outbox.
type Queue interface {
	// Enqueue persists an event for at-least-once delivery.
	Enqueue(ctx context.Context, evt ChangeEvent) error
	// Depth returns the number of pending (unacknowledged) events.
	Depth() int
	// Close releases resources held by the queue.
	Close() error
}

// Outbox is a Queue that also hands pending events back for delivery.
type Outbox interface {
	Queue
	Dequeue(ctx context.Context, n int) ([]PendingEvent, error)
	Ack(ctx context.Context, ids []int64) error
}

// Sink receives batches of delivered events. Publish must be idempotent per
// event: a batch is redelivered when any sink fails.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []ChangeEvent) error
	Close()
}

// Publisher fans events out to live subscribers without blocking.
type Publisher interface {
	Publish(evt ChangeEvent)
}

// Pruner is implemented by outboxes that keep delivered events as a journal.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

const (
	// deliveryBatch bounds the events handed to sinks per delivery round.
	deliveryBatch = 100

	// pruneEvery is the minimum delay between two journal prunes.
	pruneEvery = time.Minute
)

// Agent is the central orchestrator of the changewatch daemon.
type Agent struct {
	cfg       atomic.Pointer[config.Config]
	logger    *slog.Logger
	engine    Engine
	queue     Queue
	sinks     []Sink
	publisher Publisher
	metrics   *metrics.Metrics

	startTime time.Time
	cancel    context.CancelFunc
	errc      chan error

	mu          sync.RWMutex
	lastEventAt time.Time
	lastCycleAt time.Time
	cycles      uint64
	events      uint64
	running     bool
	wg          sync.WaitGroup
}

// New creates an Agent that drives engine with cfg. Queue, sinks and
// publisher are optional and supplied through options.
func New(cfg *config.Config, engine Engine, logger *slog.Logger, opts ...Option) *Agent {
	a := &Agent{
		logger: logger,
		engine: engine,
		errc:   make(chan error, 1),
	}
	a.cfg.Store(cfg)
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithQueue registers the local event outbox.
func WithQueue(q Queue) Option {
	return func(a *Agent) { a.queue = q }
}

// WithSinks registers one or more delivery sinks. Sinks are only fed when
// the queue is an Outbox.
func WithSinks(s ...Sink) Option {
	return func(a *Agent) { a.sinks = append(a.sinks, s...) }
}

// WithPublisher registers the live fan-out.
func WithPublisher(p Publisher) Option {
	return func(a *Agent) { a.publisher = p }
}

// WithMetrics registers the Prometheus collectors the agent records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Agent) { a.metrics = m }
}

// Config returns the configuration currently in effect.
func (a *Agent) Config() *config.Config { return a.cfg.Load() }

// Reload swaps in cfg. The next cycle reconciles against its beacon and the
// interval takes effect after the current tick.
func (a *Agent) Reload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.cfg.Store(cfg)
	a.logger.Info("agent: configuration swapped",
		slog.Int("num_paths", len(cfg.Beacon.Paths())),
		slog.Duration("interval", cfg.Interval))
}

// Start launches the cycle loop and, when the queue is an Outbox, the
// delivery loop. A fatal engine error is reported on Err.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	cfg := a.cfg.Load()
	a.logger.Info("starting changewatch agent",
		slog.String("session", a.engine.ID()),
		slog.String("log_level", cfg.LogLevel),
		slog.String("api_addr", cfg.APIAddr),
		slog.Duration("interval", cfg.Interval),
		slog.Int("num_paths", len(cfg.Beacon.Paths())),
		slog.Int("num_sinks", len(a.sinks)),
	)

	a.wg.Add(1)
	go a.cycleLoop(ctx)

	if ob, ok := a.queue.(Outbox); ok {
		a.wg.Add(1)
		go a.deliveryLoop(ctx, ob)
	}

	a.logger.Info("changewatch agent started")
	return nil
}

// Err returns a channel that receives the error that stopped the cycle loop,
// if any.
func (a *Agent) Err() <-chan error { return a.errc }

// Stop signals all loops to shut down, waits for them, and releases the
// engine, sinks and queue. It is safe to call Stop multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.engine.Close(); err != nil {
		a.logger.Warn("error closing watch engine", slog.Any("error", err))
	}
	for _, s := range a.sinks {
		s.Close()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("error closing event queue", slog.Any("error", err))
		}
	}

	a.logger.Info("changewatch agent stopped")
}

// cycleLoop runs one engine cycle per interval. It exits when ctx is
// cancelled or the engine cannot run at all.
func (a *Agent) cycleLoop(ctx context.Context) {
	defer a.wg.Done()

	interval := a.cfg.Load().Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := a.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			a.logger.Error("agent: watch engine failed", slog.Any("error", err))
			select {
			case a.errc <- err:
			default:
			}
			return
		}

		if next := a.cfg.Load().Interval; next != interval {
			interval = next
			ticker.Reset(interval)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCycle runs a single engine cycle and handles the resulting events.
// Only errors that make further cycles pointless are returned.
func (a *Agent) RunCycle(ctx context.Context) error {
	cfg := a.cfg.Load()
	events, err := a.engine.Cycle(ctx, cfg.Beacon)
	a.metrics.CycleDone(err)
	if err != nil {
		if errors.Is(err, watcher.ErrSourceUnavailable) || ctx.Err() != nil {
			return err
		}
		a.logger.Warn("agent: watch cycle failed", slog.Any("error", err))
	}

	now := time.Now().UTC()
	a.mu.Lock()
	a.cycles++
	a.lastCycleAt = now
	a.mu.Unlock()

	for _, ev := range events {
		a.handleEvent(ctx, ChangeEvent{
			SessionID:  a.engine.ID(),
			Tag:        ev.Tag,
			Path:       ev.Path,
			Change:     ev.Change,
			ObservedAt: now,
		})
	}
	return nil
}

// handleEvent records the event in the local queue and forwards it to live
// subscribers. Errors are logged but do not stop the agent.
func (a *Agent) handleEvent(ctx context.Context, evt ChangeEvent) {
	a.mu.Lock()
	a.lastEventAt = evt.ObservedAt
	a.events++
	a.mu.Unlock()
	a.metrics.Event(evt.Tag)

	a.logger.Info("change event",
		slog.String("tag", evt.Tag),
		slog.String("path", evt.Path),
		slog.String("change", evt.Change),
	)

	if a.queue != nil {
		if err := a.queue.Enqueue(ctx, evt); err != nil {
			a.metrics.EnqueueFailed()
			a.logger.Warn("failed to enqueue change event", slog.Any("error", err))
		}
	}
	if a.publisher != nil {
		a.publisher.Publish(evt)
	}
}

// deliveryLoop drains the outbox into the sinks once per interval.
func (a *Agent) deliveryLoop(ctx context.Context, ob Outbox) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.Load().Interval)
	defer ticker.Stop()

	var lastPrune time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := a.Deliver(ctx, ob)
				if err != nil {
					if ctx.Err() == nil {
						a.logger.Warn("agent: delivery failed; will retry", slog.Any("error", err))
					}
					break
				}
				if n < deliveryBatch {
					break
				}
			}
			if p, ok := ob.(Pruner); ok && time.Since(lastPrune) >= pruneEvery {
				lastPrune = time.Now()
				a.prune(ctx, p)
			}
		}
	}
}

// prune drops delivered events older than the configured retention.
func (a *Agent) prune(ctx context.Context, p Pruner) {
	retention := a.cfg.Load().Retention
	if retention <= 0 {
		return
	}
	n, err := p.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("agent: journal prune failed", slog.Any("error", err))
		}
		return
	}
	a.metrics.Pruned(n)
	if n > 0 {
		a.logger.Debug("agent: journal pruned", slog.Int64("rows", n))
	}
}

// Deliver hands one batch of pending events to every sink and acknowledges
// the batch when all of them accepted it. It returns the batch size.
func (a *Agent) Deliver(ctx context.Context, ob Outbox) (int, error) {
	pending, err := ob.Dequeue(ctx, deliveryBatch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	batch := make([]ChangeEvent, len(pending))
	ids := make([]int64, len(pending))
	for i, pe := range pending {
		batch[i] = pe.Evt
		batch[i].Seq = pe.ID
		ids[i] = pe.ID
	}

	var errs []error
	for _, s := range a.sinks {
		if err := s.Publish(ctx, batch); err != nil {
			a.metrics.DeliveryFailed(s.Name())
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return 0, err
	}

	if err := ob.Ack(ctx, ids); err != nil {
		return 0, err
	}
	a.metrics.Delivered(len(pending))
	return len(pending), nil
}

// Watches returns the engine's live watch table.
func (a *Agent) Watches() []watcher.Watch {
	return a.engine.Watches()
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	Session     string  `json:"session"`
	UptimeS     float64 `json:"uptime_s"`
	Watches     int     `json:"watches"`
	Cycles      uint64  `json:"cycles"`
	Events      uint64  `json:"events"`
	QueueDepth  int     `json:"queue_depth"`
	LastCycleAt string  `json:"last_cycle_at,omitempty"`
	LastEventAt string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:  "ok",
		Session: a.engine.ID(),
		UptimeS: time.Since(a.startTime).Seconds(),
		Watches: len(a.engine.Watches()),
		Cycles:  a.cycles,
		Events:  a.events,
	}
	if !a.running {
		h.Status = "stopped"
	}
	if a.queue != nil {
		h.QueueDepth = a.queue.Depth()
	}
	if !a.lastCycleAt.IsZero() {
		h.LastCycleAt = a.lastCycleAt.Format(time.RFC3339)
	}
	if !a.lastEventAt.IsZero() {
		h.LastEventAt = a.lastEventAt.Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
