// Package metrics exposes the daemon's operational counters in the
// Prometheus text format.
//
// # Metric catalogue
//
//	changewatch_cycles_total                 - counter: watch cycles run
//	changewatch_cycle_errors_total           - counter: cycles that returned an error
//	changewatch_events_total{tag}            - counter: change events emitted, by owning path
//	changewatch_enqueue_errors_total         - counter: events the outbox failed to persist
//	changewatch_delivered_total              - counter: events accepted by every sink
//	changewatch_delivery_errors_total{sink}  - counter: failed sink publishes
//	changewatch_pruned_total                 - counter: journal rows pruned
//	changewatch_queue_depth                  - gauge:   pending outbox events
//	changewatch_watches                      - gauge:   live watch descriptors
//
// All methods are safe on a nil *Metrics, so components can record
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "changewatch"

// Metrics holds the daemon's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	cycles         prometheus.Counter
	cycleErrors    prometheus.Counter
	events         *prometheus.CounterVec
	enqueueErrors  prometheus.Counter
	delivered      prometheus.Counter
	deliveryErrors *prometheus.CounterVec
	pruned         prometheus.Counter
}

// New registers every counter on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of watch cycles run.",
		}),
		cycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Total number of watch cycles that returned an error.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of change events emitted, by owning configured path.",
		}, []string{"tag"}),
		enqueueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_errors_total",
			Help:      "Total number of change events the outbox failed to persist.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivered_total",
			Help:      "Total number of change events accepted by every sink.",
		}),
		deliveryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_errors_total",
			Help:      "Total number of failed sink publishes.",
		}, []string{"sink"}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_total",
			Help:      "Total number of delivered events pruned from the outbox journal.",
		}),
	}
	m.registry.MustRegister(
		m.cycles, m.cycleErrors, m.events, m.enqueueErrors,
		m.delivered, m.deliveryErrors, m.pruned,
	)
	return m
}

// RegisterGauges exposes queue depth and live watch count, sampled on every
// scrape.
func (m *Metrics) RegisterGauges(queueDepth, watches func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of change events waiting in the outbox.",
		}, func() float64 { return float64(queueDepth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watches",
			Help:      "Number of live watch descriptors.",
		}, func() float64 { return float64(watches()) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CycleDone counts one watch cycle.
func (m *Metrics) CycleDone(err error) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	if err != nil {
		m.cycleErrors.Inc()
	}
}

// Event counts one emitted change owned by tag.
func (m *Metrics) Event(tag string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(tag).Inc()
}

// EnqueueFailed counts one event the outbox could not persist.
func (m *Metrics) EnqueueFailed() {
	if m == nil {
		return
	}
	m.enqueueErrors.Inc()
}

// Delivered counts n events acknowledged after every sink accepted them.
func (m *Metrics) Delivered(n int) {
	if m == nil {
		return
	}
	m.delivered.Add(float64(n))
}

// DeliveryFailed counts one failed publish to sink.
func (m *Metrics) DeliveryFailed(sink string) {
	if m == nil {
		return
	}
	m.deliveryErrors.WithLabelValues(sink).Inc()
}

// Pruned counts n journal rows removed.
func (m *Metrics) Pruned(n int64) {
	if m == nil {
		return
	}
	m.pruned.Add(float64(n))
}
