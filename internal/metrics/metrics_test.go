package metrics_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/changewatch/internal/metrics"
)

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_CountersAppearInExposition(t *testing.T) {
	m := metrics.New()
	m.CycleDone(nil)
	m.CycleDone(errors.New("transient"))
	m.Event("/etc")
	m.Event("/etc")
	m.Event("/srv")
	m.EnqueueFailed()
	m.Delivered(5)
	m.DeliveryFailed("postgres")
	m.Pruned(3)

	body := scrape(t, m)
	for _, want := range []string{
		"changewatch_cycles_total 2",
		"changewatch_cycle_errors_total 1",
		`changewatch_events_total{tag="/etc"} 2`,
		`changewatch_events_total{tag="/srv"} 1`,
		"changewatch_enqueue_errors_total 1",
		"changewatch_delivered_total 5",
		`changewatch_delivery_errors_total{sink="postgres"} 1`,
		"changewatch_pruned_total 3",
		"# TYPE changewatch_cycles_total counter",
	} {
		assert.Contains(t, body, want)
	}
}

func TestMetrics_GaugesSampleOnScrape(t *testing.T) {
	m := metrics.New()
	depth := 0
	m.RegisterGauges(func() int { return depth }, func() int { return 4 })

	depth = 7
	body := scrape(t, m)
	assert.Contains(t, body, "changewatch_queue_depth 7")
	assert.Contains(t, body, "changewatch_watches 4")
	assert.Equal(t, 1, strings.Count(body, "# TYPE changewatch_queue_depth gauge"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.CycleDone(nil)
		m.Event("/etc")
		m.EnqueueFailed()
		m.Delivered(1)
		m.DeliveryFailed("x")
		m.Pruned(1)
		m.RegisterGauges(nil, nil)
	})
}

