package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/tripwire/changewatch/internal/agent"
	"github.com/tripwire/changewatch/internal/watcher"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("rest: failed to encode response", slog.Any("error", err))
	}
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	watches WatchLister
	events  EventStore
	healthz http.HandlerFunc
	stream  http.Handler
	metrics http.Handler
	logger  *slog.Logger
}

// ServerOption configures optional Server routes.
type ServerOption func(*Server)

// WithMetricsHandler serves h on /metrics without authentication.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// NewServer creates a Server. healthz serves /healthz and stream serves the
// WebSocket endpoint; a nil stream disables /api/v1/stream.
func NewServer(watches WatchLister, events EventStore, healthz http.HandlerFunc, stream http.Handler, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		watches: watches,
		events:  events,
		healthz: healthz,
		stream:  stream,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WatchView is the JSON form of one live watch.
type WatchView struct {
	WD      int      `json:"wd"`
	Path    string   `json:"path"`
	Mask    uint32   `json:"mask"`
	Events  string   `json:"events"`
	AutoAdd bool     `json:"auto_add"`
	Recurse bool     `json:"recurse"`
	Exclude []string `json:"exclude,omitempty"`
}

func newWatchView(w watcher.Watch) WatchView {
	v := WatchView{
		WD:      w.WD,
		Path:    w.Path,
		Mask:    w.Mask,
		Events:  watcher.MaskName(w.Mask),
		AutoAdd: w.AutoAdd,
		Recurse: w.Recurse,
	}
	for _, r := range w.Exclude.Rules() {
		v.Exclude = append(v.Exclude, r.Kind.String()+":"+r.Pattern)
	}
	return v
}

// handleGetWatches responds to GET /api/v1/watches with the live watch
// table ordered by path.
func (s *Server) handleGetWatches(w http.ResponseWriter, r *http.Request) {
	watches := s.watches.Watches()
	views := make([]WatchView, 0, len(watches))
	for _, wt := range watches {
		views = append(views, newWatchView(wt))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Path < views[j].Path })
	writeJSON(w, s.logger, views)
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	limit - maximum number of results (default 100, max 1000)
//
// Returns HTTP 400 when limit is malformed and HTTP 200 with a JSON array of
// events, newest first, on success.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("rest: query events", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	// Always a JSON array, never null.
	if events == nil {
		events = []agent.ChangeEvent{}
	}
	writeJSON(w, s.logger, events)
}
