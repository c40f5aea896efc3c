package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns the chi.Router of the changewatch HTTP API.
//
// Route layout:
//
//	GET /healthz          - liveness probe (no authentication required)
//	GET /metrics          - Prometheus exposition, when configured (no authentication)
//	GET /api/v1/watches   - live watch table
//	GET /api/v1/events    - recent change events
//	GET /api/v1/stream    - WebSocket stream of change events
//
// pubKey verifies RS256 bearer tokens on every /api/v1 route. Pass nil to
// serve the API unauthenticated.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthz)
	if srv.metrics != nil {
		r.Handle("/metrics", srv.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/watches", srv.handleGetWatches)
		r.Get("/events", srv.handleGetEvents)
		if srv.stream != nil {
			r.Handle("/stream", srv.stream)
		}
	})

	return r
}
