package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// maxMessageSize bounds client-to-server frames. Clients never send
	// anything but control frames.
	maxMessageSize = 4 * 1024

	// pongWait is how long a connection may stay silent before it is
	// considered dead.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = pongWait * 9 / 10
)

// Handler upgrades HTTP requests to WebSocket connections and streams the
// broadcaster's change events to them.
//
// Query parameters tag and prefix narrow the stream (see Filter).
type Handler struct {
	bc       *Broadcaster
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// writeTimeout bounds every frame write.
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc. writeTimeout <= 0 selects 10s.
// A nil checkOrigin accepts only same-origin requests.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration, checkOrigin func(*http.Request) bool) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:     bc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		writeTimeout: writeTimeout,
	}
}

// ServeHTTP performs the upgrade and drives the connection until either
// side closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Debug("websocket: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	filter := Filter{
		Tag:        r.URL.Query().Get("tag"),
		PathPrefix: r.URL.Query().Get("prefix"),
	}
	clientID := uuid.NewString()
	client := h.bc.Register(clientID, filter)
	defer h.bc.Unregister(clientID)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
		slog.String("tag", filter.Tag),
		slog.String("prefix", filter.PathPrefix),
	)
	defer h.logger.Info("websocket: client disconnected", slog.String("client_id", clientID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(conn, clientID)
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if !ok {
				// Broadcaster closed: say goodbye.
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("websocket: write failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Debug("websocket: ping failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}
		}
	}
}

// readLoop discards client frames and returns when the connection closes
// or goes silent for longer than pongWait.
func (h *Handler) readLoop(conn *websocket.Conn, clientID string) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket: read failed",
					slog.String("client_id", clientID), slog.Any("error", err))
			}
			return
		}
	}
}
