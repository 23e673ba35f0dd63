package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/ashureev/debategym/internal/api"
	"github.com/ashureev/debategym/internal/identity"
	"github.com/ashureev/debategym/internal/pubsub"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// WebSocketHandler forwards session events to a websocket.
type WebSocketHandler struct {
	sessions       Authorizer
	bus            pubsub.Bus
	allowedOrigins []string
	isDev          bool
	log            *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(sessions Authorizer, bus pubsub.Bus, allowedOrigins []string, isDev bool, log *slog.Logger) *WebSocketHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocketHandler{
		sessions:       sessions,
		bus:            bus,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		log:            log,
	}
}

// RegisterRoutes registers the websocket route.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/sessions/{id}", h.ServeHTTP)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	h.log.Info("WebSocket connection request", "owner_id", ownerID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		api.Error(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if _, err := h.sessions.Authorize(r.Context(), ownerID, sessionID); err != nil {
		api.WriteError(w, r, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Error("Failed to accept WebSocket", "error", err, "owner_id", ownerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.log.Debug("Failed to close websocket", "error", closeErr, "owner_id", ownerID)
		}
	}()

	// Clients never send frames; CloseRead handles control frames and
	// cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())

	sub, err := h.bus.Subscribe(ctx, sessionID)
	if err != nil {
		h.log.Error("Failed to subscribe to session", "error", err, "session_id", sessionID)
		_ = h.writeJSON(ctx, ws, map[string]string{"error": "subscribe_failed"})
		return
	}
	defer sub.Close()

	h.outputLoop(ctx, ws, sub, ownerID, sessionID)
	h.log.Info("WebSocket stream ended", "owner_id", ownerID, "session_id", sessionID)
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, sub *pubsub.Subscription, ownerID, sessionID string) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, ev); err != nil {
				h.log.Debug("WebSocket write failed", "error", err, "owner_id", ownerID, "session_id", sessionID)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := ws.Ping(pctx)
			cancel()
			if err != nil {
				h.log.Debug("WebSocket ping failed", "error", err, "owner_id", ownerID)
				return
			}
		}
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	h.log.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
