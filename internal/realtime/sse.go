package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/debategym/internal/api"
	"github.com/ashureev/debategym/internal/config"
	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/identity"
	"github.com/ashureev/debategym/internal/pubsub"
	"github.com/ashureev/debategym/internal/store"
	"github.com/go-chi/chi/v5"
)

const replayLimit = 100

// SSEHandler streams session events as server-sent events. Event ids are
// message cursors, so a reconnecting client resumes via Last-Event-ID.
type SSEHandler struct {
	sessions Authorizer
	messages store.MessageStore
	bus      pubsub.Bus
	cfg      config.SSEConfig
	log      *slog.Logger
}

// NewSSEHandler creates an SSE handler.
func NewSSEHandler(sessions Authorizer, messages store.MessageStore, bus pubsub.Bus, cfg config.SSEConfig, log *slog.Logger) *SSEHandler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &SSEHandler{sessions: sessions, messages: messages, bus: bus, cfg: cfg, log: log}
}

// RegisterRoutes registers the stream route.
func (h *SSEHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions/{id}/stream", h.HandleStream)
}

// HandleStream serves one SSE connection.
func (h *SSEHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID := identity.OwnerIDFromContext(ctx)
	sessionID := chi.URLParam(r, "id")

	if _, err := h.sessions.Authorize(ctx, ownerID, sessionID); err != nil {
		api.WriteError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replaying so nothing inserted in between is lost.
	sub, err := h.bus.Subscribe(ctx, sessionID)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.cfg.RetryDelay.Milliseconds())); err != nil {
		h.log.Warn("failed to write SSE retry header", "error", err, "owner_id", ownerID)
		return
	}

	lastID := r.Header.Get("Last-Event-ID")
	if lastID == "" {
		lastID = r.URL.Query().Get("lastEventId")
	}
	sent := map[string]bool{}
	if cur, ok := parseEventID(lastID); ok {
		missed, err := h.missedSince(r, sessionID, cur)
		if err != nil {
			h.log.Warn("SSE replay failed", "error", err, "session_id", sessionID)
		}
		if len(missed) > 0 {
			h.log.Info("Sending missed messages", "session_id", sessionID, "count", len(missed))
		}
		for _, m := range missed {
			if err := writeMessage(w, m); err != nil {
				return
			}
			sent[m.ID] = true
		}
	}

	if err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","session_id":%q}`, sessionID)); err != nil {
		h.log.Warn("failed to write SSE connected event", "error", err, "owner_id", ownerID)
		return
	}
	flusher.Flush()

	h.log.Info("SSE connection established", "owner_id", ownerID, "session_id", sessionID, "reconnect", lastID != "")

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info("SSE stream disconnected", "owner_id", ownerID, "session_id", sessionID)
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Message == nil || sent[ev.Message.ID] {
				continue
			}
			if err := writeMessage(w, ev.Message); err != nil {
				h.log.Debug("SSE write failed", "error", err, "session_id", sessionID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.log.Warn("failed to write SSE keepalive ping", "error", err, "owner_id", ownerID)
				return
			}
			flusher.Flush()
		}
	}
}

// missedSince returns messages after cur, oldest first, from the most recent replayLimit.
func (h *SSEHandler) missedSince(r *http.Request, sessionID string, cur domain.Cursor) ([]*domain.Message, error) {
	recent, err := h.messages.ListMessages(r.Context(), store.MessageQuery{
		SessionID: sessionID,
		Limit:     replayLimit,
		Order:     store.Descending,
	})
	if err != nil {
		return nil, err
	}
	var out []*domain.Message
	for i := len(recent) - 1; i >= 0; i-- {
		if cur.Less(recent[i].Cursor()) {
			out = append(out, recent[i])
		}
	}
	return out, nil
}

// EventID encodes a message cursor as an SSE event id.
func EventID(m *domain.Message) string {
	return strconv.FormatInt(m.CreatedAt.UnixMicro(), 10) + "_" + m.ID
}

func parseEventID(s string) (domain.Cursor, bool) {
	ts, id, ok := strings.Cut(s, "_")
	if !ok || id == "" {
		return domain.Cursor{}, false
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.Cursor{}, false
	}
	return domain.Cursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: id}, true
}

func writeMessage(w io.Writer, m *domain.Message) error {
	data, err := json.Marshal(pubsub.InsertedEvent(m))
	if err != nil {
		return err
	}
	return writeSSEWithID(w, EventID(m), pubsub.EventMessageInserted, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
