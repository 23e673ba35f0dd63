package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/debategym/internal/chat"
	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/identity"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/go-chi/chi/v5"
)

// SessionHandler handles session and message endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Post("/sessions", h.GetOrCreate)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.Delete)
			r.Get("/messages", h.ListMessages)
			r.Post("/messages", h.PostMessage)
			r.Post("/respond", h.Respond)
			r.Post("/end", h.End)
			r.Post("/analysis", h.Analyze)
		})
	})
}

// GetMe returns the caller's anonymous identity.
func (h *SessionHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if ownerID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"owner_id":  ownerID,
		"client_id": identity.ClientIDFromContext(r.Context()),
	})
}

// GetConfig returns client-facing settings.
func (h *SessionHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"kinds":            []domain.SessionKind{domain.KindDebate, domain.KindTroll},
		"cooldown_seconds": int(h.policy.Cooldown / time.Second),
		"page_size":        chat.DefaultPageSize,
		"development":      h.isDevelopment(),
	})
}

type createSessionRequest struct {
	Kind      domain.SessionKind `json:"kind"`
	Topic     string             `json:"topic"`
	PersonaID string             `json:"persona_id"`
}

// GetOrCreate returns the caller's active session of a kind, creating it if needed.
func (h *SessionHandler) GetOrCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	sess, err := h.lifecycle.GetOrCreateActive(r.Context(), identity.OwnerIDFromContext(r.Context()), chat.CreateOptions{
		Kind:      req.Kind,
		Topic:     req.Topic,
		PersonaID: req.PersonaID,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// GetSession returns one owned session.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.lifecycle.Authorize(r.Context(), identity.OwnerIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// ListMessages returns one window of history. Query: before (RFC3339),
// before_id, limit.
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := h.lifecycle.Authorize(r.Context(), identity.OwnerIDFromContext(r.Context()), sessionID); err != nil {
		WriteError(w, r, err)
		return
	}

	q := r.URL.Query()
	var anchor *domain.Cursor
	if before := q.Get("before"); before != "" {
		ts, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			Error(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		anchor = &domain.Cursor{CreatedAt: ts, ID: q.Get("before_id")}
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	window, err := h.paginator.LoadWindow(r.Context(), sessionID, anchor, limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if window.Messages == nil {
		window.Messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, window)
}

type postMessageRequest struct {
	Content  string `json:"content"`
	ClientID string `json:"client_id"`
}

// PostMessage appends a user message.
func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if !h.allow(w, r, "post:"+ownerID) {
		return
	}
	var req postMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	msg, err := h.lifecycle.PostMessage(r.Context(), ownerID, chi.URLParam(r, "id"), req.Content, req.ClientID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// Respond runs the AI turn coordinator once.
func (h *SessionHandler) Respond(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "id")
	if _, err := h.lifecycle.Authorize(r.Context(), ownerID, sessionID); err != nil {
		WriteError(w, r, err)
		return
	}
	if !h.allow(w, r, "respond:"+ownerID) {
		return
	}

	res, err := h.coord.MaybeRespond(r.Context(), sessionID)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// End completes a session. Ending twice succeeds.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	sess, err := h.lifecycle.End(r.Context(), identity.OwnerIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// Delete removes a session. Deleting twice succeeds.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.lifecycle.Delete(r.Context(), identity.OwnerIDFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Analyze grades a debate session.
func (h *SessionHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	ownerID := identity.OwnerIDFromContext(r.Context())
	if !h.allow(w, r, "analysis:"+ownerID) {
		return
	}
	res, err := h.analyzer.Analyze(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// allow applies the rate limiter. A limiter outage fails open.
func (h *SessionHandler) allow(w http.ResponseWriter, r *http.Request, key string) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	ok, err := h.limiter.Allow(ctx, key)
	if err != nil {
		slog.Warn("Rate limiter unavailable", "error", err, "key", key)
		return true
	}
	if !ok {
		WriteError(w, r, shared.Errorf(shared.KindRateLimited, "too many requests, slow down"))
		return false
	}
	return true
}
