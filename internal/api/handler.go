// Package api provides HTTP handlers for the debategym API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/debategym/internal/chat"
	"github.com/ashureev/debategym/internal/persona"
	"github.com/ashureev/debategym/internal/ratelimit"
	"github.com/ashureev/debategym/internal/shared"
)

const maxBodyBytes = 64 << 10

// Handler provides common handler utilities.
type Handler struct {
	lifecycle   *chat.Lifecycle
	paginator   *chat.Paginator
	coord       *chat.Coordinator
	analyzer    *chat.Analyzer
	personas    *persona.Catalog
	limiter     ratelimit.Limiter
	policy      chat.TurnPolicy
	frontendURL string
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Lifecycle   *chat.Lifecycle
	Paginator   *chat.Paginator
	Coordinator *chat.Coordinator
	Analyzer    *chat.Analyzer
	Personas    *persona.Catalog
	// Limiter may be nil to disable rate limiting.
	Limiter     ratelimit.Limiter
	Policy      chat.TurnPolicy
	FrontendURL string
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(d Deps) *Handler {
	return &Handler{
		lifecycle:   d.Lifecycle,
		paginator:   d.Paginator,
		coord:       d.Coordinator,
		analyzer:    d.Analyzer,
		personas:    d.Personas,
		limiter:     d.Limiter,
		policy:      d.Policy,
		frontendURL: d.FrontendURL,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string      `json:"error"`
	Code      shared.Kind `json:"code"`
	Retryable bool        `json:"retryable,omitempty"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorBody{Error: message, Code: kindForStatus(status)})
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind shared.Kind) int {
	switch kind {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindAuth:
		return http.StatusUnauthorized
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindRateLimited:
		return http.StatusTooManyRequests
	case shared.KindTimeout:
		return http.StatusGatewayTimeout
	case shared.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func kindForStatus(status int) shared.Kind {
	switch status {
	case http.StatusBadRequest:
		return shared.KindValidation
	case http.StatusUnauthorized:
		return shared.KindAuth
	case http.StatusNotFound:
		return shared.KindNotFound
	case http.StatusTooManyRequests:
		return shared.KindRateLimited
	case http.StatusGatewayTimeout:
		return shared.KindTimeout
	case http.StatusConflict:
		return shared.KindConflict
	default:
		return shared.KindServer
	}
}

// WriteError classifies err and writes it. Server errors hide their cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	kind := shared.KindOf(err)
	status := StatusFor(kind)
	msg := err.Error()
	var se *shared.Error
	if errors.As(err, &se) && se.Msg != "" && se.Err == nil {
		msg = se.Msg
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path)
		msg = "internal error"
	}
	JSON(w, status, ErrorBody{Error: msg, Code: kind, Retryable: shared.Retryable(err)})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v unchanged.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return shared.E(shared.KindValidation, "decode body", fmt.Errorf("invalid JSON: %w", err))
	}
	return nil
}

// isDevelopment returns true if running in development mode.
func (h *Handler) isDevelopment() bool {
	return h.frontendURL == "" ||
		strings.Contains(h.frontendURL, "localhost") ||
		strings.Contains(h.frontendURL, "127.0.0.1")
}
