package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReady(t *testing.T) {
	t.Parallel()
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name       string
		checks     map[string]Pinger
		wantStatus int
		wantChecks map[string]string
	}{
		{"all up", map[string]Pinger{"database": ok, "redis": ok}, http.StatusOK,
			map[string]string{"api": "ok", "database": "ok", "redis": "ok"}},
		{"redis down", map[string]Pinger{"database": ok, "redis": down}, http.StatusServiceUnavailable,
			map[string]string{"api": "ok", "database": "ok", "redis": "unreachable"}},
		{"no dependencies", nil, http.StatusOK, map[string]string{"api": "ok"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := chi.NewRouter()
			NewHealthHandler(tt.checks, 0).RegisterHealth(r)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantChecks, body.Checks)
		})
	}
}
