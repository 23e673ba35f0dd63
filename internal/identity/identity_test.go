package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareIssuesAndReusesAnonCookie(t *testing.T) {
	t.Parallel()

	var seen []string
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = append(seen, OwnerIDFromContext(r.Context()))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, AnonCookieName, cookies[0].Name)
	assert.True(t, isValidAnonID(cookies[0].Value))
	assert.False(t, cookies[0].Secure)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1])
}

func TestMiddlewareReplacesForgedCookie(t *testing.T) {
	t.Parallel()

	var got string
	h := Middleware(false)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = OwnerIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "admin"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.NotEqual(t, "admin", got)
	assert.True(t, isValidAnonID(got))
	assert.True(t, rec.Result().Cookies()[0].Secure)
}

func TestClientIDFromRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/?client_id=tab-2", nil)
	assert.Equal(t, "tab-2", clientIDFromRequest(req))

	req.Header.Set(ClientHeaderName, "tab-1")
	assert.Equal(t, "tab-1", clientIDFromRequest(req))

	req.Header.Set(ClientHeaderName, "bad id with spaces")
	assert.Equal(t, DefaultClientIDValue, clientIDFromRequest(req))
}
