package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/coder/websocket"
)

const requestTimeout = 60 * time.Second

// apiError is a non-2xx response body.
type apiError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s (http %d)", e.Message, e.Status)
}

// client talks to the server REST API. The cookie jar carries the
// anonymous identity across requests and the websocket handshake.
type client struct {
	base *url.URL
	http *http.Client
}

func newClient(server string) (*client, error) {
	base, err := url.Parse(strings.TrimRight(server, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", server)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	// Timeouts come from request contexts; the websocket dialer rejects
	// clients with Timeout set.
	return &client{base: base, http: &http.Client{Jar: jar}}, nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) me(ctx context.Context) (string, error) {
	var out struct {
		OwnerID string `json:"owner_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &out); err != nil {
		return "", err
	}
	return out.OwnerID, nil
}

func (c *client) cooldown(ctx context.Context) (time.Duration, error) {
	var out struct {
		CooldownSeconds int `json:"cooldown_seconds"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/config", nil, &out); err != nil {
		return 0, err
	}
	return time.Duration(out.CooldownSeconds) * time.Second, nil
}

func (c *client) openSession(ctx context.Context, kind, topic, personaID string) (*domain.Session, error) {
	var sess domain.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions", map[string]string{
		"kind":       kind,
		"topic":      topic,
		"persona_id": personaID,
	}, &sess)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *client) loadWindow(ctx context.Context, sessionID string, anchor *domain.Cursor, limit int) (domain.Window, error) {
	q := url.Values{}
	if anchor != nil {
		q.Set("before", anchor.CreatedAt.Format(time.RFC3339Nano))
		q.Set("before_id", anchor.ID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var win domain.Window
	err := c.do(ctx, http.MethodGet, path, nil, &win)
	return win, err
}

func (c *client) postMessage(ctx context.Context, sessionID, content, clientID string) (*domain.Message, error) {
	var msg domain.Message
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/messages", map[string]string{
		"content":   content,
		"client_id": clientID,
	}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *client) respond(ctx context.Context, sessionID string) (domain.TurnResult, error) {
	var res domain.TurnResult
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/respond", nil, &res)
	return res, err
}

func (c *client) end(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(sessionID)+"/end", nil, nil)
}

// dial opens the session's event websocket with the client's cookies.
func (c *client) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/sessions/" + url.PathEscape(sessionID)

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return ws, nil
}
