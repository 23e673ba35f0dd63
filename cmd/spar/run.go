package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/live"
	"github.com/ashureev/debategym/internal/pubsub"
	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

const (
	// maxTurnRetries bounds re-asking the opponent after cooldown skips for one line.
	maxTurnRetries = 3
	// retrySlack is added to the server's wait so the retry lands after the cooldown.
	retrySlack = 250 * time.Millisecond
)

// session is one interactive spar against a server session.
type session struct {
	api     *client
	owner   string
	sess    *domain.Session
	page    int
	tl      *live.Timeline
	out     io.Writer
	log     *slog.Logger
	history bool

	// cooldown is the server's turn cooldown, used when a skip carries no wait.
	cooldown time.Duration
	retry    chan time.Duration

	mu      sync.Mutex
	notice  string
	retries int
}

func run(ctx context.Context, opts Options, in io.Reader, out io.Writer, log *slog.Logger) error {
	api, err := newClient(opts.Server)
	if err != nil {
		return err
	}
	owner, err := api.me(ctx)
	if err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	sess, err := api.openSession(ctx, opts.Kind, opts.Topic, opts.Persona)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	log.Debug("Session opened", "session_id", sess.ID, "kind", sess.Kind, "owner_id", owner)

	s := &session{
		api:   api,
		owner: owner,
		sess:  sess,
		page:  opts.Page,
		tl:    live.New(sess.ID),
		out:   out,
		log:   log,
		retry: make(chan time.Duration, 1),
	}
	if s.cooldown, err = api.cooldown(ctx); err != nil {
		log.Debug("Server config unavailable", "error", err)
	}

	// Subscribe before the first window so nothing inserted in between is missed.
	ws, err := api.dial(ctx, sess.ID)
	if err != nil {
		return err
	}
	defer ws.CloseNow()

	win, err := api.loadWindow(ctx, sess.ID, nil, s.page)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.tl.Load(win.Messages)
	s.history = win.HasMore

	lines := make(chan string)
	go scanLines(in, lines)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readEvents(gctx, ws) })
	g.Go(func() error { return s.renderLoop(gctx) })
	g.Go(func() error { return s.inputLoop(gctx, lines) })
	g.Go(func() error { return s.retryLoop(gctx) })

	s.render()
	err = g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func scanLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

// readEvents applies websocket events to the timeline until the socket closes.
func (s *session) readEvents(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		var ev pubsub.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Debug("Ignoring malformed event", "error", err)
			continue
		}
		if ev.Type != pubsub.EventMessageInserted || ev.Message == nil {
			continue
		}
		outcome := s.tl.ApplyRemoteEvent(ev.Message)
		s.log.Debug("Event applied", "message_id", ev.Message.ID, "outcome", outcome)
	}
}

func (s *session) renderLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.tl.Changes():
			s.render()
		}
	}
}

func (s *session) inputLoop(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := s.handleLine(ctx, strings.TrimSpace(line)); err != nil {
				return err
			}
		}
	}
}

func (s *session) handleLine(ctx context.Context, line string) error {
	switch line {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/end":
		if err := s.api.end(ctx, s.sess.ID); err != nil {
			s.setNotice("end failed: " + err.Error())
			return nil
		}
		return errQuit
	case "/more":
		s.loadOlder(ctx)
		return nil
	}
	s.send(ctx, line)
	return nil
}

// send posts line optimistically, then asks the opponent to take its turn.
func (s *session) send(ctx context.Context, content string) {
	e := s.tl.ApplyLocalOptimistic(s.owner, content)
	msg, err := s.api.postMessage(ctx, s.sess.ID, content, e.TempID)
	if err != nil {
		s.tl.Supersede(e.TempID)
		s.setNotice("not sent: " + err.Error())
		return
	}
	s.tl.Confirm(e.TempID, msg)

	s.mu.Lock()
	s.retries = maxTurnRetries
	s.mu.Unlock()
	s.requestTurn(ctx)
}

// requestTurn asks the opponent to reply. A cooldown skip schedules another
// request once the cooldown has passed, at most maxTurnRetries times per line.
func (s *session) requestTurn(ctx context.Context) {
	res, err := s.api.respond(ctx, s.sess.ID)
	switch {
	case err != nil:
		s.setNotice("opponent unavailable: " + err.Error())
	case res.Status == domain.TurnSkipped && res.Reason == domain.SkipCooldown:
		wait := res.RetryAfter()
		if wait <= 0 {
			wait = s.cooldown
		}
		if !s.scheduleRetry(wait + retrySlack) {
			s.setNotice("opponent is thinking, send again in a moment")
			return
		}
		s.setNotice("opponent is thinking")
	case res.Status == domain.TurnFired && res.Message != nil:
		s.tl.ApplyRemoteEvent(res.Message)
		s.setNotice("")
	default:
		s.setNotice("")
	}
}

// scheduleRetry queues one delayed turn request, replacing any queued one.
// It reports false when the retry budget is spent.
func (s *session) scheduleRetry(wait time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retries <= 0 {
		return false
	}
	s.retries--

	// Only retryLoop receives, so after the drain the send cannot block.
	select {
	case <-s.retry:
	default:
	}
	s.retry <- wait
	return true
}

func (s *session) retryLoop(ctx context.Context) error {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case wait := <-s.retry:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		case <-fire:
			fire = nil
			s.log.Debug("Retrying opponent turn", "session_id", s.sess.ID)
			s.requestTurn(ctx)
		}
	}
}

func (s *session) loadOlder(ctx context.Context) {
	if !s.history {
		s.setNotice("no older messages")
		return
	}
	win, err := s.api.loadWindow(ctx, s.sess.ID, s.tl.Oldest(), s.page)
	if err != nil {
		s.setNotice("history unavailable: " + err.Error())
		return
	}
	s.history = win.HasMore
	s.tl.Load(win.Messages)
	s.setNotice(fmt.Sprintf("loaded %d older messages", len(win.Messages)))
}

func (s *session) setNotice(n string) {
	s.mu.Lock()
	s.notice = n
	s.mu.Unlock()
	s.render()
}

func (s *session) render() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.out, "\033[H\033[2J")
	renderTimeline(s.out, s.sess, s.owner, s.tl.Visible(), s.tl.AwaitingAI(), s.notice)
}
