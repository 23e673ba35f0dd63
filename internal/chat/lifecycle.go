package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/persona"
	"github.com/ashureev/debategym/internal/pubsub"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/ashureev/debategym/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxMessageLength caps user message content in runes.
const DefaultMaxMessageLength = 2000

// LifecycleDeps are the collaborators of a Lifecycle.
type LifecycleDeps struct {
	Sessions store.SessionStore
	Messages store.MessageStore
	Bus      pubsub.Bus
	Personas *persona.Catalog
	Recorder Recorder
}

// Lifecycle creates, ends and deletes sessions and accepts user messages.
type Lifecycle struct {
	sessions  store.SessionStore
	personas  *persona.Catalog
	out       *appender
	maxLength int
	log       *slog.Logger
	tracer    trace.Tracer
}

// NewLifecycle creates a session lifecycle manager. A maxLength of zero uses
// DefaultMaxMessageLength.
func NewLifecycle(deps LifecycleDeps, maxLength int, log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &Lifecycle{
		sessions: deps.Sessions,
		personas: deps.Personas,
		out: &appender{
			messages: deps.Messages,
			sessions: deps.Sessions,
			bus:      deps.Bus,
			recorder: deps.Recorder,
			log:      log,
		},
		maxLength: maxLength,
		log:       log,
		tracer:    otel.Tracer(tracerName),
	}
}

// CreateOptions selects what kind of session GetOrCreateActive returns.
type CreateOptions struct {
	Kind      domain.SessionKind
	Topic     string
	PersonaID string
}

func errSessionNotFound(op string) error {
	return &shared.Error{Kind: shared.KindNotFound, Op: op, Msg: "session not found"}
}

func requireOwner(op, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return &shared.Error{Kind: shared.KindAuth, Op: op, Msg: "missing identity"}
	}
	return nil
}

// GetOrCreateActive returns the owner's active session of kind, creating and
// seeding one when none exists. The seed message is persisted before return.
func (l *Lifecycle) GetOrCreateActive(ctx context.Context, ownerID string, opts CreateOptions) (*domain.Session, error) {
	const op = "get or create session"
	if err := requireOwner(op, ownerID); err != nil {
		return nil, err
	}
	if opts.Kind == "" {
		opts.Kind = domain.KindDebate
	}
	if !opts.Kind.Valid() {
		return nil, shared.Errorf(shared.KindValidation, "unknown session kind %q", opts.Kind)
	}

	ctx, span := l.tracer.Start(ctx, "chat.GetOrCreateActive",
		trace.WithAttributes(attribute.String("session.kind", string(opts.Kind))))
	defer span.End()

	active, err := l.sessions.ListActiveSessions(ctx, ownerID, opts.Kind)
	if err != nil {
		return nil, shared.E(shared.KindOf(err), op, err)
	}
	if len(active) > 0 {
		return active[0], nil
	}

	p, err := l.personas.Resolve(opts.Kind, opts.PersonaID)
	if err != nil {
		return nil, shared.E(shared.KindValidation, op, err)
	}

	sess := &domain.Session{
		OwnerID:   ownerID,
		Kind:      opts.Kind,
		Status:    domain.SessionActive,
		Topic:     p.Topic(opts.Topic),
		PersonaID: p.ID,
	}
	if err := l.sessions.CreateSession(ctx, sess); err != nil {
		return nil, shared.E(shared.KindOf(err), op, err)
	}

	role, text := p.Seed(sess.Topic)
	if _, err := l.out.append(ctx, domain.NewMessage{
		SessionID:  sess.ID,
		SenderRole: role,
		Content:    text,
		Metadata:   map[string]any{"seed": true, "persona": p.ID},
	}); err != nil {
		if _, delErr := l.sessions.DeleteSession(context.WithoutCancel(ctx), sess.ID, ownerID); delErr != nil {
			l.log.Error("Failed to remove unseeded session", "error", delErr, "session_id", sess.ID)
		}
		return nil, shared.E(shared.KindOf(err), "seed session", err)
	}

	return l.settleCreateRace(ctx, ownerID, sess)
}

// settleCreateRace keeps the earliest active session when two creates for the
// same (owner, kind) overlapped, removing the one this call made if it lost.
func (l *Lifecycle) settleCreateRace(ctx context.Context, ownerID string, mine *domain.Session) (*domain.Session, error) {
	active, err := l.sessions.ListActiveSessions(ctx, ownerID, mine.Kind)
	if err != nil || len(active) < 2 {
		return mine, nil //nolint:nilerr // the created session is valid either way
	}
	winner := active[0]
	for _, s := range active[1:] {
		if s.CreatedAt.Before(winner.CreatedAt) || (s.CreatedAt.Equal(winner.CreatedAt) && s.ID < winner.ID) {
			winner = s
		}
	}
	if winner.ID == mine.ID {
		return mine, nil
	}
	l.log.Info("Concurrent session create detected, keeping earliest",
		"owner_id", ownerID,
		"kept", winner.ID,
		"removed", mine.ID)
	if _, err := l.sessions.DeleteSession(ctx, mine.ID, ownerID); err != nil {
		l.log.Warn("Failed to remove duplicate session", "error", err, "session_id", mine.ID)
	}
	return winner, nil
}

// Authorize returns the session when ownerID owns it. Absent and foreign
// sessions are indistinguishable to the caller.
func (l *Lifecycle) Authorize(ctx context.Context, ownerID, sessionID string) (*domain.Session, error) {
	const op = "authorize session"
	if err := requireOwner(op, ownerID); err != nil {
		return nil, err
	}
	sess, err := l.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if shared.IsKind(err, shared.KindNotFound) {
			return nil, errSessionNotFound(op)
		}
		return nil, err
	}
	if !sess.OwnedBy(ownerID) || sess.Status == domain.SessionDeleted {
		return nil, errSessionNotFound(op)
	}
	return sess, nil
}

// End completes an active session. Ending a completed session is a no-op.
func (l *Lifecycle) End(ctx context.Context, ownerID, sessionID string) (*domain.Session, error) {
	sess, err := l.Authorize(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.SessionCompleted {
		return sess, nil
	}

	ok, err := l.sessions.UpdateSessionStatus(ctx, sessionID, domain.SessionActive, domain.SessionCompleted)
	if err != nil {
		return nil, shared.E(shared.KindOf(err), "end session", err)
	}
	if !ok {
		// Lost to a concurrent end or sweep; report whatever state it settled in.
		return l.Authorize(ctx, ownerID, sessionID)
	}

	l.log.Info("Session ended", "session_id", sessionID, "owner_id", ownerID)
	return l.sessions.GetSession(ctx, sessionID)
}

// Delete removes a session and its messages. Deleting an absent session
// succeeds; deleting someone else's session reports not found.
func (l *Lifecycle) Delete(ctx context.Context, ownerID, sessionID string) error {
	const op = "delete session"
	if err := requireOwner(op, ownerID); err != nil {
		return err
	}
	sess, err := l.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if shared.IsKind(err, shared.KindNotFound) {
			return nil
		}
		return err
	}
	if !sess.OwnedBy(ownerID) {
		return errSessionNotFound(op)
	}

	n, err := l.sessions.DeleteSession(ctx, sessionID, ownerID)
	if err != nil {
		return shared.E(shared.KindOf(err), op, err)
	}
	if n > 0 {
		l.log.Info("Session deleted", "session_id", sessionID, "owner_id", ownerID)
	}
	return nil
}

// PostMessage appends a user message to an owned active session. clientID,
// when set, is echoed in metadata so optimistic copies can be reconciled.
func (l *Lifecycle) PostMessage(ctx context.Context, ownerID, sessionID, content, clientID string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, shared.Errorf(shared.KindValidation, "message content is required")
	}
	if utf8.RuneCountInString(content) > l.maxLength {
		return nil, shared.Errorf(shared.KindValidation, "message exceeds %d characters", l.maxLength)
	}

	sess, err := l.Authorize(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive() {
		return nil, shared.Errorf(shared.KindValidation, "session is %s", sess.Status)
	}

	var meta map[string]any
	if clientID != "" {
		meta = map[string]any{domain.MetaClientID: clientID}
	}
	sender := ownerID
	msg, err := l.out.append(ctx, domain.NewMessage{
		SessionID:  sessionID,
		SenderRole: domain.RoleUser,
		SenderID:   &sender,
		Content:    content,
		Metadata:   meta,
	})
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, errSessionNotFound("post message")
		}
		return nil, shared.E(shared.KindOf(err), "post message", err)
	}
	return msg, nil
}
