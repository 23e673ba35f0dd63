package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/debategym/internal/completion"
	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/persona"
	"github.com/ashureev/debategym/internal/pubsub"
	"github.com/ashureev/debategym/internal/shared"
	"github.com/ashureev/debategym/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ashureev/debategym/internal/chat"

// TurnPolicy bounds how often the AI may speak.
type TurnPolicy struct {
	// Cooldown is the minimum gap between two AI messages in a session.
	Cooldown time.Duration
	// Window is how many recent messages a decision inspects.
	Window int
}

// DefaultTurnPolicy returns the production cooldown and window size.
func DefaultTurnPolicy() TurnPolicy {
	return TurnPolicy{Cooldown: 20 * time.Second, Window: 20}
}

// CoordinatorDeps are the collaborators of a Coordinator.
type CoordinatorDeps struct {
	Messages store.MessageStore
	Sessions store.SessionStore
	Bus      pubsub.Bus
	Personas *persona.Catalog
	// Providers maps each session kind to its completion chain.
	Providers map[domain.SessionKind]completion.Provider
	Recorder  Recorder
}

// Coordinator decides whether the AI takes a turn and persists the reply.
// It holds no locks; concurrent callers are serialized by the store's
// unique (session_id, responding_to) constraint.
type Coordinator struct {
	messages  store.MessageStore
	sessions  store.SessionStore
	personas  *persona.Catalog
	providers map[domain.SessionKind]completion.Provider
	out       *appender
	policy    TurnPolicy
	now       func() time.Time
	log       *slog.Logger
	tracer    trace.Tracer
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithPolicy overrides DefaultTurnPolicy.
func WithPolicy(p TurnPolicy) CoordinatorOption {
	return func(c *Coordinator) {
		if p.Window <= 0 {
			p.Window = DefaultTurnPolicy().Window
		}
		c.policy = p
	}
}

// WithNow injects the clock used for cooldown checks.
func WithNow(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a turn coordinator.
func NewCoordinator(deps CoordinatorDeps, log *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{
		messages:  deps.Messages,
		sessions:  deps.Sessions,
		personas:  deps.Personas,
		providers: deps.Providers,
		out: &appender{
			messages: deps.Messages,
			sessions: deps.Sessions,
			bus:      deps.Bus,
			recorder: deps.Recorder,
			log:      log,
		},
		policy: DefaultTurnPolicy(),
		now:    time.Now,
		log:    log,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MaybeRespond fires at most one AI reply for the newest user message.
// Skips are successful outcomes. A provider or insert failure is returned
// as an error and nothing is persisted.
func (c *Coordinator) MaybeRespond(ctx context.Context, sessionID string) (domain.TurnResult, error) {
	ctx, span := c.tracer.Start(ctx, "chat.MaybeRespond",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	res, err := c.maybeRespond(ctx, sessionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.TurnResult{}, err
	}
	span.SetAttributes(attribute.String("turn.status", string(res.Status)))
	if res.Reason != "" {
		span.SetAttributes(attribute.String("turn.reason", string(res.Reason)))
	}
	return res, nil
}

func (c *Coordinator) maybeRespond(ctx context.Context, sessionID string) (domain.TurnResult, error) {
	sess, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.TurnResult{}, err
	}
	if !sess.IsActive() {
		return domain.TurnResult{}, shared.Errorf(shared.KindValidation, "session %s is %s", sess.ID, sess.Status)
	}

	recent, err := c.messages.ListMessages(ctx, store.MessageQuery{
		SessionID: sessionID,
		Limit:     c.policy.Window,
		Order:     store.Descending,
	})
	if err != nil {
		return domain.TurnResult{}, shared.E(shared.KindOf(err), "load recent messages", err)
	}

	now := c.now()
	target, reason := decide(recent, now, c.policy)
	if reason != "" {
		c.log.Debug("AI turn skipped", "session_id", sessionID, "reason", reason)
		if reason == domain.SkipCooldown {
			return domain.CoolingDown(cooldownLeft(recent, now, c.policy)), nil
		}
		return domain.Skipped(reason), nil
	}

	p, err := c.personas.Resolve(sess.Kind, sess.PersonaID)
	if err != nil {
		return domain.TurnResult{}, shared.E(shared.KindServer, "resolve persona", err)
	}
	provider, ok := c.providers[sess.Kind]
	if !ok || provider == nil {
		provider = completion.Unavailable{}
	}

	history := make([]*domain.Message, len(recent))
	for i, m := range recent {
		history[len(recent)-1-i] = m
	}

	reply, err := provider.Generate(ctx, p.ReplyRequest(sess, history))
	if err != nil {
		c.log.Warn("AI completion failed", "error", err, "session_id", sessionID, "responding_to", target.ID)
		return domain.TurnResult{}, err
	}

	meta := map[string]any{domain.MetaRespondingTo: target.ID}
	if reply.Fallback {
		meta[domain.MetaFallback] = true
	}
	if reply.Model != "" {
		meta["model"] = reply.Model
	}

	msg, err := c.out.append(ctx, domain.NewMessage{
		SessionID:  sessionID,
		SenderRole: domain.RoleAI,
		Content:    reply.Text,
		Metadata:   meta,
	})
	if err != nil {
		if shared.IsKind(err, shared.KindConflict) {
			c.log.Info("AI reply lost race", "session_id", sessionID, "responding_to", target.ID)
			return domain.Skipped(domain.SkipAlreadyResponded), nil
		}
		return domain.TurnResult{}, err
	}

	c.log.Info("AI turn fired",
		"session_id", sessionID,
		"message_id", msg.ID,
		"responding_to", target.ID,
		"fallback", reply.Fallback)
	return domain.Fired(msg), nil
}

// cooldownLeft returns how long until the newest AI message in recent is
// outside the cooldown.
func cooldownLeft(recent []*domain.Message, now time.Time, p TurnPolicy) time.Duration {
	var lastAI time.Time
	for _, m := range recent {
		if m.SenderRole == domain.RoleAI && m.CreatedAt.After(lastAI) {
			lastAI = m.CreatedAt
		}
	}
	if lastAI.IsZero() {
		return 0
	}
	return max(p.Cooldown-now.Sub(lastAI), 0)
}

// decide applies the turn rules to recent messages, newest first.
// It returns the user message to answer, or a skip reason.
func decide(recent []*domain.Message, now time.Time, p TurnPolicy) (*domain.Message, domain.SkipReason) {
	if len(recent) == 0 {
		return nil, domain.SkipNoMessages
	}

	newest := recent[0]
	var lastAI time.Time
	for _, m := range recent {
		if newest.Before(m) {
			newest = m
		}
		if m.SenderRole == domain.RoleAI && m.CreatedAt.After(lastAI) {
			lastAI = m.CreatedAt
		}
	}

	if !lastAI.IsZero() && now.Sub(lastAI) < p.Cooldown {
		return nil, domain.SkipCooldown
	}
	if newest.SenderRole != domain.RoleUser {
		return nil, domain.SkipAwaitingUser
	}
	for _, m := range recent {
		if m.SenderRole == domain.RoleAI && m.RespondingTo() == newest.ID {
			return nil, domain.SkipAlreadyResponded
		}
	}
	return newest, ""
}
