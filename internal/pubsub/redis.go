package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// RedisBus is a Bus over Redis PUBLISH/SUBSCRIBE, one channel per session.
type RedisBus struct {
	rdb    *goredis.Client
	prefix string
	buffer int
	log    *slog.Logger
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*goredis.Client, error) {
	if addr == "" {
		return nil, errors.New("missing redis address")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisBus creates a bus on an existing client. The client is not owned.
func NewRedisBus(rdb *goredis.Client, prefix string, log *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "debategym"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{
		rdb:    rdb,
		prefix: prefix,
		buffer: 64,
		log:    log.With("service", "RedisBus"),
	}
}

func (b *RedisBus) channel(sessionID string) string {
	return b.prefix + ":session:" + sessionID
}

// Publish sends msg to every process subscribed to the session.
func (b *RedisBus) Publish(ctx context.Context, sessionID string, msg *domain.Message) error {
	if b == nil || b.rdb == nil {
		return errors.New("redis bus not initialized")
	}
	raw, err := json.Marshal(InsertedEvent(msg))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return b.rdb.Publish(ctx, b.channel(sessionID), raw).Err()
}

// Subscribe starts forwarding the session's channel until ctx ends or Close.
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	if b == nil || b.rdb == nil {
		return nil, errors.New("redis bus not initialized")
	}
	ps := b.rdb.Subscribe(ctx, b.channel(sessionID))

	// ensures subscription actually started
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(b.buffer, cancel)

	go func() {
		defer close(sub.events)
		defer func() { _ = ps.Close() }()
		ch := ps.Channel()
		for {
			select {
			case <-fwdCtx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad redis event payload", "error", err, "session_id", sessionID)
					continue
				}
				select {
				case sub.events <- ev:
				case <-fwdCtx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// Close is a no-op; the shared client is closed by its owner.
func (b *RedisBus) Close() error {
	return nil
}

var _ Bus = (*RedisBus)(nil)
