package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/debategym/internal/domain"
	"github.com/ashureev/debategym/internal/store"
)

const sweepBatchSize = 100

// Sweeper completes sessions that have been idle longer than a TTL.
type Sweeper struct {
	sessions store.SessionStore
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewSweeper creates an idle-session sweeper.
func NewSweeper(sessions store.SessionStore, ttl, interval time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		sessions: sessions,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		log:      log,
	}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		s.log.Info("Idle sweeper started", "interval", s.interval, "ttl", s.ttl)

		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					s.log.Error("Idle sweeper failed", "error", err)
				}
			case <-ctx.Done():
				s.log.Info("Idle sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep completes one pass and returns how many sessions it ended.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	ended := 0
	for {
		idle, err := s.sessions.ListIdleSessions(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return ended, err
		}
		if len(idle) == 0 {
			break
		}

		progressed := false
		for _, sess := range idle {
			ok, err := s.sessions.UpdateSessionStatus(ctx, sess.ID, domain.SessionActive, domain.SessionCompleted)
			if err != nil {
				s.log.Warn("Idle sweeper failed to end session",
					"error", err,
					"session_id", sess.ID,
					"owner_id", sess.OwnerID)
				continue
			}
			if ok {
				ended++
				progressed = true
				s.log.Info("Idle sweeper ended session",
					"session_id", sess.ID,
					"owner_id", sess.OwnerID,
					"idle", sess.IdleFor(s.now()).Round(time.Second))
			}
		}
		if !progressed || len(idle) < sweepBatchSize {
			break
		}
	}

	if ended > 0 {
		s.log.Info("Idle sweep completed", "ended", ended)
	}
	return ended, nil
}
