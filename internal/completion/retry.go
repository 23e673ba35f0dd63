package completion

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds caller-side retries of a completion call.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries twice starting at 500ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialInterval: 500 * time.Millisecond, MaxInterval: 5 * time.Second}
}

// WithRetry retries timeouts and server errors of p with exponential backoff.
func WithRetry(p Provider, policy RetryPolicy, log *slog.Logger) Provider {
	if log == nil {
		log = slog.Default()
	}
	return &retrying{next: p, policy: policy, log: log}
}

type retrying struct {
	next   Provider
	policy RetryPolicy
	log    *slog.Logger
}

func (r *retrying) Generate(ctx context.Context, req Request) (Completion, error) {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}

	attempt := 0
	op := func() (Completion, error) {
		attempt++
		out, err := r.next.Generate(ctx, req)
		if err == nil {
			return out, nil
		}
		f := Classify(err)
		if !f.Retryable() {
			return Completion{}, backoff.Permanent(f)
		}
		r.log.Warn("Completion attempt failed",
			"attempt", attempt,
			"max_retries", r.policy.MaxRetries,
			"class", f.Class,
			"error", f.Err,
		)
		return Completion{}, f
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxRetries+1)),
	)
	if err != nil {
		return Completion{}, Classify(err)
	}
	return out, nil
}
