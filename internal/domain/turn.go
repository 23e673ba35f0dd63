package domain

import "time"

// TurnStatus is the outcome class of a maybeRespond invocation.
type TurnStatus string

const (
	TurnFired   TurnStatus = "fired"
	TurnSkipped TurnStatus = "skipped"
)

// SkipReason explains why the AI did not speak.
type SkipReason string

const (
	SkipNoMessages       SkipReason = "no_messages"
	SkipCooldown         SkipReason = "cooldown"
	SkipAwaitingUser     SkipReason = "awaiting_user"
	SkipAlreadyResponded SkipReason = "already_responded"
)

// TurnResult is returned to the caller of maybeRespond.
type TurnResult struct {
	Status  TurnStatus `json:"status"`
	Reason  SkipReason `json:"reason,omitempty"`
	Message *Message   `json:"message,omitempty"`
	// RetryAfterMillis is set on cooldown skips: how long until the
	// cooldown has passed.
	RetryAfterMillis int64 `json:"retry_after_ms,omitempty"`
}

// Fired returns a fired result carrying the persisted reply.
func Fired(msg *Message) TurnResult {
	return TurnResult{Status: TurnFired, Message: msg}
}

// Skipped returns a skipped result with reason.
func Skipped(reason SkipReason) TurnResult {
	return TurnResult{Status: TurnSkipped, Reason: reason}
}

// CoolingDown returns a cooldown skip that may be retried after wait.
func CoolingDown(wait time.Duration) TurnResult {
	r := Skipped(SkipCooldown)
	if wait > 0 {
		r.RetryAfterMillis = wait.Milliseconds()
		if wait%time.Millisecond != 0 {
			r.RetryAfterMillis++
		}
	}
	return r
}

// RetryAfter is RetryAfterMillis as a duration.
func (r TurnResult) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMillis) * time.Millisecond
}

// Window is one page of a session's history in ascending order.
type Window struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"has_more"`
	// NextAnchor is the oldest message's cursor; pass it back to load older messages.
	NextAnchor *Cursor `json:"next_anchor,omitempty"`
}
