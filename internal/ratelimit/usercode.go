package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/veriflow/veriflow/internal/actor"
)

// userCodeActorKind is the C1 actor kind backing UserCodeRateLimiter.
const userCodeActorKind = "ratelimit-usercode"

// userCodeAttempts is the per-IP state tracked across device/CIBA user-code
// guesses: a plain request counter would let an attacker burn through the
// whole code space at a fixed rate, so each wrong guess instead grows the
// required wait before the next one is accepted.
type userCodeAttempts struct {
	Failures    int       `json:"failures"`
	LockedUntil time.Time `json:"lockedUntil"`
}

// UserCodeRateLimiter enforces exponential backoff on device/CIBA user-code
// submission attempts, per spec.md §4.5's requirement that user-code
// guessing face an escalating penalty rather than a flat window. It is
// built on the C1 actor contract instead of a plain Redis counter because
// the backoff decision (locked vs not, and for how long) is itself a
// single-writer state transition, not a monotonic count.
type UserCodeRateLimiter struct {
	table     actor.Table[userCodeAttempts]
	baseDelay time.Duration
	maxDelay  time.Duration
	maxTTL    time.Duration
	now       func() time.Time
}

// NewUserCodeRateLimiter builds a limiter on top of backend. baseDelay is
// the wait imposed after the first failure; each subsequent failure
// doubles the wait, capped at maxDelay.
func NewUserCodeRateLimiter(backend actor.Backend, baseDelay, maxDelay time.Duration) *UserCodeRateLimiter {
	return &UserCodeRateLimiter{
		table:     actor.NewTable[userCodeAttempts](backend, userCodeActorKind),
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		maxTTL:    24 * time.Hour,
		now:       time.Now,
	}
}

// WithClock overrides the limiter's time source for deterministic tests.
func (l *UserCodeRateLimiter) WithClock(now func() time.Time) *UserCodeRateLimiter {
	l.now = now
	return l
}

// Allowed reports whether ip may submit another user-code guess right now,
// and if not, how much longer it must wait.
func (l *UserCodeRateLimiter) Allowed(ctx context.Context, ip string) (bool, time.Duration, error) {
	attempts, err := l.table.Get(ctx, ip)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			return true, 0, nil
		}
		return true, 0, nil // fail open: storage trouble must not itself lock users out
	}
	now := l.now()
	if now.Before(attempts.LockedUntil) {
		return false, attempts.LockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// RecordFailure registers a failed user-code guess from ip, extending its
// lockout with exponential backoff.
func (l *UserCodeRateLimiter) RecordFailure(ctx context.Context, ip string) error {
	now := l.now()
	_, err := actor.Mutate(ctx, l.table, ip, l.maxTTL, func(current userCodeAttempts, exists bool) (userCodeAttempts, bool, struct{}, error) {
		failures := current.Failures + 1
		delay := l.baseDelay << uint(failures-1)
		if delay > l.maxDelay || delay <= 0 {
			delay = l.maxDelay
		}
		return userCodeAttempts{Failures: failures, LockedUntil: now.Add(delay)}, true, struct{}{}, nil
	})
	return err
}

// RecordSuccess clears ip's failure history after a correct submission.
func (l *UserCodeRateLimiter) RecordSuccess(ctx context.Context, ip string) error {
	return l.table.Delete(ctx, ip)
}
