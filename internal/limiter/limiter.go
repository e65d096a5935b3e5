// Package limiter implements the distributed per-(user,room) fixed-window
// message throttle backed by the shared coordination store.
//
// The limiter fails open: when the store is unreachable a local token bucket
// takes over so chat keeps flowing. The fallback is per-process and therefore
// not distributed-consistent; a fleet running on fallback enforces the limit
// per instance, not globally.
package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Result describes a rate-limit decision together with the client-facing
// backoff hints.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter throttles message sends per (user, room) key.
type Limiter struct {
	rdb      *redis.Client
	limit    int
	window   time.Duration
	log      zerolog.Logger
	fallback *localLimiter
}

// New creates a limiter enforcing limit messages per window.
func New(rdb *redis.Client, limit int, window time.Duration, log zerolog.Logger) *Limiter {
	return &Limiter{
		rdb:      rdb,
		limit:    limit,
		window:   window,
		log:      log.With().Str("component", "limiter").Logger(),
		fallback: newLocalLimiter(limit, window),
	}
}

func key(userID, roomID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", userID, roomID)
}

// Allow records one send attempt and reports whether it is within the limit.
// The counter is incremented first and decremented back on rejection so the
// externally visible count stays accurate.
func (l *Limiter) Allow(ctx context.Context, userID, roomID string) Result {
	k := key(userID, roomID)

	count, err := l.rdb.Incr(ctx, k).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("user_id", userID).Str("room_id", roomID).
			Msg("rate limit store unreachable; failing open on local fallback")
		return l.fallback.allow(userID, roomID)
	}

	// The expiry is set only on the first increment of a window.
	if count == 1 {
		if err := l.rdb.Expire(ctx, k, l.window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", k).Msg("failed to set rate limit window expiry")
		}
	}

	resetAt := l.resetAt(ctx, k)

	if count > int64(l.limit) {
		if err := l.rdb.Decr(ctx, k).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", k).Msg("failed to roll back rejected increment")
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	return Result{Allowed: true, Remaining: l.limit - int(count), ResetAt: resetAt}
}

func (l *Limiter) resetAt(ctx context.Context, k string) time.Time {
	ttl, err := l.rdb.PTTL(ctx, k).Result()
	if err != nil || ttl <= 0 {
		return time.Now().Add(l.window)
	}
	return time.Now().Add(ttl)
}
