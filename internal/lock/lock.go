// Package lock provides the distributed mutual-exclusion primitive used to
// keep scheduled maintenance jobs singleton across a horizontally-scaled
// fleet.
//
// The lock fails closed: if the shared store is unreachable, acquisition
// fails and the job run is skipped. A missed scheduled run is safer than a
// duplicate one.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the lock only when the caller still holds it, so a
// slow holder cannot release a lock that already expired and was re-acquired
// by someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lease represents a held lock. Release must run in a guaranteed-cleanup path
// (defer) regardless of the guarded task's outcome.
type Lease struct {
	locker *Locker
	name   string
	token  string
}

// Locker acquires named locks in the shared store.
type Locker struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New creates a Locker.
func New(rdb *redis.Client, log zerolog.Logger) *Locker {
	return &Locker{rdb: rdb, log: log.With().Str("component", "lock").Logger()}
}

func lockKey(name string) string { return fmt.Sprintf("lock:%s", name) }

// Acquire attempts a conditional set-if-absent with expiry. It returns the
// lease and true on success, nil and false when another holder owns the lock,
// and an error when the store is unreachable (fail closed).
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey(name), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{locker: l, name: name, token: token}, true, nil
}

// Release gives the lock back. Releasing a lease that already expired is a
// no-op.
func (le *Lease) Release(ctx context.Context) {
	if err := releaseScript.Run(ctx, le.locker.rdb, []string{lockKey(le.name)}, le.token).Err(); err != nil && err != redis.Nil {
		le.locker.log.Warn().Err(err).Str("lock", le.name).Msg("failed to release lock; TTL will reclaim it")
	}
}
