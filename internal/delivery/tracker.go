// Package delivery records pending/delivered/read status per
// (message, recipient). Status transitions are monotonic and acknowledgments
// are idempotent; this layer only records state, it never retries or resends.
package delivery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Status is a recipient's delivery state for one message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

var statusRank = map[Status]int{
	StatusPending:   1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// ackScript advances a recipient's status only forward. A duplicate or
// regressing acknowledgment leaves the record untouched and returns 0.
var ackScript = redis.NewScript(`
local ranks = {pending=1, delivered=2, read=3}
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if cur then
	local curStatus = string.match(cur, "^([^|]+)")
	local curRank = ranks[curStatus] or 0
	if ranks[ARGV[2]] <= curRank then
		return 0
	end
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2] .. "|" .. ARGV[3])
return 1
`)

// Record is the stored status plus its last transition time.
type Record struct {
	Status    Status
	UpdatedAt time.Time
}

// Tracker stores delivery records in the shared store, one hash per message
// keyed by recipient. Records self-expire; trimming beyond that is the
// retention collaborator's concern.
type Tracker struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger
}

// NewTracker creates a tracker whose records expire after ttl.
func NewTracker(rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Tracker{
		rdb: rdb,
		ttl: ttl,
		log: log.With().Str("component", "delivery").Logger(),
	}
}

func deliveryKey(msgID string) string { return "delivery:" + msgID }

// MarkPending creates a pending record for each recipient. Recipients that
// already progressed past pending are left alone.
func (t *Tracker) MarkPending(ctx context.Context, msgID string, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}

	key := deliveryKey(msgID)
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	for _, recipient := range recipients {
		if err := t.rdb.HSetNX(ctx, key, recipient, string(StatusPending)+"|"+now).Err(); err != nil {
			return fmt.Errorf("mark pending %s/%s: %w", msgID, recipient, err)
		}
	}
	if err := t.rdb.Expire(ctx, key, t.ttl).Err(); err != nil {
		t.log.Warn().Err(err).Str("msg_id", msgID).Msg("failed to set delivery record expiry")
	}
	return nil
}

// Ack advances the recipient's status. It returns true when the record moved
// forward and false when the ack was a duplicate or would regress.
func (t *Tracker) Ack(ctx context.Context, msgID, recipient string, status Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("unknown delivery status %q", status)
	}

	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	res, err := ackScript.Run(ctx, t.rdb, []string{deliveryKey(msgID)}, recipient, string(status), now).Int()
	if err != nil {
		return false, fmt.Errorf("ack %s/%s: %w", msgID, recipient, err)
	}
	return res == 1, nil
}

// Status returns the recipient's record for a message, with found=false when
// no record exists.
func (t *Tracker) Status(ctx context.Context, msgID, recipient string) (Record, bool, error) {
	raw, err := t.rdb.HGet(ctx, deliveryKey(msgID), recipient).Result()
	if err == redis.Nil {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("status %s/%s: %w", msgID, recipient, err)
	}

	parts := strings.SplitN(raw, "|", 2)
	rec := Record{Status: Status(parts[0])}
	if len(parts) == 2 {
		if ms, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			rec.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return rec, true, nil
}
