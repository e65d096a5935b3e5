// Package stream implements the durable per-room append-only log and its
// independently-progressing consumer groups on Redis Streams.
//
// Each room owns a stream; two cross-cutting streams feed the archival and
// moderation pipelines. Appends fail closed: an unreachable store surfaces as
// an error so the caller can alert rather than silently lose durability.
package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// The three consumer groups. Each tracks its own read cursor and pending
// state, so a slow moderation consumer never holds back archival or live
// broadcast.
const (
	GroupBroadcast  = "broadcast"
	GroupArchival   = "archival"
	GroupModeration = "moderation"
)

// Cross-cutting streams receiving a copy of every room entry.
const (
	StreamArchival   = "stream:archival"
	StreamModeration = "stream:moderation"
)

// RoomStream returns the durable log name for a room.
func RoomStream(roomID string) string {
	return "stream:room:" + roomID
}

// Entry is one record in a durable log. IDs are assigned by the store and
// increase monotonically per stream.
type Entry struct {
	ID     string
	RoomID string
	UserID string
	MsgID  string
	Body   string
	SentAt time.Time
}

// Router appends entries and hands out consumers.
type Router struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRouter creates a Router over the shared store.
func NewRouter(rdb *redis.Client, log zerolog.Logger) *Router {
	return &Router{rdb: rdb, log: log.With().Str("component", "stream").Logger()}
}

// Append writes the entry to its room's log and to the archival and
// moderation logs. It returns the id assigned in the room stream. Any store
// error propagates: durable appends fail closed.
func (r *Router) Append(ctx context.Context, e Entry) (string, error) {
	values := map[string]interface{}{
		"room_id": e.RoomID,
		"user_id": e.UserID,
		"msg_id":  e.MsgID,
		"body":    e.Body,
		"sent_at": e.SentAt.UnixMilli(),
	}

	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: RoomStream(e.RoomID), Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("append to room stream: %w", err)
	}
	for _, cross := range []string{StreamArchival, StreamModeration} {
		if err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: cross, Values: values}).Err(); err != nil {
			return "", fmt.Errorf("append to %s: %w", cross, err)
		}
	}
	return id, nil
}

// EnsureGroup idempotently creates a consumer group on a stream, creating the
// stream as a side effect if needed. The group starts at the beginning of the
// stream so entries appended before the group existed remain consumable.
func (r *Router) EnsureGroup(ctx context.Context, stream, group string) error {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Len returns the number of entries in a stream.
func (r *Router) Len(ctx context.Context, stream string) (int64, error) {
	return r.rdb.XLen(ctx, stream).Result()
}

// Trim caps a stream at maxLen entries, dropping the oldest. Used by the
// retention job.
func (r *Router) Trim(ctx context.Context, stream string, maxLen int64) (int64, error) {
	return r.rdb.XTrimMaxLen(ctx, stream, maxLen).Result()
}

// Consumer reads one stream on behalf of one consumer group member.
type Consumer struct {
	router *Router
	stream string
	group  string
	name   string

	recovered bool
}

// Consumer creates a reader for the given stream and group, creating the
// group on first use.
func (r *Router) Consumer(ctx context.Context, stream, group, name string) (*Consumer, error) {
	if err := r.EnsureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	return &Consumer{router: r, stream: stream, group: group, name: name}, nil
}

// Fetch returns up to count entries. The first calls re-deliver this
// consumer's still-pending entries (crash recovery); once those are drained
// it waits up to block for new entries. A non-positive block means return
// immediately. A nil slice with nil error means nothing was available.
func (c *Consumer) Fetch(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	if !c.recovered {
		entries, err := c.read(ctx, "0", count, -1)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			return entries, nil
		}
		c.recovered = true
	}

	if block <= 0 {
		block = -1
	}
	return c.read(ctx, ">", count, block)
}

func (c *Consumer) read(ctx context.Context, cursor string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.router.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, cursor},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s as %s/%s: %w", c.stream, c.group, c.name, err)
	}

	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, decodeEntry(msg))
		}
	}
	return entries, nil
}

// Ack marks entries as processed for this consumer's group.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.router.rdb.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack on %s/%s: %w", c.stream, c.group, err)
	}
	return nil
}

// Pending returns how many delivered-but-unacked entries the group holds.
func (c *Consumer) Pending(ctx context.Context) (int64, error) {
	info, err := c.router.rdb.XPending(ctx, c.stream, c.group).Result()
	if err != nil {
		return 0, fmt.Errorf("pending on %s/%s: %w", c.stream, c.group, err)
	}
	return info.Count, nil
}

func decodeEntry(msg redis.XMessage) Entry {
	e := Entry{ID: msg.ID}
	if v, ok := msg.Values["room_id"].(string); ok {
		e.RoomID = v
	}
	if v, ok := msg.Values["user_id"].(string); ok {
		e.UserID = v
	}
	if v, ok := msg.Values["msg_id"].(string); ok {
		e.MsgID = v
	}
	if v, ok := msg.Values["body"].(string); ok {
		e.Body = v
	}
	if v, ok := msg.Values["sent_at"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			e.SentAt = time.UnixMilli(ms)
		}
	}
	return e
}
