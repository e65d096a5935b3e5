package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRouter(rdb, zerolog.Nop())
}

func testEntry(roomID, msgID, body string) Entry {
	return Entry{
		RoomID: roomID,
		UserID: "user-1",
		MsgID:  msgID,
		Body:   body,
		SentAt: time.Now(),
	}
}

func TestAppendFansOutToCrossCuttingStreams(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	id, err := r.Append(ctx, testEntry("room-1", "m1", "hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	for _, s := range []string{RoomStream("room-1"), StreamArchival, StreamModeration} {
		n, err := r.Len(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "stream %s", s)
	}
}

func TestGroupsConsumeIndependently(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	stream := RoomStream("room-1")

	_, err := r.Append(ctx, testEntry("room-1", "m1", "hello"))
	require.NoError(t, err)

	broadcast, err := r.Consumer(ctx, stream, GroupBroadcast, "proc-a")
	require.NoError(t, err)
	archival, err := r.Consumer(ctx, stream, GroupArchival, "proc-a")
	require.NoError(t, err)

	// The moderation group never reads; broadcast and archival each see the
	// entry regardless.
	got, err := broadcast.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].MsgID)
	assert.Equal(t, "hello", got[0].Body)

	got, err = archival.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].MsgID)
}

func TestGroupCreatedAfterAppendStillSeesEntry(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	stream := RoomStream("room-1")

	_, err := r.Append(ctx, testEntry("room-1", "m1", "early"))
	require.NoError(t, err)

	// Group creation is lazy on first use; it must not skip history.
	c, err := r.Consumer(ctx, stream, GroupModeration, "mod-1")
	require.NoError(t, err)
	got, err := c.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "early", got[0].Body)
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, r.EnsureGroup(ctx, StreamArchival, GroupArchival))
	require.NoError(t, r.EnsureGroup(ctx, StreamArchival, GroupArchival))
}

func TestPendingRedeliveredBeforeNewEntries(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	stream := RoomStream("room-1")

	_, err := r.Append(ctx, testEntry("room-1", "m1", "first"))
	require.NoError(t, err)

	c, err := r.Consumer(ctx, stream, GroupBroadcast, "proc-a")
	require.NoError(t, err)
	got, err := c.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	// Delivered but never acked: the consumer "crashes" here.

	_, err = r.Append(ctx, testEntry("room-1", "m2", "second"))
	require.NoError(t, err)

	// Same consumer name restarts: its pending entry comes back first.
	restarted, err := r.Consumer(ctx, stream, GroupBroadcast, "proc-a")
	require.NoError(t, err)

	recovered, err := restarted.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, "m1", recovered[0].MsgID)
	require.NoError(t, restarted.Ack(ctx, recovered[0].ID))

	fresh, err := restarted.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "m2", fresh[0].MsgID)
}

func TestAckClearsPending(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()
	stream := RoomStream("room-1")

	_, err := r.Append(ctx, testEntry("room-1", "m1", "hello"))
	require.NoError(t, err)

	c, err := r.Consumer(ctx, stream, GroupBroadcast, "proc-a")
	require.NoError(t, err)
	got, err := c.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	n, err := c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.Ack(ctx, got[0].ID))

	n, err = c.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestTrimForRetention(t *testing.T) {
	r := newTestRouter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := r.Append(ctx, testEntry("room-1", "m", "body"))
		require.NoError(t, err)
	}

	_, err := r.Trim(ctx, RoomStream("room-1"), 3)
	require.NoError(t, err)

	n, err := r.Len(ctx, RoomStream("room-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAppendFailsClosedWhenStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := NewRouter(rdb, zerolog.Nop())
	mr.Close()

	_, err := r.Append(context.Background(), testEntry("room-1", "m1", "hello"))
	assert.Error(t, err)
}
