package delivery

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

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewTracker(rdb, time.Hour, zerolog.Nop())
}

func TestMarkPendingCreatesRecords(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkPending(ctx, "m1", []string{"alice", "bob"}))

	for _, recipient := range []string{"alice", "bob"} {
		rec, found, err := tr.Status(ctx, "m1", recipient)
		require.NoError(t, err)
		require.True(t, found, "record for %s", recipient)
		assert.Equal(t, StatusPending, rec.Status)
		assert.False(t, rec.UpdatedAt.IsZero())
	}
}

func TestStatusProgressesMonotonically(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkPending(ctx, "m1", []string{"alice"}))

	moved, err := tr.Ack(ctx, "m1", "alice", StatusDelivered)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = tr.Ack(ctx, "m1", "alice", StatusRead)
	require.NoError(t, err)
	assert.True(t, moved)

	rec, _, err := tr.Status(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusRead, rec.Status)
}

func TestDuplicateAckIsNoOp(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkPending(ctx, "m1", []string{"alice"}))
	_, err := tr.Ack(ctx, "m1", "alice", StatusDelivered)
	require.NoError(t, err)

	moved, err := tr.Ack(ctx, "m1", "alice", StatusDelivered)
	require.NoError(t, err)
	assert.False(t, moved, "duplicate ack must be a no-op")
}

func TestStatusNeverRegresses(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkPending(ctx, "m1", []string{"alice"}))
	_, err := tr.Ack(ctx, "m1", "alice", StatusRead)
	require.NoError(t, err)

	moved, err := tr.Ack(ctx, "m1", "alice", StatusDelivered)
	require.NoError(t, err)
	assert.False(t, moved, "read -> delivered must be rejected")

	rec, _, err := tr.Status(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusRead, rec.Status)
}

func TestMarkPendingDoesNotRegressExistingRecord(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkPending(ctx, "m1", []string{"alice"}))
	_, err := tr.Ack(ctx, "m1", "alice", StatusDelivered)
	require.NoError(t, err)

	require.NoError(t, tr.MarkPending(ctx, "m1", []string{"alice"}))

	rec, _, err := tr.Status(ctx, "m1", "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, rec.Status)
}

func TestAckWithoutPriorRecordCreatesIt(t *testing.T) {
	// A recipient ack can arrive before MarkPending when the store append
	// raced; the ack stands on its own.
	tr := newTestTracker(t)
	ctx := context.Background()

	moved, err := tr.Ack(ctx, "m1", "alice", StatusDelivered)
	require.NoError(t, err)
	assert.True(t, moved)

	rec, found, err := tr.Status(ctx, "m1", "alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusDelivered, rec.Status)
}

func TestUnknownStatusRejected(t *testing.T) {
	tr := newTestTracker(t)
	_, err := tr.Ack(context.Background(), "m1", "alice", Status("bogus"))
	assert.Error(t, err)
}

func TestMissingRecord(t *testing.T) {
	tr := newTestTracker(t)
	_, found, err := tr.Status(context.Background(), "nope", "alice")
	require.NoError(t, err)
	assert.False(t, found)
}
