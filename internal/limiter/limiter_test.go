package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, limit, window, zerolog.Nop()), mr
}

func TestAllowWithinLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 5, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := l.Allow(ctx, "user-1", "room-1")
		if !res.Allowed {
			t.Fatalf("message %d rejected, want allowed", i+1)
		}
		if res.Remaining != 5-(i+1) {
			t.Errorf("message %d remaining = %d, want %d", i+1, res.Remaining, 5-(i+1))
		}
	}
}

func TestRejectOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 5, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		l.Allow(ctx, "user-1", "room-1")
	}

	res := l.Allow(ctx, "user-1", "room-1")
	if res.Allowed {
		t.Fatal("message over the limit was allowed")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}
	if !res.ResetAt.After(time.Now()) {
		t.Error("ResetAt should be in the future")
	}

	// The rejected increment was rolled back, so one more rejection keeps
	// the externally visible count stable rather than compounding.
	res = l.Allow(ctx, "user-1", "room-1")
	if res.Allowed {
		t.Error("still over the limit, should stay rejected")
	}
}

func TestWindowElapsesAndAllowsAgain(t *testing.T) {
	l, mr := newTestLimiter(t, 2, 30*time.Second)
	ctx := context.Background()

	l.Allow(ctx, "user-1", "room-1")
	l.Allow(ctx, "user-1", "room-1")
	if l.Allow(ctx, "user-1", "room-1").Allowed {
		t.Fatal("third message within the window should be rejected")
	}

	mr.FastForward(31 * time.Second)

	if !l.Allow(ctx, "user-1", "room-1").Allowed {
		t.Error("message after the window elapsed should be allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 1, 30*time.Second)
	ctx := context.Background()

	if !l.Allow(ctx, "user-1", "room-1").Allowed {
		t.Fatal("first message rejected")
	}
	if l.Allow(ctx, "user-1", "room-1").Allowed {
		t.Fatal("second message in same key should be rejected")
	}
	if !l.Allow(ctx, "user-1", "room-2").Allowed {
		t.Error("different room should have its own window")
	}
	if !l.Allow(ctx, "user-2", "room-1").Allowed {
		t.Error("different user should have its own window")
	}
}

func TestFailsOpenWhenStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := New(rdb, 3, 30*time.Second, zerolog.Nop())
	mr.Close()

	res := l.Allow(context.Background(), "user-1", "room-1")
	if !res.Allowed {
		t.Error("limiter must fail open when the store is unreachable")
	}
}

func TestFallbackStillBoundsLocalRate(t *testing.T) {
	lim := newLocalLimiter(2, time.Minute)

	if !lim.allow("u", "r").Allowed {
		t.Fatal("first fallback message rejected")
	}
	if !lim.allow("u", "r").Allowed {
		t.Fatal("second fallback message rejected")
	}
	if lim.allow("u", "r").Allowed {
		t.Error("fallback should still enforce the limit per process")
	}
}
