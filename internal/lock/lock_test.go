package lock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, zerolog.Nop()), mr
}

func TestSingleWinner(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	_, ok1, err := locker.Acquire(ctx, "job-x", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	_, ok2, err := locker.Acquire(ctx, "job-x", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	if !ok1 || ok2 {
		t.Errorf("acquisitions = (%v, %v), want exactly one success", ok1, ok2)
	}
}

func TestConcurrentAcquireYieldsOneWinner(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	var wins int64
	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, ok, err := locker.Acquire(ctx, "job-x", time.Minute)
			if err == nil && ok {
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	<-done
	<-done

	if wins != 1 {
		t.Errorf("winners = %d, want 1", wins)
	}
}

func TestTTLExpiryFreesLock(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	if _, ok, _ := locker.Acquire(ctx, "job-x", time.Second); !ok {
		t.Fatal("initial acquire failed")
	}

	mr.FastForward(2 * time.Second)

	if _, ok, _ := locker.Acquire(ctx, "job-x", time.Second); !ok {
		t.Error("acquire after TTL expiry should succeed without a release")
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	lease, ok, _ := locker.Acquire(ctx, "job-x", time.Minute)
	if !ok {
		t.Fatal("initial acquire failed")
	}
	lease.Release(ctx)

	if _, ok, _ := locker.Acquire(ctx, "job-x", time.Minute); !ok {
		t.Error("acquire after release should succeed")
	}
}

func TestStaleReleaseDoesNotStealLock(t *testing.T) {
	locker, mr := newTestLocker(t)
	ctx := context.Background()

	stale, ok, _ := locker.Acquire(ctx, "job-x", time.Second)
	if !ok {
		t.Fatal("initial acquire failed")
	}
	mr.FastForward(2 * time.Second)

	current, ok, _ := locker.Acquire(ctx, "job-x", time.Minute)
	if !ok {
		t.Fatal("re-acquire after expiry failed")
	}

	// The stale holder's release must not delete the new holder's lock.
	stale.Release(ctx)
	if _, ok, _ := locker.Acquire(ctx, "job-x", time.Minute); ok {
		t.Error("lock was stolen by a stale release")
	}
	current.Release(ctx)
}

func TestFailsClosedWhenStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := New(rdb, zerolog.Nop())
	mr.Close()

	if _, ok, err := locker.Acquire(context.Background(), "job-x", time.Minute); err == nil || ok {
		t.Errorf("acquire = (%v, %v), want failure when the store is down", ok, err)
	}
}

func TestSchedulerRunsGuardedJob(t *testing.T) {
	locker, _ := newTestLocker(t)
	sched := NewScheduler(locker, zerolog.Nop())

	var runs int64
	sched.Add(Job{
		Name:     "rotate",
		Interval: 10 * time.Millisecond,
		TTL:      time.Second,
		Run: func(context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	sched.Wait()

	if atomic.LoadInt64(&runs) == 0 {
		t.Error("job never ran")
	}
}

func TestSchedulerSkipsWhenLockHeld(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	// Another instance holds the lock for the whole test.
	if _, ok, _ := locker.Acquire(ctx, "rotate", time.Minute); !ok {
		t.Fatal("setup acquire failed")
	}

	sched := NewScheduler(locker, zerolog.Nop())
	var runs int64
	sched.Add(Job{
		Name:     "rotate",
		Interval: 10 * time.Millisecond,
		TTL:      time.Second,
		Run: func(context.Context) error {
			atomic.AddInt64(&runs, 1)
			return nil
		},
	})

	runCtx, cancel := context.WithCancel(ctx)
	sched.Start(runCtx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	sched.Wait()

	if atomic.LoadInt64(&runs) != 0 {
		t.Errorf("job ran %d times while the lock was held elsewhere", runs)
	}
}
