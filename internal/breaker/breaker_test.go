package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBoom = errors.New("boom")

func failing(context.Context) error { return errBoom }
func succeeding(context.Context) error { return nil }

func newTestBreaker(threshold int, window, openTimeout time.Duration) *Breaker {
	return New("store", Options{
		FailureThreshold:  threshold,
		MonitoringWindow:  window,
		OpenTimeout:       openTimeout,
		HalfOpenSuccesses: 2,
	}, zerolog.Nop())
}

func TestOpensAfterThresholdFailures(t *testing.T) {
	b := newTestBreaker(3, time.Minute, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, failing); !errors.Is(err, errBoom) {
			t.Fatalf("call %d error = %v, want errBoom", i+1, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	invoked := false
	err := b.Do(ctx, func(context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("error while open = %v, want ErrOpen", err)
	}
	if invoked {
		t.Error("wrapped function must not run while the circuit is open")
	}
}

func TestFailuresAgeOutOfWindow(t *testing.T) {
	b := newTestBreaker(3, 40*time.Millisecond, time.Hour)
	ctx := context.Background()

	_ = b.Do(ctx, failing)
	_ = b.Do(ctx, failing)
	time.Sleep(60 * time.Millisecond)
	_ = b.Do(ctx, failing)

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed: early failures should have aged out", b.State())
	}
}

func TestHalfOpenProbeAndClose(t *testing.T) {
	b := newTestBreaker(1, time.Minute, 20*time.Millisecond)
	ctx := context.Background()

	_ = b.Do(ctx, failing)
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(30 * time.Millisecond)

	// First probe succeeds: still half-open, one more success needed.
	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("first probe error: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state after one probe success = %s, want half_open", b.State())
	}

	if err := b.Do(ctx, succeeding); err != nil {
		t.Fatalf("second probe error: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state after two probe successes = %s, want closed", b.State())
	}
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	b := newTestBreaker(5, time.Minute, 20*time.Millisecond)
	ctx := context.Background()

	// Open with exactly threshold failures.
	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, failing)
	}
	time.Sleep(30 * time.Millisecond)

	// A single failure while half-open reopens, no threshold needed.
	_ = b.Do(ctx, failing)
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open after half-open failure", b.State())
	}
	if err := b.Do(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("call after reopen error = %v, want ErrOpen", err)
	}
}

func TestExactlyOneProbeInHalfOpen(t *testing.T) {
	b := newTestBreaker(1, time.Minute, 10*time.Millisecond)
	ctx := context.Background()

	_ = b.Do(ctx, failing)
	time.Sleep(20 * time.Millisecond)

	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	go func() {
		_ = b.Do(ctx, func(context.Context) error {
			close(probeStarted)
			<-probeRelease
			return nil
		})
	}()

	<-probeStarted
	// While the probe is in flight, other calls fail fast.
	if err := b.Do(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("second call during probe error = %v, want ErrOpen", err)
	}
	close(probeRelease)
}
