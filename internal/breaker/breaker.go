// Package breaker provides a per-dependency circuit breaker guarding calls to
// shared backing stores and collaborators.
//
// State is intentionally process-local: each gateway instance protects only
// its own outbound calls, so instances may disagree about a dependency's
// health during a partial outage. That divergence is accepted isolation, not
// a defect.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpen is returned without invoking the wrapped function while the circuit
// is open. Callers must provide a fallback rather than surfacing it raw.
var ErrOpen = errors.New("circuit breaker open")

// State is one of the breaker's three positions.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options tunes a breaker instance.
type Options struct {
	// FailureThreshold is how many failures inside MonitoringWindow open
	// the circuit.
	FailureThreshold int
	// MonitoringWindow is the rolling interval failures are counted over;
	// older failures age out.
	MonitoringWindow time.Duration
	// OpenTimeout is how long the circuit stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration
	// HalfOpenSuccesses is how many consecutive probe successes close the
	// circuit again.
	HalfOpenSuccesses int
}

// Breaker isolates one external dependency.
type Breaker struct {
	name string
	opts Options
	log  zerolog.Logger

	mu                sync.Mutex
	state             State
	failures          []time.Time
	nextAttemptAt     time.Time
	halfOpenSuccesses int
	probeInFlight     bool
}

// New creates a breaker for the named dependency.
func New(name string, opts Options, log zerolog.Logger) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.MonitoringWindow <= 0 {
		opts.MonitoringWindow = time.Minute
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = 30 * time.Second
	}
	if opts.HalfOpenSuccesses <= 0 {
		opts.HalfOpenSuccesses = 2
	}
	return &Breaker{
		name: name,
		opts: opts,
		log:  log.With().Str("component", "breaker").Str("dependency", name).Logger(),
	}
}

// State returns the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the breaker. While open it fails fast with ErrOpen; after
// the open timeout exactly one probe at a time is let through.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	release, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)
	release(err == nil)
	return err
}

// admit decides whether a call may proceed. The returned function must be
// invoked with the call's outcome.
func (b *Breaker) admit() (func(success bool), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Now().Before(b.nextAttemptAt) {
			return nil, ErrOpen
		}
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
		b.probeInFlight = true
		b.log.Info().Msg("circuit half-open, allowing probe")
		return b.settleProbe, nil

	case StateHalfOpen:
		if b.probeInFlight {
			return nil, ErrOpen
		}
		b.probeInFlight = true
		return b.settleProbe, nil

	default:
		return b.settleClosed, nil
	}
}

func (b *Breaker) settleProbe(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeInFlight = false
	if !success {
		// Any failure while half-open reopens immediately, bypassing the
		// normal threshold check.
		b.reopenLocked()
		return
	}

	b.halfOpenSuccesses++
	if b.halfOpenSuccesses >= b.opts.HalfOpenSuccesses {
		b.state = StateClosed
		b.failures = nil
		b.log.Info().Msg("circuit closed after consecutive probe successes")
	}
}

func (b *Breaker) settleClosed(success bool) {
	if success {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	if len(b.failures) >= b.opts.FailureThreshold {
		b.reopenLocked()
	}
}

// pruneLocked discards failures outside the monitoring window so isolated
// historical failures age out.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.opts.MonitoringWindow)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept
}

func (b *Breaker) reopenLocked() {
	b.state = StateOpen
	b.nextAttemptAt = time.Now().Add(b.opts.OpenTimeout)
	b.halfOpenSuccesses = 0
	b.log.Warn().Time("next_attempt_at", b.nextAttemptAt).Msg("circuit opened")
}
