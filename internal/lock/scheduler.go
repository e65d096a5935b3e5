package lock

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is a named maintenance task that must run on exactly one instance of
// the fleet at a time.
type Job struct {
	Name     string
	Interval time.Duration
	// TTL bounds the worst-case lock staleness if the holder crashes
	// mid-task. It should exceed the task's expected duration.
	TTL time.Duration
	Run func(ctx context.Context) error
}

// Scheduler runs jobs on their intervals, each run guarded by the
// distributed lock. Losing the acquisition race simply skips the run; the
// winner's execution covers the fleet.
type Scheduler struct {
	locker *Locker
	log    zerolog.Logger
	jobs   []Job
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler over the given locker.
func NewScheduler(locker *Locker, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		locker: locker,
		log:    log.With().Str("component", "scheduler").Logger(),
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start launches one loop per job and returns immediately. The loops exit
// when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.runLoop(ctx, job)
		}(job)
	}
}

// Wait blocks until all job loops have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	lease, ok, err := s.locker.Acquire(ctx, job.Name, job.TTL)
	if err != nil {
		// Fail closed: store trouble means no run this tick.
		s.log.Error().Err(err).Str("job", job.Name).Msg("lock store unreachable; skipping scheduled run")
		return
	}
	if !ok {
		s.log.Debug().Str("job", job.Name).Msg("another instance holds the lock; skipping run")
		return
	}
	defer lease.Release(ctx)

	if err := job.Run(ctx); err != nil {
		s.log.Error().Err(err).Str("job", job.Name).Msg("scheduled job failed")
		return
	}
	s.log.Debug().Str("job", job.Name).Msg("scheduled job completed")
}
