package acquisition

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/vultur/internal/timeutil"
)

// StepFunc runs one cycle. A returned error ends the scheduler loop.
type StepFunc func(ctx context.Context) error

// WithSchedulerClock sets the clock used to measure and pace cycles
func WithSchedulerClock(clock timeutil.Clock) func(*Scheduler) {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithSchedulerLogger sets the logger for the scheduler
func WithSchedulerLogger(logger *slog.Logger) func(*Scheduler) {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// Scheduler paces cycles at a fixed period. Each cycle sleeps for whatever
// is left of its own period; time lost to an overrun is not made up later.
type Scheduler struct {
	period time.Duration

	isRunning atomic.Bool
	stopping  atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once

	clock  timeutil.Clock
	logger *slog.Logger
}

// NewScheduler creates a scheduler for the given frame rate
func NewScheduler(fps float64, options ...func(*Scheduler)) (*Scheduler, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("frame rate must be positive: %0.2f given", fps)
	}

	s := Scheduler{
		period: time.Duration(float64(time.Second) / fps),
		stop:   make(chan struct{}),
		clock:  timeutil.RealClock{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s, nil
}

// Period returns the target cycle period
func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Run calls step once per period until Stop is called, ctx is cancelled or
// step fails. The stop request is checked at the top of every cycle; a
// running step is never interrupted and receives a context that ctx
// cancellation does not reach.
func (s *Scheduler) Run(ctx context.Context, step StepFunc) error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler is already running")
	}
	defer s.isRunning.Store(false)

	stepCtx := context.WithoutCancel(ctx)

	for {
		if s.stopping.Load() || ctx.Err() != nil {
			return nil
		}

		start := s.clock.Now()
		if err := step(stepCtx); err != nil {
			return err
		}

		wait := s.period - s.clock.Since(start)
		if wait <= 0 {
			s.logger.Debug("cycle overrun", slog.Duration("period", s.period), slog.Duration("overrun", -wait))
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		case <-s.clock.After(wait):
		}
	}
}

// Stop requests the loop to end before the next cycle. It interrupts the
// sleep between cycles but never a running step. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		close(s.stop)
	})
}
