package status

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	// StartupPulses and StartupPulseInterval are used to signal a missing telemetry link at startup
	StartupPulses        = 2
	StartupPulseInterval = 250 * time.Millisecond
)

// State is what the indicators reflect
type State struct {
	Running bool
	HasFix  bool
}

// Output is a single on/off indicator
type Output interface {
	Set(on bool) error
}

// WithLogger sets the logger for the signaler
func WithLogger(logger *slog.Logger) func(*Signaler) {
	return func(s *Signaler) {
		s.logger = logger.With(slog.String("component", "status"))
	}
}

// Signaler drives the run and warn indicators. Run is lit while acquiring,
// warn is lit while acquiring without a usable fix.
type Signaler struct {
	run  Output
	warn Output

	mu     sync.Mutex
	runOn  *bool // last written value, nil when never written
	warnOn *bool

	logger *slog.Logger
}

// NewSignaler creates a signaler over the two outputs
func NewSignaler(run, warn Output, options ...func(*Signaler)) *Signaler {
	s := Signaler{
		run:    run,
		warn:   warn,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Apply sets both indicators from the state, writing only those that change
func (s *Signaler) Apply(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(s.run, &s.runOn, state.Running, "run")
	s.set(s.warn, &s.warnOn, state.Running && !state.HasFix, "warn")
}

// Pulse blinks the warn indicator n times and leaves it off. It returns early
// when ctx is cancelled.
func (s *Signaler) Pulse(ctx context.Context, n int, interval time.Duration) {
	for i := 0; i < n; i++ {
		s.setWarn(true)
		if !sleep(ctx, interval) {
			break
		}

		s.setWarn(false)
		if !sleep(ctx, interval) {
			break
		}
	}

	s.setWarn(false)
}

// Clear switches both indicators off
func (s *Signaler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(s.run, &s.runOn, false, "run")
	s.set(s.warn, &s.warnOn, false, "warn")
}

func (s *Signaler) setWarn(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set(s.warn, &s.warnOn, on, "warn")
}

func (s *Signaler) set(out Output, last **bool, on bool, name string) {
	if *last != nil && **last == on {
		return
	}

	if err := out.Set(on); err != nil {
		// an indicator failure never stops acquisition
		s.logger.Warn("failed to set indicator", slog.String("indicator", name), slog.String("error", err.Error()))
		return
	}

	*last = &on
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
