package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roman-kulish/vultur/internal/camera"
	"github.com/roman-kulish/vultur/internal/timeutil"
)

const (
	DefaultTriggerDelay    = 10 * time.Millisecond
	DefaultRetrieveTimeout = 5 * time.Second
)

// WithTriggerDelay sets the pause between the two triggers
func WithTriggerDelay(d time.Duration) func(*PairSequencer) {
	return func(s *PairSequencer) {
		s.delay = d
	}
}

// WithSequencerClock sets the clock used for the trigger delay
func WithSequencerClock(clock timeutil.Clock) func(*PairSequencer) {
	return func(s *PairSequencer) {
		s.clock = clock
	}
}

// WithSequencerLogger sets the logger for the sequencer
func WithSequencerLogger(logger *slog.Logger) func(*PairSequencer) {
	return func(s *PairSequencer) {
		s.logger = logger
	}
}

// PairSequencer triggers two cameras in a fixed order and collects the
// resulting frame pair. It is not safe for concurrent use.
type PairSequencer struct {
	a, b  camera.Device
	delay time.Duration
	seq   uint64

	clock  timeutil.Clock
	logger *slog.Logger
}

// NewPairSequencer creates a sequencer for camera A (always triggered first) and camera B
func NewPairSequencer(a, b camera.Device, options ...func(*PairSequencer)) *PairSequencer {
	s := PairSequencer{
		a:      a,
		b:      b,
		delay:  DefaultTriggerDelay,
		clock:  timeutil.RealClock{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Seq returns the sequence number of the last cycle
func (s *PairSequencer) Seq() uint64 {
	return s.seq
}

// CapturePair runs one cycle: trigger A, wait the trigger delay, trigger B,
// then retrieve A and B, each bounded by timeout. Camera B is drained even
// when A timed out so its frame is not left behind. A failed cycle returns
// no frames: camera.ErrCycleTimeout when a frame is missing and
// camera.ErrSensorFatal (or any other error) when a camera is unusable.
func (s *PairSequencer) CapturePair(ctx context.Context, timeout time.Duration) (*camera.Pair, error) {
	s.seq++
	seq := s.seq

	if err := s.a.Trigger(seq); err != nil {
		return nil, fmt.Errorf("trigger camera %s: %w", s.a.ID(), err)
	}

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(s.delay):
		}
	}

	if err := s.b.Trigger(seq); err != nil {
		return nil, fmt.Errorf("trigger camera %s: %w", s.b.ID(), err)
	}

	frameA, errA := s.a.Retrieve(ctx, seq, timeout)
	if errA != nil && !errors.Is(errA, camera.ErrCycleTimeout) {
		return nil, fmt.Errorf("retrieve camera %s: %w", s.a.ID(), errA)
	}

	frameB, errB := s.b.Retrieve(ctx, seq, timeout)
	if errB != nil {
		return nil, fmt.Errorf("retrieve camera %s: %w", s.b.ID(), errB)
	}

	if errA != nil {
		s.logger.Debug("dropping frame of incomplete pair", slog.Uint64("seq", seq), slog.String("camera", s.b.ID()))
		return nil, fmt.Errorf("retrieve camera %s: %w", s.a.ID(), errA)
	}

	return &camera.Pair{A: frameA, B: frameB}, nil
}
