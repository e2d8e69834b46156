package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roman-kulish/vultur/internal/timeutil"
)

const (
	// MinFixQuality is the default minimum GPS fix type accepted (3D fix)
	MinFixQuality = 3

	DefaultReceiveTimeout = time.Second
	DefaultDetectTimeout  = 3 * time.Second
	DefaultRetryInterval  = 2 * time.Second
)

type fixState int

const (
	fixUnknown fixState = iota
	fixGood
	fixBad
)

// WithLogger sets the logger for the listener
func WithLogger(logger *slog.Logger) func(*Listener) {
	return func(l *Listener) {
		l.logger = logger.With(slog.String("component", "telemetry"))
	}
}

// WithMinFixQuality sets the minimum fix quality a raw GPS fix needs to update the position
func WithMinFixQuality(quality int) func(*Listener) {
	return func(l *Listener) {
		l.minFixQuality = quality
	}
}

// WithReceiveTimeout sets the bounded wait of a single receive
func WithReceiveTimeout(d time.Duration) func(*Listener) {
	return func(l *Listener) {
		l.receiveTimeout = d
	}
}

// WithDetectTimeout sets how long Start waits for the first message
func WithDetectTimeout(d time.Duration) func(*Listener) {
	return func(l *Listener) {
		l.detectTimeout = d
	}
}

// WithRetryInterval sets the pause between reconnection attempts
func WithRetryInterval(d time.Duration) func(*Listener) {
	return func(l *Listener) {
		l.retryInterval = d
	}
}

// WithClock sets the clock used for timestamps and retry pauses
func WithClock(clock timeutil.Clock) func(*Listener) {
	return func(l *Listener) {
		l.clock = clock
	}
}

// Listener drains a telemetry Source in a single background task and
// publishes the last known values as an immutable Snapshot. Readers never
// block on the listener's I/O.
type Listener struct {
	open   Opener
	logger *slog.Logger
	clock  timeutil.Clock

	minFixQuality  int
	receiveTimeout time.Duration
	detectTimeout  time.Duration
	retryInterval  time.Duration

	snapshot    atomic.Pointer[Snapshot]
	hasFix      atomic.Bool
	connected   atomic.Bool
	fixWarnings atomic.Uint64

	// owned by the background task
	fix       fixState
	fixWarned bool

	isRunning atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewListener creates a Listener with a discard logger
func NewListener(open Opener, options ...func(*Listener)) *Listener {
	l := Listener{
		open:           open,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:          timeutil.RealClock{},
		minFixQuality:  MinFixQuality,
		receiveTimeout: DefaultReceiveTimeout,
		detectTimeout:  DefaultDetectTimeout,
		retryInterval:  DefaultRetryInterval,
	}

	for _, option := range options {
		option(&l)
	}

	l.snapshot.Store(&Snapshot{})
	return &l
}

// Start opens the source, waits a bounded time for the first message and
// spawns the background task. It never fails: when the link is unreachable
// it returns false and the task keeps retrying.
func (l *Listener) Start(ctx context.Context) (detected bool) {
	if !l.isRunning.CompareAndSwap(false, true) {
		return l.connected.Load()
	}

	ctx, l.cancel = context.WithCancel(ctx)

	src, err := l.open(ctx)
	if err != nil {
		l.logger.Warn("telemetry link not available, continuing without telemetry", slog.String("error", err.Error()))
	} else {
		l.connected.Store(true)
		if detected, err = l.detect(ctx, src); err != nil {
			l.logger.Warn("telemetry link lost during detection", slog.String("error", err.Error()))
			l.closeSource(src)
			src = nil
		}
	}

	if detected {
		l.logger.Info("telemetry detected")
	} else {
		l.logger.Warn("no telemetry detected", slog.Duration("waited", l.detectTimeout))
	}

	l.wg.Add(1)
	go l.run(ctx, src)

	return detected
}

// Stop cancels the background task and waits for it to release the source.
func (l *Listener) Stop() {
	if !l.isRunning.Load() {
		return
	}

	l.cancel()
	l.wg.Wait()
	l.isRunning.Store(false)
}

// Latest returns a copy of the current snapshot
func (l *Listener) Latest() Snapshot {
	return l.snapshot.Load().Clone()
}

// HasFix reports whether a position has been accepted since start
func (l *Listener) HasFix() bool {
	return l.hasFix.Load()
}

// Connected reports whether the source is currently open
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// FixWarnings returns how many below-threshold warnings were emitted
func (l *Listener) FixWarnings() uint64 {
	return l.fixWarnings.Load()
}

func (l *Listener) detect(ctx context.Context, src Source) (bool, error) {
	deadline := l.clock.Now().Add(l.detectTimeout)

	for {
		remaining := deadline.Sub(l.clock.Now())
		if remaining <= 0 {
			return false, nil
		}

		msg, err := src.Recv(ctx, min(remaining, l.receiveTimeout))
		switch {
		case err == nil:
			l.handle(msg)
			return true, nil

		case errors.Is(err, ErrReceiveTimeout):
			continue

		case ctx.Err() != nil:
			return false, nil

		default:
			return false, err
		}
	}
}

func (l *Listener) run(ctx context.Context, src Source) {
	defer l.wg.Done()
	defer func() {
		if src != nil {
			l.closeSource(src)
		}
	}()

	var openFailures int
	for ctx.Err() == nil {
		if src == nil {
			var err error
			if src, err = l.open(ctx); err != nil {
				openFailures++
				if openFailures == 1 {
					l.logger.Warn("opening telemetry link", slog.String("error", err.Error()))
				} else {
					l.logger.Debug("opening telemetry link", slog.String("error", err.Error()), slog.Int("attempt", openFailures))
				}

				if !l.pause(ctx) {
					return
				}
				continue
			}

			openFailures = 0
			l.connected.Store(true)
			l.logger.Info("telemetry link opened")
		}

		msg, err := src.Recv(ctx, l.receiveTimeout)
		switch {
		case err == nil:
			l.handle(msg)

		case errors.Is(err, ErrReceiveTimeout):
			// a quiet link is not a failure

		case ctx.Err() != nil:
			return

		default:
			l.logger.Warn("telemetry link lost, retrying", slog.String("error", err.Error()))
			l.closeSource(src)
			src = nil

			if !l.pause(ctx) {
				return
			}
		}
	}
}

func (l *Listener) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.clock.After(l.retryInterval):
		return true
	}
}

func (l *Listener) closeSource(src Source) {
	l.connected.Store(false)
	if err := src.Close(); err != nil {
		l.logger.Debug("closing telemetry link", slog.String("error", err.Error()))
	}
}

func (l *Listener) handle(msg Message) {
	switch m := msg.(type) {
	case Heartbeat:

	case PositionFix:
		l.handlePosition(m)

	case Attitude:
		l.publish(func(s *Snapshot) {
			s.Roll = ptr(toDegrees(m.Roll))
			s.Pitch = ptr(toDegrees(m.Pitch))
			s.Yaw = ptr(toDegrees(m.Yaw))
		})

	case Motion:
		l.publish(func(s *Snapshot) {
			s.GroundSpeed = ptr(m.GroundSpeed)
			s.ClimbRate = ptr(m.ClimbRate)
		})
	}
}

func (l *Listener) handlePosition(m PositionFix) {
	if m.Fused {
		// fused estimates have no quality of their own, follow the raw fix
		if l.fix == fixBad {
			return
		}
	} else if m.FixQuality < l.minFixQuality {
		l.fix = fixBad
		if !l.fixWarned {
			l.fixWarned = true
			l.fixWarnings.Add(1)
			l.logger.Warn("no GPS fix, keeping last known position",
				slog.Int("fixQuality", m.FixQuality),
				slog.Int("minFixQuality", l.minFixQuality),
				slog.String("reason", ErrFixBelowThreshold.Error()))
		}
		return
	} else {
		if l.fix == fixBad {
			l.logger.Info("GPS fix acquired", slog.Int("fixQuality", m.FixQuality))
		}
		l.fix = fixGood
		l.fixWarned = false
	}

	now := l.clock.Now()
	l.publish(func(s *Snapshot) {
		s.Timestamp = &now
		s.Latitude = ptr(m.Latitude)
		s.Longitude = ptr(m.Longitude)
		s.Altitude = ptr(m.Altitude)
	})
	l.hasFix.Store(true)
}

func (l *Listener) publish(update func(*Snapshot)) {
	next := l.snapshot.Load().Clone()
	update(&next)
	l.snapshot.Store(&next)
}
