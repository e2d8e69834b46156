package acquisition

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roman-kulish/vultur/internal/camera"
	"github.com/roman-kulish/vultur/internal/status"
	"github.com/roman-kulish/vultur/internal/telemetry"
	"github.com/roman-kulish/vultur/internal/timeutil"
)

// ErrInvalidTransition is returned for a lifecycle transition that is not allowed
var ErrInvalidTransition = errors.New("invalid state transition")

// errStopped ends the initialisation when a stop arrives before acquisition starts
var errStopped = errors.New("stopped during initialization")

// State is the lifecycle state of the controller
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateStopped
)

var transitions = map[State][]State{
	StateIdle:         {StateInitializing},
	StateInitializing: {StateRunning, StateDraining},
	StateRunning:      {StateDraining},
	StateDraining:     {StateStopped},
}

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Telemetry is the telemetry source the controller starts, reads and stops
type Telemetry interface {
	telemetry.Provider

	Start(ctx context.Context) bool
	Stop()
}

// Recorder persists complete cycles
type Recorder interface {
	Commit(ctx context.Context, cycle *Cycle, snapshot telemetry.Snapshot) (*Record, error)
	Close() error
}

// Indicator reflects the controller state to the operator
type Indicator interface {
	Apply(state status.State)
	Pulse(ctx context.Context, n int, interval time.Duration)
	Clear()
}

// SessionInfo describes the run a session is opened for
type SessionInfo struct {
	Started           time.Time
	TelemetryDetected bool
	CameraIDs         [2]string
}

// CameraOpener opens camera A and camera B
type CameraOpener func(ctx context.Context) (a, b camera.Device, err error)

// SessionOpener creates the session the records are written to
type SessionOpener func(ctx context.Context, info SessionInfo) (Recorder, error)

// Config holds the acquisition parameters
type Config struct {
	FPS             float64
	TriggerDelay    time.Duration
	RetrieveTimeout time.Duration
	Settings        camera.Settings
}

// Summary is the outcome of a run
type Summary struct {
	Started   time.Time
	Stopped   time.Time
	Cycles    uint64
	Complete  uint64
	Timeouts  uint64
	LastFrame *Record
}

// WithLogger sets the logger for the controller and the components it creates
func WithLogger(logger *slog.Logger) func(*Controller) {
	return func(c *Controller) {
		c.logger = logger.With(slog.String("component", "acquisition"))
	}
}

// WithClock sets the clock used for pacing
func WithClock(clock timeutil.Clock) func(*Controller) {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithIndicator sets the status indicator
func WithIndicator(indicator Indicator) func(*Controller) {
	return func(c *Controller) {
		c.indicator = indicator
	}
}

// Controller owns an acquisition run from initialisation to shutdown:
// Idle, Initializing, Running, Draining and Stopped. A controller runs once.
type Controller struct {
	config      Config
	telemetry   Telemetry
	openCameras CameraOpener
	openSession SessionOpener
	indicator   Indicator
	clock       timeutil.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	state    State
	stopping bool

	camA, camB camera.Device
	recorder   Recorder
	scheduler  *Scheduler
	summary    Summary
}

// NewController creates a controller in the Idle state
func NewController(config Config, tm Telemetry, cameras CameraOpener, sessions SessionOpener, options ...func(*Controller)) *Controller {
	c := Controller{
		config:      config,
		telemetry:   tm,
		openCameras: cameras,
		openSession: sessions,
		indicator:   noopIndicator{},
		clock:       timeutil.RealClock{},
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	if c.config.TriggerDelay == 0 {
		c.config.TriggerDelay = DefaultTriggerDelay
	}
	if c.config.RetrieveTimeout == 0 {
		c.config.RetrieveTimeout = DefaultRetrieveTimeout
	}

	return &c
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Stop requests a graceful stop, same as cancelling the Run context. The
// cycle in flight is completed and committed first.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopping = true
	scheduler := c.scheduler
	c.mu.Unlock()

	if scheduler != nil {
		scheduler.Stop()
	}
}

// Run initialises the devices, acquires until ctx is cancelled, Stop is
// called or a fatal error occurs, then drains. It returns the fatal error,
// if any.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	if err := c.transition(StateInitializing); err != nil {
		return Summary{}, err
	}

	c.summary.Started = c.clock.Now()

	runErr := c.initialize(ctx)
	if errors.Is(runErr, errStopped) {
		c.logger.Info("stop requested during initialization")
		runErr = nil
	} else if runErr == nil {
		if runErr = c.transition(StateRunning); runErr == nil {
			runErr = c.acquire(ctx)
		}
	}

	if err := c.transition(StateDraining); err != nil {
		return c.summary, errors.Join(runErr, err)
	}

	drainErr := c.drain()

	c.summary.Stopped = c.clock.Now()
	if err := c.transition(StateStopped); err != nil {
		return c.summary, errors.Join(runErr, drainErr, err)
	}

	if runErr != nil {
		return c.summary, errors.Join(runErr, drainErr)
	}

	return c.summary, drainErr
}

func (c *Controller) initialize(ctx context.Context) error {
	c.logger.Info("initializing")

	// the listener outlives the signal so telemetry keeps flowing while draining
	detected := c.telemetry.Start(context.WithoutCancel(ctx))
	if !detected {
		c.logger.Warn("no telemetry detected, acquiring without position")
		c.indicator.Pulse(ctx, status.StartupPulses, status.StartupPulseInterval)
	}

	if c.stopRequested(ctx) {
		return errStopped
	}

	camA, camB, err := c.openCameras(ctx)
	if err == nil {
		c.camA, c.camB = camA, camB
	}
	if c.stopRequested(ctx) {
		return errStopped
	}
	if err != nil {
		return fmt.Errorf("open cameras: %w", err)
	}

	for _, cam := range []camera.Device{camA, camB} {
		if err = cam.Configure(c.config.Settings); err != nil {
			return fmt.Errorf("configure camera %s: %w", cam.ID(), err)
		}
	}

	if c.stopRequested(ctx) {
		return errStopped
	}

	// a session that is being created is completed, the stop is honoured by the scheduler
	recorder, err := c.openSession(context.WithoutCancel(ctx), SessionInfo{
		Started:           c.summary.Started,
		TelemetryDetected: detected,
		CameraIDs:         [2]string{camA.ID(), camB.ID()},
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	c.recorder = recorder

	scheduler, err := NewScheduler(c.config.FPS,
		WithSchedulerClock(c.clock),
		WithSchedulerLogger(c.logger),
	)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.scheduler = scheduler
	if c.stopping {
		scheduler.Stop()
	}
	c.mu.Unlock()

	return nil
}

func (c *Controller) stopRequested(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stopping || ctx.Err() != nil
}

func (c *Controller) acquire(ctx context.Context) error {
	sequencer := NewPairSequencer(c.camA, c.camB,
		WithTriggerDelay(c.config.TriggerDelay),
		WithSequencerClock(c.clock),
		WithSequencerLogger(c.logger),
	)

	c.logger.Info("acquisition started",
		slog.Float64("fps", c.config.FPS),
		slog.Duration("period", c.scheduler.Period()),
		slog.Duration("triggerDelay", c.config.TriggerDelay),
	)

	c.indicator.Apply(status.State{Running: true, HasFix: c.telemetry.HasFix()})

	return c.scheduler.Run(ctx, func(ctx context.Context) error {
		return c.step(ctx, sequencer)
	})
}

// step runs one trigger cycle and commits it when complete
func (c *Controller) step(ctx context.Context, sequencer *PairSequencer) error {
	start := c.clock.Now()
	pair, err := sequencer.CapturePair(ctx, c.config.RetrieveTimeout)

	cycle := Cycle{
		Seq:     sequencer.Seq(),
		Start:   start,
		Outcome: OutcomeOf(err),
		Err:     err,
	}
	c.summary.Cycles++

	switch cycle.Outcome {
	case OutcomePartialTimeout:
		c.summary.Timeouts++
		c.logger.Warn("cycle skipped", slog.Uint64("seq", cycle.Seq), slog.String("error", err.Error()))
		c.indicator.Apply(status.State{Running: true, HasFix: c.telemetry.HasFix()})
		return nil

	case OutcomeAborted:
		c.logger.Error("cycle aborted", slog.Uint64("seq", cycle.Seq), slog.String("error", err.Error()))
		return err
	}

	cycle.FrameA, cycle.FrameB = pair.A, pair.B

	record, err := c.recorder.Commit(ctx, &cycle, c.telemetry.Latest())
	if err != nil {
		return fmt.Errorf("commit cycle %d: %w", cycle.Seq, err)
	}

	c.summary.Complete++
	c.summary.LastFrame = record

	c.indicator.Apply(status.State{Running: true, HasFix: c.telemetry.HasFix()})

	return nil
}

// drain releases everything in order: cameras, session, telemetry, indicators
func (c *Controller) drain() error {
	c.logger.Info("draining")

	var errs []error
	for _, cam := range []camera.Device{c.camA, c.camB} {
		if cam == nil {
			continue
		}
		if err := cam.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close camera %s: %w", cam.ID(), err))
		}
	}

	if c.recorder != nil {
		if err := c.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}

	c.telemetry.Stop()
	c.indicator.Clear()

	for _, err := range errs {
		c.logger.Error(err.Error())
	}

	return errors.Join(errs...)
}

func (c *Controller) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !slices.Contains(transitions[c.state], to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.state, to)
	}

	c.logger.Debug("state changed", slog.String("from", c.state.String()), slog.String("to", to.String()))
	c.state = to

	return nil
}

type noopIndicator struct{}

func (noopIndicator) Apply(status.State)                        {}
func (noopIndicator) Pulse(context.Context, int, time.Duration) {}
func (noopIndicator) Clear()                                    {}
