package acquisition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/vultur/internal/timeutil"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestNewScheduler(t *testing.T) {
	s, err := NewScheduler(4)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, s.Period())

	_, err = NewScheduler(0)
	assert.Error(t, err)

	_, err = NewScheduler(-1)
	assert.Error(t, err)
}

func TestScheduler_PeriodStability(t *testing.T) {
	clock := timeutil.NewStepClock(epoch)
	s, err := NewScheduler(100, WithSchedulerClock(clock))
	require.NoError(t, err)

	period := s.Period()
	durations := []time.Duration{3 * time.Millisecond, 7 * time.Millisecond, 1 * time.Millisecond, 9 * time.Millisecond}

	var cycles int
	err = s.Run(context.Background(), func(context.Context) error {
		clock.Advance(durations[cycles%len(durations)])
		cycles++
		if cycles == 100 {
			s.Stop()
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 100, cycles)

	elapsed := clock.Since(epoch)
	assert.InDelta(t, float64(100*period), float64(elapsed), float64(period))
}

func TestScheduler_OverrunIsNotCarried(t *testing.T) {
	clock := timeutil.NewStepClock(epoch)
	s, err := NewScheduler(100, WithSchedulerClock(clock))
	require.NoError(t, err)

	durations := []time.Duration{15 * time.Millisecond, 3 * time.Millisecond, 3 * time.Millisecond}

	var cycles int
	err = s.Run(context.Background(), func(context.Context) error {
		clock.Advance(durations[cycles])
		cycles++
		if cycles == len(durations) {
			s.Stop()
		}
		return nil
	})
	require.NoError(t, err)

	// the overrun cycle does not sleep, the next one sleeps its full remainder
	sleeps := clock.Sleeps()
	require.NotEmpty(t, sleeps)
	assert.Equal(t, 7*time.Millisecond, sleeps[0])
}

func TestScheduler_StopChecksTopOfCycle(t *testing.T) {
	s, err := NewScheduler(100, WithSchedulerClock(timeutil.NewStepClock(epoch)))
	require.NoError(t, err)

	s.Stop()
	s.Stop() // idempotent

	var cycles int
	err = s.Run(context.Background(), func(context.Context) error {
		cycles++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, cycles)
}

func TestScheduler_StopInterruptsSleep(t *testing.T) {
	s, err := NewScheduler(1.0 / 3600) // one cycle per hour
	require.NoError(t, err)

	stepped := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.Run(context.Background(), func(context.Context) error {
			close(stepped)
			return nil
		})
	}()

	<-stepped
	s.Stop()

	select {
	case err = <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_ContextCancelStopsAfterStep(t *testing.T) {
	s, err := NewScheduler(100, WithSchedulerClock(timeutil.NewStepClock(epoch)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cycles int
	err = s.Run(ctx, func(stepCtx context.Context) error {
		cycles++
		if cycles == 3 {
			cancel()
			// the running step is not interrupted
			assert.NoError(t, stepCtx.Err())
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, cycles)
}

func TestScheduler_StepErrorEndsLoop(t *testing.T) {
	s, err := NewScheduler(100, WithSchedulerClock(timeutil.NewStepClock(epoch)))
	require.NoError(t, err)

	boom := errors.New("boom")

	var cycles int
	err = s.Run(context.Background(), func(context.Context) error {
		cycles++
		if cycles == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, cycles)
}
