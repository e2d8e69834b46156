package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestRealClock_After(t *testing.T) {
	clock := RealClock{}

	select {
	case <-clock.After(10 * time.Millisecond):
	case <-time.After(time.Second):
		t.Error("After did not fire")
	}
}

func TestStepClock_After(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewStepClock(start)

	fired := <-clock.After(250 * time.Millisecond)
	if !fired.Equal(start.Add(250 * time.Millisecond)) {
		t.Errorf("After fired at %v, expected %v", fired, start.Add(250*time.Millisecond))
	}

	clock.Advance(time.Second)
	if got := clock.Since(start); got != 1250*time.Millisecond {
		t.Errorf("Since() = %v, expected 1.25s", got)
	}

	<-clock.After(0)
	sleeps := clock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != 250*time.Millisecond || sleeps[1] != 0 {
		t.Errorf("unexpected recorded sleeps: %v", sleeps)
	}
}
