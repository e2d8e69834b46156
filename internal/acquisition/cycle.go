package acquisition

import (
	"errors"
	"time"

	"github.com/roman-kulish/vultur/internal/camera"
	"github.com/roman-kulish/vultur/internal/telemetry"
)

// Outcome is the result of one trigger cycle
type Outcome int

const (
	OutcomeComplete       Outcome = iota // both frames retrieved
	OutcomePartialTimeout                // at least one frame missing, the cycle is skipped
	OutcomeAborted                       // a camera failed permanently, acquisition ends
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomePartialTimeout:
		return "partial-timeout"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// OutcomeOf classifies a CapturePair error
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeComplete
	case errors.Is(err, camera.ErrCycleTimeout):
		return OutcomePartialTimeout
	default:
		return OutcomeAborted
	}
}

// Cycle is one trigger cycle. Frames are set only for complete cycles.
type Cycle struct {
	Seq     uint64
	Start   time.Time
	FrameA  *camera.Frame
	FrameB  *camera.Frame
	Outcome Outcome
	Err     error
}

// Record is a committed acquisition record: one row of the session log
type Record struct {
	Seq       uint64
	RTCTime   time.Time          // wall clock time of the commit
	ImageA    string             // frame path relative to the session directory
	ImageB    string             // frame path relative to the session directory
	Telemetry telemetry.Snapshot // telemetry read right after the cycle completed
}
