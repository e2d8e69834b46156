package telemetry

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrReceiveTimeout is returned by a Source when no message arrived within the wait
	ErrReceiveTimeout = errors.New("telemetry receive timeout")

	// ErrTelemetryUnavailable is returned when the telemetry link cannot be opened or was lost
	ErrTelemetryUnavailable = errors.New("telemetry unavailable")

	// ErrFixBelowThreshold describes a position fix rejected for its quality
	ErrFixBelowThreshold = errors.New("gps fix below threshold")
)

// Provider gives read access to the last known telemetry.
type Provider interface {
	Latest() Snapshot
	HasFix() bool
}

// Source is a telemetry message stream, such as a MAVLink serial link.
type Source interface {
	// Recv waits at most timeout for the next message. It returns
	// ErrReceiveTimeout when the link is quiet and a wrapped
	// ErrTelemetryUnavailable when the link is gone.
	Recv(ctx context.Context, timeout time.Duration) (Message, error)
	Close() error
}

// Opener opens a new Source. It is called again after the link is lost.
type Opener func(ctx context.Context) (Source, error)

// Message is a decoded telemetry message.
type Message interface {
	messageKind() string
}

// Heartbeat marks the link as alive.
type Heartbeat struct{}

// PositionFix is a position sample. Raw GPS fixes carry a fix quality
// (0-1 no fix, 2 = 2D, 3 = 3D, ...); Fused estimates from the flight
// controller carry none.
type PositionFix struct {
	Latitude   float64 // degrees
	Longitude  float64 // degrees
	Altitude   float64 // meters
	FixQuality int
	Fused      bool
}

// Attitude is the vehicle orientation in radians.
type Attitude struct {
	Roll  float64
	Pitch float64
	Yaw   float64
}

// Motion is ground speed and climb rate in m/s.
type Motion struct {
	GroundSpeed float64
	ClimbRate   float64
}

func (Heartbeat) messageKind() string   { return "heartbeat" }
func (PositionFix) messageKind() string { return "position" }
func (Attitude) messageKind() string    { return "attitude" }
func (Motion) messageKind() string      { return "motion" }
