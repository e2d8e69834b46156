package telemetry

import (
	"math"
	"time"
)

// Snapshot is the last known telemetry from the drone flight controller.
// A nil field is unknown: it has not been received since the listener started.
// Snapshots are immutable once published; use Clone to derive a new one.
type Snapshot struct {
	Timestamp   *time.Time `json:"timestamp,omitempty"`   // Time the last accepted position fix was received
	Latitude    *float64   `json:"latitude,omitempty"`    // GPS latitude in degrees
	Longitude   *float64   `json:"longitude,omitempty"`   // GPS longitude in degrees
	Altitude    *float64   `json:"altitude,omitempty"`    // Altitude (MSL) in meters
	Yaw         *float64   `json:"yaw,omitempty"`         // Yaw angle in degrees
	Pitch       *float64   `json:"pitch,omitempty"`       // Pitch angle in degrees
	Roll        *float64   `json:"roll,omitempty"`        // Roll angle in degrees
	GroundSpeed *float64   `json:"groundSpeed,omitempty"` // Ground speed in m/s
	ClimbRate   *float64   `json:"climbRate,omitempty"`   // Climb rate in m/s
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{
		Timestamp:   clonePtr(s.Timestamp),
		Latitude:    clonePtr(s.Latitude),
		Longitude:   clonePtr(s.Longitude),
		Altitude:    clonePtr(s.Altitude),
		Yaw:         clonePtr(s.Yaw),
		Pitch:       clonePtr(s.Pitch),
		Roll:        clonePtr(s.Roll),
		GroundSpeed: clonePtr(s.GroundSpeed),
		ClimbRate:   clonePtr(s.ClimbRate),
	}
}

// HasPosition reports whether a usable position fix has been received.
func (s Snapshot) HasPosition() bool {
	return s.Latitude != nil && s.Longitude != nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T {
	return &v
}

// toDegrees converts radians to degrees rounded to one decimal place.
func toDegrees(rad float64) float64 {
	return math.Round(rad*180/math.Pi*10) / 10
}
