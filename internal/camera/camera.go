package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"
)

const (
	PixelFormatMono8  PixelFormat = "Mono8"
	PixelFormatMono12 PixelFormat = "Mono12"
	PixelFormatMono16 PixelFormat = "Mono16"
)

var (
	// ErrCycleTimeout is returned when a frame was not delivered in time or the grab failed.
	// The cycle is skipped, the next trigger is expected to succeed.
	ErrCycleTimeout = errors.New("frame retrieval timed out")

	// ErrSensorFatal is returned when a camera is no longer usable (disconnected, helper exited)
	ErrSensorFatal = errors.New("camera fatal error")

	validPixelFormats = map[PixelFormat]int{
		PixelFormatMono8:  8,
		PixelFormatMono12: 12,
		PixelFormatMono16: 16,
	}
)

type PixelFormat string

func (p PixelFormat) String() string {
	return string(p)
}

// BitDepth returns the number of significant bits per pixel, 0 if unknown
func (p PixelFormat) BitDepth() int {
	return validPixelFormats[p]
}

// Settings is the acquisition configuration applied to both cameras
type Settings struct {
	Width        int         `yaml:"width" json:"width"`
	Height       int         `yaml:"height" json:"height"`
	PixelFormat  PixelFormat `yaml:"pixelFormat" json:"pixelFormat"`
	ExposureTime int         `yaml:"exposureTime" json:"exposureTime"` // microseconds
	Gain         float64     `yaml:"gain" json:"gain"`                 // dB
}

// DefaultSettings matches the sensors the rig was built with
func DefaultSettings() Settings {
	return Settings{
		Width:        3840,
		Height:       2160,
		PixelFormat:  PixelFormatMono12,
		ExposureTime: 500,
		Gain:         0,
	}
}

func (s *Settings) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("camera.Settings: invalid resolution %dx%d", s.Width, s.Height)
	}
	if _, ok := validPixelFormats[s.PixelFormat]; !ok {
		return fmt.Errorf("camera.Settings: unsupported pixel format: %s", s.PixelFormat)
	}
	if s.ExposureTime <= 0 {
		return fmt.Errorf("camera.Settings: exposure time must be positive: %d", s.ExposureTime)
	}
	if s.Gain < 0 {
		return fmt.Errorf("camera.Settings: gain must not be negative: %0.2f", s.Gain)
	}
	return nil
}

// Frame is a single grabbed image
type Frame struct {
	Seq       uint64      // Trigger sequence number the frame answers
	Timestamp time.Time   // When the frame was received
	DeviceID  string      // Camera that produced the frame
	Image     image.Image // *image.Gray16 for 12/16 bit formats, *image.Gray for Mono8
}

// Pair is a matched pair of frames from one trigger cycle
type Pair struct {
	A *Frame
	B *Frame
}

// Device is a software-triggered camera handle.
//
// A Device is owned by a single goroutine; implementations need not be safe
// for concurrent use except for Close.
type Device interface {
	// ID returns the camera identifier (serial number)
	ID() string

	// Configure applies the acquisition settings and arms the software trigger
	Configure(settings Settings) error

	// Trigger fires the software trigger for the given sequence number
	Trigger(seq uint64) error

	// Retrieve waits at most timeout for the frame of the given trigger.
	// It returns ErrCycleTimeout for a missing frame and ErrSensorFatal when
	// the camera is gone.
	Retrieve(ctx context.Context, seq uint64, timeout time.Duration) (*Frame, error)

	// Close stops grabbing and releases the camera
	Close() error
}
