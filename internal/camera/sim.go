package camera

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"
)

// WithLatency sets the delay between a trigger and the frame being available
func WithLatency(latency time.Duration) func(d *SimDevice) {
	return func(d *SimDevice) {
		d.latency = latency
	}
}

// WithTimeoutAt makes the frames of the given triggers never arrive
func WithTimeoutAt(seqs ...uint64) func(d *SimDevice) {
	return func(d *SimDevice) {
		for _, seq := range seqs {
			d.timeouts[seq] = true
		}
	}
}

// WithFatalAt makes the camera fail permanently at the given trigger
func WithFatalAt(seq uint64) func(d *SimDevice) {
	return func(d *SimDevice) {
		d.fatalAt = seq
	}
}

// SimDevice is a simulated camera producing synthetic gradient frames
type SimDevice struct {
	id       string
	latency  time.Duration
	timeouts map[uint64]bool
	fatalAt  uint64 // 0 means never

	mu        sync.Mutex
	settings  *Settings
	triggered map[uint64]time.Time
	fatal     bool
	closed    bool
}

// NewSimDevice creates a simulated camera
func NewSimDevice(id string, options ...func(d *SimDevice)) *SimDevice {
	d := SimDevice{
		id:        id,
		timeouts:  make(map[uint64]bool),
		triggered: make(map[uint64]time.Time),
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

func (d *SimDevice) ID() string {
	return d.id
}

func (d *SimDevice) Configure(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return fmt.Errorf("%w: camera %s is closed", ErrSensorFatal, d.id)
	}

	d.settings = &settings
	return nil
}

func (d *SimDevice) Trigger(seq uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkUsable(); err != nil {
		return err
	}

	if d.fatalAt != 0 && seq >= d.fatalAt {
		d.fatal = true
	}

	// frames of older triggers nobody retrieved are released
	for s := range d.triggered {
		if s < seq {
			delete(d.triggered, s)
		}
	}

	d.triggered[seq] = time.Now()
	return nil
}

func (d *SimDevice) Retrieve(ctx context.Context, seq uint64, timeout time.Duration) (*Frame, error) {
	d.mu.Lock()
	if err := d.checkUsable(); err != nil {
		d.mu.Unlock()
		return nil, err
	}

	triggeredAt, ok := d.triggered[seq]
	delete(d.triggered, seq)
	settings := *d.settings
	d.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: trigger %d was never fired", ErrCycleTimeout, seq)
	}

	wait := time.Until(triggeredAt.Add(d.latency))
	if d.timeouts[seq] || wait > timeout {
		wait = timeout
	}

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if d.timeouts[seq] || time.Until(triggeredAt.Add(d.latency)) > 0 {
		return nil, fmt.Errorf("%w: no frame for trigger %d after %s", ErrCycleTimeout, seq, timeout)
	}

	return &Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		DeviceID:  d.id,
		Image:     gradient(settings, seq),
	}, nil
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return nil
}

// Closed reports whether Close has been called
func (d *SimDevice) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.closed
}

func (d *SimDevice) checkUsable() error {
	switch {
	case d.closed:
		return fmt.Errorf("%w: camera %s is closed", ErrSensorFatal, d.id)
	case d.settings == nil:
		return fmt.Errorf("%w: %w", ErrSensorFatal, errNotConfigured)
	case d.fatal:
		return fmt.Errorf("%w: camera %s disconnected", ErrSensorFatal, d.id)
	}
	return nil
}

// gradient draws a diagonal ramp shifted by the trigger sequence number
func gradient(settings Settings, seq uint64) image.Image {
	rect := image.Rect(0, 0, settings.Width, settings.Height)
	bits := settings.PixelFormat.BitDepth()
	maxValue := uint32(1)<<bits - 1
	span := uint32(settings.Width + settings.Height)

	value := func(x, y int) uint32 {
		return (uint32(x+y) + uint32(seq)) % span * maxValue / span
	}

	if bits <= 8 {
		img := image.NewGray(rect)
		for y := 0; y < settings.Height; y++ {
			for x := 0; x < settings.Width; x++ {
				img.Pix[y*img.Stride+x] = uint8(value(x, y))
			}
		}
		return img
	}

	img := image.NewGray16(rect)
	for y := 0; y < settings.Height; y++ {
		for x := 0; x < settings.Width; x++ {
			v := value(x, y)
			i := y*img.Stride + 2*x
			img.Pix[i] = uint8(v >> 8)
			img.Pix[i+1] = uint8(v)
		}
	}
	return img
}
