package camera

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// ParseErrorsThreshold defines the number of consecutive unparsable lines allowed
	ParseErrorsThreshold = 5

	// Runtime is the name of the capture helper binary
	Runtime = "pair-grab"

	// DefaultTriggerTimeout bounds how long Trigger waits for the helper to accept a request
	DefaultTriggerTimeout = time.Second

	maxDimension = 1 << 14
	closeTimeout = 2 * time.Second
)

var (
	// ErrTooManyParseErrors is returned when the number of consecutive parse errors exceeds the threshold
	ErrTooManyParseErrors = errors.New("too many consecutive parse errors")

	// ErrBrokenPipe is returned when there's an error reading from stdout or stderr
	ErrBrokenPipe = errors.New("broken pipe")

	errNotConfigured = errors.New("camera is not configured")
)

// CommandFunc builds the helper command, exec.CommandContext by default
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// message is a single answer of the helper: a frame or an error report
type message struct {
	seq     uint64
	frame   *Frame
	fatal   bool
	timeout bool
	text    string
}

// WithExecLogger sets the logger for the device
func WithExecLogger(logger *slog.Logger) func(d *ExecDevice) {
	return func(d *ExecDevice) {
		d.logger = logger.With(
			slog.String("component", "camera"),
			slog.String("deviceID", d.id),
		)
	}
}

// WithCommand replaces the function used to build the helper command
func WithCommand(fn CommandFunc) func(d *ExecDevice) {
	return func(d *ExecDevice) {
		d.command = fn
	}
}

// WithParseErrorsThreshold sets the threshold for consecutive parse errors
func WithParseErrorsThreshold(threshold uint8) func(d *ExecDevice) {
	return func(d *ExecDevice) {
		d.parseErrorsThreshold = threshold
	}
}

// WithTriggerTimeout sets how long Trigger waits for the helper to read a request
func WithTriggerTimeout(timeout time.Duration) func(d *ExecDevice) {
	return func(d *ExecDevice) {
		d.triggerTimeout = timeout
	}
}

// ExecDevice is a camera driven by a long-running helper process.
//
// The helper is started by Configure and receives `TRIGGER <seq>` lines on
// stdin. It answers every trigger on stdout with either
// `FRAME <seq> <width> <height> <bits> <nbytes>` followed by nbytes of raw
// little-endian pixels, or `ERROR <seq> <timeout|fatal> <text>`. Anything the
// helper writes to stderr is relayed to the log. The helper exiting is fatal.
type ExecDevice struct {
	id      string
	binPath string
	command CommandFunc

	mu      sync.Mutex
	stdin   io.WriteCloser
	cancel  context.CancelFunc
	results chan message
	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
	closeErr  error

	parseErrorsThreshold uint8
	triggerTimeout       time.Duration
	logger               *slog.Logger
}

// NewExecDevice creates a new helper backed camera with a discard logger
func NewExecDevice(id, binPath string, options ...func(d *ExecDevice)) *ExecDevice {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	d := ExecDevice{
		id:                   id,
		binPath:              binPath,
		command:              exec.CommandContext,
		logger:               logger,
		parseErrorsThreshold: ParseErrorsThreshold,
		triggerTimeout:       DefaultTriggerTimeout,
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

func (d *ExecDevice) ID() string {
	return d.id
}

// Configure starts the helper process with the given acquisition settings
func (d *ExecDevice) Configure(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.results != nil {
		return fmt.Errorf("camera %s is already configured", d.id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := d.command(ctx, d.binPath, helperArgs(d.id, settings)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("error creating stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("error creating stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err = cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("%w: error starting helper: %w", ErrSensorFatal, err)
	}

	d.stdin = stdin
	d.cancel = cancel
	d.results = make(chan message, 4)
	d.exited = make(chan struct{})

	go d.supervise(ctx, cmd, stdout, stderr)

	d.logger.Info("camera configured",
		slog.Int("width", settings.Width),
		slog.Int("height", settings.Height),
		slog.String("pixelFormat", settings.PixelFormat.String()),
		slog.Int("exposureTime", settings.ExposureTime),
		slog.Float64("gain", settings.Gain),
	)

	return nil
}

// Trigger writes a trigger request to the helper. A helper that stops reading
// its stdin fills the pipe, so the write is bounded by the trigger timeout.
func (d *ExecDevice) Trigger(seq uint64) error {
	d.mu.Lock()
	stdin := d.stdin
	d.mu.Unlock()

	if stdin == nil {
		return fmt.Errorf("%w: %w", ErrSensorFatal, errNotConfigured)
	}

	written := make(chan error, 1)
	go func() {
		_, err := fmt.Fprintf(stdin, "TRIGGER %d\n", seq)
		written <- err
	}()

	timer := time.NewTimer(d.triggerTimeout)
	defer timer.Stop()

	select {
	case err := <-written:
		if err != nil {
			return fmt.Errorf("%w: error writing trigger %d: %w", ErrSensorFatal, seq, err)
		}
		return nil

	case <-timer.C:
		return fmt.Errorf("%w: helper did not accept trigger %d within %s", ErrSensorFatal, seq, d.triggerTimeout)
	}
}

// Retrieve waits for the answer to the trigger with the given sequence number.
// Answers to older triggers are discarded.
func (d *ExecDevice) Retrieve(ctx context.Context, seq uint64, timeout time.Duration) (*Frame, error) {
	d.mu.Lock()
	results, exited := d.results, d.exited
	d.mu.Unlock()

	if results == nil {
		return nil, fmt.Errorf("%w: %w", ErrSensorFatal, errNotConfigured)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			return nil, fmt.Errorf("%w: no frame for trigger %d after %s", ErrCycleTimeout, seq, timeout)

		case <-exited:
			return nil, fmt.Errorf("%w: helper exited: %w", ErrSensorFatal, d.exitErr)

		case msg := <-results:
			if msg.seq < seq {
				d.logger.Debug("discarding stale answer", slog.Uint64("seq", msg.seq), slog.Uint64("want", seq))
				continue
			}

			switch {
			case msg.fatal:
				return nil, fmt.Errorf("%w: %s", ErrSensorFatal, msg.text)
			case msg.timeout:
				return nil, fmt.Errorf("%w: %s", ErrCycleTimeout, msg.text)
			case msg.seq != seq:
				return nil, fmt.Errorf("%w: answer for trigger %d while waiting for %d", ErrCycleTimeout, msg.seq, seq)
			}

			return msg.frame, nil
		}
	}
}

// Close asks the helper to exit by closing its stdin and kills it when it does not
func (d *ExecDevice) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		stdin, cancel, exited := d.stdin, d.cancel, d.exited
		d.mu.Unlock()

		if stdin == nil {
			return // never configured
		}

		d.closeErr = stdin.Close()

		select {
		case <-exited:
		case <-time.After(closeTimeout):
			d.logger.Warn("helper did not exit, killing it")
			cancel()
			<-exited
		}

		cancel()
	})

	return d.closeErr
}

// supervise runs the stdout, stderr and wait handlers and records how the helper ended
func (d *ExecDevice) supervise(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader) {
	defer close(d.exited)

	done := make(chan error, 2) // expects two results from two goroutines

	go d.handleStdout(ctx, stdout, done)
	go d.handleStderr(stderr, done)

	var errs []error
	for i := 0; i < cap(done); i++ {
		if err := <-done; err != nil {
			d.cancel() // kill the helper so the other pipe unblocks
			errs = append(errs, err)
		}
	}

	// Wait must not be called before all reads from the pipes have completed
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		errs = append(errs, fmt.Errorf("command exited with error: %w", err))
	}

	if len(errs) == 0 {
		errs = append(errs, io.EOF)
	} else {
		d.logger.Error("helper stopped", slog.String("error", errors.Join(errs...).Error()))
	}

	d.exitErr = errors.Join(errs...)
}

// handleStdout reads helper answers and hands them to Retrieve
func (d *ExecDevice) handleStdout(ctx context.Context, stdout io.Reader, done chan<- error) {
	var parseErrors uint8

	r := bufio.NewReader(stdout)
	for {
		msg, err := readMessage(r, d.id)
		if err != nil {
			var pe *parseError
			if errors.As(err, &pe) {
				parseErrors++
				d.logger.Warn(fmt.Sprintf("error parsing helper output: %s", pe.Error()), slog.String("line", pe.line))

				if parseErrors >= d.parseErrorsThreshold {
					done <- ErrTooManyParseErrors
					return
				}

				continue
			}

			if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) {
				done <- nil
				return
			}

			done <- fmt.Errorf("%w: error reading stdout: %w", ErrBrokenPipe, err)
			return
		}

		parseErrors = 0 // reset counter

		select {
		case d.results <- msg:
		case <-ctx.Done():
			done <- nil
			return
		}
	}
}

// handleStderr reads from stderr and logs it
func (d *ExecDevice) handleStderr(stderr io.Reader, done chan<- error) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		d.logger.Warn(fmt.Sprintf("%s >> %s", Runtime, line))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, fs.ErrClosed) {
		done <- fmt.Errorf("%w: error reading stderr: %w", ErrBrokenPipe, err)
		return
	}

	done <- nil
}

// Enumerate runs the helper with --list and returns the serial numbers of the attached cameras
func Enumerate(ctx context.Context, binPath string, command CommandFunc) ([]string, error) {
	if command == nil {
		command = exec.CommandContext
	}

	out, err := command(ctx, binPath, "--list").Output()
	if err != nil {
		return nil, fmt.Errorf("error listing cameras: %w", err)
	}

	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			ids = append(ids, line)
		}
	}

	return ids, nil
}

func helperArgs(id string, settings Settings) []string {
	return []string{
		"--serial", id,
		"--width", strconv.Itoa(settings.Width),
		"--height", strconv.Itoa(settings.Height),
		"--pixel-format", settings.PixelFormat.String(),
		"--exposure", strconv.Itoa(settings.ExposureTime),
		"--gain", strconv.FormatFloat(settings.Gain, 'f', 2, 64),
	}
}

// parseError is a recoverable protocol error: the offending line has been consumed
type parseError struct {
	line string
	msg  string
}

func (e *parseError) Error() string {
	return e.msg
}

// readMessage reads one helper answer. Errors other than *parseError leave the
// stream in an unknown state.
func readMessage(r *bufio.Reader, deviceID string) (message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) != "" {
			return message{}, io.ErrUnexpectedEOF
		}
		return message{}, err
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return message{}, &parseError{line: line, msg: "empty line"}
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "FRAME":
		return readFrame(r, line, fields, deviceID)
	case "ERROR":
		return parseErrorLine(line, fields)
	default:
		return message{}, &parseError{line: line, msg: fmt.Sprintf("unknown answer: %s", fields[0])}
	}
}

func readFrame(r io.Reader, line string, fields []string, deviceID string) (message, error) {
	if len(fields) != 6 {
		return message{}, &parseError{line: line, msg: "invalid frame header: wrong number of fields"}
	}

	var values [5]uint64
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return message{}, &parseError{line: line, msg: fmt.Sprintf("invalid frame header: %s", err.Error())}
		}
		values[i] = v
	}

	seq := values[0]
	width, height, bits, size := int(values[1]), int(values[2]), int(values[3]), values[4]

	var headerErr error
	switch {
	case width <= 0 || height <= 0 || width > maxDimension || height > maxDimension:
		headerErr = fmt.Errorf("invalid frame size %dx%d", width, height)
	case bits < 1 || bits > 16:
		headerErr = fmt.Errorf("invalid bit depth %d", bits)
	case size != uint64(width*height*bytesPerPixel(bits)):
		headerErr = fmt.Errorf("payload of %d bytes does not match %dx%d@%d", size, width, height, bits)
	}
	if headerErr != nil {
		// payload length can't be trusted, the stream cannot be resynchronised
		return message{}, headerErr
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return message{}, fmt.Errorf("error reading frame %d: %w", seq, err)
	}

	return message{
		seq: seq,
		frame: &Frame{
			Seq:       seq,
			Timestamp: time.Now(),
			DeviceID:  deviceID,
			Image:     decodePixels(width, height, bits, buf),
		},
	}, nil
}

func parseErrorLine(line string, fields []string) (message, error) {
	if len(fields) < 3 {
		return message{}, &parseError{line: line, msg: "invalid error report: wrong number of fields"}
	}

	seq, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return message{}, &parseError{line: line, msg: fmt.Sprintf("invalid error report: %s", err.Error())}
	}

	msg := message{seq: seq, text: strings.Join(fields[3:], " ")}
	if msg.text == "" {
		msg.text = fields[2]
	}

	switch fields[2] {
	case "timeout":
		msg.timeout = true
	case "fatal":
		msg.fatal = true
	default:
		return message{}, &parseError{line: line, msg: fmt.Sprintf("invalid error kind: %s", fields[2])}
	}

	return msg, nil
}

func bytesPerPixel(bits int) int {
	if bits <= 8 {
		return 1
	}
	return 2
}

// decodePixels converts raw little-endian samples into an image. Samples are
// stored unscaled so 12 bit data keeps the sensor values.
func decodePixels(width, height, bits int, buf []byte) image.Image {
	rect := image.Rect(0, 0, width, height)

	if bits <= 8 {
		return &image.Gray{Pix: buf, Stride: width, Rect: rect}
	}

	img := image.NewGray16(rect)
	for i := 0; i < width*height; i++ {
		v := binary.LittleEndian.Uint16(buf[2*i:])
		img.Pix[2*i] = byte(v >> 8)
		img.Pix[2*i+1] = byte(v)
	}

	return img
}
