package session

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roman-kulish/vultur/internal/storage"
	"github.com/roman-kulish/vultur/internal/timeutil"
)

const (
	LogFileName      = "log.csv"
	MetadataFileName = "metadata.json"
	CameraADir       = "CAM1"
	CameraBDir       = "CAM2"

	dirTimeLayout = "20060102_150405"
	maxDirSuffix  = 100
)

var (
	// ErrStorageWrite is returned when a frame, log row or catalog entry could
	// not be persisted. It is fatal for the acquisition.
	ErrStorageWrite = errors.New("storage write failed")

	// ErrIncompleteCycle is returned when a cycle without both frames is committed
	ErrIncompleteCycle = errors.New("cycle is not complete")

	logHeader = []string{
		"rtc_time",
		"telemetry_time",
		"image_cam1",
		"image_cam2",
		"latitude",
		"longitude",
		"altitude",
		"yaw_deg",
		"pitch_deg",
		"roll_deg",
		"ground_speed",
		"climb_rate",
	}
)

// Metadata describes a session; it is written once to metadata.json
type Metadata struct {
	UUID              string    `json:"uuid"`
	StartTime         time.Time `json:"start_time"`
	FPS               float64   `json:"fps"`
	TriggerDelay      string    `json:"trigger_delay"`
	ExposureTime      int       `json:"exposure_time_us"`
	Gain              float64   `json:"gain_db"`
	PixelFormat       string    `json:"pixel_format"`
	Width             int       `json:"width"`
	Height            int       `json:"height"`
	TelemetryDetected bool      `json:"telemetry_detected"`
	CameraIDs         []string  `json:"camera_ids"`
}

// WithLogger sets the logger for the session
func WithLogger(logger *slog.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger.With(slog.String("component", "session"))
	}
}

// WithClock sets the clock used for record and frame timestamps
func WithClock(clock timeutil.Clock) func(*Session) {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithCatalog mirrors every committed record into the catalog
func WithCatalog(store storage.Store) func(*Session) {
	return func(s *Session) {
		s.catalog = store
	}
}

// Session is a directory holding the frames, the session log and the
// metadata of one acquisition run. Commit is not safe for concurrent use.
type Session struct {
	dir      string
	metadata Metadata

	log    *os.File
	writer *csv.Writer

	catalog   storage.Store
	catalogID int64

	lastFrameTime time.Time
	records       uint64
	bytesWritten  uint64

	closeOnce sync.Once
	closeErr  error

	clock  timeutil.Clock
	logger *slog.Logger
}

// Create makes a new session directory named after the start time under root
// and writes the metadata and the log header. An existing directory is never
// reused: a numeric suffix is added instead.
func Create(ctx context.Context, root string, metadata Metadata, options ...func(*Session)) (*Session, error) {
	s := Session{
		metadata: metadata,
		clock:    timeutil.RealClock{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	if s.metadata.UUID == "" {
		s.metadata.UUID = uuid.NewString()
	}
	if s.metadata.StartTime.IsZero() {
		s.metadata.StartTime = s.clock.Now()
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating data directory: %w", ErrStorageWrite, err)
	}

	dir, err := makeSessionDir(root, s.metadata.StartTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	s.dir = dir

	if err = s.init(ctx); err != nil {
		if s.log != nil {
			_ = s.log.Close()
		}
		if rmErr := os.RemoveAll(s.dir); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("removing session directory: %w", rmErr))
		}
		return nil, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}

	s.logger.Info("session created",
		slog.String("uuid", s.metadata.UUID),
		slog.String("directory", s.dir),
	)

	return &s, nil
}

func (s *Session) init(ctx context.Context) error {
	for _, sub := range []string{CameraADir, CameraBDir} {
		if err := os.Mkdir(filepath.Join(s.dir, sub), 0o755); err != nil {
			return fmt.Errorf("creating frame directory: %w", err)
		}
	}

	p, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	if _, err = writeFileAtomic(filepath.Join(s.dir, MetadataFileName), func(w io.Writer) error {
		_, err := w.Write(p)
		return err
	}); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}

	s.log, err = os.OpenFile(filepath.Join(s.dir, LogFileName), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating log: %w", err)
	}

	s.writer = csv.NewWriter(s.log)
	if err = s.writeRow(logHeader); err != nil {
		return fmt.Errorf("writing log header: %w", err)
	}

	if s.catalog != nil {
		s.catalogID, err = s.catalog.CreateSession(ctx, &storage.Session{
			UUID:      s.metadata.UUID,
			StartTime: s.metadata.StartTime,
			Directory: s.dir,
			CameraA:   cameraID(s.metadata.CameraIDs, 0),
			CameraB:   cameraID(s.metadata.CameraIDs, 1),
		}, s.metadata)
		if err != nil {
			return fmt.Errorf("registering session in catalog: %w", err)
		}
	}

	return nil
}

// Dir returns the session directory
func (s *Session) Dir() string {
	return s.dir
}

// UUID returns the session identifier
func (s *Session) UUID() string {
	return s.metadata.UUID
}

// Records returns the number of committed records
func (s *Session) Records() uint64 {
	return s.records
}

// BytesWritten returns the size of the committed frames
func (s *Session) BytesWritten() uint64 {
	return s.bytesWritten
}

// Close flushes and closes the session log. It is safe to call Close multiple times.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.writer.Flush()

		errs := []error{s.writer.Error(), s.log.Sync(), s.log.Close()}
		if err := errors.Join(errs...); err != nil {
			s.closeErr = fmt.Errorf("%w: closing log: %w", ErrStorageWrite, err)
			return
		}

		s.logger.Info("session closed",
			slog.String("uuid", s.metadata.UUID),
			slog.Uint64("records", s.records),
		)
	})

	return s.closeErr
}

// writeRow appends a row to the log and syncs it. A row that was not written
// completely is cut off again, so the log only ever holds whole rows.
func (s *Session) writeRow(row []string) error {
	offset, err := s.log.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	if err = s.appendRow(row); err != nil {
		return errors.Join(err, s.truncateLog(offset))
	}

	return nil
}

func (s *Session) appendRow(row []string) error {
	if err := s.writer.Write(row); err != nil {
		return err
	}

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return err
	}

	return s.log.Sync()
}

func (s *Session) truncateLog(offset int64) error {
	s.writer = csv.NewWriter(s.log) // drops whatever is still buffered

	if err := s.log.Truncate(offset); err != nil {
		return fmt.Errorf("truncating log: %w", err)
	}
	if _, err := s.log.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding log: %w", err)
	}

	return nil
}

func makeSessionDir(root string, start time.Time) (string, error) {
	base := filepath.Join(root, "session_"+start.Format(dirTimeLayout))

	for i := 0; i <= maxDirSuffix; i++ {
		dir := base
		if i > 0 {
			dir = fmt.Sprintf("%s_%d", base, i)
		}

		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating session directory: %w", err)
		}
	}

	return "", fmt.Errorf("creating session directory: %s already exists", base)
}

func cameraID(ids []string, i int) string {
	if i < len(ids) {
		return ids[i]
	}
	return ""
}
