package session

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"golang.org/x/image/tiff"

	"github.com/roman-kulish/vultur/internal/acquisition"
	"github.com/roman-kulish/vultur/internal/telemetry"
)

const (
	// NoneValue marks an unknown value in the session log
	NoneValue = "NONE"

	frameTimeLayout = "20060102_150405"
	rtcTimeLayout   = "2006-01-02T15:04:05.000Z07:00"
	fixTimeLayout   = "2006-01-02T15:04:05.000Z"
)

var _ acquisition.Recorder = (*Session)(nil)

// Commit persists a complete cycle: both frames, then one log row, then the
// catalog entry. The frames are durable before the row that references them
// is written and the row is durable before Commit returns. On failure
// nothing written by this call is left behind in the session directory.
func (s *Session) Commit(ctx context.Context, cycle *acquisition.Cycle, snapshot telemetry.Snapshot) (*acquisition.Record, error) {
	if cycle.Outcome != acquisition.OutcomeComplete || cycle.FrameA == nil || cycle.FrameB == nil {
		return nil, fmt.Errorf("%w: cycle %d is %s", ErrIncompleteCycle, cycle.Seq, cycle.Outcome)
	}

	now := s.clock.Now()
	stamp := s.nextFrameStamp(now)

	record := acquisition.Record{
		Seq:       cycle.Seq,
		RTCTime:   now,
		ImageA:    filepath.ToSlash(filepath.Join(CameraADir, "cam1_"+stamp+".tiff")),
		ImageB:    filepath.ToSlash(filepath.Join(CameraBDir, "cam2_"+stamp+".tiff")),
		Telemetry: snapshot,
	}

	pathA := filepath.Join(s.dir, filepath.FromSlash(record.ImageA))
	pathB := filepath.Join(s.dir, filepath.FromSlash(record.ImageB))

	sizeA, err := writeFrame(pathA, cycle.FrameA.Image)
	if err != nil {
		s.removeFrames(pathA)
		return nil, fmt.Errorf("%w: writing frame %s: %w", ErrStorageWrite, record.ImageA, err)
	}

	sizeB, err := writeFrame(pathB, cycle.FrameB.Image)
	if err != nil {
		s.removeFrames(pathA)
		return nil, fmt.Errorf("%w: writing frame %s: %w", ErrStorageWrite, record.ImageB, err)
	}

	if err = s.writeRow(formatRow(&record)); err != nil {
		s.removeFrames(pathA, pathB)
		return nil, fmt.Errorf("%w: writing log row: %w", ErrStorageWrite, err)
	}

	s.records++
	s.bytesWritten += uint64(sizeA + sizeB)

	if s.catalog != nil {
		if _, err = s.catalog.StoreRecord(ctx, s.catalogID, &record); err != nil {
			return nil, fmt.Errorf("%w: storing record in catalog: %w", ErrStorageWrite, err)
		}
	}

	s.logger.Debug("record committed",
		slog.Uint64("seq", record.Seq),
		slog.String("cam1", record.ImageA),
		slog.String("cam2", record.ImageB),
	)

	return &record, nil
}

// nextFrameStamp returns a millisecond UTC stamp strictly greater than the previous one
func (s *Session) nextFrameStamp(now time.Time) string {
	t := now.UTC().Truncate(time.Millisecond)
	if !t.After(s.lastFrameTime) {
		t = s.lastFrameTime.Add(time.Millisecond)
	}
	s.lastFrameTime = t

	return fmt.Sprintf("%s_%03d", t.Format(frameTimeLayout), t.Nanosecond()/int(time.Millisecond))
}

func (s *Session) removeFrames(paths ...string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Error("failed to remove frame of failed commit", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}

func formatRow(r *acquisition.Record) []string {
	t := &r.Telemetry

	fixTime := NoneValue
	if t.Timestamp != nil {
		fixTime = t.Timestamp.UTC().Format(fixTimeLayout)
	}

	return []string{
		r.RTCTime.Local().Format(rtcTimeLayout),
		fixTime,
		r.ImageA,
		r.ImageB,
		formatFloat(t.Latitude),
		formatFloat(t.Longitude),
		formatFloat(t.Altitude),
		formatFloat(t.Yaw),
		formatFloat(t.Pitch),
		formatFloat(t.Roll),
		formatFloat(t.GroundSpeed),
		formatFloat(t.ClimbRate),
	}
}

func formatFloat(v *float64) string {
	if v == nil {
		return NoneValue
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// writeFrame stores the image as an uncompressed TIFF
func writeFrame(path string, img image.Image) (int64, error) {
	return writeFileAtomic(path, func(w io.Writer) error {
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Uncompressed})
	})
}

// writeFileAtomic writes to a temporary file in the target directory, syncs
// it and renames it into place, so the target either does not exist or is complete.
func writeFileAtomic(path string, write func(w io.Writer) error) (size int64, err error) {
	dir := filepath.Dir(path)

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, err
	}

	tmpName := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriterSize(f, 1<<20)
	if err = write(bw); err != nil {
		return 0, err
	}
	if err = bw.Flush(); err != nil {
		return 0, err
	}
	if err = f.Sync(); err != nil {
		return 0, err
	}

	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if err = f.Close(); err != nil {
		return 0, err
	}

	if err = os.Rename(tmpName, path); err != nil {
		return 0, err
	}

	if err = syncDir(dir); err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// syncDir makes a rename in dir durable. Directories cannot be synced on windows.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}
