package session

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/roman-kulish/vultur/internal/acquisition"
	"github.com/roman-kulish/vultur/internal/camera"
	"github.com/roman-kulish/vultur/internal/storage"
	"github.com/roman-kulish/vultur/internal/telemetry"
	"github.com/roman-kulish/vultur/internal/timeutil"
)

var start = time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)

func testMetadata() Metadata {
	return Metadata{
		StartTime:    start,
		FPS:          4,
		TriggerDelay: "10ms",
		ExposureTime: 500,
		PixelFormat:  "Mono12",
		Width:        4,
		Height:       2,
		CameraIDs:    []string{"21234567", "21234568"},
	}
}

func testFrame(seq uint64, value uint16) *camera.Frame {
	img := image.NewGray16(image.Rect(0, 0, 4, 2))
	for i := 0; i < len(img.Pix); i += 2 {
		img.Pix[i] = byte(value >> 8)
		img.Pix[i+1] = byte(value)
	}
	return &camera.Frame{Seq: seq, Image: img}
}

func completeCycle(seq uint64) *acquisition.Cycle {
	return &acquisition.Cycle{
		Seq:     seq,
		FrameA:  testFrame(seq, 100),
		FrameB:  testFrame(seq, 200),
		Outcome: acquisition.OutcomeComplete,
	}
}

func newTestSession(t *testing.T, options ...func(*Session)) (*Session, *timeutil.StepClock) {
	t.Helper()

	clock := timeutil.NewStepClock(start)
	options = append([]func(*Session){WithClock(clock)}, options...)

	s, err := Create(context.Background(), t.TempDir(), testMetadata(), options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, clock
}

func readLog(t *testing.T, s *Session) [][]string {
	t.Helper()

	f, err := os.Open(filepath.Join(s.Dir(), LogFileName))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	return rows
}

func countFrames(t *testing.T, dir string) int {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var n int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tiff") {
			n++
		}
	}
	return n
}

func TestCreate(t *testing.T) {
	s, _ := newTestSession(t)

	assert.Equal(t, "session_20240501_123045", filepath.Base(s.Dir()))
	assert.DirExists(t, filepath.Join(s.Dir(), CameraADir))
	assert.DirExists(t, filepath.Join(s.Dir(), CameraBDir))

	p, err := os.ReadFile(filepath.Join(s.Dir(), MetadataFileName))
	require.NoError(t, err)

	var meta Metadata
	require.NoError(t, json.Unmarshal(p, &meta))
	assert.Equal(t, s.UUID(), meta.UUID)
	assert.NotEmpty(t, meta.UUID)
	assert.True(t, start.Equal(meta.StartTime))
	assert.Equal(t, 4.0, meta.FPS)
	assert.Equal(t, "Mono12", meta.PixelFormat)
	assert.Equal(t, []string{"21234567", "21234568"}, meta.CameraIDs)
	assert.False(t, meta.TelemetryDetected)

	rows := readLog(t, s)
	require.Len(t, rows, 1)
	assert.Equal(t, logHeader, rows[0])
}

func TestCreate_NeverReusesDirectory(t *testing.T) {
	root := t.TempDir()
	clock := timeutil.NewStepClock(start)

	first, err := Create(context.Background(), root, testMetadata(), WithClock(clock))
	require.NoError(t, err)
	defer first.Close()

	second, err := Create(context.Background(), root, testMetadata(), WithClock(clock))
	require.NoError(t, err)
	defer second.Close()

	assert.NotEqual(t, first.Dir(), second.Dir())
	assert.NotEqual(t, first.UUID(), second.UUID())
	assert.Equal(t, "session_20240501_123045_1", filepath.Base(second.Dir()))
}

func TestCommit_RowsMatchFrames(t *testing.T) {
	s, clock := newTestSession(t)

	lat, lon, alt := -34.6123456, -58.4321, 25.5
	yaw, pitch, roll := 90.0, -1.5, 0.0
	speed, climb := 8.25, -0.5
	fixTime := start.Add(-200 * time.Millisecond)

	full := telemetry.Snapshot{
		Timestamp:   &fixTime,
		Latitude:    &lat,
		Longitude:   &lon,
		Altitude:    &alt,
		Yaw:         &yaw,
		Pitch:       &pitch,
		Roll:        &roll,
		GroundSpeed: &speed,
		ClimbRate:   &climb,
	}

	const n = 5
	for seq := uint64(1); seq <= n; seq++ {
		snapshot := telemetry.Snapshot{}
		if seq%2 == 0 {
			snapshot = full
		}

		record, err := s.Commit(context.Background(), completeCycle(seq), snapshot)
		require.NoError(t, err)
		assert.Equal(t, seq, record.Seq)
		assert.FileExists(t, filepath.Join(s.Dir(), record.ImageA))
		assert.FileExists(t, filepath.Join(s.Dir(), record.ImageB))

		clock.Advance(250 * time.Millisecond)
	}

	rows := readLog(t, s)
	require.Len(t, rows, n+1)
	assert.Equal(t, n, countFrames(t, filepath.Join(s.Dir(), CameraADir)))
	assert.Equal(t, n, countFrames(t, filepath.Join(s.Dir(), CameraBDir)))
	assert.Equal(t, uint64(n), s.Records())
	assert.NotZero(t, s.BytesWritten())

	// no telemetry at all
	first := rows[1]
	assert.Equal(t, "CAM1/cam1_20240501_123045_000.tiff", first[2])
	assert.Equal(t, "CAM2/cam2_20240501_123045_000.tiff", first[3])
	for _, v := range first[4:] {
		assert.Equal(t, NoneValue, v)
	}
	assert.Equal(t, NoneValue, first[1])

	rtc, err := time.Parse(rtcTimeLayout, first[0])
	require.NoError(t, err)
	assert.True(t, start.Equal(rtc))

	second := rows[2]
	assert.Equal(t, "2024-05-01T12:30:44.800Z", second[1])
	assert.Equal(t, "CAM1/cam1_20240501_123045_250.tiff", second[2])
	assert.Equal(t, []string{"-34.6123456", "-58.4321", "25.5", "90", "-1.5", "0", "8.25", "-0.5"}, second[4:])
}

func TestCommit_FrameNamesStrictlyIncrease(t *testing.T) {
	s, _ := newTestSession(t) // the clock never moves

	var names []string
	for seq := uint64(1); seq <= 3; seq++ {
		record, err := s.Commit(context.Background(), completeCycle(seq), telemetry.Snapshot{})
		require.NoError(t, err)
		names = append(names, record.ImageA)
	}

	assert.Equal(t, []string{
		"CAM1/cam1_20240501_123045_000.tiff",
		"CAM1/cam1_20240501_123045_001.tiff",
		"CAM1/cam1_20240501_123045_002.tiff",
	}, names)
}

func TestCommit_FramesAreLossless(t *testing.T) {
	s, _ := newTestSession(t)

	cycle := completeCycle(1)
	record, err := s.Commit(context.Background(), cycle, telemetry.Snapshot{})
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(s.Dir(), record.ImageA))
	require.NoError(t, err)
	defer f.Close()

	img, err := tiff.Decode(f)
	require.NoError(t, err)

	gray, ok := img.(*image.Gray16)
	require.True(t, ok)
	assert.Equal(t, cycle.FrameA.Image.Bounds(), gray.Bounds())
	assert.Equal(t, uint16(100), gray.Gray16At(3, 1).Y)
}

func TestCreate_DirectorySuffixes(t *testing.T) {
	tests := []struct {
		name     string
		existing int // session directories already present, base included
		want     string
		wantErr  bool
	}{
		{name: "free", existing: 0, want: "session_20240501_123045"},
		{name: "base taken", existing: 1, want: "session_20240501_123045_1"},
		{name: "last suffix", existing: maxDirSuffix, want: fmt.Sprintf("session_20240501_123045_%d", maxDirSuffix)},
		{name: "exhausted", existing: maxDirSuffix + 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			base := filepath.Join(root, "session_20240501_123045")
			for i := 0; i < tt.existing; i++ {
				dir := base
				if i > 0 {
					dir = fmt.Sprintf("%s_%d", base, i)
				}
				require.NoError(t, os.Mkdir(dir, 0o755))
			}

			dir, err := makeSessionDir(root, start)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, filepath.Base(dir))
		})
	}
}

func TestCreate_FailureRemovesDirectory(t *testing.T) {
	root := t.TempDir()

	// the catalog cannot be opened in a directory that does not exist
	store := storage.NewSqliteStore(filepath.Join(t.TempDir(), "missing", "catalog.sqlite"))
	defer store.Close()

	_, err := Create(context.Background(), root, testMetadata(), WithCatalog(store))
	require.ErrorIs(t, err, ErrStorageWrite)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// shortWriter writes at most n bytes of every call and then fails
type shortWriter struct {
	w io.Writer
	n int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.n {
		p = p[:s.n]
	}
	n, _ := s.w.Write(p)
	return n, errors.New("no space left on device")
}

func TestCommit_PartialRowIsRemoved(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Commit(context.Background(), completeCycle(1), telemetry.Snapshot{})
	require.NoError(t, err)

	s.writer = csv.NewWriter(&shortWriter{w: s.log, n: 10})

	_, err = s.Commit(context.Background(), completeCycle(2), telemetry.Snapshot{})
	require.ErrorIs(t, err, ErrStorageWrite)

	assert.Len(t, readLog(t, s), 2)
	assert.Equal(t, 1, countFrames(t, filepath.Join(s.Dir(), CameraADir)))
	assert.Equal(t, 1, countFrames(t, filepath.Join(s.Dir(), CameraBDir)))

	record, err := s.Commit(context.Background(), completeCycle(3), telemetry.Snapshot{})
	require.NoError(t, err)

	rows := readLog(t, s)
	require.Len(t, rows, 3)
	assert.Equal(t, logHeader, rows[0])
	assert.Equal(t, record.ImageA, rows[2][2])
	assert.Equal(t, uint64(2), s.Records())
}

func TestCommit_RejectsIncompleteCycle(t *testing.T) {
	s, _ := newTestSession(t)

	cycle := &acquisition.Cycle{Seq: 1, FrameA: testFrame(1, 1), Outcome: acquisition.OutcomePartialTimeout}
	_, err := s.Commit(context.Background(), cycle, telemetry.Snapshot{})
	assert.ErrorIs(t, err, ErrIncompleteCycle)

	assert.Len(t, readLog(t, s), 1)
}

func TestCommit_SecondFrameFailureRemovesFirst(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Commit(context.Background(), completeCycle(1), telemetry.Snapshot{})
	require.NoError(t, err)

	// a file in place of the frame directory makes the second frame fail
	camB := filepath.Join(s.Dir(), CameraBDir)
	require.NoError(t, os.RemoveAll(camB))
	require.NoError(t, os.WriteFile(camB, nil, 0o644))

	_, err = s.Commit(context.Background(), completeCycle(2), telemetry.Snapshot{})
	assert.ErrorIs(t, err, ErrStorageWrite)

	assert.Equal(t, 1, countFrames(t, filepath.Join(s.Dir(), CameraADir)))
	assert.Len(t, readLog(t, s), 2)

	entries, err := os.ReadDir(filepath.Join(s.Dir(), CameraADir))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temporary file left behind: %s", e.Name())
	}
}

func TestCommit_CatalogMirror(t *testing.T) {
	store := storage.NewSqliteStore(filepath.Join(t.TempDir(), "catalog.sqlite"))
	defer store.Close()

	s, _ := newTestSession(t, WithCatalog(store))

	alt := 12.5
	for seq := uint64(1); seq <= 3; seq++ {
		_, err := s.Commit(context.Background(), completeCycle(seq), telemetry.Snapshot{Altitude: &alt})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	sessions, err := store.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, s.UUID(), sessions[0].UUID)
	assert.Equal(t, s.Dir(), sessions[0].Directory)
	assert.Equal(t, "21234567", sessions[0].CameraA)
	assert.Equal(t, int64(3), sessions[0].RecordCount)

	reader, err := store.ReadRecords(context.Background(), sessions[0].ID)
	require.NoError(t, err)
	defer reader.Close()

	var n int
	for reader.Next(context.Background()) {
		n++
		require.NotNil(t, reader.Current().Telemetry.Altitude)
		assert.Equal(t, alt, *reader.Current().Telemetry.Altitude)
	}
	require.NoError(t, reader.Error())
	assert.Equal(t, 3, n)
}

func TestClose_IsIdempotent(t *testing.T) {
	s, _ := newTestSession(t)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
