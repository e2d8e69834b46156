package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/vultur/internal/acquisition"
	"github.com/roman-kulish/vultur/internal/storage"
	"github.com/roman-kulish/vultur/internal/telemetry"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCatalog(t *testing.T) (string, int64) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	store := storage.NewSqliteStore(path)
	defer store.Close()

	ctx := context.Background()
	id, err := store.CreateSession(ctx, &storage.Session{
		UUID:      "0b8f3c2e",
		StartTime: start,
		Directory: "/data/session_20240501_120000",
		CameraA:   "21234567",
		CameraB:   "21234568",
	}, nil)
	require.NoError(t, err)

	alt, lat, lon := 25.5, -33.86, 151.21
	for i := 0; i < 3; i++ {
		record := acquisition.Record{
			Seq:     uint64(i + 1),
			RTCTime: start.Add(time.Duration(i) * time.Second),
			ImageA:  "CAM1/cam1_" + string(rune('a'+i)) + ".tiff",
			ImageB:  "CAM2/cam2_" + string(rune('a'+i)) + ".tiff",
		}
		switch i {
		case 1:
			record.Telemetry = telemetry.Snapshot{Altitude: &alt}
		case 2:
			record.Telemetry = telemetry.Snapshot{Latitude: &lat, Longitude: &lon, Altitude: &alt}
		}

		_, err = store.StoreRecord(ctx, id, &record)
		require.NoError(t, err)
	}

	return path, id
}

func TestRun_ListSessions(t *testing.T) {
	path, _ := newCatalog(t)

	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), &Config{DBPath: path}, testLogger(), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "0b8f3c2e")
	assert.Contains(t, lines[1], "2024-05-01 12:00:00")
	assert.Contains(t, lines[1], "21234567/21234568")
	assert.Equal(t, "1 sessions, 3 records", lines[2])
}

func TestRun_ListRecords(t *testing.T) {
	path, id := newCatalog(t)

	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), &Config{DBPath: path, SessionID: id}, testLogger(), &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)

	first := strings.Fields(lines[1])
	assert.Equal(t, "1", first[0])
	assert.Equal(t, "CAM1/cam1_a.tiff", first[3])
	assert.Equal(t, "NONE", first[2])
	for _, v := range first[5:] {
		assert.Equal(t, "NONE", v)
	}

	second := strings.Fields(lines[2])
	assert.Equal(t, "25.5", second[7])
	assert.Equal(t, "NONE", second[6])

	assert.Equal(t, "3 records in session 0b8f3c2e (/data/session_20240501_120000), 1 with position", lines[4])
}

func TestRun_TimeFilter(t *testing.T) {
	path, id := newCatalog(t)

	from := start.Add(time.Second)
	var out bytes.Buffer
	require.NoError(t, Run(context.Background(), &Config{DBPath: path, SessionID: id, MinTimestamp: &from}, testLogger(), &out))

	assert.Contains(t, out.String(), "2 records in session")
	assert.Contains(t, out.String(), "1 with position")
	assert.NotContains(t, out.String(), "cam1_a.tiff")
}

func TestRun_Errors(t *testing.T) {
	path, _ := newCatalog(t)

	err := Run(context.Background(), &Config{DBPath: filepath.Join(t.TempDir(), "missing.sqlite")}, testLogger(), io.Discard)
	assert.Error(t, err)

	err = Run(context.Background(), &Config{DBPath: path, SessionID: 42}, testLogger(), io.Discard)
	assert.Error(t, err)
}

func TestNewConfigFromCLI(t *testing.T) {
	c, err := NewConfigFromCLI([]string{"-db", "catalog.sqlite", "-s", "3", "-from", "2024-05-01T12:00:00Z", "-to", "2024-05-01T13:00:00Z"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "catalog.sqlite", c.DBPath)
	assert.Equal(t, int64(3), c.SessionID)
	require.NotNil(t, c.MinTimestamp)
	require.NotNil(t, c.MaxTimestamp)
	assert.True(t, start.Equal(*c.MinTimestamp))

	c, err = NewConfigFromCLI([]string{"-db", "catalog.sqlite"}, io.Discard)
	require.NoError(t, err)
	assert.Zero(t, c.SessionID)
	assert.Nil(t, c.MinTimestamp)

	for _, args := range [][]string{
		{},
		{"-db", "c.sqlite", "-s", "-1"},
		{"-db", "c.sqlite", "-from", "2024-05-01T12:00:00Z"},
		{"-db", "c.sqlite", "-s", "1", "-from", "yesterday"},
		{"-db", "c.sqlite", "-s", "1", "-from", "2024-05-01T13:00:00Z", "-to", "2024-05-01T12:00:00Z"},
		{"-unknown"},
	} {
		_, err = NewConfigFromCLI(args, io.Discard)
		assert.Error(t, err, "args: %v", args)
	}
}
