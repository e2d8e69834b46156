package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/vultur/internal/acquisition"
	"github.com/roman-kulish/vultur/internal/telemetry"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()

	store := NewSqliteStore(filepath.Join(t.TempDir(), "catalog.sqlite"))
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func createTestSession(t *testing.T, store *SqliteStore, uuid string, startTime time.Time) int64 {
	t.Helper()

	id, err := store.CreateSession(context.Background(), &Session{
		UUID:      uuid,
		StartTime: startTime,
		Directory: "session_" + uuid,
		CameraA:   "21234567",
		CameraB:   "21234568",
	}, map[string]any{"fps": 4})
	require.NoError(t, err)

	return id
}

func f(v float64) *float64 { return &v }

func TestSqliteStore_Sessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	second := createTestSession(t, store, "b", start.Add(time.Hour))
	first := createTestSession(t, store, "a", start)

	_, err := store.StoreRecord(ctx, first, &acquisition.Record{Seq: 1, RTCTime: start, ImageA: "CAM1/a.tiff", ImageB: "CAM2/a.tiff"})
	require.NoError(t, err)

	sessions, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, first, sessions[0].ID)
	assert.Equal(t, "a", sessions[0].UUID)
	assert.True(t, start.Equal(sessions[0].StartTime))
	assert.Equal(t, "session_a", sessions[0].Directory)
	assert.Equal(t, "21234567", sessions[0].CameraA)
	assert.Equal(t, "21234568", sessions[0].CameraB)
	require.NotNil(t, sessions[0].Config)
	assert.JSONEq(t, `{"fps":4}`, *sessions[0].Config)
	assert.Equal(t, int64(1), sessions[0].RecordCount)

	assert.Equal(t, second, sessions[1].ID)
	assert.Equal(t, int64(0), sessions[1].RecordCount)

	sess, err := store.Session(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "b", sess.UUID)

	_, err = store.Session(ctx, 999)
	assert.Error(t, err)
}

func TestSqliteStore_DuplicateSession(t *testing.T) {
	store := newTestStore(t)

	createTestSession(t, store, "a", start)

	_, err := store.CreateSession(context.Background(), &Session{UUID: "a", StartTime: start}, nil)
	assert.Error(t, err)
}

func TestSqliteStore_Records(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID := createTestSession(t, store, "a", start)
	fixTime := start.Add(-100 * time.Millisecond)

	records := []*acquisition.Record{
		{
			Seq:     1,
			RTCTime: start,
			ImageA:  "CAM1/cam1_1.tiff",
			ImageB:  "CAM2/cam2_1.tiff",
		},
		{
			Seq:     2,
			RTCTime: start.Add(250 * time.Millisecond),
			ImageA:  "CAM1/cam1_2.tiff",
			ImageB:  "CAM2/cam2_2.tiff",
			Telemetry: telemetry.Snapshot{
				Timestamp: &fixTime,
				Latitude:  f(-34.6123456),
				Longitude: f(-58.4321),
				Altitude:  f(25.5),
				Yaw:       f(90),
			},
		},
		{
			Seq:       4,
			RTCTime:   start.Add(750 * time.Millisecond),
			ImageA:    "CAM1/cam1_4.tiff",
			ImageB:    "CAM2/cam2_4.tiff",
			Telemetry: telemetry.Snapshot{Roll: f(-1.5)},
		},
	}

	for _, record := range records {
		_, err := store.StoreRecord(ctx, sessionID, record)
		require.NoError(t, err)
	}

	reader, err := store.ReadRecords(ctx, sessionID)
	require.NoError(t, err)
	defer reader.Close()

	var got []*Record
	for reader.Next(ctx) {
		got = append(got, reader.Current())
	}
	require.NoError(t, reader.Error())
	require.Len(t, got, 3)

	assert.Equal(t, uint64(1), got[0].Seq)
	assert.True(t, start.Equal(got[0].RTCTime))
	assert.Equal(t, "CAM1/cam1_1.tiff", got[0].ImageA)
	assert.Equal(t, telemetry.Snapshot{}, got[0].Telemetry)

	tm := got[1].Telemetry
	require.NotNil(t, tm.Timestamp)
	assert.True(t, fixTime.Equal(*tm.Timestamp))
	assert.InDelta(t, -34.6123456, *tm.Latitude, 1e-9)
	assert.InDelta(t, -58.4321, *tm.Longitude, 1e-9)
	assert.InDelta(t, 25.5, *tm.Altitude, 1e-9)
	assert.InDelta(t, 90.0, *tm.Yaw, 1e-9)
	assert.Nil(t, tm.Pitch)
	assert.Nil(t, tm.Roll)
	assert.Nil(t, tm.GroundSpeed)

	assert.Equal(t, uint64(4), got[2].Seq)
	assert.Nil(t, got[2].Telemetry.Timestamp)
	assert.InDelta(t, -1.5, *got[2].Telemetry.Roll, 1e-9)
}

func TestSqliteStore_ReadRecordsTimeRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID := createTestSession(t, store, "a", start)
	for i := 0; i < 10; i++ {
		_, err := store.StoreRecord(ctx, sessionID, &acquisition.Record{
			Seq:     uint64(i + 1),
			RTCTime: start.Add(time.Duration(i) * time.Second),
			ImageA:  "a",
			ImageB:  "b",
		})
		require.NoError(t, err)
	}

	reader, err := store.ReadRecords(ctx, sessionID, WithTimeRange(start.Add(2*time.Second), start.Add(5*time.Second)))
	require.NoError(t, err)
	defer reader.Close()

	var seqs []uint64
	for reader.Next(ctx) {
		seqs = append(seqs, reader.Current().Seq)
	}
	require.NoError(t, reader.Error())
	assert.Equal(t, []uint64{3, 4, 5, 6}, seqs)

	_, err = store.ReadRecords(ctx, sessionID, WithTimeRange(start.Add(time.Second), start))
	assert.Error(t, err)

	_, err = store.ReadRecords(ctx, 0)
	assert.Error(t, err)
}

func TestSqliteStore_ReadRecordsCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID := createTestSession(t, store, "a", start)
	_, err := store.StoreRecord(ctx, sessionID, &acquisition.Record{Seq: 1, RTCTime: start, ImageA: "a", ImageB: "b"})
	require.NoError(t, err)

	reader, err := store.ReadRecords(ctx, sessionID)
	require.NoError(t, err)
	defer reader.Close()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	assert.False(t, reader.Next(cancelled))
	assert.ErrorIs(t, reader.Error(), context.Canceled)
}

func TestSqliteStore_StoreRecordUnknownSession(t *testing.T) {
	store := newTestStore(t)

	createTestSession(t, store, "a", start)

	_, err := store.StoreRecord(context.Background(), 42, &acquisition.Record{Seq: 1, RTCTime: start, ImageA: "a", ImageB: "b"})
	assert.Error(t, err)
}

func TestSqliteStore_ReadOnlyMissingFile(t *testing.T) {
	store := NewSqliteStore(filepath.Join(t.TempDir(), "missing.sqlite"))
	defer store.Close()

	_, err := store.Sessions(context.Background())
	assert.Error(t, err)
}

func TestSqliteStore_CloseIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	createTestSession(t, store, "a", start)

	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
