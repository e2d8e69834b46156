package storage

import (
	"database/sql"
	"errors"

	"github.com/roman-kulish/vultur/internal/acquisition"
	"github.com/roman-kulish/vultur/internal/telemetry"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func hasTelemetry(s *telemetry.Snapshot) bool {
	return s.Timestamp != nil ||
		s.Latitude != nil || s.Longitude != nil || s.Altitude != nil ||
		s.Roll != nil || s.Pitch != nil || s.Yaw != nil ||
		s.GroundSpeed != nil || s.ClimbRate != nil
}

func toTelemetryData(sessionID int64, s *telemetry.Snapshot) *telemetryData {
	data := telemetryData{
		SessionID:   sessionID,
		Latitude:    toNullFloat64(s.Latitude),
		Longitude:   toNullFloat64(s.Longitude),
		Altitude:    toNullFloat64(s.Altitude),
		Roll:        toNullFloat64(s.Roll),
		Pitch:       toNullFloat64(s.Pitch),
		Yaw:         toNullFloat64(s.Yaw),
		GroundSpeed: toNullFloat64(s.GroundSpeed),
		ClimbRate:   toNullFloat64(s.ClimbRate),
	}

	if s.Timestamp != nil {
		data.Timestamp = sql.NullTime{Time: s.Timestamp.UTC(), Valid: true}
	}

	return &data
}

func toRecordData(sessionID int64, r *acquisition.Record) *recordData {
	return &recordData{
		SessionID: sessionID,
		Seq:       int64(r.Seq),
		RTCTime:   r.RTCTime.UTC(),
		ImageA:    r.ImageA,
		ImageB:    r.ImageB,
	}
}

func (t *telemetryData) snapshot() telemetry.Snapshot {
	var s telemetry.Snapshot

	if t.Timestamp.Valid {
		ts := t.Timestamp.Time
		s.Timestamp = &ts
	}

	s.Latitude = fromNullFloat64(t.Latitude)
	s.Longitude = fromNullFloat64(t.Longitude)
	s.Altitude = fromNullFloat64(t.Altitude)
	s.Roll = fromNullFloat64(t.Roll)
	s.Pitch = fromNullFloat64(t.Pitch)
	s.Yaw = fromNullFloat64(t.Yaw)
	s.GroundSpeed = fromNullFloat64(t.GroundSpeed)
	s.ClimbRate = fromNullFloat64(t.ClimbRate)

	return s
}

func toNullFloat64(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func fromNullFloat64(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
