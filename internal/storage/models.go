package storage

import (
	"database/sql"
	"time"
)

type recordData struct {
	ID          int64
	SessionID   int64
	Seq         int64
	RTCTime     time.Time
	ImageA      string
	ImageB      string
	TelemetryID sql.NullInt64
}

type telemetryData struct {
	ID          int64
	SessionID   int64
	Timestamp   sql.NullTime
	Latitude    sql.NullFloat64
	Longitude   sql.NullFloat64
	Altitude    sql.NullFloat64
	Roll        sql.NullFloat64
	Pitch       sql.NullFloat64
	Yaw         sql.NullFloat64
	GroundSpeed sql.NullFloat64
	ClimbRate   sql.NullFloat64
}
