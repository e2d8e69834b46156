package storage

import (
	_ "embed"
)

const (
	insertSessionSQL = `
INSERT INTO sessions (uuid,
                      start_time,
                      directory,
                      camera_a,
                      camera_b,
                      config)
VALUES (?, ?, ?, ?, ?, ?)`

	sessionColumnsSQL = `
SELECT
    s.id,
    s.uuid,
    s.start_time,
    s.directory,
    s.camera_a,
    s.camera_b,
    s.config,
    (SELECT COUNT(*) FROM records r WHERE r.session_id = s.id)
FROM sessions s`

	selectSessionSQL = sessionColumnsSQL + `
WHERE
    s.id = ?`

	selectSessionsSQL = sessionColumnsSQL + `
ORDER BY s.start_time, s.id`

	insertTelemetrySQL = `
INSERT INTO telemetry (session_id,
                       timestamp,
                       latitude,
                       longitude,
                       altitude,
                       roll,
                       pitch,
                       yaw,
                       ground_speed,
                       climb_rate)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertRecordSQL = `
INSERT INTO records (session_id,
                     seq,
                     rtc_time,
                     image_a,
                     image_b,
                     telemetry_id)
VALUES (?, ?, ?, ?, ?, ?)`

	selectRecordsSQL = `
SELECT
    r.id,
    r.session_id,
    r.seq,
    r.rtc_time,
    r.image_a,
    r.image_b,
    t.timestamp,
    t.latitude,
    t.longitude,
    t.altitude,
    t.roll,
    t.pitch,
    t.yaw,
    t.ground_speed,
    t.climb_rate
FROM records r
LEFT JOIN telemetry t ON t.id = r.telemetry_id
WHERE
    r.session_id = ?`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_records_session_time ON records (session_id, rtc_time);
CREATE INDEX IF NOT EXISTS idx_telemetry_session ON telemetry (session_id);`
)

//go:embed schema.sql
var initSchemaSQL string
