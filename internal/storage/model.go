package storage

import (
	"time"

	"github.com/roman-kulish/vultur/internal/telemetry"
)

// Session is an acquisition session registered in the catalog
type Session struct {
	ID          int64
	UUID        string
	StartTime   time.Time
	Directory   string // session directory the frames and log live in
	CameraA     string
	CameraB     string
	Config      *string // JSON encoded acquisition settings
	RecordCount int64
}

// Record is a committed frame pair with the telemetry it was tagged with
type Record struct {
	ID        int64
	SessionID int64
	Seq       uint64
	RTCTime   time.Time
	ImageA    string
	ImageB    string
	Telemetry telemetry.Snapshot
}
