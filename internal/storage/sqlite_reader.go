package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RecordReader provides an iterator-based interface for reading the records
// of a session with optional time filtering.
type RecordReader interface {
	// Next advances the iterator and returns true if there is another record
	// to read, false when the iteration is complete or if an error occurred.
	Next(context.Context) bool

	// Current returns the current record in the iteration.
	Current() *Record

	// Error returns any error that occurred during iteration.
	Error() error

	// Close releases any resources associated with the reader.
	Close() error
}

// ReaderOption configures a RecordReader with filtering criteria
type ReaderOption func(*SqliteRecordReader)

// WithStartTime excludes records committed before t
func WithStartTime(t time.Time) ReaderOption {
	return func(r *SqliteRecordReader) {
		r.startTime = &t
	}
}

// WithEndTime excludes records committed after t
func WithEndTime(t time.Time) ReaderOption {
	return func(r *SqliteRecordReader) {
		r.endTime = &t
	}
}

// WithTimeRange sets both start and end time filters
func WithTimeRange(startTime, endTime time.Time) ReaderOption {
	return func(r *SqliteRecordReader) {
		r.startTime = &startTime
		r.endTime = &endTime
	}
}

// SqliteRecordReader implements RecordReader for the Sqlite backend
type SqliteRecordReader struct {
	db        *sql.DB
	sessionID int64

	startTime *time.Time // Optional start of time range filter
	endTime   *time.Time // Optional end of time range filter

	current *Record
	rows    *sql.Rows
	err     error
}

func newSqliteRecordReader(ctx context.Context, db *sql.DB, sessionID int64, opts ...ReaderOption) (*SqliteRecordReader, error) {
	rr := &SqliteRecordReader{
		db:        db,
		sessionID: sessionID,
	}
	for _, opt := range opts {
		opt(rr)
	}
	if err := rr.init(ctx); err != nil {
		return nil, fmt.Errorf("initializing reader: %w", err)
	}
	return rr, nil
}

func (rr *SqliteRecordReader) init(ctx context.Context) error {
	if rr.db == nil {
		return errors.New("database connection required")
	}
	if rr.sessionID <= 0 {
		return errors.New("session ID required")
	}
	if rr.startTime != nil && rr.endTime != nil && rr.endTime.Before(*rr.startTime) {
		return errors.New("end time is before start time")
	}

	var sb strings.Builder
	sb.WriteString(selectRecordsSQL)

	args := []any{rr.sessionID}
	if rr.startTime != nil {
		sb.WriteString(" AND r.rtc_time >= ?")
		args = append(args, rr.startTime.UTC())
	}
	if rr.endTime != nil {
		sb.WriteString(" AND r.rtc_time <= ?")
		args = append(args, rr.endTime.UTC())
	}
	sb.WriteString(" ORDER BY r.id")

	rows, err := rr.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("querying records: %w", err)
	}

	rr.rows = rows
	return nil
}

func (rr *SqliteRecordReader) Next(ctx context.Context) bool {
	if rr.err != nil || rr.rows == nil {
		return false
	}

	select {
	case <-ctx.Done():
		rr.err = ctx.Err()
		return false
	default:
	}

	if !rr.rows.Next() {
		return false
	}

	rr.current, rr.err = rr.scanRecord()
	return rr.err == nil
}

func (rr *SqliteRecordReader) scanRecord() (*Record, error) {
	var rd recordData
	var td telemetryData

	if err := rr.rows.Scan(
		&rd.ID,
		&rd.SessionID,
		&rd.Seq,
		&rd.RTCTime,
		&rd.ImageA,
		&rd.ImageB,
		&td.Timestamp,
		&td.Latitude,
		&td.Longitude,
		&td.Altitude,
		&td.Roll,
		&td.Pitch,
		&td.Yaw,
		&td.GroundSpeed,
		&td.ClimbRate,
	); err != nil {
		return nil, fmt.Errorf("scanning record: %w", err)
	}

	return &Record{
		ID:        rd.ID,
		SessionID: rd.SessionID,
		Seq:       uint64(rd.Seq),
		RTCTime:   rd.RTCTime,
		ImageA:    rd.ImageA,
		ImageB:    rd.ImageB,
		Telemetry: td.snapshot(),
	}, nil
}

func (rr *SqliteRecordReader) Current() *Record {
	return rr.current
}

func (rr *SqliteRecordReader) Error() error {
	if rr.err != nil {
		return rr.err
	}
	if rr.rows != nil {
		return rr.rows.Err()
	}
	return nil
}

func (rr *SqliteRecordReader) Close() error {
	if rr.rows != nil {
		err := rr.rows.Close()
		rr.current = nil
		rr.rows = nil
		return err
	}
	return nil
}
