package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/roman-kulish/vultur/internal/acquisition"
)

var _ Store = (*SqliteStore)(nil)

// SqliteStore is the Store backed by a Sqlite database
type SqliteStore struct {
	dbPath string

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store over the database file. Connections are
// opened lazily: the schema is created with the first write and a read-only
// store never creates the file.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(ctx context.Context, db *sql.DB, sql string) error {
	_, err := db.ExecContext(ctx, sql)
	return err
}

func (s *SqliteStore) getWriteDB(ctx context.Context) (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		db.SetMaxOpenConns(1) // single writer

		if err = runSQLCommand(ctx, db, initSchemaSQL); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) CreateSession(ctx context.Context, session *Session, config any) (sessionID int64, err error) {
	var configData sql.NullString

	if config != nil {
		switch c := config.(type) {
		case string:
			configData.Valid = true
			configData.String = c

		case []byte:
			configData.Valid = true
			configData.String = string(c)

		default:
			var p []byte
			if p, err = json.Marshal(config); err != nil {
				err = fmt.Errorf("marshaling config: %w", err)
				return
			}

			configData.Valid = true
			configData.String = string(p)
		}
	}

	db, err := s.getWriteDB(ctx)
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	result, err := db.ExecContext(ctx, insertSessionSQL,
		session.UUID,
		session.StartTime.UTC(),
		session.Directory,
		session.CameraA,
		session.CameraB,
		configData,
	)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

func (s *SqliteStore) Session(ctx context.Context, id int64) (session *Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	if session, err = scanSession(stmt.QueryRowContext(ctx, id)); err != nil {
		err = fmt.Errorf("scanning session: %w", err)
	}
	return
}

func (s *SqliteStore) Sessions(ctx context.Context) (sessions []*Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var sess *Session
		if sess, err = scanSession(rows); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		sessions = append(sessions, sess)
	}

	err = rows.Err()
	return
}

func (s *SqliteStore) StoreRecord(ctx context.Context, sessionID int64, record *acquisition.Record) (recordID int64, err error) {
	db, err := s.getWriteDB(ctx)
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		err = fmt.Errorf("beginning transaction: %w", err)
		return
	}
	defer rollbackWithError(tx, &err)

	data := toRecordData(sessionID, record)

	if hasTelemetry(&record.Telemetry) {
		tm := toTelemetryData(sessionID, &record.Telemetry)

		var result sql.Result
		result, err = tx.ExecContext(ctx, insertTelemetrySQL,
			tm.SessionID,
			tm.Timestamp,
			tm.Latitude,
			tm.Longitude,
			tm.Altitude,
			tm.Roll,
			tm.Pitch,
			tm.Yaw,
			tm.GroundSpeed,
			tm.ClimbRate,
		)
		if err != nil {
			err = fmt.Errorf("inserting telemetry: %w", err)
			return
		}

		if data.TelemetryID.Int64, err = result.LastInsertId(); err != nil {
			err = fmt.Errorf("getting telemetry ID: %w", err)
			return
		}
		data.TelemetryID.Valid = true
	}

	result, err := tx.ExecContext(ctx, insertRecordSQL,
		data.SessionID,
		data.Seq,
		data.RTCTime,
		data.ImageA,
		data.ImageB,
		data.TelemetryID,
	)
	if err != nil {
		err = fmt.Errorf("inserting record: %w", err)
		return
	}

	if recordID, err = result.LastInsertId(); err != nil {
		err = fmt.Errorf("getting record ID: %w", err)
		return
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("committing transaction: %w", err)
	}
	return
}

// ReadRecords creates a RecordReader over the records of a session. The
// reader holds an open query until it is closed; it should only be used from
// a single goroutine.
func (s *SqliteStore) ReadRecords(ctx context.Context, sessionID int64, opts ...ReaderOption) (RecordReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return newSqliteRecordReader(ctx, db, sessionID, opts...)
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(context.Background(), s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		s.closeErr = errors.Join(writeErr, readErr)
	})

	return s.closeErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var config sql.NullString

	if err := row.Scan(
		&sess.ID,
		&sess.UUID,
		&sess.StartTime,
		&sess.Directory,
		&sess.CameraA,
		&sess.CameraB,
		&config,
		&sess.RecordCount,
	); err != nil {
		return nil, err
	}

	if config.Valid {
		sess.Config = &config.String
	}

	return &sess, nil
}
