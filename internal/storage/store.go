package storage

import (
	"context"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/vultur/internal/acquisition"
)

// Store is the session catalog: an index of acquisition sessions and their
// committed records with telemetry. The session log and frame files remain
// the primary data; the catalog mirrors them for querying.
type Store interface {
	// CreateSession registers a new acquisition session and returns its identifier.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - session: Session to register; ID and RecordCount are ignored
	//   - config: Optional acquisition settings. Can be string, []byte, or JSON-serializable object
	//
	// Returns:
	//   - sessionID: Unique identifier for the created session
	//   - error: If session creation fails or context is cancelled
	CreateSession(ctx context.Context, session *Session, config any) (sessionID int64, err error)

	// Session retrieves a specific session by its ID.
	//
	// Returns:
	//   - session: Pointer to session data
	//   - error: If retrieval fails, the session does not exist or context is cancelled
	Session(ctx context.Context, id int64) (session *Session, err error)

	// Sessions returns all sessions ordered by start time in ascending order.
	Sessions(ctx context.Context) (sessions []*Session, err error)

	// StoreRecord saves a committed record and the telemetry it was tagged
	// with in a single atomic transaction. Telemetry with no known field is
	// not stored.
	//
	// Returns:
	//   - recordID: Unique identifier for the stored record
	//   - error: If storage fails or context is cancelled
	StoreRecord(ctx context.Context, sessionID int64, record *acquisition.Record) (recordID int64, err error)

	// ReadRecords returns a reader over the records of a session in commit
	// order, optionally filtered by time. The reader must be closed.
	ReadRecords(ctx context.Context, sessionID int64, opts ...ReaderOption) (RecordReader, error)

	// Close releases all database connections and resources.
	// It is safe to call Close multiple times.
	Close() error
}
