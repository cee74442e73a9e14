package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bioview/bioview/internal/device"
	"github.com/bioview/bioview/internal/pipeline"
)

// SqliteStore persists recording sessions to a single SQLite database file.
// Write and read sides use separate connections; both are opened lazily and
// at most once. Indexes are created on Close so that bulk frame inserts run
// against unindexed tables.
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

// NewSqliteStore creates a store over the given database path. The schema is
// initialized on first write.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func runSQLCommand(db *sql.DB, sql string) error {
	_, err := db.Exec(sql)
	return err
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}

		if err = runSQLCommand(db, initSchemaSQL); err != nil {
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

// CreateSession inserts a new session row and returns its ID. Config may be
// a string, raw bytes or any JSON-marshalable value; it is stored verbatim
// for later inspection.
func (s *SqliteStore) CreateSession(ctx context.Context, name string, config any) (sessionID int64, err error) {
	var configData sql.NullString

	if config != nil {
		switch v := config.(type) {
		case string:
			configData.Valid = true
			configData.String = v

		case []byte:
			configData.Valid = true
			configData.String = string(v)

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

	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, name, configData)
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

// AddDevice registers a device descriptor with a session and returns the
// device row ID used to attribute frame data
func (s *SqliteStore) AddDevice(ctx context.Context, sessionID int64, desc device.Descriptor) (deviceID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertDeviceSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, sessionID, desc.Name, desc.Kind.String(), desc.SampleRate, desc.BatchSize, joinChannels(desc.Channels))
	if err != nil {
		err = fmt.Errorf("inserting device: %w", err)
		return
	}

	deviceID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting device ID: %w", err)
	}
	return
}

// AppendFrames stores a run of aligned frames with their per-device data,
// annotations and events in a single transaction. deviceIDs maps device
// names to the row IDs returned by AddDevice. Frames must arrive in
// timestamp order; the unique (session, timestamp) index rejects replays
// that slip past the writer's deduplication.
func (s *SqliteStore) AppendFrames(ctx context.Context, sessionID int64, deviceIDs map[string]int64, frames []*pipeline.Frame) (err error) {
	if len(frames) == 0 {
		return
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	frameStmt, err := tx.PrepareContext(ctx, insertFrameSQL)
	if err != nil {
		return fmt.Errorf("preparing frame statement: %w", err)
	}
	defer closeWithError(frameStmt, &err)

	dataStmt, err := tx.PrepareContext(ctx, insertFrameDataSQL)
	if err != nil {
		return fmt.Errorf("preparing frame data statement: %w", err)
	}
	defer closeWithError(dataStmt, &err)

	annStmt, err := tx.PrepareContext(ctx, insertAnnotationSQL)
	if err != nil {
		return fmt.Errorf("preparing annotation statement: %w", err)
	}
	defer closeWithError(annStmt, &err)

	eventStmt, err := tx.PrepareContext(ctx, insertEventSQL)
	if err != nil {
		return fmt.Errorf("preparing event statement: %w", err)
	}
	defer closeWithError(eventStmt, &err)

	for _, frame := range frames {
		result, execErr := frameStmt.ExecContext(ctx, sessionID, timeToNs(frame.Timestamp))
		if execErr != nil {
			return fmt.Errorf("inserting frame: %w", execErr)
		}

		frameID, idErr := result.LastInsertId()
		if idErr != nil {
			return fmt.Errorf("getting frame ID: %w", idErr)
		}

		for _, df := range frame.Devices {
			deviceID, ok := deviceIDs[df.Device]
			if !ok {
				return fmt.Errorf("device %s is not registered with session %d", df.Device, sessionID)
			}

			if _, execErr = dataStmt.ExecContext(
				ctx,
				frameID,
				deviceID,
				timeToNs(df.Batch.Timestamp),
				df.Fresh,
				df.Stale,
				encodeSamples(df.Batch.Samples),
			); execErr != nil {
				return fmt.Errorf("inserting frame data: %w", execErr)
			}
		}

		for _, ann := range frame.Annotations {
			if _, execErr = annStmt.ExecContext(ctx, sessionID, timeToNs(ann.Timestamp), ann.Label); execErr != nil {
				return fmt.Errorf("inserting annotation: %w", execErr)
			}
		}

		for _, ev := range frame.Events {
			if _, execErr = eventStmt.ExecContext(ctx, sessionID, timeToNs(ev.Timestamp), ev.Type.String(), ev.Device, ev.Message); execErr != nil {
				return fmt.Errorf("inserting event: %w", execErr)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// FinishSession marks a session finished. Finishing twice is a no-op.
func (s *SqliteStore) FinishSession(ctx context.Context, sessionID int64) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	if _, err = db.ExecContext(ctx, finishSessionSQL, sessionID); err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	return
}

// LastFrameTimestamp returns the newest stored frame timestamp of a session,
// or false when the session holds no frames yet
func (s *SqliteStore) LastFrameTimestamp(ctx context.Context, sessionID int64) (ts time.Time, ok bool, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	var ns int64
	err = db.QueryRowContext(ctx, selectLastFrameSQL, sessionID).Scan(&ns)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
		return
	case err != nil:
		err = fmt.Errorf("querying last frame: %w", err)
		return
	}

	return nsToTime(ns), true, nil
}

// Close builds the read indexes and closes both connections
func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var writeErr, readErr error

		if s.writeDB != nil {
			_ = runSQLCommand(s.writeDB, initIndexesSQL)

			writeErr = s.writeDB.Close()
			s.writeDB = nil
		}

		if s.readDB != nil {
			readErr = s.readDB.Close()
			s.readDB = nil
		}

		switch {
		case writeErr != nil && readErr != nil:
			s.closeErr = errors.Join(writeErr, readErr)
		case writeErr != nil:
			s.closeErr = writeErr
		case readErr != nil:
			s.closeErr = readErr
		}
	})

	return s.closeErr
}
