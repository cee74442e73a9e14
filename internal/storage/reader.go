package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoData indicates either that the session holds no frames for the given
// parameters, or that all available frames have been read.
var ErrNoData = errors.New("no data available")

const defaultPageSize = 256

// ReaderOption configures a FrameReader
type ReaderOption func(*FrameReader)

// WithStartTime excludes frames before the given time
func WithStartTime(t time.Time) ReaderOption {
	return func(r *FrameReader) {
		r.startTime = &t
	}
}

// WithEndTime excludes frames after the given time
func WithEndTime(t time.Time) ReaderOption {
	return func(r *FrameReader) {
		r.endTime = &t
	}
}

// WithPageSize sets how many frames one database query fetches
func WithPageSize(n int) ReaderOption {
	return func(r *FrameReader) {
		r.pageSize = n
	}
}

// Session returns session metadata by ID
func (s *SqliteStore) Session(ctx context.Context, id int64) (session *SessionRecord, err error) {
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

	var sess SessionRecord
	if err = stmt.QueryRowContext(ctx, id).Scan(&sess.ID, &sess.Name, &sess.StartedAt, &sess.FinishedAt, &sess.Config); err != nil {
		err = fmt.Errorf("scanning session: %w", err)
		return
	}
	return &sess, nil
}

// Sessions returns all stored sessions in creation order
func (s *SqliteStore) Sessions(ctx context.Context) (sessions []*SessionRecord, err error) {
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
		var sess SessionRecord
		if err = rows.Scan(&sess.ID, &sess.Name, &sess.StartedAt, &sess.FinishedAt, &sess.Config); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		sessions = append(sessions, &sess)
	}
	return
}

// Devices returns the devices registered with a session
func (s *SqliteStore) Devices(ctx context.Context, sessionID int64) (devices []*DeviceRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectDevicesSQL, sessionID)
	if err != nil {
		err = fmt.Errorf("querying devices: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var dev DeviceRecord
		var channels string
		if err = rows.Scan(&dev.ID, &dev.SessionID, &dev.Name, &dev.Kind, &dev.SampleRate, &dev.BatchSize, &channels); err != nil {
			err = fmt.Errorf("scanning device: %w", err)
			return
		}
		dev.Channels = splitChannels(channels)
		devices = append(devices, &dev)
	}
	return
}

// Annotations returns a session's annotations in timestamp order
func (s *SqliteStore) Annotations(ctx context.Context, sessionID int64) (annotations []*AnnotationRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectAnnotationsSQL, sessionID)
	if err != nil {
		err = fmt.Errorf("querying annotations: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var ann AnnotationRecord
		var ns int64
		if err = rows.Scan(&ann.ID, &ns, &ann.Label); err != nil {
			err = fmt.Errorf("scanning annotation: %w", err)
			return
		}
		ann.Timestamp = nsToTime(ns)
		annotations = append(annotations, &ann)
	}
	return
}

// Events returns a session's device events in timestamp order
func (s *SqliteStore) Events(ctx context.Context, sessionID int64) (events []*EventRecord, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectEventsSQL, sessionID)
	if err != nil {
		err = fmt.Errorf("querying events: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var ev EventRecord
		var ns int64
		var message sql.NullString
		if err = rows.Scan(&ev.ID, &ns, &ev.Type, &ev.Device, &message); err != nil {
			err = fmt.Errorf("scanning event: %w", err)
			return
		}
		ev.Timestamp = nsToTime(ns)
		ev.Message = message.String
		events = append(events, &ev)
	}
	return
}

// ReadFrames creates an iterator over a session's frames in timestamp order.
// Frames are fetched in pages so arbitrarily long sessions can be replayed
// without loading everything at once. The reader must be closed after use;
// each reader instance is single-goroutine.
func (s *SqliteStore) ReadFrames(ctx context.Context, sessionID int64, opts ...ReaderOption) (*FrameReader, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	r := FrameReader{
		db:        db,
		sessionID: sessionID,
		pageSize:  defaultPageSize,
	}
	for _, opt := range opts {
		opt(&r)
	}

	if r.startTime != nil {
		r.cursor = timeToNs(*r.startTime) - 1
	} else {
		r.cursor = -1 << 62
	}

	if r.dataStmt, err = db.PrepareContext(ctx, selectFrameDataSQL); err != nil {
		return nil, fmt.Errorf("preparing frame data statement: %w", err)
	}
	return &r, nil
}

// FrameReader iterates over stored frames, one page of rows at a time
type FrameReader struct {
	db        *sql.DB
	sessionID int64
	pageSize  int

	startTime *time.Time
	endTime   *time.Time

	dataStmt *sql.Stmt
	cursor   int64 // newest timestamp_ns handed out so far
	page     []*FrameRecord
	pos      int
	current  *FrameRecord
	done     bool
	err      error
}

// Next advances to the next frame. It returns false at the end of data or on
// error; Error distinguishes the two.
func (r *FrameReader) Next(ctx context.Context) bool {
	if r.err != nil || r.done {
		return false
	}

	if r.pos >= len(r.page) {
		if err := r.fetchPage(ctx); err != nil {
			if !errors.Is(err, ErrNoData) {
				r.err = err
			}
			r.done = true
			return false
		}
	}

	r.current = r.page[r.pos]
	r.pos++
	r.cursor = timeToNs(r.current.Timestamp)
	return true
}

// Current returns the frame at the iterator position. Undefined after Next
// returned false.
func (r *FrameReader) Current() *FrameRecord {
	return r.current
}

// Error returns the error that stopped iteration, if any
func (r *FrameReader) Error() error {
	return r.err
}

// Close releases the reader's statement
func (r *FrameReader) Close() error {
	if r.dataStmt == nil {
		return nil
	}
	err := r.dataStmt.Close()
	r.dataStmt = nil
	return err
}

func (r *FrameReader) fetchPage(ctx context.Context) (err error) {
	rows, err := r.db.QueryContext(ctx, selectFramesSQL, r.sessionID, r.cursor, r.pageSize)
	if err != nil {
		return fmt.Errorf("querying frames: %w", err)
	}
	defer closeWithError(rows, &err)

	page := r.page[:0]
	for rows.Next() {
		var id, ns int64
		if err = rows.Scan(&id, &ns); err != nil {
			return fmt.Errorf("scanning frame: %w", err)
		}

		ts := nsToTime(ns)
		if r.endTime != nil && ts.After(*r.endTime) {
			break
		}
		page = append(page, &FrameRecord{ID: id, Timestamp: ts})
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("iterating frames: %w", err)
	}
	if len(page) == 0 {
		return ErrNoData
	}

	for _, frame := range page {
		if err = r.loadFrameData(ctx, frame); err != nil {
			return err
		}
	}

	r.page = page
	r.pos = 0
	return nil
}

func (r *FrameReader) loadFrameData(ctx context.Context, frame *FrameRecord) (err error) {
	rows, err := r.dataStmt.QueryContext(ctx, frame.ID)
	if err != nil {
		return fmt.Errorf("querying frame data: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var rec FrameDeviceRecord
		var channels string
		var ns int64
		var blob []byte
		if err = rows.Scan(&rec.DeviceID, &rec.Device, &channels, &ns, &rec.Fresh, &rec.Stale, &blob); err != nil {
			return fmt.Errorf("scanning frame data: %w", err)
		}

		rec.Channels = splitChannels(channels)
		rec.BatchTimestamp = nsToTime(ns)
		if rec.Samples, err = decodeSamples(blob); err != nil {
			return fmt.Errorf("decoding samples: %w", err)
		}
		frame.Devices = append(frame.Devices, rec)
	}
	return rows.Err()
}
