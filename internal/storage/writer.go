package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bioview/bioview/internal/pipeline"
)

const (
	// DefaultFlushInterval bounds how long a frame may sit in memory before
	// reaching the database
	DefaultFlushInterval = 500 * time.Millisecond

	// DefaultFlushThreshold is the buffered frame count that forces a flush
	// ahead of the interval
	DefaultFlushThreshold = 64
)

// WithWriterLogger sets the logger for the writer
func WithWriterLogger(logger *slog.Logger) func(*Writer) {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithFlushInterval sets the write cadence
func WithFlushInterval(interval time.Duration) func(*Writer) {
	return func(w *Writer) {
		w.flushInterval = interval
	}
}

// WithFlushThreshold sets the buffered frame count that forces a flush
func WithFlushThreshold(threshold int) func(*Writer) {
	return func(w *Writer) {
		w.flushThreshold = threshold
	}
}

// Writer consumes the lossless frame stream and persists it in batches. A
// batch is written when it reaches the threshold or when the flush interval
// elapses, whichever comes first, and a final flush runs when the stream
// closes. Frames at or before the newest stored timestamp are discarded, so
// re-draining a stream after a partial write is idempotent.
//
// A write failure is fatal: the writer publishes the error on Fatal and
// stops. Sample data must not be silently dropped while acquisition keeps
// running.
type Writer struct {
	store     *SqliteStore
	sessionID int64
	deviceIDs map[string]int64
	in        <-chan *pipeline.Frame

	flushInterval  time.Duration
	flushThreshold int

	buf     []*pipeline.Frame
	lastTs  time.Time
	haveTs  bool
	written atomic.Uint64

	fatal chan error

	logger *slog.Logger
}

// NewWriter creates a writer over the fan-out's storage sink. deviceIDs maps
// device names to the row IDs returned by AddDevice.
func NewWriter(store *SqliteStore, sessionID int64, deviceIDs map[string]int64, in <-chan *pipeline.Frame, options ...func(*Writer)) *Writer {
	w := Writer{
		store:          store,
		sessionID:      sessionID,
		deviceIDs:      deviceIDs,
		in:             in,
		flushInterval:  DefaultFlushInterval,
		flushThreshold: DefaultFlushThreshold,
		fatal:          make(chan error, 1),
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&w)
	}

	w.buf = make([]*pipeline.Frame, 0, w.flushThreshold)
	return &w
}

// Fatal delivers the error that stopped the writer, if any
func (w *Writer) Fatal() <-chan error {
	return w.fatal
}

// Written returns the number of frames persisted so far
func (w *Writer) Written() uint64 {
	return w.written.Load()
}

// Run consumes frames until the input closes, then performs the final flush.
// The returned error matches what Fatal delivers.
func (w *Writer) Run(ctx context.Context) error {
	if ts, ok, err := w.store.LastFrameTimestamp(ctx, w.sessionID); err != nil {
		return w.fail(fmt.Errorf("reading last frame timestamp: %w", err))
	} else if ok {
		w.lastTs, w.haveTs = ts, true
	}

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-w.in:
			if !ok {
				if err := w.flush(ctx); err != nil {
					return w.fail(err)
				}
				w.logger.Info("storage writer finished",
					slog.Uint64("frames", w.written.Load()))
				return nil
			}

			if w.haveTs && !frame.Timestamp.After(w.lastTs) {
				continue // already stored by an earlier drain
			}
			w.lastTs, w.haveTs = frame.Timestamp, true

			w.buf = append(w.buf, frame)
			if len(w.buf) >= w.flushThreshold {
				if err := w.flush(ctx); err != nil {
					return w.fail(err)
				}
			}

		case <-ticker.C:
			if err := w.flush(ctx); err != nil {
				return w.fail(err)
			}

		case <-ctx.Done():
			// best effort, the stop path drains via input close instead
			_ = w.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		}
	}
}

func (w *Writer) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}

	if err := w.store.AppendFrames(ctx, w.sessionID, w.deviceIDs, w.buf); err != nil {
		return fmt.Errorf("appending %d frames: %w", len(w.buf), err)
	}

	w.written.Add(uint64(len(w.buf)))
	w.buf = w.buf[:0]
	return nil
}

func (w *Writer) fail(err error) error {
	w.logger.Error("storage writer failed", slog.String("error", err.Error()))
	select {
	case w.fatal <- err:
	default:
	}
	return err
}
