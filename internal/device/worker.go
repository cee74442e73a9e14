package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultReadTimeout bounds a single blocking hardware read. Cancellation
	// latency is never worse than this bound.
	DefaultReadTimeout = 250 * time.Millisecond

	// DefaultQueueDepth is the capacity of a worker's output channel
	DefaultQueueDepth = 64
)

// WithLogger sets the logger for the worker
func WithLogger(logger *slog.Logger) func(w *Worker) {
	return func(w *Worker) {
		w.logger = logger.With(
			slog.String("device", w.dev.Descriptor().Name),
			slog.String("kind", w.dev.Descriptor().Kind.String()),
		)
	}
}

// WithReadTimeout sets the bound on a single blocking read
func WithReadTimeout(timeout time.Duration) func(w *Worker) {
	return func(w *Worker) {
		w.readTimeout = timeout
	}
}

// WithQueueDepth sets the capacity of the worker's output channel
func WithQueueDepth(depth int) func(w *Worker) {
	return func(w *Worker) {
		w.out = make(chan StreamItem, depth)
	}
}

// Worker owns one device and is the only component that calls into it.
// It repeatedly blocks on the device's native read, stamps each batch with
// the host-clock arrival time and pushes it into its bounded output channel.
// A full channel blocks the push: backpressure reaches the hardware read
// cadence instead of dropping data, because a drop here would corrupt the
// archival record.
type Worker struct {
	dev Device
	out chan StreamItem

	readTimeout time.Duration
	status      Status
	logger      *slog.Logger
}

// NewWorker creates a worker for the given device with a discard logger
func NewWorker(dev Device, options ...func(w *Worker)) *Worker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // nil logger

	w := Worker{
		dev:         dev,
		out:         make(chan StreamItem, DefaultQueueDepth),
		readTimeout: DefaultReadTimeout,
		status:      StatusConnected,
		logger:      logger,
	}

	for _, option := range options {
		option(&w)
	}

	return &w
}

// Out returns the worker's output channel. It is closed when the worker
// exits; the last item of a lost device carries the fatal error.
func (w *Worker) Out() <-chan StreamItem {
	return w.out
}

// Device returns the descriptor of the owned device
func (w *Worker) Device() Descriptor {
	return w.dev.Descriptor()
}

// Status reports the device state as last observed by the worker loop.
// Run updates it from the worker goroutine only; callers should treat it
// as advisory once the worker has exited.
func (w *Worker) Status() Status {
	return w.status
}

// Run executes the acquisition loop until the context is cancelled or the
// device is lost. It closes the output channel on exit. Stop and Disconnect
// on the device are left to the controller, which runs them on every
// teardown path.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.out)

	w.status = StatusStreaming
	w.logger.Info("acquisition started")

	for {
		select {
		case <-ctx.Done():
			w.status = StatusConnected
			w.logger.Info("acquisition stopped")
			return
		default:
		}

		batch, err := w.dev.ReadBatch(w.readTimeout)
		switch {
		case err == nil:

		case errors.Is(err, ErrReadTimeout):
			continue // not fatal, retry

		default:
			// DeviceDisconnected, or anything else the backend could not
			// classify: fatal for this device only.
			w.status = StatusErrored
			w.logger.Error(err.Error())

			select {
			case w.out <- StreamItem{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		batch.Timestamp = time.Now()

		select {
		case w.out <- StreamItem{Batch: batch}:
		case <-ctx.Done():
			w.status = StatusConnected
			w.logger.Info("acquisition stopped")
			return
		}
	}
}
