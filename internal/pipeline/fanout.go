package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
)

const (
	// DefaultStorageDepth is the capacity of the lossless storage channel
	DefaultStorageDepth = 256

	// DefaultDisplayLag is how many frames the display consumer may fall
	// behind before intermediate frames are discarded for the newest
	DefaultDisplayLag = 8
)

// WithFanOutLogger sets the logger for the fan-out
func WithFanOutLogger(logger *slog.Logger) func(*FanOut) {
	return func(f *FanOut) {
		f.logger = logger
	}
}

// WithStorageDepth sets the capacity of the storage channel
func WithStorageDepth(depth int) func(*FanOut) {
	return func(f *FanOut) {
		f.storage = make(chan *Frame, depth)
	}
}

// WithDisplayLag sets the display-side lag bound in frames
func WithDisplayLag(lag int) func(*FanOut) {
	return func(f *FanOut) {
		f.display = make(chan *Frame, lag)
	}
}

// FanOut duplicates the aligned frame stream into two sinks with different
// loss tolerance. The storage sink receives every frame in order, blocking
// the fan-out when full. The display sink keeps only the most recent frames:
// once the consumer lags past the bound, intermediate frames are dropped so
// the UI reflects near-live state instead of accumulating latency.
//
// A stalled display never slows the storage path; frames reach storage
// before any display bookkeeping happens.
type FanOut struct {
	in      <-chan *Frame
	storage chan *Frame
	display chan *Frame

	draining atomic.Bool
	dropped  atomic.Uint64

	logger *slog.Logger
}

// NewFanOut creates a fan-out over the synchronizer's output
func NewFanOut(in <-chan *Frame, options ...func(*FanOut)) *FanOut {
	f := FanOut{
		in:      in,
		storage: make(chan *Frame, DefaultStorageDepth),
		display: make(chan *Frame, DefaultDisplayLag),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&f)
	}

	return &f
}

// Storage returns the lossless sink channel
func (f *FanOut) Storage() <-chan *Frame {
	return f.storage
}

// Display returns the lossy sink channel
func (f *FanOut) Display() <-chan *Frame {
	return f.display
}

// Dropped returns the number of frames discarded on the display path.
// Display drops are expected under load, not an error.
func (f *FanOut) Dropped() uint64 {
	return f.dropped.Load()
}

// BeginDrain switches the display sink to blocking delivery. The controller
// flips this at the start of the stop sequence so no frame is discarded
// while buffered data drains out.
func (f *FanOut) BeginDrain() {
	f.draining.Store(true)
}

// Run forwards frames until the input closes, then closes both sinks
func (f *FanOut) Run(ctx context.Context) {
	defer close(f.display)
	defer close(f.storage)

	for frame := range f.in {
		// storage first, unconditionally
		select {
		case f.storage <- frame:
		case <-ctx.Done():
			return
		}

		if f.draining.Load() {
			select {
			case f.display <- frame:
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case f.display <- frame:
		default:
			// consumer is behind by the full lag bound: discard the oldest
			// buffered frame and retain the newest
			select {
			case <-f.display:
				f.dropped.Add(1)
			default:
			}
			select {
			case f.display <- frame:
			default:
				// no room even after evicting; the incoming frame is lost too
				f.dropped.Add(1)
			}
		}
	}
}
