package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bioview/bioview/internal/device"
)

const (
	// DefaultStalenessFactor scales a device's expected inter-batch interval
	// into its carry-forward staleness threshold
	DefaultStalenessFactor = 2.0

	// DefaultOutputDepth is the capacity of the aligned frame channel
	DefaultOutputDepth = 64

	// DefaultStartupGrace bounds the first-batch gate for devices whose
	// expected inter-batch interval is unknown
	DefaultStartupGrace = time.Second

	annotationQueueDepth = 16
)

// Input connects one device's worker output to the synchronizer
type Input struct {
	Device device.Descriptor
	Items  <-chan device.StreamItem
}

// WithSyncLogger sets the logger for the synchronizer
func WithSyncLogger(logger *slog.Logger) func(*Synchronizer) {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithStalenessFactor sets the multiple of a device's expected inter-batch
// interval beyond which a carried-forward batch is flagged stale
func WithStalenessFactor(factor float64) func(*Synchronizer) {
	return func(s *Synchronizer) {
		s.stalenessFactor = factor
	}
}

// WithOutputDepth sets the capacity of the aligned frame channel
func WithOutputDepth(depth int) func(*Synchronizer) {
	return func(s *Synchronizer) {
		s.out = make(chan *Frame, depth)
	}
}

// cursor tracks one device's position in the merge
type cursor struct {
	name       string
	staleAfter time.Duration

	queue []*device.SampleBatch // batches routed but not yet consumed
	last  *device.SampleBatch   // most recent consumed batch, for carry-forward
	open  bool                  // stream still producing
	lost  bool                  // device dropped out mid-session
}

// arrival is one routed item from a device stream
type arrival struct {
	idx    int
	item   device.StreamItem
	closed bool
}

// Synchronizer merges per-device streams into one strictly ordered aligned
// frame sequence using arrival timestamps as the alignment key. It is the
// sole point of ordering truth for the pipeline.
type Synchronizer struct {
	inputs  []Input
	cursors []*cursor

	arrivals    chan arrival
	annotations chan Annotation
	out         chan *Frame

	pendingAnn    []Annotation
	pendingEvents []Event

	gateExpired bool

	stalenessFactor float64
	lastEmitted     atomic.Int64 // unix nanos of the last emitted frame
	logger          *slog.Logger
}

// New creates a synchronizer over the given device streams. Tie-breaks on
// equal timestamps follow the input order, so configuration order determines
// determinism.
func New(inputs []Input, options ...func(*Synchronizer)) (*Synchronizer, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no device streams to synchronize")
	}

	s := Synchronizer{
		inputs:          inputs,
		arrivals:        make(chan arrival, len(inputs)*4),
		annotations:     make(chan Annotation, annotationQueueDepth),
		out:             make(chan *Frame, DefaultOutputDepth),
		stalenessFactor: DefaultStalenessFactor,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	for _, in := range inputs {
		var staleAfter time.Duration
		if interval := in.Device.BatchInterval(); interval > 0 {
			staleAfter = time.Duration(float64(interval) * s.stalenessFactor)
		}

		s.cursors = append(s.cursors, &cursor{
			name:       in.Device.Name,
			staleAfter: staleAfter,
			open:       true,
		})
	}

	return &s, nil
}

// Out returns the aligned frame channel. It is closed once every input
// stream has ended and all buffered batches have been drained into frames.
func (s *Synchronizer) Out() <-chan *Frame {
	return s.out
}

// Annotate queues an operator annotation for the next emitted frame, which
// by construction is the frame with the smallest timestamp at or after the
// annotation's own.
func (s *Synchronizer) Annotate(a Annotation) {
	s.annotations <- a
}

// LastTimestamp returns the timestamp of the most recently emitted frame,
// or the zero time before the first frame.
func (s *Synchronizer) LastTimestamp() time.Time {
	ns := s.lastEmitted.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run merges until every input is exhausted, then closes the output.
// Cancelling the context abandons the merge without draining; a clean stop
// instead closes the inputs and lets Run drain to completion.
//
// A device that starts cleanly but never delivers its first batch holds the
// merge back only for a startup grace period, the longest staleness threshold
// across the inputs. Past that it is omitted from frames like a lost device
// until its first batch arrives.
func (s *Synchronizer) Run(ctx context.Context) {
	defer close(s.out)

	var wg sync.WaitGroup
	for i := range s.inputs {
		wg.Add(1)
		go s.forward(ctx, i, &wg)
	}
	defer wg.Wait()

	grace := time.Duration(0)
	for _, c := range s.cursors {
		if c.staleAfter > grace {
			grace = c.staleAfter
		}
	}
	if grace == 0 {
		grace = DefaultStartupGrace
	}
	gate := time.NewTimer(grace)
	defer gate.Stop()

	nOpen := len(s.cursors)

	for {
		if !s.drain(ctx, &nOpen) {
			return
		}

		if !s.emittable() {
			if nOpen == 0 {
				break
			}

			select {
			case a := <-s.arrivals:
				s.route(a, &nOpen)
			case ann := <-s.annotations:
				s.pendingAnn = append(s.pendingAnn, ann)
			case <-gate.C:
				s.gateExpired = true
			case <-ctx.Done():
				return
			}
			continue
		}

		if !s.emit(ctx) {
			return
		}
	}

	// markers left behind after the last data frame still must reach storage
	if len(s.pendingAnn) > 0 || len(s.pendingEvents) > 0 {
		s.emitTrailing(ctx)
	}
}

// forward pumps one device stream into the shared arrivals channel,
// preserving the device's own ordering
func (s *Synchronizer) forward(ctx context.Context, idx int, wg *sync.WaitGroup) {
	defer wg.Done()

	for item := range s.inputs[idx].Items {
		select {
		case s.arrivals <- arrival{idx: idx, item: item}:
		case <-ctx.Done():
			return
		}
	}

	select {
	case s.arrivals <- arrival{idx: idx, closed: true}:
	case <-ctx.Done():
	}
}

// drain routes everything immediately available without blocking.
// Returns false when the context was cancelled.
func (s *Synchronizer) drain(ctx context.Context, nOpen *int) bool {
	for {
		select {
		case a := <-s.arrivals:
			s.route(a, nOpen)
		case ann := <-s.annotations:
			s.pendingAnn = append(s.pendingAnn, ann)
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
}

func (s *Synchronizer) route(a arrival, nOpen *int) {
	c := s.cursors[a.idx]

	switch {
	case a.closed:
		c.open = false
		*nOpen--

	case a.item.Err != nil:
		c.lost = true
		s.pendingEvents = append(s.pendingEvents, Event{
			Timestamp: time.Now(),
			Type:      EventDeviceLost,
			Device:    c.name,
			Message:   a.item.Err.Error(),
		})
		s.logger.Warn("device lost", slog.String("device", c.name), slog.String("error", a.item.Err.Error()))

	case a.item.Batch != nil:
		c.queue = append(c.queue, a.item.Batch)
	}
}

// emittable reports whether a frame can be formed: at least one queued batch
// exists and no healthy device is still waiting for its first batch. The
// first-batch gate holds the merge back over the start jitter window so the
// first frame already represents every device; once the startup grace has
// expired the gate releases, so a stalled device cannot block output forever.
func (s *Synchronizer) emittable() bool {
	var queued bool
	for _, c := range s.cursors {
		if len(c.queue) > 0 {
			queued = true
			continue
		}
		if !s.gateExpired && c.open && !c.lost && c.last == nil {
			return false // no first batch yet
		}
	}
	return queued
}

// emit forms and sends the next aligned frame. Returns false when the
// context was cancelled while pushing downstream.
func (s *Synchronizer) emit(ctx context.Context) bool {
	// The next boundary is the smallest unconsumed timestamp. The scan keeps
	// the earlier configuration index on ties.
	boundary := time.Time{}
	for _, c := range s.cursors {
		if len(c.queue) == 0 {
			continue
		}
		if ts := c.queue[0].Timestamp; boundary.IsZero() || ts.Before(boundary) {
			boundary = ts
		}
	}

	frameTs := boundary
	if last := s.lastEmitted.Load(); last != 0 && !frameTs.After(time.Unix(0, last)) {
		// Late cross-device arrival; nudge forward to keep output strictly
		// monotonic.
		frameTs = time.Unix(0, last).Add(time.Nanosecond)
	}

	frame := Frame{Timestamp: frameTs}
	for _, c := range s.cursors {
		fresh := len(c.queue) > 0 && !c.queue[0].Timestamp.After(boundary)

		switch {
		case fresh:
			b := c.queue[0]
			c.queue = c.queue[1:]
			c.last = b
			frame.Devices = append(frame.Devices, DeviceFrame{Device: c.name, Batch: b, Fresh: true})

		case c.lost:
			// lost devices are omitted once their buffered batches are
			// consumed, never zero-filled or carried forward

		case c.last != nil:
			stale := c.staleAfter > 0 && frameTs.Sub(c.last.Timestamp) > c.staleAfter
			frame.Devices = append(frame.Devices, DeviceFrame{Device: c.name, Batch: c.last, Stale: stale})
		}
	}

	frame.Annotations = s.pendingAnn
	frame.Events = s.pendingEvents
	s.pendingAnn = nil
	s.pendingEvents = nil

	s.lastEmitted.Store(frameTs.UnixNano())

	select {
	case s.out <- &frame:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitTrailing flushes markers that arrived after the final data frame
func (s *Synchronizer) emitTrailing(ctx context.Context) {
	ts := time.Now()
	if last := s.lastEmitted.Load(); last != 0 && !ts.After(time.Unix(0, last)) {
		ts = time.Unix(0, last).Add(time.Nanosecond)
	}

	frame := Frame{
		Timestamp:   ts,
		Annotations: s.pendingAnn,
		Events:      s.pendingEvents,
	}
	s.pendingAnn = nil
	s.pendingEvents = nil
	s.lastEmitted.Store(ts.UnixNano())

	select {
	case s.out <- &frame:
	case <-ctx.Done():
	}
}
