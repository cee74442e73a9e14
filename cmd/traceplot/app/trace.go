package app

import (
	"context"
	"math"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bioview/bioview/internal/display"
	"github.com/bioview/bioview/internal/storage"
)

// Column is one pixel column of a rendered trace: the value envelope of all
// samples that fall into it
type Column struct {
	Min, Max float64
	Valid    bool
}

// channelTrace accumulates one channel's samples across the session
type channelTrace struct {
	name    string
	samples []float64
}

// TraceData accumulates a session's frames into per-channel sample runs plus
// the marker overlays. Only fresh device frames contribute samples; carried
// forward repeats would flatten the traces without adding information.
type TraceData struct {
	width  int
	filter map[string]struct{}

	order  []string
	traces map[string]*channelTrace

	TimestampStart time.Time
	TimestampEnd   time.Time
	Frames         int
	StaleTimes     []time.Time

	Annotations []*storage.AnnotationRecord
	Events      []*storage.EventRecord
}

// NewTraceData creates an accumulator for the given trace area width. An
// empty channel list keeps every channel found in the data.
func NewTraceData(width int, channels []string) *TraceData {
	t := TraceData{
		width:  width,
		traces: make(map[string]*channelTrace),
	}
	if len(channels) > 0 {
		t.filter = make(map[string]struct{}, len(channels))
		for _, name := range channels {
			t.filter[name] = struct{}{}
		}
	}
	return &t
}

// Update folds one stored frame into the accumulator
func (t *TraceData) Update(frame *storage.FrameRecord) {
	if t.Frames == 0 {
		t.TimestampStart = frame.Timestamp
	}
	t.TimestampEnd = frame.Timestamp
	t.Frames++

	for _, rec := range frame.Devices {
		if !rec.Fresh {
			if rec.Stale {
				t.StaleTimes = append(t.StaleTimes, frame.Timestamp)
			}
			continue
		}

		for i, ch := range rec.Channels {
			if i >= len(rec.Samples) {
				break
			}

			name := display.ChannelName(rec.Device, ch)
			if t.filter != nil {
				if _, ok := t.filter[name]; !ok {
					continue
				}
			}

			trace, ok := t.traces[name]
			if !ok {
				trace = &channelTrace{name: name}
				t.traces[name] = trace
				t.order = append(t.order, name)
			}
			trace.samples = append(trace.samples, rec.Samples[i]...)
		}
	}
}

// Channels returns the channel names in first-seen order
func (t *TraceData) Channels() []string {
	return slices.Clone(t.order)
}

// Samples returns the total sample count across all channels
func (t *TraceData) Samples() int64 {
	var n int64
	for _, trace := range t.traces {
		n += int64(len(trace.samples))
	}
	return n
}

// Columns reduces every channel to its pixel column envelopes, one channel
// per goroutine
func (t *TraceData) Columns(ctx context.Context) (map[string][]Column, error) {
	columns := make(map[string][]Column, len(t.traces))
	for name := range t.traces {
		columns[name] = make([]Column, t.width)
	}

	g, _ := errgroup.WithContext(ctx)
	for name, trace := range t.traces {
		name, trace := name, trace
		g.Go(func() error {
			reduce(trace.samples, columns[name])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return columns, nil
}

// reduce buckets a sample run into min/max column envelopes
func reduce(samples []float64, out []Column) {
	if len(samples) == 0 {
		return
	}

	perColumn := float64(len(samples)) / float64(len(out))
	for x := range out {
		lo := int(float64(x) * perColumn)
		hi := int(float64(x+1) * perColumn)
		if hi > len(samples) {
			hi = len(samples)
		}
		if lo >= hi {
			continue
		}

		col := Column{Min: math.Inf(1), Max: math.Inf(-1), Valid: true}
		for _, v := range samples[lo:hi] {
			col.Min = math.Min(col.Min, v)
			col.Max = math.Max(col.Max, v)
		}
		out[x] = col
	}
}

// timeToColumn maps a timestamp to a pixel column within the trace area
func (t *TraceData) timeToColumn(ts time.Time) (int, bool) {
	span := t.TimestampEnd.Sub(t.TimestampStart)
	if span <= 0 {
		return 0, false
	}

	ratio := float64(ts.Sub(t.TimestampStart)) / float64(span)
	if ratio < 0 || ratio > 1 {
		return 0, false
	}
	return int(ratio * float64(t.width-1)), true
}
