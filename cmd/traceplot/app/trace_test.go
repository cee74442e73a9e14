package app

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/bioview/bioview/internal/storage"
)

func traceFrame(ts time.Time, dev string, fresh, stale bool, samples ...float64) *storage.FrameRecord {
	return &storage.FrameRecord{
		Timestamp: ts,
		Devices: []storage.FrameDeviceRecord{{
			Device:   dev,
			Channels: []string{"CH1"},
			Fresh:    fresh,
			Stale:    stale,
			Samples:  [][]float64{samples},
		}},
	}
}

func TestTraceData_Update(t *testing.T) {
	base := time.Unix(0, 0)
	td := NewTraceData(100, nil)

	td.Update(traceFrame(base, "ecg", true, false, 1, 2))
	td.Update(traceFrame(base.Add(time.Second), "ecg", false, false, 3, 4)) // carried forward, skipped
	td.Update(traceFrame(base.Add(2*time.Second), "ecg", true, false, 5, 6))

	if td.Frames != 3 {
		t.Errorf("expected 3 frames, got %d", td.Frames)
	}
	if !td.TimestampStart.Equal(base) || !td.TimestampEnd.Equal(base.Add(2*time.Second)) {
		t.Errorf("unexpected time span: %v .. %v", td.TimestampStart, td.TimestampEnd)
	}
	if !slices.Equal(td.Channels(), []string{"ecg/CH1"}) {
		t.Errorf("unexpected channels: %v", td.Channels())
	}
	// only the fresh frames contribute
	if td.Samples() != 4 {
		t.Errorf("expected 4 samples, got %d", td.Samples())
	}
}

func TestTraceData_ChannelFilter(t *testing.T) {
	base := time.Unix(0, 0)
	td := NewTraceData(100, []string{"keep/CH1"})

	td.Update(traceFrame(base, "keep", true, false, 1))
	td.Update(traceFrame(base.Add(time.Second), "drop", true, false, 2))

	if !slices.Equal(td.Channels(), []string{"keep/CH1"}) {
		t.Errorf("expected only the filtered channel, got %v", td.Channels())
	}
}

func TestTraceData_RecordsStaleTimes(t *testing.T) {
	base := time.Unix(0, 0)
	td := NewTraceData(100, nil)

	td.Update(traceFrame(base, "ecg", true, false, 1))
	td.Update(traceFrame(base.Add(time.Second), "ecg", false, true, 1))

	if len(td.StaleTimes) != 1 || !td.StaleTimes[0].Equal(base.Add(time.Second)) {
		t.Errorf("unexpected stale times: %v", td.StaleTimes)
	}
}

func TestReduce(t *testing.T) {
	// 8 samples into 4 columns, 2 per column
	samples := []float64{1, -1, 2, 0, -3, 3, 0.5, 0.25}
	out := make([]Column, 4)
	reduce(samples, out)

	want := []Column{
		{Min: -1, Max: 1, Valid: true},
		{Min: 0, Max: 2, Valid: true},
		{Min: -3, Max: 3, Valid: true},
		{Min: 0.25, Max: 0.5, Valid: true},
	}
	for i, col := range out {
		if col != want[i] {
			t.Errorf("column %d: expected %+v, got %+v", i, want[i], col)
		}
	}
}

func TestReduce_FewerSamplesThanColumns(t *testing.T) {
	out := make([]Column, 8)
	reduce([]float64{1, 2}, out)

	var valid int
	for _, col := range out {
		if col.Valid {
			valid++
		}
	}
	if valid != 2 {
		t.Errorf("expected 2 valid columns, got %d", valid)
	}
}

func TestTraceData_Columns(t *testing.T) {
	base := time.Unix(0, 0)
	td := NewTraceData(2, nil)

	td.Update(traceFrame(base, "ecg", true, false, -1, 1, -2, 2))

	columns, err := td.Columns(context.Background())
	if err != nil {
		t.Fatalf("failed to reduce columns: %v", err)
	}

	cols, ok := columns["ecg/CH1"]
	if !ok {
		t.Fatal("expected columns for the channel")
	}
	if cols[0].Min != -1 || cols[0].Max != 1 || cols[1].Min != -2 || cols[1].Max != 2 {
		t.Errorf("unexpected envelopes: %+v", cols)
	}
}
