package storage

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/bioview/bioview/internal/device"
	"github.com/bioview/bioview/internal/pipeline"
)

func newTestStore(t *testing.T) *SqliteStore {
	t.Helper()

	store := NewSqliteStore(filepath.Join(t.TempDir(), "test.sqlite"))
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return store
}

func testDescriptor(name string) device.Descriptor {
	return device.Descriptor{
		Name:       name,
		Kind:       device.KindDigitizer,
		SampleRate: 1000,
		BatchSize:  10,
		Channels:   []string{"CH1", "CH2"},
	}
}

func storedFrame(ts time.Time, dev string, v float64) *pipeline.Frame {
	return &pipeline.Frame{
		Timestamp: ts,
		Devices: []pipeline.DeviceFrame{{
			Device: dev,
			Fresh:  true,
			Batch: &device.SampleBatch{
				Device:    dev,
				Timestamp: ts,
				Channels:  []string{"CH1", "CH2"},
				Samples:   [][]float64{{v, v + 0.5}, {-v, -v - 0.5}},
			},
		}},
	}
}

func TestSqliteStore_SessionLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "morning run", map[string]any{"rate": 1000})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	sess, err := store.Session(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to read session: %v", err)
	}
	if sess.Name != "morning run" {
		t.Errorf("expected session name preserved, got %q", sess.Name)
	}
	if !sess.Config.Valid || !strings.Contains(sess.Config.String, "1000") {
		t.Errorf("expected config stored as JSON, got %v", sess.Config)
	}
	if sess.FinishedAt.Valid {
		t.Error("session must not be finished at creation")
	}

	if err = store.FinishSession(ctx, sessionID); err != nil {
		t.Fatalf("failed to finish session: %v", err)
	}
	// finishing twice is a no-op
	if err = store.FinishSession(ctx, sessionID); err != nil {
		t.Fatalf("second finish failed: %v", err)
	}

	sess, err = store.Session(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to re-read session: %v", err)
	}
	if !sess.FinishedAt.Valid {
		t.Error("expected finished timestamp set")
	}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != sessionID {
		t.Errorf("unexpected session list: %v", sessions)
	}
}

func TestSqliteStore_DeviceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "devices", nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	deviceID, err := store.AddDevice(ctx, sessionID, testDescriptor("ecg"))
	if err != nil {
		t.Fatalf("failed to add device: %v", err)
	}

	devices, err := store.Devices(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to list devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}

	dev := devices[0]
	if dev.ID != deviceID || dev.Name != "ecg" || dev.Kind != "digitizer" {
		t.Errorf("unexpected device record: %+v", dev)
	}
	if dev.SampleRate != 1000 || dev.BatchSize != 10 {
		t.Errorf("unexpected rate/batch: %+v", dev)
	}
	if !slices.Equal(dev.Channels, []string{"CH1", "CH2"}) {
		t.Errorf("unexpected channels: %v", dev.Channels)
	}
}

func TestSqliteStore_FrameRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(0, 1_700_000_000_000_000_000).UTC()

	sessionID, err := store.CreateSession(ctx, "frames", nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	deviceID, err := store.AddDevice(ctx, sessionID, testDescriptor("ecg"))
	if err != nil {
		t.Fatalf("failed to add device: %v", err)
	}
	deviceIDs := map[string]int64{"ecg": deviceID}

	var frames []*pipeline.Frame
	for i := 0; i < 10; i++ {
		frames = append(frames, storedFrame(base.Add(time.Duration(i)*10*time.Millisecond), "ecg", float64(i)))
	}
	frames[2].Annotations = []pipeline.Annotation{{Timestamp: frames[2].Timestamp, Label: "baseline"}}
	frames[5].Events = []pipeline.Event{{
		Timestamp: frames[5].Timestamp,
		Type:      pipeline.EventDeviceLost,
		Device:    "ecg",
		Message:   "cable pulled",
	}}

	if err = store.AppendFrames(ctx, sessionID, deviceIDs, frames); err != nil {
		t.Fatalf("failed to append frames: %v", err)
	}

	// page size below the frame count forces the iterator across pages
	reader, err := store.ReadFrames(ctx, sessionID, WithPageSize(3))
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer reader.Close()

	var got []*FrameRecord
	for reader.Next(ctx) {
		got = append(got, reader.Current())
	}
	if err = reader.Error(); err != nil {
		t.Fatalf("reader failed: %v", err)
	}

	if len(got) != 10 {
		t.Fatalf("expected 10 frames, got %d", len(got))
	}
	for i, frame := range got {
		want := base.Add(time.Duration(i) * 10 * time.Millisecond)
		if !frame.Timestamp.Equal(want) {
			t.Fatalf("frame %d: expected timestamp %v, got %v", i, want, frame.Timestamp)
		}
		if len(frame.Devices) != 1 {
			t.Fatalf("frame %d: expected 1 device record, got %d", i, len(frame.Devices))
		}

		rec := frame.Devices[0]
		if rec.Device != "ecg" || !rec.Fresh || rec.Stale {
			t.Errorf("frame %d: unexpected device record flags: %+v", i, rec)
		}
		if !slices.Equal(rec.Samples[0], []float64{float64(i), float64(i) + 0.5}) {
			t.Errorf("frame %d: samples did not round-trip: %v", i, rec.Samples[0])
		}
		if !slices.Equal(rec.Channels, []string{"CH1", "CH2"}) {
			t.Errorf("frame %d: unexpected channels: %v", i, rec.Channels)
		}
	}

	annotations, err := store.Annotations(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to read annotations: %v", err)
	}
	if len(annotations) != 1 || annotations[0].Label != "baseline" {
		t.Errorf("unexpected annotations: %v", annotations)
	}

	events, err := store.Events(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to read events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "device_lost" || events[0].Message != "cable pulled" {
		t.Errorf("unexpected events: %v", events)
	}

	ts, ok, err := store.LastFrameTimestamp(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to read last frame timestamp: %v", err)
	}
	if !ok || !ts.Equal(frames[9].Timestamp) {
		t.Errorf("expected last timestamp %v, got %v (ok=%v)", frames[9].Timestamp, ts, ok)
	}
}

func TestSqliteStore_LastFrameTimestampEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, "empty", nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	_, ok, err := store.LastFrameTimestamp(ctx, sessionID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected no timestamp for an empty session")
	}
}

func TestSqliteStore_AppendRollsBackOnUnknownDevice(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(0, 1_700_000_000_000_000_000).UTC()

	sessionID, err := store.CreateSession(ctx, "rollback", nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	deviceID, err := store.AddDevice(ctx, sessionID, testDescriptor("ecg"))
	if err != nil {
		t.Fatalf("failed to add device: %v", err)
	}

	frames := []*pipeline.Frame{
		storedFrame(base, "ecg", 1),
		storedFrame(base.Add(10*time.Millisecond), "imposter", 2),
	}

	err = store.AppendFrames(ctx, sessionID, map[string]int64{"ecg": deviceID}, frames)
	if err == nil {
		t.Fatal("expected an error for an unregistered device")
	}

	// the whole transaction must roll back, including the valid first frame
	if _, ok, err := store.LastFrameTimestamp(ctx, sessionID); err != nil {
		t.Fatalf("failed to read last frame timestamp: %v", err)
	} else if ok {
		t.Error("expected no frames after rollback")
	}
}

func TestSqliteStore_ReadFramesTimeRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(0, 1_700_000_000_000_000_000).UTC()

	sessionID, err := store.CreateSession(ctx, "range", nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	deviceID, err := store.AddDevice(ctx, sessionID, testDescriptor("ecg"))
	if err != nil {
		t.Fatalf("failed to add device: %v", err)
	}

	var frames []*pipeline.Frame
	for i := 0; i < 10; i++ {
		frames = append(frames, storedFrame(base.Add(time.Duration(i)*time.Second), "ecg", float64(i)))
	}
	if err = store.AppendFrames(ctx, sessionID, map[string]int64{"ecg": deviceID}, frames); err != nil {
		t.Fatalf("failed to append frames: %v", err)
	}

	reader, err := store.ReadFrames(ctx, sessionID,
		WithStartTime(base.Add(3*time.Second)),
		WithEndTime(base.Add(7*time.Second)))
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer reader.Close()

	var got []time.Time
	for reader.Next(ctx) {
		got = append(got, reader.Current().Timestamp)
	}
	if err = reader.Error(); err != nil {
		t.Fatalf("reader failed: %v", err)
	}

	// both bounds are inclusive
	if len(got) != 5 {
		t.Fatalf("expected 5 frames in range, got %d", len(got))
	}
	if !got[0].Equal(base.Add(3*time.Second)) || !got[4].Equal(base.Add(7*time.Second)) {
		t.Errorf("unexpected range bounds: %v .. %v", got[0], got[4])
	}
}

func TestEncodeDecodeSamples(t *testing.T) {
	samples := [][]float64{{0.1, -2.5, 3}, {4, 5.25, -6}}

	decoded, err := decodeSamples(encodeSamples(samples))
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(decoded))
	}
	for i := range samples {
		if !slices.Equal(decoded[i], samples[i]) {
			t.Errorf("channel %d did not round-trip: %v", i, decoded[i])
		}
	}

	if decoded, err = decodeSamples(encodeSamples(nil)); err != nil {
		t.Fatalf("failed to decode empty blob: %v", err)
	} else if len(decoded) != 0 {
		t.Errorf("expected no channels, got %d", len(decoded))
	}

	if _, err = decodeSamples([]byte{1, 2, 3}); err == nil {
		t.Error("expected an error for a truncated blob")
	}
	if _, err = decodeSamples(append(encodeSamples(samples), 0)); err == nil {
		t.Error("expected an error for a size mismatch")
	}
}
