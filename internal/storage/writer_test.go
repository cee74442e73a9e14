package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bioview/bioview/internal/pipeline"
)

func newTestWriter(t *testing.T, store *SqliteStore, in <-chan *pipeline.Frame, options ...func(*Writer)) (*Writer, int64) {
	t.Helper()
	ctx := context.Background()

	sessionID, err := store.CreateSession(ctx, t.Name(), nil)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	deviceID, err := store.AddDevice(ctx, sessionID, testDescriptor("ecg"))
	if err != nil {
		t.Fatalf("failed to add device: %v", err)
	}

	return NewWriter(store, sessionID, map[string]int64{"ecg": deviceID}, in, options...), sessionID
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestWriter_FlushesOnThreshold(t *testing.T) {
	store := newTestStore(t)
	base := time.Unix(0, 1_700_000_000_000_000_000).UTC()

	in := make(chan *pipeline.Frame, 8)
	w, _ := newTestWriter(t, store, in,
		WithFlushThreshold(3),
		WithFlushInterval(time.Hour)) // the interval must never fire here

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	for i := 0; i < 3; i++ {
		in <- storedFrame(base.Add(time.Duration(i)*10*time.Millisecond), "ecg", float64(i))
	}
	waitFor(t, 5*time.Second, func() bool { return w.Written() == 3 })

	close(in)
	if err := <-done; err != nil {
		t.Fatalf("writer failed: %v", err)
	}
}

func TestWriter_FlushesOnInterval(t *testing.T) {
	store := newTestStore(t)
	base := time.Unix(0, 1_700_000_000_000_000_000).UTC()

	in := make(chan *pipeline.Frame, 8)
	w, _ := newTestWriter(t, store, in,
		WithFlushThreshold(100),
		WithFlushInterval(20*time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	in <- storedFrame(base, "ecg", 1)
	in <- storedFrame(base.Add(10*time.Millisecond), "ecg", 2)

	// far below the threshold, only the interval can flush these
	waitFor(t, 5*time.Second, func() bool { return w.Written() == 2 })

	close(in)
	if err := <-done; err != nil {
		t.Fatalf("writer failed: %v", err)
	}
}

func TestWriter_FinalFlushOnClose(t *testing.T) {
	store := newTestStore(t)
	base := time.Unix(0, 1_700_000_000_000_000_000).UTC()

	in := make(chan *pipeline.Frame, 8)
	w, sessionID := newTestWriter(t, store, in,
		WithFlushThreshold(100),
		WithFlushInterval(time.Hour))

	in <- storedFrame(base, "ecg", 1)
	in <- storedFrame(base.Add(10*time.Millisecond), "ecg", 2)
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("writer failed: %v", err)
	}
	if w.Written() != 2 {
		t.Errorf("expected 2 frames written on close, got %d", w.Written())
	}

	ts, ok, err := store.LastFrameTimestamp(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("failed to read last frame timestamp: %v", err)
	}
	if !ok || !ts.Equal(base.Add(10*time.Millisecond)) {
		t.Errorf("unexpected last timestamp %v (ok=%v)", ts, ok)
	}
}

func TestWriter_SkipsReplayedFrames(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(0, 1_700_000_000_000_000_000).UTC()

	first := make(chan *pipeline.Frame, 8)
	w, sessionID := newTestWriter(t, store, first)

	for i := 0; i < 3; i++ {
		first <- storedFrame(base.Add(time.Duration(i)*10*time.Millisecond), "ecg", float64(i))
	}
	close(first)
	if err := w.Run(ctx); err != nil {
		t.Fatalf("first drain failed: %v", err)
	}

	// a second drain overlapping the first must only persist the new tail
	second := make(chan *pipeline.Frame, 8)
	for i := 1; i < 5; i++ {
		second <- storedFrame(base.Add(time.Duration(i)*10*time.Millisecond), "ecg", float64(i))
	}
	close(second)

	w2 := NewWriter(store, sessionID, w.deviceIDs, second)
	if err := w2.Run(ctx); err != nil {
		t.Fatalf("second drain failed: %v", err)
	}
	if w2.Written() != 2 {
		t.Errorf("expected 2 new frames written, got %d", w2.Written())
	}

	reader, err := store.ReadFrames(ctx, sessionID)
	if err != nil {
		t.Fatalf("failed to create reader: %v", err)
	}
	defer reader.Close()

	var count int
	for reader.Next(ctx) {
		count++
	}
	if err = reader.Error(); err != nil {
		t.Fatalf("reader failed: %v", err)
	}
	if count != 5 {
		t.Errorf("expected 5 stored frames total, got %d", count)
	}
}

func TestWriter_FatalOnWriteFailure(t *testing.T) {
	store := newTestStore(t)
	base := time.Unix(0, 1_700_000_000_000_000_000).UTC()

	in := make(chan *pipeline.Frame, 1)
	w, _ := newTestWriter(t, store, in, WithFlushThreshold(1))

	// a frame from a device never registered with the session
	in <- storedFrame(base, "imposter", 1)

	err := w.Run(context.Background())
	if err == nil {
		t.Fatal("expected the writer to fail")
	}

	select {
	case fatalErr := <-w.Fatal():
		if !errors.Is(err, fatalErr) && err.Error() != fatalErr.Error() {
			t.Errorf("Fatal delivered a different error: %v vs %v", fatalErr, err)
		}
	default:
		t.Error("expected the error on the Fatal channel")
	}
}
