package display

import (
	"slices"
	"testing"
)

func TestChannelBuffer_PartialFill(t *testing.T) {
	b := NewChannelBuffer(4)

	b.Append(1)
	b.Append(2)

	if b.Len() != 2 {
		t.Errorf("expected length 2, got %d", b.Len())
	}
	if b.Cap() != 4 {
		t.Errorf("expected capacity 4, got %d", b.Cap())
	}
	if got := b.Snapshot(); !slices.Equal(got, []float64{1, 2}) {
		t.Errorf("unexpected snapshot: %v", got)
	}
}

func TestChannelBuffer_WrapsOverwritingOldest(t *testing.T) {
	b := NewChannelBuffer(3)

	for v := 1.0; v <= 5; v++ {
		b.Append(v)
	}

	if b.Len() != 3 {
		t.Errorf("expected length 3, got %d", b.Len())
	}
	if got := b.Snapshot(); !slices.Equal(got, []float64{3, 4, 5}) {
		t.Errorf("expected oldest-first window [3 4 5], got %v", got)
	}
}

func TestChannelBuffer_SnapshotIsACopy(t *testing.T) {
	b := NewChannelBuffer(2)
	b.Append(1)

	got := b.Snapshot()
	got[0] = 99

	if b.Snapshot()[0] != 1 {
		t.Error("snapshot must not alias the buffer")
	}
}

func TestChannelBuffer_Clear(t *testing.T) {
	b := NewChannelBuffer(3)
	b.Append(1)
	b.Append(2)

	b.Clear()

	if b.Len() != 0 {
		t.Errorf("expected empty buffer, got length %d", b.Len())
	}
	if got := b.Snapshot(); len(got) != 0 {
		t.Errorf("expected empty snapshot, got %v", got)
	}

	b.Append(7)
	if got := b.Snapshot(); !slices.Equal(got, []float64{7}) {
		t.Errorf("unexpected snapshot after reuse: %v", got)
	}
}
