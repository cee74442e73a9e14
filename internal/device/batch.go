package device

import "time"

// SampleBatch is one read result from a device: a block of samples for each
// of the device's channels plus the host-clock arrival timestamp stamped by
// the acquisition worker. Immutable once produced.
type SampleBatch struct {
	Device    string      // Owning device name
	Timestamp time.Time   // Host-clock arrival time
	Channels  []string    // Channel labels, same order as Samples
	Samples   [][]float64 // Per-channel readings, one slice per channel
}

// Len returns the number of samples per channel in the batch.
func (b *SampleBatch) Len() int {
	if len(b.Samples) == 0 {
		return 0
	}
	return len(b.Samples[0])
}

// StreamItem is what an acquisition worker emits on its output channel.
// A regular item carries a batch. The final item of a lost device carries
// a nil batch and the fatal error; a cleanly stopped worker just closes
// its channel.
type StreamItem struct {
	Batch *SampleBatch
	Err   error
}
