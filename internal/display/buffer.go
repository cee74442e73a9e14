package display

// ChannelBuffer is a fixed-capacity rolling window of decimated, filtered
// samples for one visible channel. The display pipeline owns it exclusively
// and overwrites in place; consumers only ever see copies.
type ChannelBuffer struct {
	data []float64
	head int // next write position
	size int
}

func NewChannelBuffer(capacity int) *ChannelBuffer {
	return &ChannelBuffer{data: make([]float64, capacity)}
}

// Append overwrites the oldest sample once the window is full
func (b *ChannelBuffer) Append(v float64) {
	b.data[b.head] = v
	b.head = (b.head + 1) % len(b.data)
	if b.size < len(b.data) {
		b.size++
	}
}

// Snapshot returns a copy of the window, oldest sample first
func (b *ChannelBuffer) Snapshot() []float64 {
	out := make([]float64, b.size)
	start := b.head - b.size
	if start < 0 {
		start += len(b.data)
	}
	for i := 0; i < b.size; i++ {
		out[i] = b.data[(start+i)%len(b.data)]
	}
	return out
}

func (b *ChannelBuffer) Len() int {
	return b.size
}

func (b *ChannelBuffer) Cap() int {
	return len(b.data)
}

func (b *ChannelBuffer) Clear() {
	b.head = 0
	b.size = 0
}
