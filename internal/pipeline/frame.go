package pipeline

import (
	"time"

	"github.com/bioview/bioview/internal/device"
)

const (
	// EventDeviceLost is emitted exactly once when a device drops out of
	// the active set mid-session
	EventDeviceLost EventType = "device_lost"
)

type EventType string

func (t EventType) String() string {
	return string(t)
}

// Event is a change in the active device set, carried inside the frame
// stream so every downstream consumer sees it at the same position.
type Event struct {
	Timestamp time.Time
	Type      EventType
	Device    string
	Message   string
}

// Annotation is an operator-inserted marker. Immutable once created.
type Annotation struct {
	Timestamp time.Time
	Label     string
}

// DeviceFrame is one device's contribution to an aligned frame. Fresh is
// false when the batch was carried forward from a previous boundary; Stale
// additionally flags a carry-forward older than the device's staleness
// threshold.
type DeviceFrame struct {
	Device string
	Batch  *device.SampleBatch
	Fresh  bool
	Stale  bool
}

// Frame is the synchronizer's output unit: a single global timestamp plus,
// for each active device, its most recent batch at or before that boundary.
// Frame timestamps strictly increase; nothing downstream may reorder frames.
type Frame struct {
	Timestamp   time.Time
	Devices     []DeviceFrame // in configuration order
	Annotations []Annotation
	Events      []Event
}

// DeviceFrame returns the named device's contribution, if present
func (f *Frame) DeviceFrame(name string) (DeviceFrame, bool) {
	for _, df := range f.Devices {
		if df.Device == name {
			return df, true
		}
	}
	return DeviceFrame{}, false
}
