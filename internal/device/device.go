package device

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceUnavailable is returned by Connect when the hardware is absent
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrDriver is returned by Connect when the vendor binding is missing
	// or rejects the connection parameters
	ErrDriver = errors.New("driver error")

	// ErrInvalidConfig is returned by Configure for out-of-range settings
	ErrInvalidConfig = errors.New("invalid config")

	// ErrReadTimeout is returned by ReadBatch when no data arrived within
	// the bound. Not fatal, the caller retries.
	ErrReadTimeout = errors.New("read timeout")

	// ErrDisconnected is returned by ReadBatch when the link to the device
	// is lost. Fatal for that device only.
	ErrDisconnected = errors.New("device disconnected")

	// ErrNotStreaming is returned by ReadBatch before Start or after Stop
	ErrNotStreaming = errors.New("device is not streaming")

	// ErrAlreadyStreaming is returned by Configure and Start while the
	// device is producing data
	ErrAlreadyStreaming = errors.New("device is already streaming")
)

const (
	KindRadio     Kind = "radio"
	KindDigitizer Kind = "digitizer"
	KindSimulated Kind = "simulated"
)

// Kind identifies the class of instrument behind a backend
type Kind string

func (k Kind) String() string {
	return string(k)
}

const (
	StatusDisconnected Status = "disconnected"
	StatusConnected    Status = "connected"
	StatusStreaming    Status = "streaming"
	StatusErrored      Status = "errored"
)

// Status is the connection state of a device as seen by its worker
type Status string

// Descriptor identifies a configured instrument. It is created at experiment
// configuration time and is read-only during acquisition.
type Descriptor struct {
	Name       string   // Unique device name, serves as ID
	Kind       Kind     // radio, digitizer or simulated
	SampleRate float64  // Native sample rate in Hz
	BatchSize  int      // Samples per channel in one read
	Channels   []string // Logical channel labels
}

// BatchInterval returns the expected wall-clock time between two reads at
// the device's native rate. The synchronizer derives its staleness threshold
// from this value.
func (d Descriptor) BatchInterval() time.Duration {
	if d.SampleRate <= 0 || d.BatchSize <= 0 {
		return 0
	}
	return time.Duration(float64(d.BatchSize) / d.SampleRate * float64(time.Second))
}

// Settings carries the run-time adjustable parameters a backend applies
// before streaming starts. Zero values leave the backend default in place.
type Settings struct {
	Channels   []string // Channel selection, empty means all
	Gain       float64  // Gain in dB where the hardware supports it
	SampleRate float64  // Rate override in Hz
}

// Device is the capability contract every backend satisfies. The acquisition
// worker is the only caller; no other component touches a device directly.
//
// Connect is idempotent. Configure may only be called before Start.
// ReadBatch blocks for at most the given timeout. Stop and Disconnect are
// invoked on every teardown path, including error paths.
type Device interface {
	Connect(ctx context.Context) error
	Configure(settings Settings) error
	Start(ctx context.Context) error
	ReadBatch(timeout time.Duration) (*SampleBatch, error)
	Stop() error
	Disconnect() error
	Descriptor() Descriptor
}
