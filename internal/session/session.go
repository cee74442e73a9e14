package session

import (
	"errors"
	"time"

	"github.com/bioview/bioview/internal/device"
)

// ErrInvalidState is returned when an operation is attempted in a state that
// does not permit it
var ErrInvalidState = errors.New("invalid session state")

const (
	// StateIdle is the initial state, before any hardware is touched
	StateIdle State = "idle"

	// StateArmed means every device is connected and configured
	StateArmed State = "armed"

	// StateRunning means acquisition is streaming
	StateRunning State = "running"

	// StateStopping means a stop sequence is draining buffered data
	StateStopping State = "stopping"

	// StateFinalized means the session record is complete and closed
	StateFinalized State = "finalized"

	// StateErrored is absorbing: once entered, only inspection is allowed
	StateErrored State = "errored"
)

// State is the lifecycle phase of a recording session
type State string

func (s State) String() string {
	return string(s)
}

// Session is a snapshot of the recording session's identity, safe to expose
// outside the controller
type Session struct {
	ID        int64
	Name      string
	State     State
	StartedAt time.Time
	Devices   []device.Descriptor
}
