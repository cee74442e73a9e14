package storage

import (
	"database/sql"
	"time"
)

// SessionRecord is a stored recording session
type SessionRecord struct {
	ID         int64
	Name       string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Config     sql.NullString
}

// DeviceRecord is the descriptor of one device as registered for a session
type DeviceRecord struct {
	ID         int64
	SessionID  int64
	Name       string
	Kind       string
	SampleRate float64
	BatchSize  int
	Channels   []string
}

// FrameRecord is one aligned frame read back from a session
type FrameRecord struct {
	ID        int64
	Timestamp time.Time
	Devices   []FrameDeviceRecord
}

// FrameDeviceRecord is one device's contribution to a stored frame
type FrameDeviceRecord struct {
	DeviceID       int64
	Device         string
	Channels       []string
	BatchTimestamp time.Time
	Fresh          bool
	Stale          bool
	Samples        [][]float64
}

// AnnotationRecord is a stored operator marker
type AnnotationRecord struct {
	ID        int64
	Timestamp time.Time
	Label     string
}

// EventRecord is a stored device set change
type EventRecord struct {
	ID        int64
	Timestamp time.Time
	Type      string
	Device    string
	Message   string
}
