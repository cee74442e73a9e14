package storage

import (
	_ "embed"
)

const (
	insertSessionSQL = `
INSERT INTO sessions (
                      name,
                      started_at,
                      config)
VALUES (?, CURRENT_TIMESTAMP, ?)`

	finishSessionSQL = `
UPDATE sessions
SET finished_at = CURRENT_TIMESTAMP
WHERE
    id = ? AND finished_at IS NULL`

	selectSessionSQL = `
SELECT
    id,
    name,
    started_at,
    finished_at,
    config
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    name,
    started_at,
    finished_at,
    config
FROM sessions
ORDER BY id`

	insertDeviceSQL = `
INSERT INTO devices (session_id,
                     name,
                     kind,
                     sample_rate,
                     batch_size,
                     channels)
VALUES (?, ?, ?, ?, ?, ?)`

	selectDevicesSQL = `
SELECT
    id,
    session_id,
    name,
    kind,
    sample_rate,
    batch_size,
    channels
FROM devices
WHERE
    session_id = ?
ORDER BY id`

	insertFrameSQL = `
INSERT INTO frames (session_id, timestamp_ns)
VALUES (?, ?)`

	insertFrameDataSQL = `
INSERT INTO frame_data (frame_id,
                        device_id,
                        batch_timestamp_ns,
                        fresh,
                        stale,
                        samples)
VALUES (?, ?, ?, ?, ?, ?)`

	insertAnnotationSQL = `
INSERT INTO annotations (session_id, timestamp_ns, label)
VALUES (?, ?, ?)`

	insertEventSQL = `
INSERT INTO events (session_id, timestamp_ns, type, device, message)
VALUES (?, ?, ?, ?, ?)`

	selectLastFrameSQL = `
SELECT
    timestamp_ns
FROM frames
WHERE
    session_id = ?
ORDER BY timestamp_ns DESC
LIMIT 1`

	selectFramesSQL = `
SELECT
    id,
    timestamp_ns
FROM frames
WHERE
    session_id = ? AND timestamp_ns > ?
ORDER BY timestamp_ns
LIMIT ?`

	selectFrameDataSQL = `
SELECT
    fd.device_id,
    d.name,
    d.channels,
    fd.batch_timestamp_ns,
    fd.fresh,
    fd.stale,
    fd.samples
FROM frame_data fd
JOIN devices d ON d.id = fd.device_id
WHERE
    fd.frame_id = ?
ORDER BY fd.device_id`

	selectAnnotationsSQL = `
SELECT
    id,
    timestamp_ns,
    label
FROM annotations
WHERE
    session_id = ?
ORDER BY timestamp_ns`

	selectEventsSQL = `
SELECT
    id,
    timestamp_ns,
    type,
    device,
    message
FROM events
WHERE
    session_id = ?
ORDER BY timestamp_ns`

	initIndexesSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_frames_session_ts ON frames (session_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_frame_data_frame ON frame_data (frame_id);
CREATE INDEX IF NOT EXISTS idx_annotations_session_ts ON annotations (session_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events (session_id, timestamp_ns);`
)

//go:embed schema.sql
var initSchemaSQL string
