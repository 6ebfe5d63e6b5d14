// Package model defines the shared data types for the livecast pipeline:
// stream lifecycle state, chunk and segment records, coordination events,
// and the websocket wire frames.
package model

import "time"

// StreamStatus is the lifecycle state of a live stream as tracked in the
// coordination broker.
type StreamStatus string

// Stream lifecycle states.
const (
	StreamStarting StreamStatus = "Starting"
	StreamLive     StreamStatus = "Live"
	StreamEnding   StreamStatus = "Ending"
	StreamComplete StreamStatus = "Complete"
	StreamError    StreamStatus = "Error"
)

// IsTerminal reports whether the status is a final state.
func (s StreamStatus) IsTerminal() bool {
	return s == StreamComplete || s == StreamError
}

// IsActive reports whether a worker may still claim or feed the stream.
func (s StreamStatus) IsActive() bool {
	return s == StreamLive || s == StreamEnding
}

// Stream is the broker-held record of a live session.
type Stream struct {
	ID         string       `json:"id"`
	Status     StreamStatus `json:"status"`
	Owner      string       `json:"owner,omitempty"`
	Bucket     string       `json:"bucket"`
	Prefix     string       `json:"prefix"`
	ChunkCount int64        `json:"chunk_count"`
	StartedAt  time.Time    `json:"started_at"`
}

// Chunk is one committed entry of a per-stream chunk log. The entry is only
// appended after the object write for Key has succeeded, so a reader that
// observes Seq can unconditionally fetch Key.
type Chunk struct {
	Seq       int64     `json:"seq"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}

// Segment is one muxer output file referenced by the manifest.
type Segment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Key  string `json:"key"`
}

// PauseEvent is one recorder-reported pause interval.
type PauseEvent struct {
	PausedAt  float64 `json:"pausedAt"`
	ResumedAt float64 `json:"resumedAt"`
	Duration  float64 `json:"duration"`
}

// StopStats carries recorder-supplied statistics delivered with a stop frame.
// All fields are zero for an implicit stop (recorder disconnect).
type StopStats struct {
	Duration           float64      `json:"duration"`
	PauseCount         int          `json:"pauseCount"`
	PauseDurationTotal float64      `json:"pauseDurationTotal"`
	PauseEvents        []PauseEvent `json:"pauseEvents,omitempty"`
}
