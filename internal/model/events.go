package model

import "time"

// ControlEventType discriminates entries on the shared control log.
type ControlEventType string

// Control event types.
const (
	ControlStreamStart ControlEventType = "stream_start"
	ControlStreamStop  ControlEventType = "stream_stop"
)

// ControlEvent is one entry on the shared control log. The broker totally
// orders these across all streams.
type ControlEvent struct {
	Type     ControlEventType `json:"type"`
	StreamID string           `json:"streamId"`
	Bucket   string           `json:"bucket,omitempty"`
	Prefix   string           `json:"prefix,omitempty"`
	Stats    *StopStats       `json:"stats,omitempty"`
}

// ProgressEventType discriminates per-stream progress events. The values
// double as websocket frame types when the gateway relays them to viewers.
type ProgressEventType string

// Progress event types.
const (
	ProgressSegmentReady    ProgressEventType = "segmentReady"
	ProgressManifestUpdated ProgressEventType = "manifestUpdated"
	ProgressStatusChange    ProgressEventType = "statusChange"
	ProgressStreamComplete  ProgressEventType = "streamComplete"
	ProgressStreamError     ProgressEventType = "streamError"
)

// ProgressEvent is published on a stream's event channel by the transcode
// worker and relayed to viewers by the gateway. Each event is self-describing;
// consumers must not rely on cross-channel ordering.
type ProgressEvent struct {
	Type     ProgressEventType `json:"type"`
	StreamID string            `json:"streamId"`

	// SegmentReady
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`

	// ManifestUpdated
	Key string `json:"key,omitempty"`

	// StatusChange
	Status RecordingStatus `json:"status,omitempty"`

	// StreamComplete
	SegmentCount int   `json:"segmentCount,omitempty"`
	TotalBytes   int64 `json:"totalBytes,omitempty"`

	// StreamError
	Reason string `json:"reason,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
