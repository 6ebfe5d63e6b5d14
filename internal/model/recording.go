package model

import "time"

// RecordingStatus is the user-visible state of the recording record. Unlike
// StreamStatus it survives the stream: playback services read it long after
// the broker record is gone.
type RecordingStatus string

// Recording statuses written by the pipeline.
const (
	RecordingRecording   RecordingStatus = "recording"
	RecordingTranscoding RecordingStatus = "transcoding"
	RecordingReady       RecordingStatus = "ready"
	RecordingFailed      RecordingStatus = "error"
)

// PlaybackFormat selects how the player consumes a finished recording.
type PlaybackFormat string

// Playback formats.
const (
	PlaybackVideo PlaybackFormat = "video"
	PlaybackHLS   PlaybackFormat = "hls"
)

// Recording is the durable per-session record shared with the rest of the
// product. The pipeline only ever performs narrow field updates on it;
// multiple producers converge on this row.
type Recording struct {
	ID                 string          `gorm:"primaryKey" json:"id"`
	Status             RecordingStatus `gorm:"index" json:"status"`
	IsLiveStreaming    bool            `json:"isLiveStreaming"`
	StreamStartedAt    *time.Time      `json:"streamStartedAt,omitempty"`
	StreamEndedAt      *time.Time      `json:"streamEndedAt,omitempty"`
	Duration           float64         `json:"duration"`
	PauseCount         int             `json:"pauseCount"`
	PauseDurationTotal float64         `json:"pauseDurationTotal"`
	PauseEvents        []PauseEvent    `gorm:"serializer:json" json:"pauseEvents,omitempty"`
	StorageBucket      string          `json:"storageBucket"`
	StorageKey         string          `json:"storageKey"`
	FileBytes          int64           `json:"fileBytes"`
	PlaybackFormat     PlaybackFormat  `json:"playbackFormat"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName overrides the table name used by gorm.
func (Recording) TableName() string {
	return "recordings"
}
