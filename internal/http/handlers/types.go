package handlers

import "github.com/livecast-io/livecast/internal/muxer"

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status        string            `json:"status" doc:"Overall health status"`
	Timestamp     string            `json:"timestamp" doc:"Time of the health check"`
	Version       string            `json:"version" doc:"Service version"`
	Uptime        string            `json:"uptime" doc:"Human-readable uptime"`
	UptimeSeconds float64           `json:"uptime_seconds" doc:"Uptime in seconds"`
	CPUInfo       CPUInfo           `json:"cpu" doc:"CPU load information"`
	Memory        MemoryInfo        `json:"memory" doc:"Memory usage information"`
	Checks        map[string]string `json:"checks" doc:"Per-component health"`
}

// CPUInfo holds CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds memory usage information.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_mb"`
	UsedMemoryMB      float64 `json:"used_mb"`
	AvailableMemoryMB float64 `json:"available_mb"`
	ProcessMemoryMB   float64 `json:"process_mb"`
}

// StreamResource is the resource-plus-attributes envelope returned by the
// stream status endpoint.
type StreamResource struct {
	ID         string           `json:"id" doc:"Stream identifier"`
	Type       string           `json:"type" doc:"Resource type, always stream"`
	Attributes StreamAttributes `json:"attributes"`
}

// StreamAttributes describes the current state of a stream. Live streams are
// answered from the coordination broker; finished ones fall back to the
// durable recording record.
type StreamAttributes struct {
	Status     string  `json:"status"`
	Live       bool    `json:"live"`
	Owner      string  `json:"owner,omitempty"`
	ChunkCount int64   `json:"chunkCount,omitempty"`
	StartedAt  string  `json:"startedAt,omitempty"`
	Bucket     string  `json:"bucket,omitempty"`
	StorageKey string  `json:"storageKey,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	FileBytes  int64   `json:"fileBytes,omitempty"`

	// Transcode is only present on the worker that owns the stream.
	Transcode *muxer.ProcessStats `json:"transcode,omitempty"`
}

// StopRequest carries the recorder-reported session statistics delivered
// with an HTTP stop. All fields are optional.
type StopRequest struct {
	Duration           float64          `json:"duration,omitempty"`
	PauseCount         int              `json:"pauseCount,omitempty"`
	PauseDurationTotal float64          `json:"pauseDurationTotal,omitempty"`
	PauseEvents        []PauseEventBody `json:"pauseEvents,omitempty"`
}

// PauseEventBody is one recorder-reported pause interval.
type PauseEventBody struct {
	PausedAt  float64 `json:"pausedAt"`
	ResumedAt float64 `json:"resumedAt"`
	Duration  float64 `json:"duration"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
