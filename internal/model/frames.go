package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type errors.
var (
	// ErrUnknownFrameType is returned for a control frame whose type field
	// names no known variant. The gateway treats this as a protocol error.
	ErrUnknownFrameType = errors.New("unknown frame type")
	// ErrMalformedFrame is returned when a control frame cannot be decoded.
	ErrMalformedFrame = errors.New("malformed frame")
)

// ClientFrameType discriminates recorder-to-gateway text frames.
type ClientFrameType string

// Client frame types.
const (
	FrameStart ClientFrameType = "start"
	FrameStop  ClientFrameType = "stop"
	FramePing  ClientFrameType = "ping"
)

// ClientFrame is a decoded recorder control frame. Exactly the fields for the
// named Type are populated.
type ClientFrame struct {
	Type ClientFrameType `json:"type"`

	// start
	RecordingID string `json:"recordingId,omitempty"`

	// stop
	Duration           float64      `json:"duration,omitempty"`
	PauseCount         int          `json:"pauseCount,omitempty"`
	PauseDurationTotal float64      `json:"pauseDurationTotal,omitempty"`
	PauseEvents        []PauseEvent `json:"pauseEvents,omitempty"`
}

// StopStats extracts the recorder-supplied statistics from a stop frame.
func (f *ClientFrame) StopStats() StopStats {
	return StopStats{
		Duration:           f.Duration,
		PauseCount:         f.PauseCount,
		PauseDurationTotal: f.PauseDurationTotal,
		PauseEvents:        f.PauseEvents,
	}
}

// ParseClientFrame decodes a recorder text frame. Unknown types and frames
// missing required fields are rejected.
func ParseClientFrame(data []byte) (*ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch frame.Type {
	case FrameStart:
		if frame.RecordingID == "" {
			return nil, fmt.Errorf("%w: start frame missing recordingId", ErrMalformedFrame)
		}
	case FrameStop, FramePing:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrameType, frame.Type)
	}

	return &frame, nil
}

// Server frame types not shared with ProgressEventType.
const (
	FrameStarted = "started"
	FrameStopped = "stopped"
	FramePong    = "pong"
	FrameError   = "error"
)

// StartedFrame acknowledges a start control frame.
type StartedFrame struct {
	Type        string       `json:"type"`
	RecordingID string       `json:"recordingId"`
	Status      StreamStatus `json:"status"`
}

// StoppedFrame acknowledges a stop control frame. The stream keeps
// transcoding after this ack; the terminal status arrives as a progress
// event.
type StoppedFrame struct {
	Type        string       `json:"type"`
	RecordingID string       `json:"recordingId"`
	Status      StreamStatus `json:"status"`
}

// PongFrame answers a ping.
type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame reports a protocol or storage failure to the recorder.
type ErrorFrame struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}
