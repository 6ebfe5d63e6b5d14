package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
		check   func(t *testing.T, f *ClientFrame)
	}{
		{
			name: "start",
			data: `{"type":"start","recordingId":"s1"}`,
			check: func(t *testing.T, f *ClientFrame) {
				assert.Equal(t, FrameStart, f.Type)
				assert.Equal(t, "s1", f.RecordingID)
			},
		},
		{
			name: "stop with pause stats",
			data: `{"type":"stop","duration":40,"pauseCount":2,"pauseDurationTotal":3.5,` +
				`"pauseEvents":[{"pausedAt":10,"resumedAt":12,"duration":2}]}`,
			check: func(t *testing.T, f *ClientFrame) {
				assert.Equal(t, FrameStop, f.Type)
				stats := f.StopStats()
				assert.Equal(t, 40.0, stats.Duration)
				assert.Equal(t, 2, stats.PauseCount)
				require.Len(t, stats.PauseEvents, 1)
				assert.Equal(t, 2.0, stats.PauseEvents[0].Duration)
			},
		},
		{
			name: "stop with empty stats",
			data: `{"type":"stop"}`,
			check: func(t *testing.T, f *ClientFrame) {
				assert.Equal(t, StopStats{}, f.StopStats())
			},
		},
		{
			name: "ping",
			data: `{"type":"ping"}`,
			check: func(t *testing.T, f *ClientFrame) {
				assert.Equal(t, FramePing, f.Type)
			},
		},
		{
			name:    "start missing recordingId",
			data:    `{"type":"start"}`,
			wantErr: ErrMalformedFrame,
		},
		{
			name:    "unknown type",
			data:    `{"type":"subscribe"}`,
			wantErr: ErrUnknownFrameType,
		},
		{
			name:    "not json",
			data:    `start s1`,
			wantErr: ErrMalformedFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseClientFrame([]byte(tt.data))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, frame)
		})
	}
}

func TestStreamStatus(t *testing.T) {
	assert.True(t, StreamComplete.IsTerminal())
	assert.True(t, StreamError.IsTerminal())
	assert.False(t, StreamLive.IsTerminal())

	assert.True(t, StreamLive.IsActive())
	assert.True(t, StreamEnding.IsActive())
	assert.False(t, StreamStarting.IsActive())
	assert.False(t, StreamComplete.IsActive())
}
