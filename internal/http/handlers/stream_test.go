package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/livecast-io/livecast/internal/broker"
	"github.com/livecast-io/livecast/internal/model"
	"github.com/livecast-io/livecast/internal/repository"
)

type streamHandlerFixture struct {
	handler *StreamHandler
	broker  *broker.MemoryBroker
	repo    repository.RecordingRepository
}

func setupStreamHandler(t *testing.T) *streamHandlerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Recording{}))

	b := broker.NewMemoryBroker()
	t.Cleanup(func() { b.Close() })

	repo := repository.NewRecordingRepository(db)
	return &streamHandlerFixture{
		handler: NewStreamHandler(b, repo, nil),
		broker:  b,
		repo:    repo,
	}
}

func (f *streamHandlerFixture) seedState(t *testing.T, stream *model.Stream) {
	t.Helper()
	require.NoError(t, f.broker.HSet(context.Background(),
		broker.StateKey(stream.ID), broker.StreamStateFields(stream)))
}

func TestGetStatusLiveStream(t *testing.T) {
	f := setupStreamHandler(t)
	started := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	f.seedState(t, &model.Stream{
		ID:         "s1",
		Status:     model.StreamLive,
		Owner:      "w-1",
		Bucket:     "recordings",
		Prefix:     "recordings/2026/08/24",
		ChunkCount: 7,
		StartedAt:  started,
	})

	out, err := f.handler.GetStatus(context.Background(), &StreamStatusInput{ID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, "s1", out.Body.ID)
	assert.Equal(t, "stream", out.Body.Type)
	assert.Equal(t, "Live", out.Body.Attributes.Status)
	assert.True(t, out.Body.Attributes.Live)
	assert.Equal(t, "w-1", out.Body.Attributes.Owner)
	assert.Equal(t, int64(7), out.Body.Attributes.ChunkCount)
	assert.Equal(t, started.Format(time.RFC3339Nano), out.Body.Attributes.StartedAt)
}

func TestGetStatusFallsBackToRecording(t *testing.T) {
	f := setupStreamHandler(t)
	ctx := context.Background()

	require.NoError(t, f.repo.Create(ctx, &model.Recording{
		ID:            "s2",
		Status:        model.RecordingReady,
		StorageBucket: "recordings",
		StorageKey:    "recordings/2026/08/24/s2/hls/stream.m3u8",
		Duration:      42.5,
		FileBytes:     1 << 20,
	}))

	out, err := f.handler.GetStatus(ctx, &StreamStatusInput{ID: "s2"})
	require.NoError(t, err)

	assert.Equal(t, "ready", out.Body.Attributes.Status)
	assert.False(t, out.Body.Attributes.Live)
	assert.Equal(t, "recordings/2026/08/24/s2/hls/stream.m3u8", out.Body.Attributes.StorageKey)
	assert.Equal(t, 42.5, out.Body.Attributes.Duration)
	assert.Equal(t, int64(1<<20), out.Body.Attributes.FileBytes)
}

func TestGetStatusNotFound(t *testing.T) {
	f := setupStreamHandler(t)

	_, err := f.handler.GetStatus(context.Background(), &StreamStatusInput{ID: "missing"})
	require.Error(t, err)

	var statusErr huma.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.GetStatus())
}

func TestStopLiveStream(t *testing.T) {
	f := setupStreamHandler(t)
	ctx := context.Background()

	require.NoError(t, f.repo.Create(ctx, &model.Recording{ID: "s3", Status: model.RecordingRecording}))
	f.seedState(t, &model.Stream{
		ID:        "s3",
		Status:    model.StreamLive,
		Bucket:    "recordings",
		Prefix:    "recordings/2026/08/24",
		StartedAt: time.Now().UTC(),
	})

	out, err := f.handler.Stop(ctx, &StreamStopInput{
		ID:   "s3",
		Body: StopRequest{Duration: 12.5, PauseCount: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, string(model.StreamEnding), out.Body.Status)

	state, err := broker.LoadStreamState(ctx, f.broker, "s3")
	require.NoError(t, err)
	assert.Equal(t, model.StreamEnding, state.Status)

	entries, _, err := f.broker.ReadTail(ctx, broker.ControlLog, broker.CursorStart, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var event model.ControlEvent
	require.NoError(t, json.Unmarshal(entries[0].Data, &event))
	assert.Equal(t, model.ControlStreamStop, event.Type)
	require.NotNil(t, event.Stats)
	assert.Equal(t, 12.5, event.Stats.Duration)

	rec, err := f.repo.GetByID(ctx, "s3")
	require.NoError(t, err)
	assert.Equal(t, model.RecordingTranscoding, rec.Status)
	assert.Equal(t, 12.5, rec.Duration)
}

func TestStopIsIdempotent(t *testing.T) {
	f := setupStreamHandler(t)
	ctx := context.Background()

	require.NoError(t, f.repo.Create(ctx, &model.Recording{ID: "s4"}))
	f.seedState(t, &model.Stream{
		ID:        "s4",
		Status:    model.StreamLive,
		Bucket:    "recordings",
		Prefix:    "recordings/2026/08/24",
		StartedAt: time.Now().UTC(),
	})

	_, err := f.handler.Stop(ctx, &StreamStopInput{ID: "s4"})
	require.NoError(t, err)

	out, err := f.handler.Stop(ctx, &StreamStopInput{ID: "s4"})
	require.NoError(t, err)
	assert.Equal(t, string(model.StreamEnding), out.Body.Status)

	// Only the first stop reaches the control log.
	entries, _, err := f.broker.ReadTail(ctx, broker.ControlLog, broker.CursorStart, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStopNotFound(t *testing.T) {
	f := setupStreamHandler(t)

	_, err := f.handler.Stop(context.Background(), &StreamStopInput{ID: "missing"})
	require.Error(t, err)

	var statusErr huma.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 404, statusErr.GetStatus())
}
