package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/livecast-io/livecast/internal/broker"
	"github.com/livecast-io/livecast/internal/model"
	"github.com/livecast-io/livecast/internal/muxer"
	"github.com/livecast-io/livecast/internal/repository"
)

// MuxerStatsProvider reports process stats for the muxer driving a stream,
// when this process happens to own it.
type MuxerStatsProvider interface {
	MuxerStats(streamID string) *muxer.ProcessStats
}

// StreamHandler serves the REST fallback for clients that cannot hold the
// bidirectional transport: per-stream status and an out-of-band stop.
type StreamHandler struct {
	broker     broker.Broker
	recordings repository.RecordingRepository
	stats      MuxerStatsProvider
	logger     *slog.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(b broker.Broker, recordings repository.RecordingRepository, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{broker: b, recordings: recordings, logger: logger}
}

// WithMuxerStats attaches a muxer stats provider; worker processes use this
// to surface transcode CPU and memory on the status envelope.
func (h *StreamHandler) WithMuxerStats(p MuxerStatsProvider) *StreamHandler {
	h.stats = p
	return h
}

// StreamStatusInput is the input for the stream status endpoint.
type StreamStatusInput struct {
	ID string `path:"id" doc:"Stream identifier"`
}

// StreamStatusOutput is the output for the stream status endpoint.
type StreamStatusOutput struct {
	Body StreamResource
}

// StreamStopInput is the input for the stream stop endpoint.
type StreamStopInput struct {
	ID   string `path:"id" doc:"Stream identifier"`
	Body StopRequest
}

// StreamStopOutput is the output for the stream stop endpoint.
type StreamStopOutput struct {
	Body StopResponse
}

// Register registers the stream routes with the API.
func (h *StreamHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStreamStatus",
		Method:      "GET",
		Path:        "/api/v1/streams/{id}",
		Summary:     "Get stream status",
		Description: "Returns the current status of a live stream, falling back to the durable recording record once the stream record has expired",
		Tags:        []string{"Streams"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "stopStream",
		Method:      "POST",
		Path:        "/api/v1/streams/{id}/stop",
		Summary:     "Stop a stream",
		Description: "Requests a stop for a live stream, used when the websocket transport is unavailable",
		Tags:        []string{"Streams"},
	}, h.Stop)
}

// GetStatus answers from the broker for live streams and from the recording
// record for finished ones.
func (h *StreamHandler) GetStatus(ctx context.Context, input *StreamStatusInput) (*StreamStatusOutput, error) {
	state, err := broker.LoadStreamState(ctx, h.broker, input.ID)
	if err == nil {
		attrs := StreamAttributes{
			Status:     string(state.Status),
			Live:       state.Status.IsActive(),
			Owner:      state.Owner,
			ChunkCount: state.ChunkCount,
			Bucket:     state.Bucket,
		}
		if !state.StartedAt.IsZero() {
			attrs.StartedAt = state.StartedAt.UTC().Format(time.RFC3339Nano)
		}
		if h.stats != nil {
			attrs.Transcode = h.stats.MuxerStats(input.ID)
		}
		return &StreamStatusOutput{Body: StreamResource{
			ID:         input.ID,
			Type:       "stream",
			Attributes: attrs,
		}}, nil
	}
	if !errors.Is(err, broker.ErrKeyNotFound) {
		return nil, huma.Error502BadGateway("querying stream state", err)
	}

	rec, err := h.recordings.GetByID(ctx, input.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("querying recording record", err)
	}
	if rec == nil {
		return nil, huma.Error404NotFound("stream not found")
	}

	attrs := StreamAttributes{
		Status:     string(rec.Status),
		Live:       rec.IsLiveStreaming,
		Bucket:     rec.StorageBucket,
		StorageKey: rec.StorageKey,
		Duration:   rec.Duration,
		FileBytes:  rec.FileBytes,
	}
	if rec.StreamStartedAt != nil {
		attrs.StartedAt = rec.StreamStartedAt.UTC().Format(time.RFC3339Nano)
	}
	return &StreamStatusOutput{Body: StreamResource{
		ID:         input.ID,
		Type:       "stream",
		Attributes: attrs,
	}}, nil
}

// Stop flips a live stream to ending and announces the stop on the control
// log. A repeated stop is idempotent: it reports the current status without
// publishing a second stop event.
func (h *StreamHandler) Stop(ctx context.Context, input *StreamStopInput) (*StreamStopOutput, error) {
	state, err := broker.LoadStreamState(ctx, h.broker, input.ID)
	if err != nil {
		if errors.Is(err, broker.ErrKeyNotFound) {
			return nil, huma.Error404NotFound("stream not found")
		}
		return nil, huma.Error502BadGateway("querying stream state", err)
	}

	if state.Status != model.StreamLive {
		return &StreamStopOutput{Body: StopResponse{
			ID:     input.ID,
			Status: string(state.Status),
		}}, nil
	}

	if err := broker.SetStreamStatus(ctx, h.broker, input.ID, model.StreamEnding); err != nil {
		return nil, huma.Error502BadGateway("updating stream state", err)
	}

	stats := stopStatsFromRequest(&input.Body)
	event := model.ControlEvent{
		Type:     model.ControlStreamStop,
		StreamID: input.ID,
		Stats:    stats,
	}
	payload, _ := json.Marshal(event)
	if _, err := h.broker.Append(ctx, broker.ControlLog, payload); err != nil {
		return nil, huma.Error502BadGateway("announcing stream stop", err)
	}

	if err := h.recordings.MarkStopped(ctx, input.ID, time.Now().UTC(), stats); err != nil {
		h.logger.Error("marking recording stopped",
			slog.String("stream_id", input.ID),
			slog.String("error", err.Error()))
	}

	h.logger.Info("stream stop requested over http",
		slog.String("stream_id", input.ID),
		slog.Float64("duration", stats.Duration))

	return &StreamStopOutput{Body: StopResponse{
		ID:     input.ID,
		Status: string(model.StreamEnding),
	}}, nil
}

func stopStatsFromRequest(req *StopRequest) *model.StopStats {
	stats := &model.StopStats{
		Duration:           req.Duration,
		PauseCount:         req.PauseCount,
		PauseDurationTotal: req.PauseDurationTotal,
	}
	for _, p := range req.PauseEvents {
		stats.PauseEvents = append(stats.PauseEvents, model.PauseEvent{
			PausedAt:  p.PausedAt,
			ResumedAt: p.ResumedAt,
			Duration:  p.Duration,
		})
	}
	return stats
}
