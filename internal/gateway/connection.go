package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/livecast-io/livecast/internal/broker"
	"github.com/livecast-io/livecast/internal/model"
	"github.com/livecast-io/livecast/internal/objstore"
)

// connection is one recorder or viewer websocket. The read loop owns all
// session state; the write loop drains the send channel.
type connection struct {
	id     string
	gw     *Gateway
	ws     *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	closeOnce sync.Once

	// Session state, touched only by the read loop.
	streamID string
	prefix   string
	nextSeq  int64
	stopped  bool
}

func newConnection(g *Gateway, ws *websocket.Conn) *connection {
	id := ulid.Make().String()
	return &connection{
		id:     id,
		gw:     g,
		ws:     ws,
		send:   make(chan []byte, 256),
		logger: g.logger.With(slog.String("connection_id", id)),
	}
}

// close removes the connection from the gateway and closes the send
// channel. Removal and channel close happen under the gateway mutex so a
// concurrent broadcast can never write to a closed channel.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.gw.mu.Lock()
		delete(c.gw.conns, c)
		c.gw.mu.Unlock()
		close(c.send)
		c.logger.Debug("connection closed")
	})
}

// readLoop consumes frames until the connection drops. A recorder that
// disconnects mid-stream gets an implicit stop.
func (c *connection) readLoop() {
	defer func() {
		c.implicitStop()
		c.close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.gw.cfg.MaxChunkBytes)
	c.ws.SetReadDeadline(time.Now().Add(c.gw.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.gw.cfg.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("connection read error", slog.String("error", err.Error()))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if !c.handleControl(data) {
				return
			}
		case websocket.BinaryMessage:
			if c.streamID == "" {
				c.sendError("binary frame before start")
				return
			}
			c.handleChunk(data)
		}
	}
}

// writeLoop drains the send channel and keeps the connection alive with
// pings.
func (c *connection) writeLoop() {
	pingPeriod := c.gw.cfg.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleControl dispatches one text frame. It reports false on a protocol
// violation; the read loop then drops the connection after the error frame
// has been queued.
func (c *connection) handleControl(data []byte) bool {
	frame, err := model.ParseClientFrame(data)
	if err != nil {
		c.sendError(err.Error())
		return false
	}

	switch frame.Type {
	case model.FrameStart:
		return c.handleStart(frame.RecordingID)
	case model.FrameStop:
		stats := frame.StopStats()
		return c.handleStop(&stats)
	case model.FramePing:
		c.sendJSON(model.PongFrame{Type: model.FramePong, Timestamp: time.Now().UnixMilli()})
	}
	return true
}

func (c *connection) handleStart(recordingID string) bool {
	if c.streamID != "" {
		// Out-of-order control; the connection is dropped.
		c.sendError("stream already started on this connection")
		return false
	}

	ctx := c.gw.ctx

	// A restarted session is only accepted while no worker has claimed the
	// stream; once claimed, the original byte sequence is already committed.
	if owner, err := c.gw.broker.Get(ctx, broker.OwnerKey(recordingID)); err == nil {
		c.logger.Warn("rejecting start for claimed stream", slog.String("owner", owner))
		c.sendError("stream already claimed")
		return true
	}

	now := time.Now().UTC()
	prefix := objstore.DatePrefix(c.gw.keyPrefix, now)

	stream := &model.Stream{
		ID:        recordingID,
		Status:    model.StreamLive,
		Bucket:    c.gw.bucket,
		Prefix:    prefix,
		StartedAt: now,
	}
	if err := c.gw.broker.HSet(ctx, broker.StateKey(recordingID), broker.StreamStateFields(stream)); err != nil {
		c.sendError("initializing stream state: " + err.Error())
		return true
	}

	event := model.ControlEvent{
		Type:     model.ControlStreamStart,
		StreamID: recordingID,
		Bucket:   c.gw.bucket,
		Prefix:   prefix,
	}
	payload, _ := json.Marshal(event)
	if _, err := c.gw.broker.Append(ctx, broker.ControlLog, payload); err != nil {
		c.sendError("announcing stream: " + err.Error())
		return true
	}

	if err := c.gw.recordings.MarkStreaming(ctx, recordingID, now); err != nil {
		c.logger.Error("marking recording streaming", slog.String("error", err.Error()))
	}
	manifestKey := objstore.ManifestKey(prefix, recordingID)
	if err := c.gw.recordings.SetStorage(ctx, recordingID, c.gw.bucket, manifestKey, model.PlaybackHLS); err != nil {
		c.logger.Error("setting recording storage", slog.String("error", err.Error()))
	}

	c.streamID = recordingID
	c.prefix = prefix
	c.logger = c.logger.With(slog.String("stream_id", recordingID))
	c.logger.Info("stream started", slog.String("prefix", prefix))

	c.sendJSON(model.StartedFrame{
		Type:        model.FrameStarted,
		RecordingID: recordingID,
		Status:      model.StreamLive,
	})
	return true
}

func (c *connection) handleStop(stats *model.StopStats) bool {
	if c.streamID == "" {
		// Out-of-order control; the connection is dropped.
		c.sendError("stop before start")
		return false
	}
	if c.stopped {
		return true
	}

	if err := c.publishStop(stats); err != nil {
		c.sendError("stopping stream: " + err.Error())
		return true
	}
	c.stopped = true

	// Acknowledge immediately; the terminal status arrives as a progress
	// event once the worker finalizes.
	c.sendJSON(model.StoppedFrame{
		Type:        model.FrameStopped,
		RecordingID: c.streamID,
		Status:      model.StreamEnding,
	})
	return true
}

// publishStop flips the stream to ending and announces the stop on the
// control log.
func (c *connection) publishStop(stats *model.StopStats) error {
	ctx := c.gw.ctx

	if err := broker.SetStreamStatus(ctx, c.gw.broker, c.streamID, model.StreamEnding); err != nil {
		return err
	}

	event := model.ControlEvent{
		Type:     model.ControlStreamStop,
		StreamID: c.streamID,
		Stats:    stats,
	}
	payload, _ := json.Marshal(event)
	if _, err := c.gw.broker.Append(ctx, broker.ControlLog, payload); err != nil {
		return err
	}

	if err := c.gw.recordings.MarkStopped(ctx, c.streamID, time.Now().UTC(), stats); err != nil {
		c.logger.Error("marking recording stopped", slog.String("error", err.Error()))
	}

	c.logger.Info("stream stopping",
		slog.Int64("chunks", c.nextSeq),
		slog.Float64("duration", stats.Duration))
	return nil
}

// implicitStop treats a recorder disconnect without a stop frame as a stop
// with empty stats, provided the stream is still live.
func (c *connection) implicitStop() {
	if c.streamID == "" || c.stopped {
		return
	}

	state, err := broker.LoadStreamState(c.gw.ctx, c.gw.broker, c.streamID)
	if err != nil || state.Status != model.StreamLive {
		return
	}

	c.logger.Warn("recorder disconnected without stop, stopping implicitly")
	if err := c.publishStop(&model.StopStats{}); err != nil {
		c.logger.Error("implicit stop failed", slog.String("error", err.Error()))
		return
	}
	c.stopped = true
}

// handleChunk persists one binary media frame and commits it to the chunk
// log. The log append happens only after the object write succeeds, so a
// reader observing a sequence number can unconditionally fetch its object.
func (c *connection) handleChunk(data []byte) {
	ctx := c.gw.ctx
	seq := c.nextSeq
	key := objstore.ChunkKey(c.prefix, c.streamID, seq)

	if err := c.gw.store.PutBytes(ctx, key, data, objstore.ContentTypeWebM); err != nil {
		// The sequence counter does not advance, so the recorder can retry.
		c.logger.Error("chunk write failed",
			slog.Int64("seq", seq),
			slog.String("error", err.Error()))
		c.sendError("storing chunk " + key + ": " + err.Error())
		return
	}
	c.nextSeq = seq + 1

	if _, err := c.gw.broker.HIncrBy(ctx, broker.StateKey(c.streamID), broker.FieldChunkCount, 1); err != nil {
		c.logger.Warn("chunk counter update failed", slog.String("error", err.Error()))
	}

	chunk := model.Chunk{
		Seq:       seq,
		Key:       key,
		Size:      int64(len(data)),
		Timestamp: time.Now().UTC(),
	}
	payload, _ := json.Marshal(chunk)
	if _, err := c.gw.broker.Append(ctx, broker.ChunkLog(c.streamID), payload); err != nil {
		// The orphan object is tolerated; readers reconcile gaps against
		// the chunk counter.
		c.logger.Warn("chunk log append failed",
			slog.Int64("seq", seq),
			slog.String("error", err.Error()))
	}
}

func (c *connection) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encoding frame", slog.String("error", err.Error()))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping frame")
	}
}

func (c *connection) sendError(detail string) {
	c.sendJSON(model.ErrorFrame{Type: model.FrameError, Detail: detail})
}
