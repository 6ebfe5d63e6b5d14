// Package worker implements the transcode worker: it tails the control log,
// claims streams, drives a muxer child per stream, uploads the outputs, and
// publishes progress events.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/livecast-io/livecast/internal/broker"
	"github.com/livecast-io/livecast/internal/config"
	"github.com/livecast-io/livecast/internal/model"
	"github.com/livecast-io/livecast/internal/muxer"
	"github.com/livecast-io/livecast/internal/objstore"
	"github.com/livecast-io/livecast/internal/observability"
)

// Options configures a Worker.
type Options struct {
	Broker    broker.Broker
	Store     objstore.Store
	Config    config.WorkerConfig
	Transcode config.TranscodeConfig
	// CompleteRetention is how long a finished stream record stays in the
	// broker to answer late status queries.
	CompleteRetention time.Duration
	Logger            *slog.Logger

	// MuxerCommand overrides the transcode command; tests use it to stand
	// in a harmless child process.
	MuxerCommand *muxer.Command
}

// Worker is one transcode worker process.
type Worker struct {
	id        string
	broker    broker.Broker
	store     objstore.Store
	cfg       config.WorkerConfig
	tcfg      config.TranscodeConfig
	retention time.Duration
	logger    *slog.Logger

	muxerCommand *muxer.Command

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	hbCtx   context.Context
	hbStop  context.CancelFunc

	wg     sync.WaitGroup
	hbWg   sync.WaitGroup
	taskWg sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task

	cron *cron.Cron
}

// New creates a Worker.
func New(opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := opts.Config.ID
	if id == "" {
		id = uuid.NewString()
	}
	retention := opts.CompleteRetention
	if retention <= 0 {
		retention = 5 * time.Minute
	}

	return &Worker{
		id:           id,
		broker:       opts.Broker,
		store:        opts.Store,
		cfg:          opts.Config,
		tcfg:         opts.Transcode,
		retention:    retention,
		logger:       observability.WithComponent(logger, "worker").With(slog.String("worker_id", id)),
		muxerCommand: opts.MuxerCommand,
		tasks:        make(map[string]*task),
	}
}

// ID returns the worker's identity used in ownership and heartbeat keys.
func (w *Worker) ID() string {
	return w.id
}

// Start begins heartbeating, reclaims orphaned streams, and follows the
// control log.
func (w *Worker) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("worker already started")
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	// Heartbeats outlive the control loop so owned streams stay visibly
	// ours until finalization is done.
	w.hbCtx, w.hbStop = context.WithCancel(context.Background())

	if err := w.refreshHeartbeat(w.hbCtx); err != nil {
		w.running.Store(false)
		w.cancel()
		w.hbStop()
		return fmt.Errorf("writing initial heartbeat: %w", err)
	}

	w.reclaimSweep(w.ctx)

	w.hbWg.Add(1)
	go w.heartbeatLoop()
	w.wg.Add(1)
	go w.controlLoop()

	if w.cfg.ReclaimCron != "" {
		w.cron = cron.New()
		if _, err := w.cron.AddFunc(w.cfg.ReclaimCron, func() { w.reclaimSweep(w.ctx) }); err != nil {
			w.logger.Error("invalid reclaim schedule",
				slog.String("schedule", w.cfg.ReclaimCron),
				slog.String("error", err.Error()))
			w.cron = nil
		} else {
			w.cron.Start()
		}
	}

	w.logger.Info("worker started")
	return nil
}

// Stop drains every owned stream, finalizes, and stops heartbeating last.
func (w *Worker) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}

	w.logger.Info("worker stopping")
	if w.cron != nil {
		w.cron.Stop()
	}

	// Stop taking on new work, then let every task drain and finalize.
	w.cancel()
	w.wg.Wait()
	w.taskWg.Wait()

	w.hbStop()
	w.hbWg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

// heartbeatLoop refreshes the liveness key until the worker is fully
// stopped. A failed refresh is retried on the next tick.
func (w *Worker) heartbeatLoop() {
	defer w.hbWg.Done()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.hbCtx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := w.broker.Del(ctx, broker.HeartbeatKey(w.id)); err != nil {
				w.logger.Warn("removing heartbeat key", slog.String("error", err.Error()))
			}
			cancel()
			return
		case <-ticker.C:
			if err := w.refreshHeartbeat(w.hbCtx); err != nil {
				w.logger.Warn("heartbeat refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (w *Worker) refreshHeartbeat(ctx context.Context) error {
	return w.broker.Set(ctx, broker.HeartbeatKey(w.id),
		time.Now().UTC().Format(time.RFC3339Nano), w.cfg.HeartbeatTTL)
}

// controlLoop tails the shared control log from the current end.
func (w *Worker) controlLoop() {
	defer w.wg.Done()

	cursor := broker.CursorNew
	for {
		if w.ctx.Err() != nil {
			return
		}

		entries, next, err := w.broker.ReadTail(w.ctx, broker.ControlLog, cursor, w.cfg.ControlBlock)
		if err != nil {
			if w.ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			w.logger.Error("reading control log", slog.String("error", err.Error()))
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(w.cfg.ControlBlock):
			}
			continue
		}
		cursor = next

		for _, entry := range entries {
			w.handleControlEntry(entry)
		}
	}
}

func (w *Worker) handleControlEntry(entry broker.LogEntry) {
	var event model.ControlEvent
	if err := json.Unmarshal(entry.Data, &event); err != nil {
		w.logger.Warn("discarding malformed control event",
			slog.String("entry_id", entry.ID),
			slog.String("error", err.Error()))
		return
	}

	switch event.Type {
	case model.ControlStreamStart:
		w.handleStreamStart(&event)
	case model.ControlStreamStop:
		w.handleStreamStop(&event)
	default:
		w.logger.Warn("unknown control event type", slog.String("type", string(event.Type)))
	}
}

// handleStreamStart races the other workers for ownership; exactly one
// claim succeeds.
func (w *Worker) handleStreamStart(event *model.ControlEvent) {
	ok, err := w.broker.SetNX(w.ctx, broker.OwnerKey(event.StreamID), w.id, 0)
	if err != nil {
		w.logger.Error("claiming stream",
			slog.String("stream_id", event.StreamID),
			slog.String("error", err.Error()))
		return
	}
	if !ok {
		w.logger.Debug("claim skipped, stream already owned",
			slog.String("stream_id", event.StreamID))
		return
	}

	w.logger.Info("claimed stream", slog.String("stream_id", event.StreamID))
	w.publishStatusChange(event.StreamID, model.RecordingTranscoding)
	w.startTask(event.StreamID, event.Bucket, event.Prefix, -1)
}

func (w *Worker) handleStreamStop(event *model.ControlEvent) {
	w.mu.Lock()
	t := w.tasks[event.StreamID]
	w.mu.Unlock()

	if t == nil {
		w.logger.Debug("stop for stream not owned here",
			slog.String("stream_id", event.StreamID))
		return
	}
	t.beginDrain()
}

func (w *Worker) publishStatusChange(streamID string, status model.RecordingStatus) {
	event := model.ProgressEvent{
		Type:      model.ProgressStatusChange,
		StreamID:  streamID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	data, _ := json.Marshal(event)
	if err := w.broker.Publish(w.ctx, broker.EventsChannel(streamID), data); err != nil {
		w.logger.Warn("publishing status change",
			slog.String("stream_id", streamID),
			slog.String("error", err.Error()))
	}
}

// startTask spawns the per-stream transcoding task. resumeSeq is the last
// chunk sequence already applied, or -1 for a fresh stream.
func (w *Worker) startTask(streamID, bucket, prefix string, resumeSeq int64) {
	t := newTask(taskConfig{
		StreamID:          streamID,
		Bucket:            bucket,
		Prefix:            prefix,
		WorkerID:          w.id,
		OutputDir:         filepath.Join(w.cfg.TempRoot, streamID),
		ReadTimeout:       w.cfg.ChunkReadTimeout,
		PollInterval:      w.cfg.PollInterval,
		Quiescence:        w.cfg.Quiescence,
		ExitGrace:         w.cfg.MuxerExitGrace,
		CompleteRetention: w.retention,
		Transcode:         w.tcfg,
		ResumeSeq:         resumeSeq,
		MuxerCommand:      w.muxerCommand,
	}, w.broker, w.store, w.logger)

	w.mu.Lock()
	if _, exists := w.tasks[streamID]; exists {
		w.mu.Unlock()
		w.logger.Warn("task already running", slog.String("stream_id", streamID))
		return
	}
	w.tasks[streamID] = t
	w.mu.Unlock()

	w.taskWg.Add(1)
	go func() {
		defer w.taskWg.Done()
		t.run(w.ctx)
		w.mu.Lock()
		delete(w.tasks, streamID)
		w.mu.Unlock()
	}()
}

// reclaimSweep adopts streams whose owner's heartbeat has expired. It runs
// on startup and, when configured, on a cron schedule. The fresh muxer
// needs the full byte stream, so adopted streams replay their chunk log
// from the beginning.
func (w *Worker) reclaimSweep(ctx context.Context) {
	keys, err := w.broker.Keys(ctx, broker.OwnerPattern)
	if err != nil {
		w.logger.Error("listing ownership keys", slog.String("error", err.Error()))
		return
	}

	for _, key := range keys {
		streamID := broker.StreamIDFromOwnerKey(key)

		owner, err := w.broker.Get(ctx, key)
		if err != nil {
			continue
		}

		w.mu.Lock()
		_, active := w.tasks[streamID]
		w.mu.Unlock()
		if active {
			continue
		}

		if owner != w.id {
			_, err := w.broker.Get(ctx, broker.HeartbeatKey(owner))
			if err == nil {
				// Owner is alive; never steal mid-flight.
				continue
			}
			if !errors.Is(err, broker.ErrKeyNotFound) {
				continue
			}
		}

		state, err := broker.LoadStreamState(ctx, w.broker, streamID)
		if err != nil || !state.Status.IsActive() {
			continue
		}

		// The swap only lands while the stale owner is still on the key, so
		// two workers sweeping at once cannot both adopt the stream.
		swapped, err := w.broker.CompareAndSet(ctx, key, owner, w.id, 0)
		if err != nil {
			w.logger.Error("rewriting ownership",
				slog.String("stream_id", streamID),
				slog.String("error", err.Error()))
			continue
		}
		if !swapped {
			w.logger.Debug("reclaim lost to another worker",
				slog.String("stream_id", streamID))
			continue
		}

		w.logger.Info("reclaimed orphaned stream",
			slog.String("stream_id", streamID),
			slog.String("previous_owner", owner))
		w.publishStatusChange(streamID, model.RecordingTranscoding)
		w.startTask(streamID, state.Bucket, state.Prefix, -1)
	}
}

// MuxerStats reports process stats for the muxer driving streamID, or nil
// when this worker does not own the stream.
func (w *Worker) MuxerStats(streamID string) *muxer.ProcessStats {
	w.mu.Lock()
	t := w.tasks[streamID]
	w.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.muxerStats()
}

// TaskCount reports the number of streams this worker currently owns.
func (w *Worker) TaskCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tasks)
}
