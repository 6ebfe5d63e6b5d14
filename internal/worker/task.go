package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/livecast-io/livecast/internal/broker"
	"github.com/livecast-io/livecast/internal/config"
	"github.com/livecast-io/livecast/internal/model"
	"github.com/livecast-io/livecast/internal/muxer"
	"github.com/livecast-io/livecast/internal/objstore"
	"github.com/livecast-io/livecast/internal/observability"
)

// chunkFetchAttempts bounds retries for a chunk object download.
const chunkFetchAttempts = 3

// chunkFetchBackoff is the base delay between download attempts.
const chunkFetchBackoff = 100 * time.Millisecond

// manifestSettle is the pause before a manifest upload, giving the muxer
// time to finish its rewrite.
const manifestSettle = 100 * time.Millisecond

// taskConfig parameterizes one per-stream transcoding task.
type taskConfig struct {
	StreamID  string
	Bucket    string
	Prefix    string
	WorkerID  string
	OutputDir string

	ReadTimeout       time.Duration
	PollInterval      time.Duration
	Quiescence        time.Duration
	ExitGrace         time.Duration
	CompleteRetention time.Duration

	Transcode config.TranscodeConfig

	// ResumeSeq is the last chunk sequence already applied; -1 for a
	// fresh stream.
	ResumeSeq int64

	MuxerCommand *muxer.Command
}

// task drives one claimed stream: muxer lifecycle, chunk consumption,
// output upload, and finalization.
type task struct {
	cfg    taskConfig
	broker broker.Broker
	store  objstore.Store
	logger *slog.Logger

	muxMu         sync.Mutex
	mux           *muxer.Muxer
	draining      atomic.Bool
	chunksApplied atomic.Int64

	failMu     sync.Mutex
	failReason string

	// Upload bookkeeping, touched only by the poller and the finalizer,
	// which never run concurrently.
	uploaded      map[string]int64
	totalBytes    int64
	manifestMtime time.Time

	done chan struct{}
}

func newTask(cfg taskConfig, b broker.Broker, store objstore.Store, logger *slog.Logger) *task {
	return &task{
		cfg:      cfg,
		broker:   b,
		store:    store,
		logger:   observability.WithStream(logger, cfg.StreamID),
		uploaded: make(map[string]int64),
		done:     make(chan struct{}),
	}
}

// beginDrain switches the chunk consumer to non-blocking reads; once the
// log is drained the muxer's stdin is closed.
func (t *task) beginDrain() {
	if t.draining.CompareAndSwap(false, true) {
		t.logger.Info("stream draining")
	}
}

// fail records the first failure reason; the finalizer runs in error mode
// when one is set.
func (t *task) fail(reason string) {
	t.failMu.Lock()
	if t.failReason == "" {
		t.failReason = reason
	}
	t.failMu.Unlock()
	t.logger.Error("stream task failed", slog.String("reason", reason))
}

func (t *task) failure() string {
	t.failMu.Lock()
	defer t.failMu.Unlock()
	return t.failReason
}

// muxerStats reports process stats for the running muxer, or nil.
func (t *task) muxerStats() *muxer.ProcessStats {
	t.muxMu.Lock()
	mux := t.mux
	t.muxMu.Unlock()
	if mux == nil {
		return nil
	}
	return mux.Stats()
}

// run executes the task to completion. ctx cancellation means worker
// shutdown: the stream drains, the muxer gets ExitGrace to flush, and
// finalization runs best-effort.
func (t *task) run(ctx context.Context) {
	defer close(t.done)

	if err := os.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		t.fail(fmt.Sprintf("creating output dir: %v", err))
		t.finalize()
		return
	}

	command := t.muxerCommand()
	t.muxMu.Lock()
	t.mux = muxer.New(command, t.logger)
	t.muxMu.Unlock()
	if err := t.mux.Start(context.Background()); err != nil {
		t.fail(fmt.Sprintf("spawning muxer: %v", err))
		t.finalize()
		return
	}

	consumerDone := make(chan struct{})
	go t.consumeChunks(ctx, consumerDone)

	pollerCtx, stopPoller := context.WithCancel(context.Background())
	pollerDone := make(chan struct{})
	go t.pollOutputs(pollerCtx, pollerDone)

	select {
	case <-t.mux.Done():
	case <-ctx.Done():
		t.beginDrain()
		t.mux.Stop(t.cfg.ExitGrace)
	}
	<-t.mux.Done()

	stopPoller()
	<-pollerDone
	select {
	case <-consumerDone:
	case <-time.After(t.cfg.ReadTimeout + time.Second):
		t.logger.Warn("chunk consumer did not finish in time")
	}

	t.finalize()
}

func (t *task) muxerCommand() muxer.Command {
	if t.cfg.MuxerCommand != nil {
		return *t.cfg.MuxerCommand
	}
	binary := t.cfg.Transcode.FFmpegPath
	if binary == "" {
		binary = "ffmpeg"
	}
	return muxer.HLSCommand(binary, t.cfg.OutputDir,
		t.cfg.Transcode.SegmentDuration,
		t.cfg.Transcode.VideoBitrate,
		t.cfg.Transcode.AudioBitrate)
}

// consumeChunks tails the chunk log and feeds each object's bytes to the
// muxer in strict dense sequence order. Entries past a gap are held back
// until the missing sequence arrives; while the stream is live the consumer
// waits on the gap indefinitely, and once it drains the held entries are
// abandoned and only the applied prefix reaches the muxer.
func (t *task) consumeChunks(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	cursor := broker.CursorStart
	lastApplied := t.cfg.ResumeSeq
	pending := make(map[int64]model.Chunk)

	for {
		select {
		case <-t.mux.Done():
			return
		default:
		}

		draining := t.draining.Load()
		block := t.cfg.ReadTimeout
		if draining {
			block = 0
		}

		entries, next, err := t.broker.ReadTail(ctx, broker.ChunkLog(t.cfg.StreamID), cursor, block)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			t.logger.Error("reading chunk log", slog.String("error", err.Error()))
			time.Sleep(t.cfg.ReadTimeout)
			continue
		}
		cursor = next

		for _, entry := range entries {
			var chunk model.Chunk
			if err := json.Unmarshal(entry.Data, &chunk); err != nil {
				t.logger.Warn("discarding malformed chunk entry",
					slog.String("entry_id", entry.ID),
					slog.String("error", err.Error()))
				continue
			}
			if chunk.Seq <= lastApplied {
				t.logger.Debug("rejecting out-of-order chunk",
					slog.Int64("seq", chunk.Seq),
					slog.Int64("last_applied", lastApplied))
				continue
			}
			pending[chunk.Seq] = chunk
		}

		// Apply the dense prefix; anything beyond a missing sequence stays
		// in pending.
		for {
			chunk, ok := pending[lastApplied+1]
			if !ok {
				break
			}
			delete(pending, chunk.Seq)

			data, err := t.fetchChunk(ctx, chunk.Key)
			if err != nil {
				t.fail(fmt.Sprintf("fetching chunk %d: %v", chunk.Seq, err))
				t.mux.CloseInput()
				return
			}
			if err := t.mux.Write(data); err != nil {
				select {
				case <-t.mux.Done():
					// The muxer's own exit reason drives finalization.
				default:
					if !t.draining.Load() {
						t.fail(fmt.Sprintf("feeding chunk %d: %v", chunk.Seq, err))
					}
				}
				return
			}
			lastApplied = chunk.Seq
			t.chunksApplied.Add(1)
		}

		if len(pending) > 0 {
			t.logger.Debug("waiting on chunk sequence gap",
				slog.Int64("next_expected", lastApplied+1),
				slog.Int("held_back", len(pending)))
		}

		if len(entries) == 0 {
			if draining {
				if len(pending) > 0 {
					t.logger.Warn("closing input with unresolved sequence gap",
						slog.Int64("next_expected", lastApplied+1),
						slog.Int("held_back", len(pending)))
				}
				// Log drained; end of input tells the muxer to flush
				// its last segment and exit.
				t.mux.CloseInput()
				return
			}
			state, err := broker.LoadStreamState(ctx, t.broker, t.cfg.StreamID)
			if err == nil && state.Status == model.StreamEnding {
				t.beginDrain()
			}
		}
	}
}

// fetchChunk downloads a chunk object with bounded exponential backoff.
func (t *task) fetchChunk(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	delay := chunkFetchBackoff
	for attempt := 1; attempt <= chunkFetchAttempts; attempt++ {
		data, err := t.store.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
		t.logger.Warn("chunk fetch failed",
			slog.String("key", key),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt < chunkFetchAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, lastErr
}

// pollOutputs periodically sweeps the muxer output directory until the
// finalizer takes over.
func (t *task) pollOutputs(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweepOutputs(ctx, false)
		}
	}
}

// sweepOutputs uploads quiesced segments and then, only after them, the
// manifest. The final sweep ignores quiescence so nothing is left behind.
func (t *task) sweepOutputs(ctx context.Context, final bool) {
	entries, err := os.ReadDir(t.cfg.OutputDir)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Error("listing output dir", slog.String("error", err.Error()))
		}
		return
	}

	now := time.Now()
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".ts") {
			continue
		}
		if !objstore.ValidOutputName(name) {
			t.logger.Warn("skipping unservable output name", slog.String("name", name))
			continue
		}
		if _, ok := t.uploaded[name]; ok {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !final && now.Sub(info.ModTime()) < t.cfg.Quiescence {
			// Still being written; pick it up next cycle.
			continue
		}

		key := objstore.SegmentKey(t.cfg.Prefix, t.cfg.StreamID, name)
		path := filepath.Join(t.cfg.OutputDir, name)
		size, err := t.store.PutFile(ctx, key, path, objstore.ContentTypeTS, "")
		if err != nil {
			// Left unmarked; the next cycle retries.
			t.logger.Error("segment upload failed",
				slog.String("segment", name),
				slog.String("error", err.Error()))
			continue
		}

		t.uploaded[name] = size
		t.totalBytes += size
		t.logger.Debug("segment uploaded",
			slog.String("segment", name),
			slog.Int64("size", size))
		t.publish(ctx, model.ProgressEvent{
			Type: model.ProgressSegmentReady,
			Name: name,
			Size: size,
		})
	}

	t.uploadManifest(ctx, final)
}

// uploadManifest uploads the playlist when its mtime moved past the last
// uploaded revision. Every segment the new revision references has already
// been uploaded by the sweep that called us.
func (t *task) uploadManifest(ctx context.Context, final bool) {
	path := filepath.Join(t.cfg.OutputDir, muxer.ManifestFileName)
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if !t.manifestMtime.IsZero() && !info.ModTime().After(t.manifestMtime) {
		return
	}

	if !final {
		time.Sleep(manifestSettle)
	}

	key := objstore.ManifestKey(t.cfg.Prefix, t.cfg.StreamID)
	if _, err := t.store.PutFile(ctx, key, path, objstore.ContentTypeManifest, objstore.CacheControlNone); err != nil {
		t.logger.Error("manifest upload failed", slog.String("error", err.Error()))
		return
	}

	t.manifestMtime = info.ModTime()
	t.publish(ctx, model.ProgressEvent{
		Type: model.ProgressManifestUpdated,
		Key:  key,
	})
}

// finalize runs exactly once, after the muxer has exited and the poller
// has stopped.
func (t *task) finalize() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if t.mux != nil {
		t.sweepOutputs(ctx, true)
	}

	reason := t.failure()
	if reason == "" && t.mux != nil {
		if exitErr := t.mux.ExitErr(); exitErr != nil {
			// A dirty exit while draining is tolerated if output was
			// produced, and an empty stream finishes clean regardless;
			// mid-stream it is always an error.
			if !t.draining.Load() || (len(t.uploaded) == 0 && t.chunksApplied.Load() > 0) {
				reason = fmt.Sprintf("muxer exited: %v", exitErr)
				if lines := t.mux.ErrorLines(); len(lines) > 0 {
					reason += "; stderr: " + strings.Join(lines, " | ")
				}
			}
		}
	}

	if reason != "" {
		t.finalizeError(ctx, reason)
	} else {
		t.finalizeComplete(ctx)
	}

	if err := t.broker.Del(ctx, broker.OwnerKey(t.cfg.StreamID)); err != nil {
		t.logger.Error("releasing ownership", slog.String("error", err.Error()))
	}
	if err := os.RemoveAll(t.cfg.OutputDir); err != nil {
		t.logger.Warn("removing output dir", slog.String("error", err.Error()))
	}
}

func (t *task) finalizeComplete(ctx context.Context) {
	segmentCount, totalBytes := t.manifestTotals()

	t.publish(ctx, model.ProgressEvent{
		Type:   model.ProgressStatusChange,
		Status: model.RecordingReady,
	})
	t.publish(ctx, model.ProgressEvent{
		Type:         model.ProgressStreamComplete,
		SegmentCount: segmentCount,
		TotalBytes:   totalBytes,
	})

	if err := broker.SetStreamStatus(ctx, t.broker, t.cfg.StreamID, model.StreamComplete); err != nil {
		t.logger.Error("marking stream complete", slog.String("error", err.Error()))
	}

	// The record lingers to answer late status queries, then goes away.
	stateKey := broker.StateKey(t.cfg.StreamID)
	b := t.broker
	time.AfterFunc(t.cfg.CompleteRetention, func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Del(cleanupCtx, stateKey)
	})

	t.logger.Info("stream complete",
		slog.Int("segments", segmentCount),
		slog.Int64("total_bytes", totalBytes))
}

func (t *task) finalizeError(ctx context.Context, reason string) {
	t.publish(ctx, model.ProgressEvent{
		Type:   model.ProgressStatusChange,
		Status: model.RecordingFailed,
	})
	t.publish(ctx, model.ProgressEvent{
		Type:   model.ProgressStreamError,
		Reason: reason,
	})

	if err := broker.SetStreamStatus(ctx, t.broker, t.cfg.StreamID, model.StreamError); err != nil {
		t.logger.Error("marking stream errored", slog.String("error", err.Error()))
	}

	t.logger.Error("stream failed", slog.String("reason", reason))
}

// manifestTotals counts the uploaded segments the final manifest actually
// references and sums their sizes. Without a parseable manifest the upload
// bookkeeping stands in.
func (t *task) manifestTotals() (int, int64) {
	data, err := os.ReadFile(filepath.Join(t.cfg.OutputDir, muxer.ManifestFileName))
	if err != nil {
		return len(t.uploaded), t.totalBytes
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		t.logger.Warn("parsing final manifest", slog.String("error", err.Error()))
		return len(t.uploaded), t.totalBytes
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return len(t.uploaded), t.totalBytes
	}

	count := 0
	var bytes int64
	for _, seg := range media.Segments {
		name := filepath.Base(seg.URI)
		size, ok := t.uploaded[name]
		if !ok {
			continue
		}
		count++
		bytes += size
	}
	return count, bytes
}

func (t *task) publish(ctx context.Context, event model.ProgressEvent) {
	event.StreamID = t.cfg.StreamID
	event.Timestamp = time.Now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := t.broker.Publish(ctx, broker.EventsChannel(t.cfg.StreamID), data); err != nil {
		t.logger.Warn("publishing progress event",
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()))
	}
}
