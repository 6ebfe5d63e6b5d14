package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livecast-io/livecast/internal/broker"
	"github.com/livecast-io/livecast/internal/config"
	"github.com/livecast-io/livecast/internal/model"
	"github.com/livecast-io/livecast/internal/muxer"
	"github.com/livecast-io/livecast/internal/objstore"
)

const testPrefix = "recordings/2026/08/24"

type workerFixture struct {
	worker *Worker
	broker *broker.MemoryBroker
	store  *objstore.MemoryStore
	sub    broker.Subscription
	temp   string
}

func setupWorker(t *testing.T, command muxer.Command) *workerFixture {
	t.Helper()

	b := broker.NewMemoryBroker()
	store := objstore.NewMemoryStore()
	temp := t.TempDir()

	sub, err := b.Subscribe(context.Background(), broker.EventsPattern)
	require.NoError(t, err)

	w := New(Options{
		Broker: b,
		Store:  store,
		Config: config.WorkerConfig{
			ID:                "w-test",
			HeartbeatInterval: 50 * time.Millisecond,
			HeartbeatTTL:      200 * time.Millisecond,
			ControlBlock:      100 * time.Millisecond,
			ChunkReadTimeout:  50 * time.Millisecond,
			PollInterval:      50 * time.Millisecond,
			Quiescence:        10 * time.Millisecond,
			MuxerExitGrace:    time.Second,
			TempRoot:          temp,
		},
		Transcode:         config.TranscodeConfig{SegmentDuration: 4 * time.Second},
		CompleteRetention: time.Hour,
		MuxerCommand:      &command,
	})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		w.Stop()
		sub.Close()
		b.Close()
	})

	return &workerFixture{worker: w, broker: b, store: store, sub: sub, temp: temp}
}

func (f *workerFixture) seedStream(t *testing.T, streamID string, status model.StreamStatus) {
	t.Helper()
	stream := &model.Stream{
		ID:        streamID,
		Status:    status,
		Bucket:    "recordings",
		Prefix:    testPrefix,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, f.broker.HSet(context.Background(), broker.StateKey(streamID), broker.StreamStateFields(stream)))
}

func (f *workerFixture) appendControl(t *testing.T, event model.ControlEvent) {
	t.Helper()
	data, err := json.Marshal(event)
	require.NoError(t, err)
	_, err = f.broker.Append(context.Background(), broker.ControlLog, data)
	require.NoError(t, err)
}

func (f *workerFixture) appendChunk(t *testing.T, streamID string, seq int64, payload []byte) {
	t.Helper()
	ctx := context.Background()
	key := objstore.ChunkKey(testPrefix, streamID, seq)
	require.NoError(t, f.store.PutBytes(ctx, key, payload, objstore.ContentTypeWebM))

	chunk := model.Chunk{Seq: seq, Key: key, Size: int64(len(payload)), Timestamp: time.Now().UTC()}
	data, err := json.Marshal(chunk)
	require.NoError(t, err)
	_, err = f.broker.Append(ctx, broker.ChunkLog(streamID), data)
	require.NoError(t, err)
}

// waitEvent reads the progress channel until an event of the wanted type
// arrives.
func (f *workerFixture) waitEvent(t *testing.T, wanted model.ProgressEventType) model.ProgressEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg, ok := <-f.sub.Events():
			require.True(t, ok, "subscription closed while waiting for %s", wanted)
			var event model.ProgressEvent
			require.NoError(t, json.Unmarshal(msg.Data, &event))
			if event.Type == wanted {
				return event
			}
		case <-deadline:
			t.Fatalf("no %s event", wanted)
		}
	}
}

const testManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:4.000000,
segment_00000.ts
#EXT-X-ENDLIST
`

func TestWorkerHappyPath(t *testing.T) {
	f := setupWorker(t, muxer.Command{Binary: "cat"})
	ctx := context.Background()

	f.seedStream(t, "s1", model.StreamLive)
	f.appendChunk(t, "s1", 0, []byte("first chunk"))
	f.appendChunk(t, "s1", 1, []byte("second chunk"))
	f.appendControl(t, model.ControlEvent{
		Type:     model.ControlStreamStart,
		StreamID: "s1",
		Bucket:   "recordings",
		Prefix:   testPrefix,
	})

	status := f.waitEvent(t, model.ProgressStatusChange)
	assert.Equal(t, model.RecordingTranscoding, status.Status)

	require.Eventually(t, func() bool {
		owner, err := f.broker.Get(ctx, broker.OwnerKey("s1"))
		return err == nil && owner == "w-test"
	}, 5*time.Second, 20*time.Millisecond)

	// Stand in for the muxer's output: one finished segment plus the
	// manifest that references it.
	outputDir := filepath.Join(f.temp, "s1")
	require.Eventually(t, func() bool {
		_, err := os.Stat(outputDir)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	segment := make([]byte, 2048)
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "segment_00000.ts"), segment, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "stream.m3u8"), []byte(testManifest), 0o644))

	ready := f.waitEvent(t, model.ProgressSegmentReady)
	assert.Equal(t, "segment_00000.ts", ready.Name)
	assert.Equal(t, int64(2048), ready.Size)

	manifest := f.waitEvent(t, model.ProgressManifestUpdated)
	assert.Equal(t, objstore.ManifestKey(testPrefix, "s1"), manifest.Key)

	obj, ok := f.store.Object(objstore.SegmentKey(testPrefix, "s1", "segment_00000.ts"))
	require.True(t, ok)
	assert.Equal(t, objstore.ContentTypeTS, obj.ContentType)

	obj, ok = f.store.Object(objstore.ManifestKey(testPrefix, "s1"))
	require.True(t, ok)
	assert.Equal(t, objstore.ContentTypeManifest, obj.ContentType)
	assert.Equal(t, objstore.CacheControlNone, obj.CacheControl)

	// Stop the stream the way the gateway does.
	require.NoError(t, broker.SetStreamStatus(ctx, f.broker, "s1", model.StreamEnding))
	f.appendControl(t, model.ControlEvent{Type: model.ControlStreamStop, StreamID: "s1"})

	complete := f.waitEvent(t, model.ProgressStreamComplete)
	assert.Equal(t, 1, complete.SegmentCount)
	assert.Equal(t, int64(2048), complete.TotalBytes)

	require.Eventually(t, func() bool {
		state, err := broker.LoadStreamState(ctx, f.broker, "s1")
		return err == nil && state.Status == model.StreamComplete
	}, 5*time.Second, 20*time.Millisecond)

	_, err := f.broker.Get(ctx, broker.OwnerKey("s1"))
	assert.ErrorIs(t, err, broker.ErrKeyNotFound)

	require.Eventually(t, func() bool {
		_, err := os.Stat(outputDir)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestClaimSkippedWhenAlreadyOwned(t *testing.T) {
	f := setupWorker(t, muxer.Command{Binary: "cat"})
	ctx := context.Background()

	f.seedStream(t, "s2", model.StreamLive)
	// The owning worker is alive, so neither the sweep nor the claim may
	// touch this stream.
	require.NoError(t, f.broker.Set(ctx, broker.OwnerKey("s2"), "other-worker", 0))
	require.NoError(t, f.broker.Set(ctx, broker.HeartbeatKey("other-worker"), "alive", 0))

	f.appendControl(t, model.ControlEvent{
		Type:     model.ControlStreamStart,
		StreamID: "s2",
		Bucket:   "recordings",
		Prefix:   testPrefix,
	})

	time.Sleep(500 * time.Millisecond)
	owner, err := f.broker.Get(ctx, broker.OwnerKey("s2"))
	require.NoError(t, err)
	assert.Equal(t, "other-worker", owner)
	assert.Zero(t, f.worker.TaskCount())
}

func TestReclaimOrphanedStream(t *testing.T) {
	b := broker.NewMemoryBroker()
	store := objstore.NewMemoryStore()
	ctx := context.Background()

	// A dead worker left an owned live stream behind.
	stream := &model.Stream{
		ID:        "s3",
		Status:    model.StreamLive,
		Bucket:    "recordings",
		Prefix:    testPrefix,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, b.HSet(ctx, broker.StateKey("s3"), broker.StreamStateFields(stream)))
	require.NoError(t, b.Set(ctx, broker.OwnerKey("s3"), "dead-worker", 0))

	sub, err := b.Subscribe(ctx, broker.EventsPattern)
	require.NoError(t, err)

	command := muxer.Command{Binary: "cat"}
	w := New(Options{
		Broker: b,
		Store:  store,
		Config: config.WorkerConfig{
			ID:                "w-test",
			HeartbeatInterval: 50 * time.Millisecond,
			HeartbeatTTL:      200 * time.Millisecond,
			ControlBlock:      100 * time.Millisecond,
			ChunkReadTimeout:  50 * time.Millisecond,
			PollInterval:      50 * time.Millisecond,
			Quiescence:        10 * time.Millisecond,
			MuxerExitGrace:    time.Second,
			TempRoot:          t.TempDir(),
		},
		Transcode:         config.TranscodeConfig{SegmentDuration: 4 * time.Second},
		CompleteRetention: time.Hour,
		MuxerCommand:      &command,
	})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		w.Stop()
		sub.Close()
		b.Close()
	})

	require.Eventually(t, func() bool {
		owner, err := b.Get(ctx, broker.OwnerKey("s3"))
		return err == nil && owner == "w-test"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, w.TaskCount())

	// An empty stream drains to a clean completion.
	require.NoError(t, broker.SetStreamStatus(ctx, b, "s3", model.StreamEnding))

	f := &workerFixture{worker: w, broker: b, store: store, sub: sub}
	complete := f.waitEvent(t, model.ProgressStreamComplete)
	assert.Zero(t, complete.SegmentCount)
	assert.Zero(t, complete.TotalBytes)

	require.Eventually(t, func() bool {
		state, err := broker.LoadStreamState(ctx, b, "s3")
		return err == nil && state.Status == model.StreamComplete
	}, 5*time.Second, 20*time.Millisecond)
}

// captureCommand stands in for the muxer with a child that copies its stdin
// to a file, so a test can assert exactly which bytes were fed.
func captureCommand(t *testing.T) (muxer.Command, string) {
	t.Helper()
	capture := filepath.Join(t.TempDir(), "capture")
	return muxer.Command{Binary: "sh", Args: []string{"-c", "cat > " + capture}}, capture
}

func captured(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func TestChunkGapStallsUntilFilled(t *testing.T) {
	command, capture := captureCommand(t)
	f := setupWorker(t, command)
	ctx := context.Background()

	f.seedStream(t, "s6", model.StreamLive)
	f.appendChunk(t, "s6", 0, []byte("AAAA"))
	f.appendChunk(t, "s6", 1, []byte("BBBB"))
	f.appendChunk(t, "s6", 3, []byte("DDDD"))
	f.appendControl(t, model.ControlEvent{
		Type:     model.ControlStreamStart,
		StreamID: "s6",
		Bucket:   "recordings",
		Prefix:   testPrefix,
	})

	require.Eventually(t, func() bool {
		return captured(t, capture) == "AAAABBBB"
	}, 5*time.Second, 20*time.Millisecond)

	// Sequence 3 stays held back while 2 is missing.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "AAAABBBB", captured(t, capture))

	f.appendChunk(t, "s6", 2, []byte("CCCC"))
	require.Eventually(t, func() bool {
		return captured(t, capture) == "AAAABBBBCCCCDDDD"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, broker.SetStreamStatus(ctx, f.broker, "s6", model.StreamEnding))
	f.appendControl(t, model.ControlEvent{Type: model.ControlStreamStop, StreamID: "s6"})
	f.waitEvent(t, model.ProgressStreamComplete)
	assert.Equal(t, "AAAABBBBCCCCDDDD", captured(t, capture))
}

func TestChunkGapFinalizesWithAppliedPrefix(t *testing.T) {
	command, capture := captureCommand(t)
	f := setupWorker(t, command)
	ctx := context.Background()

	f.seedStream(t, "s7", model.StreamLive)
	f.appendChunk(t, "s7", 0, []byte("AAAA"))
	f.appendChunk(t, "s7", 1, []byte("BBBB"))
	f.appendChunk(t, "s7", 3, []byte("DDDD"))
	f.appendControl(t, model.ControlEvent{
		Type:     model.ControlStreamStart,
		StreamID: "s7",
		Bucket:   "recordings",
		Prefix:   testPrefix,
	})

	require.Eventually(t, func() bool {
		return captured(t, capture) == "AAAABBBB"
	}, 5*time.Second, 20*time.Millisecond)

	// Sequence 2 never arrives; the ending stream drains with 0 and 1 only.
	require.NoError(t, broker.SetStreamStatus(ctx, f.broker, "s7", model.StreamEnding))
	f.appendControl(t, model.ControlEvent{Type: model.ControlStreamStop, StreamID: "s7"})

	f.waitEvent(t, model.ProgressStreamComplete)
	assert.Equal(t, "AAAABBBB", captured(t, capture))

	require.Eventually(t, func() bool {
		state, err := broker.LoadStreamState(ctx, f.broker, "s7")
		return err == nil && state.Status == model.StreamComplete
	}, 5*time.Second, 20*time.Millisecond)
}

func TestShutdownMidWriteFinalizesCleanly(t *testing.T) {
	// sleep never reads stdin, so a chunk bigger than the pipe buffer leaves
	// the consumer blocked mid-write when the worker shuts down.
	f := setupWorker(t, muxer.Command{Binary: "sleep", Args: []string{"60"}})
	ctx := context.Background()

	f.seedStream(t, "s8", model.StreamLive)
	f.appendChunk(t, "s8", 0, bytes.Repeat([]byte("x"), 256*1024))
	f.appendControl(t, model.ControlEvent{
		Type:     model.ControlStreamStart,
		StreamID: "s8",
		Bucket:   "recordings",
		Prefix:   testPrefix,
	})

	require.Eventually(t, func() bool {
		owner, err := f.broker.Get(ctx, broker.OwnerKey("s8"))
		return err == nil && owner == "w-test"
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	require.NoError(t, f.worker.Stop())

	complete := f.waitEvent(t, model.ProgressStreamComplete)
	assert.Zero(t, complete.SegmentCount)

	state, err := broker.LoadStreamState(ctx, f.broker, "s8")
	require.NoError(t, err)
	assert.Equal(t, model.StreamComplete, state.Status)
}

func TestMuxerCrashDuringLive(t *testing.T) {
	// false exits non-zero immediately, mid-stream.
	f := setupWorker(t, muxer.Command{Binary: "false"})
	ctx := context.Background()

	f.seedStream(t, "s4", model.StreamLive)
	f.appendControl(t, model.ControlEvent{
		Type:     model.ControlStreamStart,
		StreamID: "s4",
		Bucket:   "recordings",
		Prefix:   testPrefix,
	})

	failed := f.waitEvent(t, model.ProgressStreamError)
	assert.Contains(t, failed.Reason, "muxer exited")

	require.Eventually(t, func() bool {
		state, err := broker.LoadStreamState(ctx, f.broker, "s4")
		return err == nil && state.Status == model.StreamError
	}, 5*time.Second, 20*time.Millisecond)

	_, err := f.broker.Get(ctx, broker.OwnerKey("s4"))
	assert.ErrorIs(t, err, broker.ErrKeyNotFound)
}

func TestWorkerHeartbeat(t *testing.T) {
	f := setupWorker(t, muxer.Command{Binary: "cat"})
	ctx := context.Background()

	val, err := f.broker.Get(ctx, broker.HeartbeatKey("w-test"))
	require.NoError(t, err)
	assert.NotEmpty(t, val)

	f.worker.Stop()
	_, err = f.broker.Get(ctx, broker.HeartbeatKey("w-test"))
	assert.ErrorIs(t, err, broker.ErrKeyNotFound)
}
