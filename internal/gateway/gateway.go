// Package gateway terminates recorder and viewer websocket connections. It
// persists incoming media chunks to object storage, publishes coordination
// events for the transcode workers, and relays transcoder progress events to
// every connected client.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/livecast-io/livecast/internal/broker"
	"github.com/livecast-io/livecast/internal/config"
	"github.com/livecast-io/livecast/internal/model"
	"github.com/livecast-io/livecast/internal/objstore"
	"github.com/livecast-io/livecast/internal/observability"
	"github.com/livecast-io/livecast/internal/repository"
)

// Options configures a Gateway.
type Options struct {
	Broker     broker.Broker
	Store      objstore.Store
	Recordings repository.RecordingRepository
	// Bucket and KeyPrefix locate every object the pipeline writes.
	Bucket    string
	KeyPrefix string
	Config    config.GatewayConfig
	Logger    *slog.Logger
}

// Gateway is the ingest gateway service.
type Gateway struct {
	broker     broker.Broker
	store      objstore.Store
	recordings repository.RecordingRepository
	bucket     string
	keyPrefix  string
	cfg        config.GatewayConfig
	logger     *slog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	sub     broker.Subscription
	wg      sync.WaitGroup
}

// New creates a Gateway.
func New(opts Options) *Gateway {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		broker:     opts.Broker,
		store:      opts.Store,
		recordings: opts.Recordings,
		bucket:     opts.Bucket,
		keyPrefix:  opts.KeyPrefix,
		cfg:        opts.Config,
		logger:     observability.WithComponent(logger, "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Recorders and viewers connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

// Start subscribes to the progress channels and begins relaying events.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway already started")
	}

	g.ctx, g.cancel = context.WithCancel(ctx)

	sub, err := g.broker.Subscribe(g.ctx, broker.EventsPattern)
	if err != nil {
		g.running.Store(false)
		g.cancel()
		return fmt.Errorf("subscribing to progress events: %w", err)
	}
	g.sub = sub

	g.wg.Add(1)
	go g.relayLoop()

	g.logger.Info("gateway started")
	return nil
}

// Stop closes all connections and stops the relay.
func (g *Gateway) Stop() error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}

	g.cancel()
	if g.sub != nil {
		g.sub.Close()
	}

	g.mu.Lock()
	open := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		open = append(open, c)
	}
	g.mu.Unlock()
	for _, c := range open {
		c.close()
	}

	g.wg.Wait()
	g.logger.Info("gateway stopped")
	return nil
}

// HandleWS upgrades a recorder or viewer connection and runs its loops.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !g.running.Load() {
		http.Error(w, "gateway not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := newConnection(g, ws)
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	g.logger.Debug("connection opened", slog.String("connection_id", c.id))

	go c.writeLoop()
	go c.readLoop()
}

// broadcast fans a serialized frame out to every open connection. Slow
// clients that cannot drain their send buffer are dropped.
func (g *Gateway) broadcast(data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		select {
		case c.send <- data:
		default:
			g.logger.Warn("dropping slow connection", slog.String("connection_id", c.id))
			go c.close()
		}
	}
}

// relayLoop forwards every ProgressEvent to connected clients and applies
// recording-record updates for lifecycle events.
func (g *Gateway) relayLoop() {
	defer g.wg.Done()

	for {
		select {
		case <-g.ctx.Done():
			return
		case msg, ok := <-g.sub.Events():
			if !ok {
				return
			}

			var event model.ProgressEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				g.logger.Warn("discarding malformed progress event",
					slog.String("channel", msg.Channel),
					slog.String("error", err.Error()))
				continue
			}

			g.broadcast(msg.Data)
			g.applyProgress(&event)
		}
	}
}

// applyProgress performs the idempotent recording-record update for
// lifecycle progress events. Segment and manifest events carry no durable
// state.
func (g *Gateway) applyProgress(event *model.ProgressEvent) {
	var err error
	switch event.Type {
	case model.ProgressStatusChange:
		err = g.recordings.Finalize(g.ctx, event.StreamID, event.Status, 0)
	case model.ProgressStreamComplete:
		err = g.recordings.Finalize(g.ctx, event.StreamID, model.RecordingReady, event.TotalBytes)
	case model.ProgressStreamError:
		err = g.recordings.Finalize(g.ctx, event.StreamID, model.RecordingFailed, 0)
	default:
		return
	}
	if err != nil {
		g.logger.Error("updating recording record",
			slog.String("stream_id", event.StreamID),
			slog.String("event", string(event.Type)),
			slog.String("error", err.Error()))
	}
}

// ConnectionCount reports the number of open connections.
func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}
