package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/livecast-io/livecast/internal/database"
	internalhttp "github.com/livecast-io/livecast/internal/http"
	"github.com/livecast-io/livecast/internal/http/handlers"
	"github.com/livecast-io/livecast/internal/repository"
	"github.com/livecast-io/livecast/internal/version"
	"github.com/livecast-io/livecast/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a transcode worker",
	Long: `Start a transcode worker.

The worker follows the coordination broker's control log, claims streams,
feeds their chunks to an ffmpeg HLS muxer, uploads the resulting segments
and manifest to object storage, and publishes progress events. Workers
scale horizontally; each stream is owned by exactly one worker at a time.

The worker also serves the REST fallback API so operators can query the
status of streams it owns, including muxer process stats.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().String("worker-id", "", "worker identity (default: random UUID)")
	workerCmd.Flags().Int("port", 0, "port for the worker's HTTP API")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("worker-id") {
		cfg.Worker.ID, _ = cmd.Flags().GetString("worker-id")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	logger := newLogger(cfg, "worker")
	logger.Info("starting", slog.String("version", version.Short()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := newBroker(ctx, cfg.Broker)
	if err != nil {
		return fmt.Errorf("connecting broker: %w", err)
	}
	defer b.Close()

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("connecting object storage: %w", err)
	}

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()
	recordings := repository.NewRecordingRepository(db.DB)

	w := worker.New(worker.Options{
		Broker:            b,
		Store:             store,
		Config:            cfg.Worker,
		Transcode:         cfg.Transcode,
		CompleteRetention: cfg.Gateway.CompleteRetention,
		Logger:            logger,
	})
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer w.Stop()

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	handlers.NewHealthHandler(version.Version).
		WithDB(db).
		WithBroker(b).
		Register(server.API())
	handlers.NewStreamHandler(b, recordings, logger).
		WithMuxerStats(w).
		Register(server.API())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	return server.ListenAndServe(ctx)
}
