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
	"github.com/livecast-io/livecast/internal/gateway"
	internalhttp "github.com/livecast-io/livecast/internal/http"
	"github.com/livecast-io/livecast/internal/http/handlers"
	"github.com/livecast-io/livecast/internal/repository"
	"github.com/livecast-io/livecast/internal/version"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the ingest gateway",
	Long: `Start the ingest gateway.

The gateway terminates recorder and viewer websocket connections on
/ws/stream, persists incoming media chunks to object storage, announces
stream lifecycle on the coordination broker, and relays transcode progress
events back to connected clients. It also serves the REST fallback API and
the health endpoint.`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)

	gatewayCmd.Flags().String("host", "", "host to bind to")
	gatewayCmd.Flags().Int("port", 0, "port to listen on")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}

	logger := newLogger(cfg, "gateway")
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

	gw := gateway.New(gateway.Options{
		Broker:     b,
		Store:      store,
		Recordings: recordings,
		Bucket:     cfg.Storage.Bucket,
		KeyPrefix:  cfg.Storage.KeyPrefix,
		Config:     cfg.Gateway,
		Logger:     logger,
	})
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer gw.Stop()

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	handlers.NewHealthHandler(version.Version).
		WithDB(db).
		WithBroker(b).
		Register(server.API())
	handlers.NewStreamHandler(b, recordings, logger).
		Register(server.API())
	server.Router().Get("/ws/stream", gw.HandleWS)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	return server.ListenAndServe(ctx)
}
