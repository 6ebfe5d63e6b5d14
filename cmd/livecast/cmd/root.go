// Package cmd implements the CLI commands for livecast.
package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/livecast-io/livecast/internal/config"
	"github.com/livecast-io/livecast/internal/observability"
	"github.com/livecast-io/livecast/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "livecast",
	Short:   "Live streaming ingest and transcode pipeline",
	Version: version.Short(),
	Long: `livecast ingests live media over websockets, persists the raw chunks to
object storage, and transcodes them into HLS through a pool of workers
coordinated over a shared broker.

Run the ingest gateway with "livecast gateway" and one or more transcode
workers with "livecast worker". The two roles scale independently and only
share the broker, the object store, and the recording database.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Accept snake_case spellings of flag names, matching the config keys.
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/livecast, $HOME/.livecast)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads the configuration and applies explicit CLI overrides.
// Priority: CLI flag > env var > config file > default.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	// Flags override only when explicitly set; a bound flag default would
	// otherwise shadow env and file values.
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format, _ = cmd.Flags().GetString("log-format")
	}

	return cfg, nil
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg *config.Config, app string) *slog.Logger {
	logger := observability.WithApp(observability.NewLogger(cfg.Logging), app)
	observability.SetDefault(logger)
	return logger
}
