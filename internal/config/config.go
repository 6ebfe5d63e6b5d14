// Package config provides configuration management for livecast using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultHeartbeatTTL      = 10 * time.Second
	defaultSegmentDuration   = 4 * time.Second
	defaultPollInterval      = 1 * time.Second
	defaultQuiescence        = 500 * time.Millisecond
	defaultReadTimeout       = 500 * time.Millisecond
	defaultControlBlock      = 1 * time.Second
	defaultMuxerExitGrace    = 2 * time.Second
	defaultCompleteRetention = 5 * time.Minute
	defaultMaxChunkBytes     = 16 * 1024 * 1024
	defaultWriteWait         = 10 * time.Second
	defaultPongWait          = 60 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// BrokerConfig holds coordination broker connection configuration.
type BrokerConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Backend selects the object store implementation: s3 or b2.
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	// KeyPrefix is prepended to every object key (default "recordings").
	KeyPrefix string `mapstructure:"key_prefix"`
	Region    string `mapstructure:"region"`
	// Endpoint overrides the backend endpoint (useful for S3-compatible stores).
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// DatabaseConfig holds the recording-record database configuration.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite, postgres
	DSN    string `mapstructure:"dsn"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// GatewayConfig holds ingest gateway configuration.
type GatewayConfig struct {
	// MaxChunkBytes caps a single binary media frame.
	MaxChunkBytes int64 `mapstructure:"max_chunk_bytes"`
	// WriteWait is the websocket write deadline.
	WriteWait time.Duration `mapstructure:"write_wait"`
	// PongWait is how long to wait for a pong before dropping a connection.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// CompleteRetention is how long a finished stream record stays in the
	// broker to answer late status queries.
	CompleteRetention time.Duration `mapstructure:"complete_retention"`
}

// WorkerConfig holds transcode worker configuration.
type WorkerConfig struct {
	// ID identifies this worker in ownership and heartbeat keys.
	// A random UUID is used when empty.
	ID                string        `mapstructure:"id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl"`
	// ControlBlock is the blocking budget for control-log tail reads.
	ControlBlock time.Duration `mapstructure:"control_block"`
	// ChunkReadTimeout is the blocking budget for chunk-log tail reads.
	ChunkReadTimeout time.Duration `mapstructure:"chunk_read_timeout"`
	// PollInterval is how often the output directory is scanned.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Quiescence is how long a segment file must be unmodified before upload.
	Quiescence time.Duration `mapstructure:"quiescence"`
	// MuxerExitGrace is how long to wait for the muxer after closing stdin.
	MuxerExitGrace time.Duration `mapstructure:"muxer_exit_grace"`
	// TempRoot is where per-stream muxer output directories are created.
	TempRoot string `mapstructure:"temp_root"`
	// ReclaimCron optionally schedules an online sweep of orphaned streams
	// in addition to the sweep on startup. Empty disables the schedule.
	ReclaimCron string `mapstructure:"reclaim_cron"`
}

// TranscodeConfig holds muxer invocation configuration.
type TranscodeConfig struct {
	// FFmpegPath is the path to the ffmpeg binary (empty = look up on PATH).
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	// SegmentDuration is the target HLS segment length.
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
	// VideoBitrate is the fixed bitrate ceiling, e.g. "2500k".
	VideoBitrate string `mapstructure:"video_bitrate"`
	AudioBitrate string `mapstructure:"audio_bitrate"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LIVECAST_ and use underscores
// for nesting. Example: LIVECAST_BROKER_URL=redis://localhost:6379.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/livecast")
		v.AddConfigPath("$HOME/.livecast")
	}

	v.SetEnvPrefix("LIVECAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Broker defaults
	v.SetDefault("broker.url", "redis://localhost:6379")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.db", 0)

	// Storage defaults
	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.key_prefix", "recordings")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "livecast.db")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Gateway defaults
	v.SetDefault("gateway.max_chunk_bytes", defaultMaxChunkBytes)
	v.SetDefault("gateway.write_wait", defaultWriteWait)
	v.SetDefault("gateway.pong_wait", defaultPongWait)
	v.SetDefault("gateway.complete_retention", defaultCompleteRetention)

	// Worker defaults
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("worker.heartbeat_ttl", defaultHeartbeatTTL)
	v.SetDefault("worker.control_block", defaultControlBlock)
	v.SetDefault("worker.chunk_read_timeout", defaultReadTimeout)
	v.SetDefault("worker.poll_interval", defaultPollInterval)
	v.SetDefault("worker.quiescence", defaultQuiescence)
	v.SetDefault("worker.muxer_exit_grace", defaultMuxerExitGrace)
	v.SetDefault("worker.temp_root", filepath.Join("/tmp", "livecast"))
	v.SetDefault("worker.reclaim_cron", "")

	// Transcode defaults
	v.SetDefault("transcode.ffmpeg_path", "")
	v.SetDefault("transcode.segment_duration", defaultSegmentDuration)
	v.SetDefault("transcode.video_bitrate", "2500k")
	v.SetDefault("transcode.audio_bitrate", "128k")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}

	validBackends := map[string]bool{"s3": true, "b2": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("storage.backend must be one of: s3, b2, memory")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	// The TTL must comfortably outlive missed refreshes; anything tighter
	// makes live workers look dead under scheduler jitter.
	if c.Worker.HeartbeatTTL < 2*c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker.heartbeat_ttl must be at least twice worker.heartbeat_interval")
	}

	if c.Transcode.SegmentDuration < time.Second {
		return fmt.Errorf("transcode.segment_duration must be at least 1s")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
