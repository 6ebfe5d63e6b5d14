package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()

	v := viper.New()
	SetDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379", cfg.Broker.URL)
	assert.Equal(t, "recordings", cfg.Storage.KeyPrefix)
	assert.Equal(t, 5*time.Second, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Worker.HeartbeatTTL)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.Quiescence)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.ChunkReadTimeout)
	assert.Equal(t, 4*time.Second, cfg.Transcode.SegmentDuration)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.CompleteRetention)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "missing broker url",
			mutate:  func(c *Config) { c.Broker.URL = "" },
			wantErr: "broker.url",
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "ftp" },
			wantErr: "storage.backend",
		},
		{
			name:    "unknown database driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "database.driver",
		},
		{
			name:    "heartbeat ttl too small",
			mutate:  func(c *Config) { c.Worker.HeartbeatTTL = c.Worker.HeartbeatInterval },
			wantErr: "heartbeat_ttl",
		},
		{
			name:    "segment duration too small",
			mutate:  func(c *Config) { c.Transcode.SegmentDuration = 100 * time.Millisecond },
			wantErr: "segment_duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAddress(t *testing.T) {
	cfg := ServerConfig{Host: "127.0.0.1", Port: 9090}
	assert.Equal(t, "127.0.0.1:9090", cfg.Address())
}
