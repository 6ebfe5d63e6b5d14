package cmd

import (
	"context"
	"fmt"

	"github.com/livecast-io/livecast/internal/broker"
	"github.com/livecast-io/livecast/internal/config"
	"github.com/livecast-io/livecast/internal/objstore"
)

// newBroker connects the configured coordination broker. The memory://
// scheme selects the in-process broker, useful for single-node setups and
// local development.
func newBroker(ctx context.Context, cfg config.BrokerConfig) (broker.Broker, error) {
	if cfg.URL == "memory://" {
		return broker.NewMemoryBroker(), nil
	}
	return broker.NewRedisBroker(ctx, broker.RedisConfig{
		URL:      cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// newStore connects the configured object storage backend.
func newStore(ctx context.Context, cfg config.StorageConfig) (objstore.Store, error) {
	switch cfg.Backend {
	case "s3":
		return objstore.NewS3Store(ctx, objstore.S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	case "b2":
		return objstore.NewB2Store(ctx, objstore.B2Config{
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		})
	case "memory":
		return objstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
