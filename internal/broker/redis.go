package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// dataField is the single stream-entry field carrying the encoded payload.
const dataField = "data"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// connection URL.
	URL      string
	Password string
	DB       int
}

// RedisBroker implements Broker on Redis: streams for the logs, hashes for
// stream state, SET NX PX for ownership and heartbeats, and pub/sub for
// progress events.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to Redis and verifies the connection.
func NewRedisBroker(ctx context.Context, cfg RedisConfig) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging broker: %w", err)
	}

	return &RedisBroker{client: client}, nil
}

// Append adds an entry to a stream.
func (b *RedisBroker) Append(ctx context.Context, log string, data []byte) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: log,
		Values: map[string]any{dataField: data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("appending to %s: %w", log, err)
	}
	return id, nil
}

// ReadTail reads entries after cursor, blocking up to block.
func (b *RedisBroker) ReadTail(ctx context.Context, log, cursor string, block time.Duration) ([]LogEntry, string, error) {
	args := &redis.XReadArgs{
		Streams: []string{log, cursor},
		Count:   100,
		// A negative Block issues a non-blocking XREAD; zero would block
		// forever.
		Block: -1,
	}
	if block > 0 {
		args.Block = block
	}

	streams, err := b.client.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Blocking budget elapsed with no new entries.
			return nil, cursor, nil
		}
		return nil, cursor, fmt.Errorf("reading %s: %w", log, err)
	}

	var entries []LogEntry
	next := cursor
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			entry := LogEntry{ID: msg.ID}
			if raw, ok := msg.Values[dataField].(string); ok {
				entry.Data = []byte(raw)
			}
			entries = append(entries, entry)
			next = msg.ID
		}
	}
	return entries, next, nil
}

// HSet sets fields on a hash.
func (b *RedisBroker) HSet(ctx context.Context, key string, fields map[string]string) error {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := b.client.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("setting fields on %s: %w", key, err)
	}
	return nil
}

// HGetAll returns all fields of a hash.
func (b *RedisBroker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := b.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", key, err)
	}
	return fields, nil
}

// HIncrBy atomically increments a hash field.
func (b *RedisBroker) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := b.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s.%s: %w", key, field, err)
	}
	return n, nil
}

// SetNX sets key only if absent.
func (b *RedisBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setting %s if absent: %w", key, err)
	}
	return ok, nil
}

// Set unconditionally sets key.
func (b *RedisBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

// casScript swaps a key's value only while the current value matches, so
// two workers racing to adopt the same orphan cannot both win.
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if ARGV[3] == "0" then
		redis.call("SET", KEYS[1], ARGV[2])
	else
		redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
	end
	return 1
end
return 0
`)

// CompareAndSet swaps key from old to value atomically.
func (b *RedisBroker) CompareAndSet(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	n, err := casScript.Run(ctx, b.client, []string{key}, old, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("swapping %s: %w", key, err)
	}
	return n == 1, nil
}

// Get returns the value of key.
func (b *RedisBroker) Get(ctx context.Context, key string) (string, error) {
	value, err := b.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return "", fmt.Errorf("getting %s: %w", key, err)
	}
	return value, nil
}

// Del removes keys.
func (b *RedisBroker) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("deleting keys: %w", err)
	}
	return nil
}

// Keys returns all keys matching pattern. The keyspace holds a handful of
// keys per active stream, so SCAN-style pagination is not worth its cost.
func (b *RedisBroker) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := b.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", pattern, err)
	}
	return keys, nil
}

// Publish fans out data on a channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, data []byte) error {
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a pattern subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, pattern)
	// Force the subscription onto the wire before returning so callers do
	// not miss events published immediately after.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}

	sub := &redisSubscription{
		ps:     ps,
		events: make(chan Message, 256),
	}
	go sub.pump()
	return sub, nil
}

// Close releases the connection.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		s.events <- Message{Channel: msg.Channel, Data: []byte(msg.Payload)}
	}
}

func (s *redisSubscription) Events() <-chan Message {
	return s.events
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
