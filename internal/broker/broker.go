// Package broker defines the coordination contract between the ingest
// gateway and the transcode workers, and provides a Redis-backed
// implementation plus an in-process one for tests.
//
// The contract is four primitives: an append-only log with monotone
// broker-assigned ids and blocking tail reads, a hash map with atomic field
// operations, an atomic set-if-absent key with TTL, and channel-based
// publish/subscribe with pattern subscriptions.
package broker

import (
	"context"
	"errors"
	"time"
)

// Broker errors.
var (
	// ErrKeyNotFound is returned by Get for an absent key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrClosed is returned when the broker connection has been closed.
	ErrClosed = errors.New("broker closed")
)

// CursorNew positions a tail read after the current end of a log, so only
// entries appended after the read begins are delivered.
const CursorNew = "$"

// CursorStart positions a tail read before the first entry of a log.
const CursorStart = "0"

// LogEntry is one entry of an append-only log. IDs are broker-assigned and
// monotone within a log.
type LogEntry struct {
	ID   string
	Data []byte
}

// Message is one delivery from a channel subscription.
type Message struct {
	Channel string
	Data    []byte
}

// Subscription is a live pattern subscription. Delivery is best-effort and
// unordered across channels.
type Subscription interface {
	// Events returns the delivery channel. It is closed when the
	// subscription is closed or the broker connection drops.
	Events() <-chan Message
	// Close tears down the subscription.
	Close() error
}

// Broker is the coordination contract.
type Broker interface {
	// Append adds an entry to a log and returns its broker-assigned id.
	Append(ctx context.Context, log string, data []byte) (string, error)
	// ReadTail returns entries after cursor, blocking up to block when the
	// log has none. A zero block means do not wait. The returned cursor
	// resumes after the last delivered entry; when no entries arrive the
	// input cursor is returned unchanged.
	ReadTail(ctx context.Context, log, cursor string, block time.Duration) ([]LogEntry, string, error)

	// HSet sets fields on a hash.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGetAll returns all fields of a hash; an absent hash yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HIncrBy atomically increments a hash field, returning the new value.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// SetNX sets key to value only if absent. TTL zero means no expiry.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set unconditionally sets key to value. TTL zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// CompareAndSet sets key to value only while its current value equals
	// old, reporting whether the swap happened. TTL zero means no expiry.
	CompareAndSet(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error)
	// Get returns the value of key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Del removes keys. Deleting absent keys is not an error.
	Del(ctx context.Context, keys ...string) error
	// Keys returns all keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Publish fans out data on a named channel.
	Publish(ctx context.Context, channel string, data []byte) error
	// Subscribe opens a pattern subscription, e.g. "events:*".
	Subscribe(ctx context.Context, pattern string) (Subscription, error)

	// Close releases the connection.
	Close() error
}
