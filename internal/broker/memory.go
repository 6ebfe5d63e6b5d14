package broker

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker used by tests. It honors the same
// contract as the Redis implementation: monotone log ids, blocking tail
// reads, TTL expiry, and best-effort pattern pub/sub.
type MemoryBroker struct {
	mu     sync.Mutex
	logs   map[string][]LogEntry
	logSeq map[string]int64
	notify map[string]chan struct{}
	hashes map[string]map[string]string
	values map[string]memoryValue
	subs   map[*memorySubscription]struct{}
	closed bool
}

type memoryValue struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (v memoryValue) expired(now time.Time) bool {
	return !v.expiresAt.IsZero() && now.After(v.expiresAt)
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		logs:   make(map[string][]LogEntry),
		logSeq: make(map[string]int64),
		notify: make(map[string]chan struct{}),
		hashes: make(map[string]map[string]string),
		values: make(map[string]memoryValue),
		subs:   make(map[*memorySubscription]struct{}),
	}
}

func entrySeq(id string) int64 {
	seq, _ := strconv.ParseInt(strings.SplitN(id, "-", 2)[0], 10, 64)
	return seq
}

// Append adds an entry to a log.
func (b *MemoryBroker) Append(ctx context.Context, log string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", ErrClosed
	}

	b.logSeq[log]++
	id := fmt.Sprintf("%d-0", b.logSeq[log])

	buf := make([]byte, len(data))
	copy(buf, data)
	b.logs[log] = append(b.logs[log], LogEntry{ID: id, Data: buf})

	if ch, ok := b.notify[log]; ok {
		close(ch)
		delete(b.notify, log)
	}
	return id, nil
}

// ReadTail reads entries after cursor, blocking up to block.
func (b *MemoryBroker) ReadTail(ctx context.Context, log, cursor string, block time.Duration) ([]LogEntry, string, error) {
	deadline := time.Now().Add(block)

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, cursor, ErrClosed
		}

		after := int64(0)
		switch cursor {
		case CursorStart, "":
		case CursorNew:
			after = b.logSeq[log]
			cursor = fmt.Sprintf("%d-0", after)
		default:
			after = entrySeq(cursor)
		}

		var entries []LogEntry
		next := cursor
		for _, e := range b.logs[log] {
			if entrySeq(e.ID) > after {
				entries = append(entries, e)
				next = e.ID
			}
		}
		if len(entries) > 0 {
			b.mu.Unlock()
			return entries, next, nil
		}

		wait := b.notify[log]
		if wait == nil {
			wait = make(chan struct{})
			b.notify[log] = wait
		}
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if block <= 0 || remaining <= 0 {
			return nil, cursor, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, cursor, ctx.Err()
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, cursor, nil
		}
	}
}

// HSet sets fields on a hash.
func (b *MemoryBroker) HSet(ctx context.Context, key string, fields map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.hashes[key]
	if h == nil {
		h = make(map[string]string)
		b.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

// HGetAll returns all fields of a hash.
func (b *MemoryBroker) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.hashes[key]))
	for k, v := range b.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// HIncrBy atomically increments a hash field.
func (b *MemoryBroker) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := b.hashes[key]
	if h == nil {
		h = make(map[string]string)
		b.hashes[key] = h
	}
	current, _ := strconv.ParseInt(h[field], 10, 64)
	current += delta
	h[field] = strconv.FormatInt(current, 10)
	return current, nil
}

// SetNX sets key only if absent.
func (b *MemoryBroker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.values[key]; ok && !existing.expired(time.Now()) {
		return false, nil
	}
	b.values[key] = newMemoryValue(value, ttl)
	return true, nil
}

// Set unconditionally sets key.
func (b *MemoryBroker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = newMemoryValue(value, ttl)
	return nil
}

// CompareAndSet swaps key from old to value atomically.
func (b *MemoryBroker) CompareAndSet(ctx context.Context, key, old, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.values[key]
	if !ok || existing.expired(time.Now()) || existing.value != old {
		return false, nil
	}
	b.values[key] = newMemoryValue(value, ttl)
	return true, nil
}

func newMemoryValue(value string, ttl time.Duration) memoryValue {
	v := memoryValue{value: value}
	if ttl > 0 {
		v.expiresAt = time.Now().Add(ttl)
	}
	return v
}

// Get returns the value of key.
func (b *MemoryBroker) Get(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v, ok := b.values[key]
	if !ok || v.expired(time.Now()) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v.value, nil
}

// Del removes keys.
func (b *MemoryBroker) Del(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, key := range keys {
		delete(b.values, key)
		delete(b.hashes, key)
	}
	return nil
}

// Keys returns all keys matching a glob pattern.
func (b *MemoryBroker) Keys(ctx context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	var keys []string
	for key, v := range b.values {
		if v.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range b.hashes {
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Publish fans out data on a channel. Slow subscribers drop deliveries.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if ok, _ := path.Match(sub.pattern, channel); !ok {
			continue
		}
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case sub.events <- Message{Channel: channel, Data: buf}:
		default:
		}
	}
	return nil
}

// Subscribe opens a pattern subscription.
func (b *MemoryBroker) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		broker:  b,
		pattern: pattern,
		events:  make(chan Message, 256),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close releases the broker; open subscriptions are closed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for sub := range b.subs {
		close(sub.events)
		delete(b.subs, sub)
	}
	for log, ch := range b.notify {
		close(ch)
		delete(b.notify, log)
	}
	return nil
}

type memorySubscription struct {
	broker  *MemoryBroker
	pattern string
	events  chan Message
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan Message {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		if _, ok := s.broker.subs[s]; ok {
			delete(s.broker.subs, s)
			close(s.events)
		}
		s.broker.mu.Unlock()
	})
	return nil
}
