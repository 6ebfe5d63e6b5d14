package objstore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// MemoryObject is one stored object in a MemoryStore.
type MemoryObject struct {
	Data         []byte
	ContentType  string
	CacheControl string
}

// MemoryStore is an in-memory Store used by tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]MemoryObject
}

// NewMemoryStore creates an empty in-memory object store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]MemoryObject)}
}

// PresignGet returns a synthetic URL; there is no real transport behind it.
func (s *MemoryStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "memory://get/" + key, nil
}

// PresignPut returns a synthetic URL.
func (s *MemoryStore) PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "memory://put/" + key, nil
}

// PutFile uploads a local file.
func (s *MemoryStore) PutFile(ctx context.Context, key, path, contentType, cacheControl string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}

	s.mu.Lock()
	s.objects[key] = MemoryObject{Data: data, ContentType: contentType, CacheControl: cacheControl}
	s.mu.Unlock()

	return int64(len(data)), nil
}

// PutBytes uploads an in-memory buffer.
func (s *MemoryStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[key] = MemoryObject{Data: buf, ContentType: contentType}
	s.mu.Unlock()

	return nil
}

// Get downloads an object.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	return data, nil
}

// Delete removes an object.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

// Exists reports whether an object is present.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	return ok, nil
}

// Object returns a stored object and whether it exists. Test helper.
func (s *MemoryStore) Object(key string) (MemoryObject, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	return obj, ok
}

// Keys returns all stored keys. Test helper.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
