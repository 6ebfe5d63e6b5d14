// Package objstore provides a uniform object-storage abstraction for the
// pipeline. Two bucket-based backends exist (AWS S3 and Backblaze B2) plus an
// in-memory store for tests; callers depend only on the Store interface.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned by Get when the object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrNotSupported is returned for operations a backend cannot provide.
	ErrNotSupported = errors.New("operation not supported by backend")
)

// Content types used by the pipeline.
const (
	ContentTypeWebM     = "video/webm"
	ContentTypeTS       = "video/mp2t"
	ContentTypeManifest = "application/vnd.apple.mpegurl"
)

// CacheControlNone disables intermediary caching; applied to the manifest,
// which is rewritten for as long as the stream is live.
const CacheControlNone = "no-cache, no-store, must-revalidate"

// Store is the abstract object-storage contract. All operations are
// idempotent with respect to repeated identical inputs (overwrite semantics).
type Store interface {
	// PresignGet issues a time-limited read URL for downstream clients.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	// PresignPut issues a time-limited write URL for downstream clients.
	PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error)
	// PutFile uploads a local file. Returns the number of bytes written.
	PutFile(ctx context.Context, key, path, contentType, cacheControl string) (int64, error)
	// PutBytes uploads an in-memory buffer.
	PutBytes(ctx context.Context, key string, data []byte, contentType string) error
	// Get downloads an object into memory.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)
}

// outputNamePattern guards segment and manifest names served back out of the
// store against path traversal.
var outputNamePattern = regexp.MustCompile(`^[\w\-]+\.(ts|m3u8)$`)

// ValidOutputName reports whether name is a servable muxer output filename.
func ValidOutputName(name string) bool {
	return outputNamePattern.MatchString(name)
}

// DatePrefix returns the date-scoped key prefix for a stream starting at t,
// e.g. "recordings/2026/08/24".
func DatePrefix(base string, t time.Time) string {
	return fmt.Sprintf("%s/%04d/%02d/%02d", base, t.Year(), t.Month(), t.Day())
}

// ChunkKey returns the object key for raw chunk seq of a stream.
func ChunkKey(prefix, streamID string, seq int64) string {
	return fmt.Sprintf("%s/%s/chunks/chunk_%08d.webm", prefix, streamID, seq)
}

// SegmentKey returns the object key for a muxer output file.
func SegmentKey(prefix, streamID, name string) string {
	return fmt.Sprintf("%s/%s/hls/%s", prefix, streamID, name)
}

// ManifestName is the muxer's playlist filename.
const ManifestName = "stream.m3u8"

// ManifestKey returns the object key for a stream's playlist.
func ManifestKey(prefix, streamID string) string {
	return SegmentKey(prefix, streamID, ManifestName)
}
