package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Backblaze/blazer/b2"
)

// B2Config holds Backblaze B2 backend configuration.
type B2Config struct {
	Bucket    string
	AccessKey string // application key ID
	SecretKey string // application key
}

// B2Store implements Store against Backblaze B2.
type B2Store struct {
	bucket *b2.Bucket
}

// NewB2Store creates a B2-backed object store.
func NewB2Store(ctx context.Context, cfg B2Config) (*B2Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("b2: bucket is required")
	}

	client, err := b2.NewClient(ctx, cfg.AccessKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("creating b2 client: %w", err)
	}

	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("opening b2 bucket %s: %w", cfg.Bucket, err)
	}

	return &B2Store{bucket: bucket}, nil
}

// PresignGet issues a download URL carrying a scoped auth token.
func (s *B2Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	token, err := s.bucket.AuthToken(ctx, key, expiry)
	if err != nil {
		return "", fmt.Errorf("issuing b2 auth token for %s: %w", key, err)
	}
	return fmt.Sprintf("%s?Authorization=%s", s.bucket.Object(key).URL(), token), nil
}

// PresignPut is not available on B2; uploads go through the API.
func (s *B2Store) PresignPut(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "", fmt.Errorf("%w: b2 presigned upload", ErrNotSupported)
}

// PutFile uploads a local file.
func (s *B2Store) PutFile(ctx context.Context, key, path, contentType, cacheControl string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stating %s: %w", path, err)
	}

	if err := s.write(ctx, key, f, contentType, cacheControl); err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// PutBytes uploads an in-memory buffer.
func (s *B2Store) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	return s.write(ctx, key, bytes.NewReader(data), contentType, "")
}

func (s *B2Store) write(ctx context.Context, key string, r io.Reader, contentType, cacheControl string) error {
	attrs := &b2.Attrs{ContentType: contentType}
	if cacheControl != "" {
		attrs.Info = map[string]string{"b2-cache-control": cacheControl}
	}

	w := s.bucket.Object(key).NewWriter(ctx, b2.WithAttrsOption(attrs))
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("writing %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing %s: %w", key, err)
	}
	return nil
}

// Get downloads an object into memory.
func (s *B2Store) Get(ctx context.Context, key string) ([]byte, error) {
	r := s.bucket.Object(key).NewReader(ctx)
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		if b2.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// Delete removes an object.
func (s *B2Store) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Object(key).Delete(ctx); err != nil && !b2.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// Exists reports whether an object is present.
func (s *B2Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if b2.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("heading %s: %w", key, err)
	}
	return true, nil
}
