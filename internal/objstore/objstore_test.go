package objstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	start := time.Date(2026, 8, 24, 15, 4, 5, 0, time.UTC)
	prefix := DatePrefix("recordings", start)
	assert.Equal(t, "recordings/2026/08/24", prefix)

	assert.Equal(t,
		"recordings/2026/08/24/s1/chunks/chunk_00000000.webm",
		ChunkKey(prefix, "s1", 0))
	assert.Equal(t,
		"recordings/2026/08/24/s1/chunks/chunk_00000042.webm",
		ChunkKey(prefix, "s1", 42))
	assert.Equal(t,
		"recordings/2026/08/24/s1/hls/segment_00003.ts",
		SegmentKey(prefix, "s1", "segment_00003.ts"))
	assert.Equal(t,
		"recordings/2026/08/24/s1/hls/stream.m3u8",
		ManifestKey(prefix, "s1"))
}

func TestValidOutputName(t *testing.T) {
	valid := []string{"segment_00000.ts", "stream.m3u8", "seg-1.ts", "a_b.m3u8"}
	for _, name := range valid {
		assert.True(t, ValidOutputName(name), name)
	}

	invalid := []string{
		"../etc/passwd",
		"a/b.ts",
		"segment_00000.mp4",
		".ts",
		"segment..ts",
		"stream.m3u8 ",
		"",
	}
	for _, name := range invalid {
		assert.False(t, ValidOutputName(name), name)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.PutBytes(ctx, "k1", []byte("hello"), ContentTypeWebM))

	data, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	ok, err := store.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	obj, ok := store.Object("k1")
	require.True(t, ok)
	assert.Equal(t, ContentTypeWebM, obj.ContentType)

	// Overwrite is idempotent.
	require.NoError(t, store.PutBytes(ctx, "k1", []byte("hello"), ContentTypeWebM))
	data, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, store.Delete(ctx, "k1"))
	_, err = store.Get(ctx, "k1")
	require.ErrorIs(t, err, ErrNotFound)

	ok, err = store.Exists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStorePutFile(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	path := filepath.Join(t.TempDir(), "segment_00000.ts")
	require.NoError(t, os.WriteFile(path, []byte("ts-bytes"), 0o644))

	n, err := store.PutFile(ctx, "s1/hls/segment_00000.ts", path, ContentTypeTS, "")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	obj, ok := store.Object("s1/hls/segment_00000.ts")
	require.True(t, ok)
	assert.Equal(t, ContentTypeTS, obj.ContentType)
	assert.Equal(t, []byte("ts-bytes"), obj.Data)
}
