package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/livecast-io/livecast/internal/model"
)

// Stream state hash fields.
const (
	FieldStatus     = "status"
	FieldOwner      = "owner"
	FieldBucket     = "bucket"
	FieldPrefix     = "prefix"
	FieldChunkCount = "chunk_count"
	FieldStartedAt  = "started_at"
)

// StreamStateFields encodes a stream record as hash fields.
func StreamStateFields(s *model.Stream) map[string]string {
	return map[string]string{
		FieldStatus:     string(s.Status),
		FieldOwner:      s.Owner,
		FieldBucket:     s.Bucket,
		FieldPrefix:     s.Prefix,
		FieldChunkCount: strconv.FormatInt(s.ChunkCount, 10),
		FieldStartedAt:  s.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}

// DecodeStreamState reconstructs a stream record from hash fields. An empty
// field map yields ErrKeyNotFound: the record has expired or never existed.
func DecodeStreamState(streamID string, fields map[string]string) (*model.Stream, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, StateKey(streamID))
	}

	s := &model.Stream{
		ID:     streamID,
		Status: model.StreamStatus(fields[FieldStatus]),
		Owner:  fields[FieldOwner],
		Bucket: fields[FieldBucket],
		Prefix: fields[FieldPrefix],
	}

	if raw := fields[FieldChunkCount]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing chunk_count for %s: %w", streamID, err)
		}
		s.ChunkCount = n
	}

	if raw := fields[FieldStartedAt]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing started_at for %s: %w", streamID, err)
		}
		s.StartedAt = t
	}

	return s, nil
}

// LoadStreamState fetches and decodes a stream record.
func LoadStreamState(ctx context.Context, b Broker, streamID string) (*model.Stream, error) {
	fields, err := b.HGetAll(ctx, StateKey(streamID))
	if err != nil {
		return nil, err
	}
	return DecodeStreamState(streamID, fields)
}

// SetStreamStatus updates just the status field of a stream record.
func SetStreamStatus(ctx context.Context, b Broker, streamID string, status model.StreamStatus) error {
	return b.HSet(ctx, StateKey(streamID), map[string]string{FieldStatus: string(status)})
}
