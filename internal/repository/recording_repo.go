// Package repository provides data access for recording records.
package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/livecast-io/livecast/internal/model"
)

// RecordingRepository persists recording records. The pipeline performs
// narrow field updates only: other producers write to the same rows, so a
// full-record save would clobber their fields.
type RecordingRepository interface {
	Create(ctx context.Context, recording *model.Recording) error
	GetByID(ctx context.Context, id string) (*model.Recording, error)
	MarkStreaming(ctx context.Context, id string, startedAt time.Time) error
	MarkStopped(ctx context.Context, id string, endedAt time.Time, stats *model.StopStats) error
	SetStorage(ctx context.Context, id, bucket, key string, format model.PlaybackFormat) error
	Finalize(ctx context.Context, id string, status model.RecordingStatus, fileBytes int64) error
}

// recordingRepo implements RecordingRepository using GORM.
type recordingRepo struct {
	db *gorm.DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *gorm.DB) *recordingRepo {
	return &recordingRepo{db: db}
}

// Create inserts a new recording record.
func (r *recordingRepo) Create(ctx context.Context, recording *model.Recording) error {
	if err := r.db.WithContext(ctx).Create(recording).Error; err != nil {
		return fmt.Errorf("creating recording: %w", err)
	}
	return nil
}

// GetByID retrieves a recording by ID. A missing row yields nil, nil.
func (r *recordingRepo) GetByID(ctx context.Context, id string) (*model.Recording, error) {
	var recording model.Recording
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&recording).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting recording by ID: %w", err)
	}
	return &recording, nil
}

// MarkStreaming flags a recording as live and records the stream start.
func (r *recordingRepo) MarkStreaming(ctx context.Context, id string, startedAt time.Time) error {
	updates := map[string]interface{}{
		"status":            model.RecordingRecording,
		"is_live_streaming": true,
		"stream_started_at": startedAt,
	}
	return r.update(ctx, id, updates)
}

// MarkStopped records the stream end and the client-reported session stats.
func (r *recordingRepo) MarkStopped(ctx context.Context, id string, endedAt time.Time, stats *model.StopStats) error {
	updates := map[string]interface{}{
		"status":          model.RecordingTranscoding,
		"stream_ended_at": endedAt,
	}
	if stats != nil {
		updates["duration"] = stats.Duration
		updates["pause_count"] = stats.PauseCount
		updates["pause_duration_total"] = stats.PauseDurationTotal
		if len(stats.PauseEvents) > 0 {
			updates["pause_events"] = stats.PauseEvents
		}
	}
	return r.update(ctx, id, updates)
}

// SetStorage records where the finished output lives.
func (r *recordingRepo) SetStorage(ctx context.Context, id, bucket, key string, format model.PlaybackFormat) error {
	updates := map[string]interface{}{
		"storage_bucket":  bucket,
		"storage_key":     key,
		"playback_format": format,
	}
	return r.update(ctx, id, updates)
}

// Finalize sets the terminal status and total output size, and clears the
// live flag.
func (r *recordingRepo) Finalize(ctx context.Context, id string, status model.RecordingStatus, fileBytes int64) error {
	updates := map[string]interface{}{
		"status":            status,
		"is_live_streaming": false,
	}
	if fileBytes > 0 {
		updates["file_bytes"] = fileBytes
	}
	return r.update(ctx, id, updates)
}

func (r *recordingRepo) update(ctx context.Context, id string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&model.Recording{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("updating recording %s: %w", id, result.Error)
	}
	return nil
}
