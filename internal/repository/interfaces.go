// Package repository defines data access interfaces for lightnvr-go entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"

	"github.com/opensensor/lightnvr-go/internal/models"
)

// RecordingRepository defines operations for recording metadata persistence.
type RecordingRepository interface {
	// Create inserts a recording row and returns its assigned id, or 0 if
	// the insert failed.
	Create(ctx context.Context, rec *models.Recording) (uint64, error)
	// Complete idempotently sets end_time, size_bytes, and is_complete for
	// an existing recording.
	Complete(ctx context.Context, id uint64, endTime, sizeBytes int64, isComplete bool) error
	// GetByID retrieves a recording by id, or nil if not found.
	GetByID(ctx context.Context, id uint64) (*models.Recording, error)
	// GetByTimeRange retrieves recordings overlapping [t0, t1]. stream, if
	// non-empty, restricts the result to that stream.
	GetByTimeRange(ctx context.Context, t0, t1 int64, stream string) ([]*models.Recording, error)
	// Delete removes a recording row by id.
	Delete(ctx context.Context, id uint64) error
	// ListByStream returns a stream's recordings ordered newest-first by
	// default, or oldest-first when oldestFirst is true.
	ListByStream(ctx context.Context, stream string, oldestFirst bool) ([]*models.Recording, error)
	// SumBytesByStream returns the total size_bytes across a stream's
	// complete recordings, for quota accounting.
	SumBytesByStream(ctx context.Context, stream string) (int64, error)
	// PendingSize returns recordings with size_bytes = 0 AND is_complete = 1
	// AND start_time >= since, limited to limit rows.
	PendingSize(ctx context.Context, since int64, limit int) ([]*models.Recording, error)
}

// HLSSegmentRepository tracks live-playlist .ts files so the hls_segment
// pre-buffer strategy and storage retention walk can find segments by
// stream and protection state without scanning the filesystem.
type HLSSegmentRepository interface {
	Create(ctx context.Context, seg *models.HLSSegment) error
	GetByPath(ctx context.Context, path string) (*models.HLSSegment, error)
	ListByStream(ctx context.Context, stream string) ([]*models.HLSSegment, error)
	SetProtected(ctx context.Context, id uint64, protected bool) error
	AttachRecording(ctx context.Context, id, recordingID uint64) error
	DeleteOlderThan(ctx context.Context, stream string, mtimeCutoff int64) (int64, error)
	Delete(ctx context.Context, id uint64) error
}

// MotionZoneRepository defines operations for motion zone configuration
// persistence. The recording pipeline never interprets a zone's polygon;
// it only stores and serves configuration through this repository, for an
// external detection runtime to read.
type MotionZoneRepository interface {
	Create(ctx context.Context, zone *models.MotionZone) error
	GetByID(ctx context.Context, id models.ULID) (*models.MotionZone, error)
	GetByStream(ctx context.Context, stream string) ([]*models.MotionZone, error)
	GetEnabledByStream(ctx context.Context, stream string) ([]*models.MotionZone, error)
	Update(ctx context.Context, zone *models.MotionZone) error
	Delete(ctx context.Context, id models.ULID) error
}
