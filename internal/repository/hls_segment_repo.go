package repository

import (
	"context"
	"fmt"

	"github.com/opensensor/lightnvr-go/internal/models"
	"gorm.io/gorm"
)

type hlsSegmentRepo struct {
	db *gorm.DB
}

// NewHLSSegmentRepository creates a new HLSSegmentRepository.
func NewHLSSegmentRepository(db *gorm.DB) *hlsSegmentRepo {
	return &hlsSegmentRepo{db: db}
}

func (r *hlsSegmentRepo) Create(ctx context.Context, seg *models.HLSSegment) error {
	if err := r.db.WithContext(ctx).Create(seg).Error; err != nil {
		return fmt.Errorf("creating hls segment: %w", err)
	}
	return nil
}

func (r *hlsSegmentRepo) GetByPath(ctx context.Context, path string) (*models.HLSSegment, error) {
	var seg models.HLSSegment
	if err := r.db.WithContext(ctx).Where("path = ?", path).First(&seg).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting hls segment by path: %w", err)
	}
	return &seg, nil
}

func (r *hlsSegmentRepo) ListByStream(ctx context.Context, stream string) ([]*models.HLSSegment, error) {
	var segs []*models.HLSSegment
	if err := r.db.WithContext(ctx).Where("stream_name = ?", stream).Order("sequence ASC").Find(&segs).Error; err != nil {
		return nil, fmt.Errorf("listing hls segments for stream %s: %w", stream, err)
	}
	return segs, nil
}

func (r *hlsSegmentRepo) SetProtected(ctx context.Context, id uint64, protected bool) error {
	if err := r.db.WithContext(ctx).Model(&models.HLSSegment{}).Where("id = ?", id).
		UpdateColumn("protected", protected).Error; err != nil {
		return fmt.Errorf("setting protected on hls segment %d: %w", id, err)
	}
	return nil
}

func (r *hlsSegmentRepo) AttachRecording(ctx context.Context, id, recordingID uint64) error {
	if err := r.db.WithContext(ctx).Model(&models.HLSSegment{}).Where("id = ?", id).
		UpdateColumn("recording_id", recordingID).Error; err != nil {
		return fmt.Errorf("attaching recording to hls segment %d: %w", id, err)
	}
	return nil
}

func (r *hlsSegmentRepo) DeleteOlderThan(ctx context.Context, stream string, mtimeCutoff int64) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("stream_name = ? AND protected = ? AND mtime_unix < ?", stream, false, mtimeCutoff).
		Delete(&models.HLSSegment{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting old hls segments for stream %s: %w", stream, result.Error)
	}
	return result.RowsAffected, nil
}

func (r *hlsSegmentRepo) Delete(ctx context.Context, id uint64) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.HLSSegment{}).Error; err != nil {
		return fmt.Errorf("deleting hls segment %d: %w", id, err)
	}
	return nil
}

var _ HLSSegmentRepository = (*hlsSegmentRepo)(nil)
