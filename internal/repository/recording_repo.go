package repository

import (
	"context"
	"fmt"

	"github.com/opensensor/lightnvr-go/internal/models"
	"gorm.io/gorm"
)

type recordingRepo struct {
	db *gorm.DB
}

// NewRecordingRepository creates a new RecordingRepository.
func NewRecordingRepository(db *gorm.DB) *recordingRepo {
	return &recordingRepo{db: db}
}

func (r *recordingRepo) Create(ctx context.Context, rec *models.Recording) (uint64, error) {
	if err := rec.Validate(); err != nil {
		return 0, fmt.Errorf("validating recording: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, fmt.Errorf("creating recording: %w", err)
	}
	return rec.ID, nil
}

func (r *recordingRepo) Complete(ctx context.Context, id uint64, endTime, sizeBytes int64, isComplete bool) error {
	result := r.db.WithContext(ctx).Model(&models.Recording{}).Where("id = ?", id).
		UpdateColumns(map[string]any{
			"end_time":    endTime,
			"size_bytes":  sizeBytes,
			"is_complete": isComplete,
		})
	if result.Error != nil {
		return fmt.Errorf("completing recording %d: %w", id, result.Error)
	}
	return nil
}

func (r *recordingRepo) GetByID(ctx context.Context, id uint64) (*models.Recording, error) {
	var rec models.Recording
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting recording %d: %w", id, err)
	}
	return &rec, nil
}

func (r *recordingRepo) GetByTimeRange(ctx context.Context, t0, t1 int64, stream string) ([]*models.Recording, error) {
	query := r.db.WithContext(ctx).
		Where("start_time <= ? AND (end_time = 0 OR end_time >= ?)", t1, t0).
		Order("start_time ASC")
	if stream != "" {
		query = query.Where("stream_name = ?", stream)
	}

	var recs []*models.Recording
	if err := query.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("getting recordings by time range: %w", err)
	}
	return recs, nil
}

func (r *recordingRepo) Delete(ctx context.Context, id uint64) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Recording{}).Error; err != nil {
		return fmt.Errorf("deleting recording %d: %w", id, err)
	}
	return nil
}

func (r *recordingRepo) ListByStream(ctx context.Context, stream string, oldestFirst bool) ([]*models.Recording, error) {
	order := "start_time DESC"
	if oldestFirst {
		order = "start_time ASC"
	}

	var recs []*models.Recording
	if err := r.db.WithContext(ctx).
		Where("stream_name = ?", stream).
		Order(order).
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing recordings for stream %s: %w", stream, err)
	}
	return recs, nil
}

func (r *recordingRepo) SumBytesByStream(ctx context.Context, stream string) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&models.Recording{}).
		Where("stream_name = ? AND is_complete = ?", stream, true).
		Select("COALESCE(SUM(size_bytes), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("summing bytes for stream %s: %w", stream, err)
	}
	return total, nil
}

func (r *recordingRepo) PendingSize(ctx context.Context, since int64, limit int) ([]*models.Recording, error) {
	var recs []*models.Recording
	err := r.db.WithContext(ctx).
		Where("size_bytes = 0 AND is_complete = ? AND start_time >= ?", true, since).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("finding pending-size recordings: %w", err)
	}
	return recs, nil
}

var _ RecordingRepository = (*recordingRepo)(nil)
