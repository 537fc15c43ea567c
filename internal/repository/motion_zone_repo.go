package repository

import (
	"context"
	"fmt"

	"github.com/opensensor/lightnvr-go/internal/models"
	"gorm.io/gorm"
)

type motionZoneRepo struct {
	db *gorm.DB
}

// NewMotionZoneRepository creates a new MotionZoneRepository.
func NewMotionZoneRepository(db *gorm.DB) *motionZoneRepo {
	return &motionZoneRepo{db: db}
}

func (r *motionZoneRepo) Create(ctx context.Context, zone *models.MotionZone) error {
	if err := zone.Validate(); err != nil {
		return fmt.Errorf("validating motion zone: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(zone).Error; err != nil {
		return fmt.Errorf("creating motion zone: %w", err)
	}
	return nil
}

func (r *motionZoneRepo) GetByID(ctx context.Context, id models.ULID) (*models.MotionZone, error) {
	var zone models.MotionZone
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&zone).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting motion zone %s: %w", id, err)
	}
	return &zone, nil
}

func (r *motionZoneRepo) GetByStream(ctx context.Context, stream string) ([]*models.MotionZone, error) {
	var zones []*models.MotionZone
	if err := r.db.WithContext(ctx).Where("stream_name = ?", stream).Find(&zones).Error; err != nil {
		return nil, fmt.Errorf("getting motion zones for stream %s: %w", stream, err)
	}
	return zones, nil
}

func (r *motionZoneRepo) GetEnabledByStream(ctx context.Context, stream string) ([]*models.MotionZone, error) {
	var zones []*models.MotionZone
	if err := r.db.WithContext(ctx).Where("stream_name = ? AND enabled = ?", stream, true).Find(&zones).Error; err != nil {
		return nil, fmt.Errorf("getting enabled motion zones for stream %s: %w", stream, err)
	}
	return zones, nil
}

func (r *motionZoneRepo) Update(ctx context.Context, zone *models.MotionZone) error {
	if err := zone.Validate(); err != nil {
		return fmt.Errorf("validating motion zone: %w", err)
	}
	if err := r.db.WithContext(ctx).Save(zone).Error; err != nil {
		return fmt.Errorf("updating motion zone %s: %w", zone.ID, err)
	}
	return nil
}

func (r *motionZoneRepo) Delete(ctx context.Context, id models.ULID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.MotionZone{}).Error; err != nil {
		return fmt.Errorf("deleting motion zone %s: %w", id, err)
	}
	return nil
}

var _ MotionZoneRepository = (*motionZoneRepo)(nil)
