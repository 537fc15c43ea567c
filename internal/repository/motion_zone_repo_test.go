package repository

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/opensensor/lightnvr-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMotionZoneTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&models.MotionZone{}))
	return db
}

func TestMotionZoneRepo_CreateAssignsULID(t *testing.T) {
	db := setupMotionZoneTestDB(t)
	repo := NewMotionZoneRepository(db)
	ctx := context.Background()

	zone := &models.MotionZone{StreamName: "cam1", Name: "Driveway", Sensitivity: 50, Enabled: true}
	require.NoError(t, repo.Create(ctx, zone))
	assert.False(t, zone.ID.IsZero())
}

func TestMotionZoneRepo_CreateInvalidRejected(t *testing.T) {
	db := setupMotionZoneTestDB(t)
	repo := NewMotionZoneRepository(db)
	ctx := context.Background()

	err := repo.Create(ctx, &models.MotionZone{StreamName: "cam1", Name: "Bad", Sensitivity: 150})
	assert.Error(t, err)
}

func TestMotionZoneRepo_GetEnabledByStreamFiltersDisabled(t *testing.T) {
	db := setupMotionZoneTestDB(t)
	repo := NewMotionZoneRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.MotionZone{StreamName: "cam1", Name: "On", Sensitivity: 50, Enabled: true}))
	require.NoError(t, repo.Create(ctx, &models.MotionZone{StreamName: "cam1", Name: "Off", Sensitivity: 50, Enabled: false}))

	enabled, err := repo.GetEnabledByStream(ctx, "cam1")
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "On", enabled[0].Name)
}

func TestMotionZoneRepo_UpdateAndDelete(t *testing.T) {
	db := setupMotionZoneTestDB(t)
	repo := NewMotionZoneRepository(db)
	ctx := context.Background()

	zone := &models.MotionZone{StreamName: "cam1", Name: "Driveway", Sensitivity: 50, Enabled: true}
	require.NoError(t, repo.Create(ctx, zone))

	zone.Sensitivity = 80
	require.NoError(t, repo.Update(ctx, zone))

	found, err := repo.GetByID(ctx, zone.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, 80, found.Sensitivity)

	require.NoError(t, repo.Delete(ctx, zone.ID))

	found, err = repo.GetByID(ctx, zone.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
}
