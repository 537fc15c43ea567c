package migrations

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

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	return db
}

func TestAllMigrations_ReturnsExpectedCount(t *testing.T) {
	migrations := AllMigrations()
	assert.Len(t, migrations, 1)
}

func TestAllMigrations_VersionsAreUnique(t *testing.T) {
	migrations := AllMigrations()
	versions := make(map[string]bool)

	for _, m := range migrations {
		assert.False(t, versions[m.Version], "duplicate version: %s", m.Version)
		versions[m.Version] = true
	}
}

func TestAllMigrations_VersionsAreOrdered(t *testing.T) {
	migrations := AllMigrations()

	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].Version, migrations[i].Version,
			"migrations should be in ascending version order")
	}
}

func TestMigrator_Up_AllMigrations(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	err := migrator.Up(ctx)
	require.NoError(t, err)

	assert.True(t, db.Migrator().HasTable("recordings"))
	assert.True(t, db.Migrator().HasTable("hls_segments"))
	assert.True(t, db.Migrator().HasTable("motion_zones"))
	assert.True(t, db.Migrator().HasTable("schema_migrations"))
}

func TestMigrator_Up_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	err := migrator.Up(ctx)
	require.NoError(t, err)

	err = migrator.Up(ctx)
	require.NoError(t, err)
}

func TestMigrator_Status(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Applied)
	assert.Nil(t, statuses[0].AppliedAt)

	err = migrator.Up(ctx)
	require.NoError(t, err)

	statuses, err = migrator.Status(ctx)
	require.NoError(t, err)
	assert.True(t, statuses[0].Applied)
	assert.NotNil(t, statuses[0].AppliedAt)
}

func TestMigrator_Down_RollsBackLastMigration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	err := migrator.Up(ctx)
	require.NoError(t, err)
	assert.True(t, db.Migrator().HasTable("recordings"))

	err = migrator.Down(ctx)
	require.NoError(t, err)
	assert.False(t, db.Migrator().HasTable("recordings"))
	assert.False(t, db.Migrator().HasTable("hls_segments"))
	assert.False(t, db.Migrator().HasTable("motion_zones"))
}

func TestMigrator_Pending(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	pending, err := migrator.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	err = migrator.Up(ctx)
	require.NoError(t, err)

	pending, err = migrator.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 0)
}

func TestMigrations_CanInsertData(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	migrator := NewMigrator(db, nil)
	migrator.RegisterAll(AllMigrations())

	err := migrator.Up(ctx)
	require.NoError(t, err)

	rec := &models.Recording{
		StreamName: "cam1",
		FilePath:   "/var/lib/lightnvr/recordings/cam1/0001.mp4",
		StartTime:  1000,
	}
	err = db.Create(rec).Error
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)

	seg := &models.HLSSegment{
		StreamName: "cam1",
		Path:       "/var/lib/lightnvr/hls/cam1/seg0.ts",
		Sequence:   0,
	}
	err = db.Create(seg).Error
	require.NoError(t, err)
	assert.NotZero(t, seg.ID)

	zone := &models.MotionZone{
		StreamName:  "cam1",
		Name:        "Driveway",
		Polygon:     `[{"x":0,"y":0}]`,
		Sensitivity: 50,
		Enabled:     true,
	}
	err = db.Create(zone).Error
	require.NoError(t, err)
	assert.NotEmpty(t, zone.ID)
}
