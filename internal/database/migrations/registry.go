// Package migrations provides database migration management for lightnvr-go.
package migrations

import (
	"github.com/opensensor/lightnvr-go/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001Schema(),
	}
}

// migration001Schema creates the recording-pipeline tables using GORM
// AutoMigrate.
func migration001Schema() Migration {
	return Migration{
		Version:     "001",
		Description: "Create recordings, hls_segments, and motion_zones tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.Recording{},
				&models.HLSSegment{},
				&models.MotionZone{},
			)
		},
		Down: func(tx *gorm.DB) error {
			tables := []string{"motion_zones", "hls_segments", "recordings"}
			for _, table := range tables {
				if tx.Migrator().HasTable(table) {
					if err := tx.Migrator().DropTable(table); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
}
