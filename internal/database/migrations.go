package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/mend/backend/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeQuietHoursTimezone = "2026-09-14_normalize_quiet_hours_timezone"
	migrationEnableEmergencySupport      = "2026-09-14_enable_emergency_support"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeQuietHoursTimezone, apply: normalizeQuietHoursTimezone},
		{name: migrationEnableEmergencySupport, apply: enableEmergencySupport},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before timezones were required carry an empty zone.
func normalizeQuietHoursTimezone(db *gorm.DB) error {
	return db.Model(&notifications.Preferences{}).
		Where("quiet_hours_timezone = ?", "").
		Update("quiet_hours_timezone", time.UTC.String()).Error
}

func enableEmergencySupport(db *gorm.DB) error {
	return db.Model(&notifications.Preferences{}).
		Where("emergency_support = ?", false).
		Update("emergency_support", true).Error
}
