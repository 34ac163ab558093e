package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillRecordVersions = "2026-10-01_backfill_record_versions"

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
		{name: migrationBackfillRecordVersions, apply: backfillRecordVersions},
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

// backfillRecordVersions lifts rows written before version stamping to version 1 so the
// last-writer-wins guard never compares against a zero version.
func backfillRecordVersions(db *gorm.DB) error {
	for _, collection := range records.VersionedCollections {
		if err := db.Table(string(collection)).
			Where("version < ?", 1).
			Update("version", 1).Error; err != nil {
			return err
		}
	}
	return nil
}
