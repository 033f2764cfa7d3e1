package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationInitialSnapshotConsistency = "0001_initial_snapshot_consistency"

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
		{name: migrationInitialSnapshotConsistency, apply: foldInconsistentSnapshot},
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
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// foldInconsistentSnapshot refolds the snapshot when it holds rows that no log
// entry produced, such as a blacklist table restored or imported without its log.
// It runs once, when the migration ledger is first created.
func foldInconsistentSnapshot(db *gorm.DB) error {
	var orphaned int64
	if err := db.Model(&blacklist.BlacklistRecord{}).
		Where("last_operation_id NOT IN (?)", db.Model(&blacklist.LogRecord{}).Select("id")).
		Count(&orphaned).Error; err != nil {
		return err
	}
	if orphaned == 0 {
		return nil
	}
	_, err := blacklist.RebuildSnapshot(db, time.Now())
	return err
}
