package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillCreatorAccess = "2026-07-18_backfill_creator_access"

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
		{name: migrationBackfillCreatorAccess, apply: backfillCreatorAccess},
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

// backfillCreatorAccess inserts a write ACL entry for creators of rooms
// provisioned before creators were recorded on the access list.
func backfillCreatorAccess(db *gorm.DB) error {
	const insert = `
		INSERT INTO room_accesses (room_id, email, can_write, updated_at_s)
		SELECT r.room_id, r.creator_email, 1, r.updated_at_s
		FROM rooms r
		WHERE NOT EXISTS (
			SELECT 1 FROM room_accesses a
			WHERE a.room_id = r.room_id AND a.email = r.creator_email
		);`
	return db.Exec(insert).Error
}
