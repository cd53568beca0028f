package database

import (
	"errors"
	"time"

	"github.com/duetchat/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillLastSeen = "2026-06-18_backfill_last_seen"

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
		{name: migrationBackfillLastSeen, apply: backfillLastSeen},
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

// backfillLastSeen repairs offline accounts created before last_seen existed:
// they read as "last seen: never" in clients, so stamp them with created_at.
func backfillLastSeen(db *gorm.DB) error {
	return db.Exec("UPDATE users SET last_seen = created_at WHERE is_online = 0 AND last_seen IS NULL").Error
}

// resetStalePresence clears online flags left behind by an unclean shutdown.
// Connection state is process-local, so nobody can still be online at boot.
// Runs on every start, unlike the recorded migrations above.
func resetStalePresence(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("is_online = ?", true).
		Updates(map[string]interface{}{
			"is_online": false,
			"last_seen": time.Now().UTC(),
		}).Error
}
