package database

import (
	"errors"
	"time"

	"github.com/devcircle/backend/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeVoteTargetKind = "2026-03-14_normalize_vote_target_kind"
	migrationDropNeutralVotes        = "2026-03-14_drop_neutral_votes"
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
		{name: migrationNormalizeVoteTargetKind, apply: normalizeVoteTargetKind},
		{name: migrationDropNeutralVotes, apply: dropNeutralVotes},
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

// Legacy rows were keyed by post only and carried no kind.
func normalizeVoteTargetKind(db *gorm.DB) error {
	return db.Model(&models.Vote{}).
		Where("target_kind = '' OR target_kind IS NULL").
		Update("target_kind", models.TargetPost).Error
}

// A zero value is represented by the absence of a row.
func dropNeutralVotes(db *gorm.DB) error {
	return db.Where("value = 0").Delete(&models.Vote{}).Error
}
