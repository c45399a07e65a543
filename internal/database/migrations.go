package database

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gamesync/internal/syncengine"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const migrationEmbedNumberedIDs = "2026-10-01_embed_numbered_ids"

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
		{name: migrationEmbedNumberedIDs, apply: embedNumberedIDs},
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
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
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

// embedNumberedIDs rewrites tag and view payloads whose "id" field is missing or
// disagrees with the row id, as left by rows imported outside the push path.
func embedNumberedIDs(db *gorm.DB) error {
	for _, model := range []any{&syncengine.TagRecord{}, &syncengine.ViewRecord{}} {
		var rows []syncengine.NumberedRecord
		if err := db.Model(model).Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			repaired, changed, err := embedID(row.Payload, row.ID)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}
			if err := db.Model(model).Where("id = ?", row.ID).Update("payload", repaired).Error; err != nil {
				return err
			}
		}
	}
	return nil
}

func embedID(payload datatypes.JSON, id int64) (datatypes.JSON, bool, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, false, err
		}
	}
	var current int64
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &current); err != nil {
			current = 0
		}
	}
	if current == id {
		return payload, false, nil
	}
	encodedID, err := json.Marshal(id)
	if err != nil {
		return nil, false, err
	}
	fields["id"] = encodedID
	repaired, err := json.Marshal(fields)
	if err != nil {
		return nil, false, err
	}
	return datatypes.JSON(repaired), true, nil
}
