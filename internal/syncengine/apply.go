package syncengine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/gamesync/internal/entities"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	tableTags  = "sync_tags"
	tableViews = "sync_views"

	columnID             = "id"
	columnPayload        = "payload"
	columnUpdatedAt      = "updated_at_s"
	columnIgdbGameID     = "igdb_game_id"
	columnPlatformIgdbID = "platform_igdb_id"
	columnSettingKey     = "setting_key"
	columnSettingValue   = "setting_value"

	queryID          = columnID + " = ?"
	queryGameKey     = columnIgdbGameID + " = ? AND " + columnPlatformIgdbID + " = ?"
	querySettingKey  = columnSettingKey + " = ?"
	dialectPostgres  = "postgres"
	emptyJSONObject  = "{}"
	sequenceAlignSQL = "SELECT setval(pg_get_serial_sequence('%[1]s', 'id'), (SELECT COALESCE(MAX(id), 1) FROM %[1]s))"
)

// applyEngine validates, normalizes and durably applies one operation, then
// appends the matching event inside the same transaction.
type applyEngine struct {
	events eventLog
}

// apply returns an error wrapping entities.ErrInvalidPayload when the operation
// is rejected before any write; every other error is a storage fault.
func (engine applyEngine) apply(transaction *gorm.DB, op Operation, appliedAt time.Time) (PushResult, error) {
	switch op.Kind() {
	case entities.OperationKindUpsert:
		return engine.applyUpsert(transaction, op, appliedAt)
	case entities.OperationKindDelete:
		return engine.applyDelete(transaction, op, appliedAt)
	default:
		return PushResult{}, fmt.Errorf("%w: %q", entities.ErrUnknownOperationKind, op.Kind())
	}
}

func (engine applyEngine) applyUpsert(transaction *gorm.DB, op Operation, appliedAt time.Time) (PushResult, error) {
	payload, err := entities.NormalizeUpsert(op.EntityType(), op.Payload())
	if err != nil {
		return PushResult{}, err
	}

	var (
		normalized json.RawMessage
		entityKey  string
	)
	switch typed := payload.(type) {
	case entities.GamePayload:
		normalized, err = upsertGame(transaction, typed, appliedAt)
		entityKey = typed.EntityKey()
	case entities.TagPayload:
		typed.ID, normalized, err = upsertNumbered(transaction, tableTags, typed.ID, appliedAt, func(id int64) ([]byte, error) {
			typed.ID = id
			return json.Marshal(typed)
		})
		entityKey = typed.EntityKey()
	case entities.ViewPayload:
		typed.ID, normalized, err = upsertNumbered(transaction, tableViews, typed.ID, appliedAt, func(id int64) ([]byte, error) {
			typed.ID = id
			return json.Marshal(typed)
		})
		entityKey = typed.EntityKey()
	case entities.SettingPayload:
		normalized, err = upsertSetting(transaction, typed, appliedAt)
		entityKey = typed.EntityKey()
	default:
		return PushResult{}, fmt.Errorf("syncengine: unhandled payload variant %T", payload)
	}
	if err != nil {
		return PushResult{}, err
	}

	if _, err := engine.events.append(transaction, op.EntityType(), entityKey, entities.OperationKindUpsert, normalized, appliedAt); err != nil {
		return PushResult{}, err
	}
	return PushResult{
		OpID:              op.OpID(),
		Status:            StatusApplied,
		NormalizedPayload: normalized,
	}, nil
}

func (engine applyEngine) applyDelete(transaction *gorm.DB, op Operation, appliedAt time.Time) (PushResult, error) {
	identity, err := entities.NormalizeDelete(op.EntityType(), op.Payload())
	if err != nil {
		return PushResult{}, err
	}

	switch typed := identity.(type) {
	case entities.GameIdentity:
		err = transaction.Where(queryGameKey, typed.IgdbGameID, typed.PlatformIgdbID).Delete(&GameRecord{}).Error
	case entities.NumberedIdentity:
		err = transaction.Table(numberedTable(typed.Type)).Where(queryID, typed.ID).Delete(&NumberedRecord{}).Error
	case entities.SettingIdentity:
		err = transaction.Where(querySettingKey, typed.Key).Delete(&SettingRecord{}).Error
	default:
		return PushResult{}, fmt.Errorf("syncengine: unhandled identity variant %T", identity)
	}
	if err != nil {
		return PushResult{}, err
	}

	fragment, err := json.Marshal(identity)
	if err != nil {
		return PushResult{}, err
	}
	if _, err := engine.events.append(transaction, op.EntityType(), identity.EntityKey(), entities.OperationKindDelete, fragment, appliedAt); err != nil {
		return PushResult{}, err
	}
	return PushResult{
		OpID:              op.OpID(),
		Status:            StatusApplied,
		NormalizedPayload: fragment,
	}, nil
}

func upsertGame(transaction *gorm.DB, payload entities.GamePayload, appliedAt time.Time) (json.RawMessage, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	record := GameRecord{
		IgdbGameID:       payload.IgdbGameID,
		PlatformIgdbID:   payload.PlatformIgdbID,
		Payload:          datatypes.JSON(encoded),
		UpdatedAtSeconds: appliedAt.Unix(),
	}
	err = transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnIgdbGameID}, {Name: columnPlatformIgdbID}},
		DoUpdates: clause.AssignmentColumns([]string{columnPayload, columnUpdatedAt}),
	}).Create(&record).Error
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

func upsertSetting(transaction *gorm.DB, payload entities.SettingPayload, appliedAt time.Time) (json.RawMessage, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	record := SettingRecord{
		Key:              payload.Key,
		Value:            payload.Value,
		Payload:          datatypes.JSON(encoded),
		UpdatedAtSeconds: appliedAt.Unix(),
	}
	err = transaction.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnSettingKey}},
		DoUpdates: clause.AssignmentColumns([]string{columnSettingValue, columnPayload, columnUpdatedAt}),
	}).Create(&record).Error
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

// upsertNumbered writes a tag or view row. With a client id the row is inserted
// or overwritten in place. Without one the row is inserted first and the
// generated id is then written back into the stored payload, all on the same
// transaction.
func upsertNumbered(transaction *gorm.DB, table string, id int64, appliedAt time.Time, encode func(int64) ([]byte, error)) (int64, json.RawMessage, error) {
	if id > 0 {
		encoded, err := encode(id)
		if err != nil {
			return 0, nil, err
		}
		record := NumberedRecord{ID: id, Payload: datatypes.JSON(encoded), UpdatedAtSeconds: appliedAt.Unix()}
		err = transaction.Table(table).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnID}},
			DoUpdates: clause.AssignmentColumns([]string{columnPayload, columnUpdatedAt}),
		}).Create(&record).Error
		if err != nil {
			return 0, nil, err
		}
		if err := alignSequence(transaction, table); err != nil {
			return 0, nil, err
		}
		return id, encoded, nil
	}

	record := NumberedRecord{Payload: datatypes.JSON(emptyJSONObject), UpdatedAtSeconds: appliedAt.Unix()}
	if err := transaction.Table(table).Create(&record).Error; err != nil {
		return 0, nil, err
	}
	encoded, err := encode(record.ID)
	if err != nil {
		return 0, nil, err
	}
	err = transaction.Table(table).
		Where(queryID, record.ID).
		Update(columnPayload, datatypes.JSON(encoded)).Error
	if err != nil {
		return 0, nil, err
	}
	return record.ID, encoded, nil
}

// alignSequence moves the Postgres id sequence past explicitly written ids so the
// next generated id cannot collide. SQLite AUTOINCREMENT tracks this itself.
func alignSequence(transaction *gorm.DB, table string) error {
	if transaction.Dialector.Name() != dialectPostgres {
		return nil
	}
	return transaction.Exec(fmt.Sprintf(sequenceAlignSQL, table)).Error
}

func numberedTable(entityType entities.EntityType) string {
	if entityType == entities.EntityTypeView {
		return tableViews
	}
	return tableTags
}
