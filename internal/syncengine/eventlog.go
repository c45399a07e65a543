package syncengine

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/gamesync/internal/entities"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	columnEventID     = "event_id"
	orderEventIDAsc   = columnEventID + " ASC"
	queryEventIDAfter = columnEventID + " > ?"
	selectMaxEventID  = "COALESCE(MAX(" + columnEventID + "), 0)"
)

// eventLog appends to and reads the replication log. It exposes no update or
// delete path; event ids are assigned by the store.
type eventLog struct{}

func (eventLog) append(transaction *gorm.DB, entityType entities.EntityType, entityKey string, kind entities.OperationKind, payload json.RawMessage, appliedAt time.Time) (int64, error) {
	event := SyncEvent{
		EntityType:      string(entityType),
		EntityKey:       entityKey,
		Operation:       string(kind),
		Payload:         datatypes.JSON(payload),
		AppliedAtMillis: appliedAt.UnixMilli(),
	}
	if err := transaction.Create(&event).Error; err != nil {
		return 0, err
	}
	return event.EventID, nil
}

func (eventLog) maxEventID(database *gorm.DB) (int64, error) {
	var maxEventID int64
	err := database.Model(&SyncEvent{}).Select(selectMaxEventID).Scan(&maxEventID).Error
	if err != nil {
		return 0, err
	}
	return maxEventID, nil
}

func (eventLog) listAfter(database *gorm.DB, afterEventID int64, limit int) ([]SyncEvent, error) {
	var events []SyncEvent
	err := database.
		Where(queryEventIDAfter, afterEventID).
		Order(orderEventIDAsc).
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}
