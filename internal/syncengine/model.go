package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/gamesync/internal/entities"
	"gorm.io/datatypes"
)

const (
	maxOpIDLength           = 190
	maxClientTimestampWidth = 64
)

var (
	// ErrInvalidOperation indicates that an operation envelope is malformed.
	ErrInvalidOperation = errors.New("syncengine: invalid operation")
)

// Status reports how a single pushed operation was handled.
type Status string

const (
	// StatusApplied marks an operation whose effect was applied by this push.
	StatusApplied Status = "applied"
	// StatusDuplicate marks a replayed operation answered from the idempotency ledger.
	StatusDuplicate Status = "duplicate"
	// StatusFailed marks an operation rejected by validation. The outcome is permanent.
	StatusFailed Status = "failed"
)

// Operation is a validated client operation envelope.
type Operation struct {
	opID            string
	entityType      entities.EntityType
	kind            entities.OperationKind
	payload         json.RawMessage
	clientTimestamp string
}

// OperationConfig describes the raw inputs required to build an Operation.
type OperationConfig struct {
	OpID            string
	EntityType      string
	Kind            string
	Payload         json.RawMessage
	ClientTimestamp string
}

// NewOperation validates the envelope fields. The payload itself is validated
// later, per operation, by the apply engine.
func NewOperation(cfg OperationConfig) (Operation, error) {
	opID := strings.TrimSpace(cfg.OpID)
	if opID == "" {
		return Operation{}, fmt.Errorf("%w: empty op id", ErrInvalidOperation)
	}
	if utf8.RuneCountInString(opID) > maxOpIDLength {
		return Operation{}, fmt.Errorf("%w: op id exceeds %d characters", ErrInvalidOperation, maxOpIDLength)
	}
	entityType, err := entities.ParseEntityType(cfg.EntityType)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	kind, err := entities.ParseOperationKind(cfg.Kind)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	return Operation{
		opID:            opID,
		entityType:      entityType,
		kind:            kind,
		payload:         cfg.Payload,
		clientTimestamp: clipRunes(strings.TrimSpace(cfg.ClientTimestamp), maxClientTimestampWidth),
	}, nil
}

// clipRunes shortens value to at most limit runes. The client timestamp is
// advisory, so an oversized one is truncated rather than rejected.
func clipRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	return string([]rune(value)[:limit])
}

// OpID returns the client chosen idempotency key.
func (op Operation) OpID() string {
	return op.opID
}

// EntityType returns the targeted entity family.
func (op Operation) EntityType() entities.EntityType {
	return op.entityType
}

// Kind returns the operation kind.
func (op Operation) Kind() entities.OperationKind {
	return op.kind
}

// Payload returns the raw client payload.
func (op Operation) Payload() json.RawMessage {
	return op.payload
}

// ClientTimestamp returns the advisory client timestamp.
func (op Operation) ClientTimestamp() string {
	return op.clientTimestamp
}

// PushResult is the per-operation outcome of a push. It is also the value kept
// in the idempotency ledger.
type PushResult struct {
	OpID              string          `json:"opId"`
	Status            Status          `json:"status"`
	Message           string          `json:"message,omitempty"`
	NormalizedPayload json.RawMessage `json:"normalizedPayload,omitempty"`
}

// PushOutcome aggregates the results of one push batch.
type PushOutcome struct {
	Results []PushResult
	Cursor  Cursor
}

// Change is one event returned by a pull.
type Change struct {
	EventID    int64
	EntityType entities.EntityType
	Operation  entities.OperationKind
	Payload    json.RawMessage
	ServerTime time.Time
}

// PullOutcome is one page of the event log.
type PullOutcome struct {
	Cursor  Cursor
	Changes []Change
}

// Payload columns are declared json rather than jsonb so Postgres hands back
// the exact bytes that were written.

// SyncEvent is an append-only entry of the replication log.
type SyncEvent struct {
	EventID         int64          `gorm:"column:event_id;primaryKey;autoIncrement"`
	EntityType      string         `gorm:"column:entity_type;size:32;not null;index:idx_sync_events_entity,priority:1"`
	EntityKey       string         `gorm:"column:entity_key;size:190;not null;index:idx_sync_events_entity,priority:2"`
	Operation       string         `gorm:"column:op;size:16;not null"`
	Payload         datatypes.JSON `gorm:"column:payload;type:json;not null"`
	AppliedAtMillis int64          `gorm:"column:applied_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SyncEvent) TableName() string {
	return "sync_events"
}

// IdempotencyRecord stores the first outcome computed for an op id.
type IdempotencyRecord struct {
	OpID             string         `gorm:"column:op_id;primaryKey;size:190;not null"`
	EntityType       string         `gorm:"column:entity_type;size:32;not null"`
	Operation        string         `gorm:"column:op;size:16;not null"`
	ResultJSON       datatypes.JSON `gorm:"column:result_json;type:json;not null"`
	ClientTimestamp  string         `gorm:"column:client_timestamp;size:64;not null;default:''"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (IdempotencyRecord) TableName() string {
	return "sync_idempotency"
}

// GameRecord is the canonical row of a library game.
type GameRecord struct {
	IgdbGameID       string         `gorm:"column:igdb_game_id;primaryKey;size:32;not null"`
	PlatformIgdbID   int64          `gorm:"column:platform_igdb_id;primaryKey;autoIncrement:false;not null"`
	Payload          datatypes.JSON `gorm:"column:payload;type:json;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (GameRecord) TableName() string {
	return "sync_games"
}

// NumberedRecord is the shared row shape of tags and views.
type NumberedRecord struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Payload          datatypes.JSON `gorm:"column:payload;type:json;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TagRecord is the canonical row of a tag.
type TagRecord struct {
	NumberedRecord
}

// TableName provides the explicit table binding for GORM.
func (TagRecord) TableName() string {
	return tableTags
}

// ViewRecord is the canonical row of a saved view.
type ViewRecord struct {
	NumberedRecord
}

// TableName provides the explicit table binding for GORM.
func (ViewRecord) TableName() string {
	return tableViews
}

// SettingRecord is the canonical row of a setting.
type SettingRecord struct {
	Key              string         `gorm:"column:setting_key;primaryKey;size:190;not null"`
	Value            string         `gorm:"column:setting_value;type:text;not null"`
	Payload          datatypes.JSON `gorm:"column:payload;type:json;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SettingRecord) TableName() string {
	return "sync_settings"
}

// Models lists every table owned by the sync engine, in migration order.
func Models() []any {
	return []any{
		&SyncEvent{},
		&IdempotencyRecord{},
		&GameRecord{},
		&TagRecord{},
		&ViewRecord{},
		&SettingRecord{},
	}
}
