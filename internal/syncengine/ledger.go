package syncengine

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const queryOpID = "op_id = ?"

// ledger is the idempotency ledger. Every method runs on the caller's transaction.
type ledger struct{}

// lookup returns the stored result for opID with its status rewritten to duplicate.
func (ledger) lookup(transaction *gorm.DB, opID string) (PushResult, bool, error) {
	var record IdempotencyRecord
	err := transaction.Where(queryOpID, opID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PushResult{}, false, nil
	}
	if err != nil {
		return PushResult{}, false, err
	}

	var stored PushResult
	if err := json.Unmarshal(record.ResultJSON, &stored); err != nil {
		return PushResult{}, false, err
	}
	stored.OpID = record.OpID
	stored.Status = StatusDuplicate
	return stored, true, nil
}

// record stores the first outcome for an op id. A second insert for the same key
// violates the primary key and aborts the enclosing transaction.
func (ledger) record(transaction *gorm.DB, op Operation, result PushResult, recordedAt time.Time) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return transaction.Create(&IdempotencyRecord{
		OpID:             op.OpID(),
		EntityType:       string(op.EntityType()),
		Operation:        string(op.Kind()),
		ResultJSON:       datatypes.JSON(encoded),
		ClientTimestamp:  op.ClientTimestamp(),
		CreatedAtSeconds: recordedAt.Unix(),
	}).Error
}
