package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseCounter atomic.Int64

func newTestService(t *testing.T, pageSize int) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:gamesync_test_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    clock,
		PageSize: pageSize,
	})
	if err != nil {
		t.Fatalf("failed to construct sync service: %v", err)
	}
	return service, db
}

func mustOperation(t *testing.T, opID, entityType, kind, payload string) Operation {
	t.Helper()
	op, err := NewOperation(OperationConfig{
		OpID:       opID,
		EntityType: entityType,
		Kind:       kind,
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("unexpected operation error: %v", err)
	}
	return op
}

func mustPush(t *testing.T, service *Service, operations ...Operation) PushOutcome {
	t.Helper()
	outcome, err := service.Push(context.Background(), operations)
	if err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if len(outcome.Results) != len(operations) {
		t.Fatalf("expected %d results, got %d", len(operations), len(outcome.Results))
	}
	return outcome
}

func mustPull(t *testing.T, service *Service, cursor Cursor) PullOutcome {
	t.Helper()
	outcome, err := service.Pull(context.Background(), cursor)
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	return outcome
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func decodeObject(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("failed to decode %s: %v", string(raw), err)
	}
	return decoded
}
