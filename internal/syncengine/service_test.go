package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gamesync/internal/entities"
	"gorm.io/gorm/schema"
)

const firstGamePayload = `{"igdbGameId":"123","platformIgdbId":130,"title":"Game","platform":"Switch","notes":"Line 1\r\nLine 2"}`

func TestPushAppliesGameAndReplaysAsDuplicate(t *testing.T) {
	service, db := newTestService(t, 0)

	first := mustPush(t, service, mustOperation(t, "op-1", "game", "upsert", firstGamePayload))
	if first.Results[0].Status != StatusApplied {
		t.Fatalf("expected applied, got %s (%s)", first.Results[0].Status, first.Results[0].Message)
	}
	if first.Cursor.String() != "1" {
		t.Fatalf("expected cursor 1, got %s", first.Cursor)
	}
	normalized := decodeObject(t, first.Results[0].NormalizedPayload)
	if normalized["notes"] != "Line 1\nLine 2" {
		t.Fatalf("expected unified line endings, got %q", normalized["notes"])
	}

	second := mustPush(t, service, mustOperation(t, "op-1", "game", "upsert", firstGamePayload))
	if second.Results[0].Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %s", second.Results[0].Status)
	}
	if second.Cursor != first.Cursor {
		t.Fatalf("expected unchanged cursor %s, got %s", first.Cursor, second.Cursor)
	}
	if string(second.Results[0].NormalizedPayload) != string(first.Results[0].NormalizedPayload) {
		t.Fatalf("expected duplicate to replay stored payload")
	}
	if events := countRows(t, db, &SyncEvent{}); events != 1 {
		t.Fatalf("expected a single event, got %d", events)
	}
}

func TestPushDuplicateWithinSameBatch(t *testing.T) {
	service, _ := newTestService(t, 0)

	outcome := mustPush(t, service,
		mustOperation(t, "op-a", "setting", "upsert", `{"key":"theme","value":"dark"}`),
		mustOperation(t, "op-a", "setting", "upsert", `{"key":"theme","value":"light"}`),
	)
	if outcome.Results[0].Status != StatusApplied || outcome.Results[1].Status != StatusDuplicate {
		t.Fatalf("unexpected statuses %s, %s", outcome.Results[0].Status, outcome.Results[1].Status)
	}
	if outcome.Cursor != 1 {
		t.Fatalf("expected cursor 1, got %d", outcome.Cursor)
	}
}

func TestPushContainsValidationFailures(t *testing.T) {
	service, db := newTestService(t, 0)

	outcome := mustPush(t, service,
		mustOperation(t, "op-1", "game", "upsert", firstGamePayload),
		mustOperation(t, "op-2", "game", "upsert", `{"igdbGameId":"5","title":"Missing platform"}`),
		mustOperation(t, "op-3", "tag", "upsert", `["not","an","object"]`),
		mustOperation(t, "op-4", "setting", "upsert", `{"key":"sort","value":"title"}`),
	)

	wantStatuses := []Status{StatusApplied, StatusFailed, StatusFailed, StatusApplied}
	for index, want := range wantStatuses {
		if outcome.Results[index].Status != want {
			t.Fatalf("result %d: expected %s, got %s", index, want, outcome.Results[index].Status)
		}
	}
	if outcome.Results[1].Message != "platformIgdbId is required" {
		t.Fatalf("expected client facing failure message, got %q", outcome.Results[1].Message)
	}
	if outcome.Results[1].NormalizedPayload != nil {
		t.Fatalf("expected no payload on failed result")
	}
	if outcome.Cursor != 2 {
		t.Fatalf("expected cursor 2, got %d", outcome.Cursor)
	}
	if records := countRows(t, db, &IdempotencyRecord{}); records != 4 {
		t.Fatalf("expected every outcome in the ledger, got %d", records)
	}
	if games := countRows(t, db, &GameRecord{}); games != 1 {
		t.Fatalf("expected one game row, got %d", games)
	}
}

func TestPushFailedResultIsPermanent(t *testing.T) {
	service, db := newTestService(t, 0)

	first := mustPush(t, service, mustOperation(t, "op-bad", "tag", "upsert", `{"name":"   "}`))
	if first.Results[0].Status != StatusFailed {
		t.Fatalf("expected failed, got %s", first.Results[0].Status)
	}

	retry := mustPush(t, service, mustOperation(t, "op-bad", "tag", "upsert", `{"name":"Fixed"}`))
	if retry.Results[0].Status != StatusDuplicate {
		t.Fatalf("expected duplicate, got %s", retry.Results[0].Status)
	}
	if retry.Results[0].Message != first.Results[0].Message {
		t.Fatalf("expected stored failure message %q, got %q", first.Results[0].Message, retry.Results[0].Message)
	}
	if tags := countRows(t, db, &TagRecord{}); tags != 0 {
		t.Fatalf("expected no tag rows, got %d", tags)
	}
}

func TestPushKeepsGameIdentifierVerbatim(t *testing.T) {
	service, db := newTestService(t, 0)

	outcome := mustPush(t, service,
		mustOperation(t, "op-padded", "game", "upsert", `{"igdbGameId":" 0123 ","platformIgdbId":130,"title":"Padded"}`),
		mustOperation(t, "op-plain", "game", "upsert", `{"igdbGameId":"123","platformIgdbId":130,"title":"Plain"}`),
		mustOperation(t, "op-manual", "game", "upsert", `{"igdbGameId":"manual-abc","platformIgdbId":130,"title":"Homebrew"}`),
	)

	wantIDs := []string{"0123", "123", "manual-abc"}
	for index, want := range wantIDs {
		result := outcome.Results[index]
		if result.Status != StatusApplied {
			t.Fatalf("result %d: expected applied, got %s (%s)", index, result.Status, result.Message)
		}
		if got := decodeObject(t, result.NormalizedPayload)["igdbGameId"]; got != want {
			t.Fatalf("result %d: expected igdbGameId %q, got %v", index, want, got)
		}
	}
	if games := countRows(t, db, &GameRecord{}); games != 3 {
		t.Fatalf("expected three distinct game rows, got %d", games)
	}

	deleted := mustPush(t, service, mustOperation(t, "op-delete", "game", "delete", `{"igdbGameId":"0123","platformIgdbId":130}`))
	if deleted.Results[0].Status != StatusApplied {
		t.Fatalf("expected applied delete, got %s", deleted.Results[0].Status)
	}
	if games := countRows(t, db, &GameRecord{}); games != 2 {
		t.Fatalf("expected padded game removed only, got %d rows", games)
	}
}

func TestPushClipsOversizedClientTimestamp(t *testing.T) {
	service, db := newTestService(t, 0)

	op, err := NewOperation(OperationConfig{
		OpID:            "op-stamp",
		EntityType:      "setting",
		Kind:            "upsert",
		Payload:         []byte(`{"key":"theme","value":"dark"}`),
		ClientTimestamp: strings.Repeat("é", 200),
	})
	if err != nil {
		t.Fatalf("unexpected operation error: %v", err)
	}
	if got := len([]rune(op.ClientTimestamp())); got != maxClientTimestampWidth {
		t.Fatalf("expected %d runes, got %d", maxClientTimestampWidth, got)
	}

	outcome := mustPush(t, service, op)
	if outcome.Results[0].Status != StatusApplied {
		t.Fatalf("expected applied, got %s", outcome.Results[0].Status)
	}
	var record IdempotencyRecord
	if err := db.Take(&record, "op_id = ?", "op-stamp").Error; err != nil {
		t.Fatalf("failed to load ledger row: %v", err)
	}
	if record.ClientTimestamp != strings.Repeat("é", maxClientTimestampWidth) {
		t.Fatalf("expected clipped timestamp, got %q", record.ClientTimestamp)
	}
}

func TestPayloadColumnsPreserveWrittenBytes(t *testing.T) {
	for _, model := range Models() {
		parsed, err := schema.Parse(model, &sync.Map{}, schema.NamingStrategy{})
		if err != nil {
			t.Fatalf("failed to parse %T: %v", model, err)
		}
		for _, column := range []string{"payload", "result_json"} {
			field := parsed.LookUpField(column)
			if field == nil {
				continue
			}
			if field.TagSettings["TYPE"] != "json" {
				t.Fatalf("%T.%s: expected json column type, got %q", model, column, field.TagSettings["TYPE"])
			}
		}
	}
}

func TestPushAssignsTagIdentifierAndEmbedsIt(t *testing.T) {
	service, db := newTestService(t, 0)

	outcome := mustPush(t, service, mustOperation(t, "op-tag", "tag", "upsert", `{"name":" Favorites ","color":"#ff0000"}`))
	result := outcome.Results[0]
	if result.Status != StatusApplied {
		t.Fatalf("expected applied, got %s (%s)", result.Status, result.Message)
	}
	normalized := decodeObject(t, result.NormalizedPayload)
	if normalized["id"] != float64(1) || normalized["name"] != "Favorites" {
		t.Fatalf("unexpected normalized tag %v", normalized)
	}

	var stored TagRecord
	if err := db.Take(&stored).Error; err != nil {
		t.Fatalf("failed to load tag: %v", err)
	}
	if stored.ID != 1 {
		t.Fatalf("expected stored id 1, got %d", stored.ID)
	}
	if string(stored.Payload) != string(result.NormalizedPayload) {
		t.Fatalf("expected stored payload %s, got %s", result.NormalizedPayload, stored.Payload)
	}

	pulled := mustPull(t, service, 0)
	if len(pulled.Changes) != 1 {
		t.Fatalf("expected one change, got %d", len(pulled.Changes))
	}
	if string(pulled.Changes[0].Payload) != string(result.NormalizedPayload) {
		t.Fatalf("expected event payload to equal normalized payload")
	}
}

func TestPushExplicitTagIdentifierAdvancesGeneratedIdentifiers(t *testing.T) {
	service, _ := newTestService(t, 0)

	mustPush(t, service, mustOperation(t, "op-explicit", "tag", "upsert", `{"id":40,"name":"Imported"}`))
	outcome := mustPush(t, service, mustOperation(t, "op-generated", "tag", "upsert", `{"name":"Fresh"}`))

	normalized := decodeObject(t, outcome.Results[0].NormalizedPayload)
	generated, ok := normalized["id"].(float64)
	if !ok || generated <= 40 {
		t.Fatalf("expected generated id above 40, got %v", normalized["id"])
	}
}

func TestPushUpsertIsLastWriteWins(t *testing.T) {
	service, db := newTestService(t, 0)

	mustPush(t, service,
		mustOperation(t, "op-1", "view", "upsert", `{"id":3,"name":"Backlog","filters":{"status":"backlog"}}`),
		mustOperation(t, "op-2", "view", "upsert", `{"id":3,"name":"Playing","sort":"title"}`),
	)

	var stored ViewRecord
	if err := db.Take(&stored).Error; err != nil {
		t.Fatalf("failed to load view: %v", err)
	}
	view := decodeObject(t, []byte(stored.Payload))
	if view["name"] != "Playing" || view["filters"] != nil {
		t.Fatalf("expected second write to replace the first, got %v", view)
	}
	if views := countRows(t, db, &ViewRecord{}); views != 1 {
		t.Fatalf("expected one view row, got %d", views)
	}
}

func TestPushDeleteLogsIdentityFragment(t *testing.T) {
	service, db := newTestService(t, 0)

	mustPush(t, service, mustOperation(t, "op-1", "game", "upsert", firstGamePayload))
	outcome := mustPush(t, service,
		mustOperation(t, "op-2", "game", "delete", `{"igdbGameId":123,"platformIgdbId":"130","title":"ignored"}`),
		mustOperation(t, "op-3", "setting", "delete", `{"key":"never-stored"}`),
	)
	for index, result := range outcome.Results {
		if result.Status != StatusApplied {
			t.Fatalf("result %d: expected applied, got %s (%s)", index, result.Status, result.Message)
		}
	}
	if games := countRows(t, db, &GameRecord{}); games != 0 {
		t.Fatalf("expected game to be removed, got %d rows", games)
	}

	pulled := mustPull(t, service, 1)
	if len(pulled.Changes) != 2 {
		t.Fatalf("expected two delete events, got %d", len(pulled.Changes))
	}
	deleted := pulled.Changes[0]
	if deleted.Operation != entities.OperationKindDelete || deleted.EntityType != entities.EntityTypeGame {
		t.Fatalf("unexpected delete event %+v", deleted)
	}
	if string(deleted.Payload) != `{"igdbGameId":"123","platformIgdbId":130}` {
		t.Fatalf("unexpected delete payload %s", deleted.Payload)
	}
	if pulled.Cursor != 3 {
		t.Fatalf("expected cursor 3, got %d", pulled.Cursor)
	}
}

func TestPushRollsBackBatchOnStorageFailure(t *testing.T) {
	service, db := newTestService(t, 0)

	if err := db.Migrator().DropTable(&SettingRecord{}); err != nil {
		t.Fatalf("failed to drop settings table: %v", err)
	}

	_, err := service.Push(context.Background(), []Operation{
		mustOperation(t, "op-1", "game", "upsert", firstGamePayload),
		mustOperation(t, "op-2", "setting", "upsert", `{"key":"theme","value":"dark"}`),
	})
	if err == nil {
		t.Fatalf("expected push to fail")
	}
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "syncengine.push.apply_failed" {
		t.Fatalf("expected apply_failed service error, got %v", err)
	}

	if events := countRows(t, db, &SyncEvent{}); events != 0 {
		t.Fatalf("expected no events after rollback, got %d", events)
	}
	if records := countRows(t, db, &IdempotencyRecord{}); records != 0 {
		t.Fatalf("expected no ledger rows after rollback, got %d", records)
	}
	if games := countRows(t, db, &GameRecord{}); games != 0 {
		t.Fatalf("expected no game rows after rollback, got %d", games)
	}
}

func TestPushCancelledContextLeavesNoEffect(t *testing.T) {
	service, db := newTestService(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := service.Push(ctx, []Operation{mustOperation(t, "op-1", "game", "upsert", firstGamePayload)}); err == nil {
		t.Fatalf("expected cancelled push to fail")
	}
	if events := countRows(t, db, &SyncEvent{}); events != 0 {
		t.Fatalf("expected no events, got %d", events)
	}

	retry := mustPush(t, service, mustOperation(t, "op-1", "game", "upsert", firstGamePayload))
	if retry.Results[0].Status != StatusApplied {
		t.Fatalf("expected retried batch to apply, got %s", retry.Results[0].Status)
	}
}

func TestPullPagesThroughLogWithoutRegressing(t *testing.T) {
	service, _ := newTestService(t, 2)

	operations := make([]Operation, 0, 5)
	for index := 1; index <= 5; index++ {
		operations = append(operations, mustOperation(t, fmt.Sprintf("op-%d", index), "setting", "upsert",
			fmt.Sprintf(`{"key":"k%d","value":%d}`, index, index)))
	}
	pushed := mustPush(t, service, operations...)
	if pushed.Cursor != 5 {
		t.Fatalf("expected cursor 5, got %d", pushed.Cursor)
	}

	wantPages := []struct {
		cursor  Cursor
		changes int
	}{
		{cursor: 2, changes: 2},
		{cursor: 4, changes: 2},
		{cursor: 5, changes: 1},
		{cursor: 5, changes: 0},
		{cursor: 5, changes: 0},
	}
	cursor := Cursor(0)
	var lastEventID int64
	for index, want := range wantPages {
		page := mustPull(t, service, cursor)
		if page.Cursor != want.cursor || len(page.Changes) != want.changes {
			t.Fatalf("page %d: expected cursor %d with %d changes, got %d with %d", index, want.cursor, want.changes, page.Cursor, len(page.Changes))
		}
		for _, change := range page.Changes {
			if change.EventID <= lastEventID {
				t.Fatalf("expected strictly increasing event ids, got %d after %d", change.EventID, lastEventID)
			}
			lastEventID = change.EventID
			if !change.ServerTime.Equal(time.Unix(1700000600, 0)) {
				t.Fatalf("unexpected server time %s", change.ServerTime)
			}
		}
		cursor = page.Cursor
	}
}

func TestPullBeyondHeadKeepsCursor(t *testing.T) {
	service, _ := newTestService(t, 0)

	mustPush(t, service, mustOperation(t, "op-1", "game", "upsert", firstGamePayload))
	page := mustPull(t, service, 99)
	if page.Cursor != 99 || len(page.Changes) != 0 {
		t.Fatalf("expected unchanged cursor and no changes, got %d with %d", page.Cursor, len(page.Changes))
	}

	head, err := service.Head(context.Background())
	if err != nil {
		t.Fatalf("head failed: %v", err)
	}
	if head != 1 {
		t.Fatalf("expected head 1, got %d", head)
	}
}

func TestPushConcurrentBatchesApplyExactlyOnce(t *testing.T) {
	service, db := newTestService(t, 0)

	const writers = 8
	var waitGroup sync.WaitGroup
	errs := make(chan error, writers*2)
	statuses := make(chan Status, writers)
	for index := 0; index < writers; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			shared, err := NewOperation(OperationConfig{
				OpID: "op-shared", EntityType: "setting", Kind: "upsert",
				Payload: []byte(`{"key":"shared","value":"x"}`),
			})
			if err != nil {
				errs <- err
				return
			}
			own, err := NewOperation(OperationConfig{
				OpID: fmt.Sprintf("op-own-%d", index), EntityType: "setting", Kind: "upsert",
				Payload: []byte(fmt.Sprintf(`{"key":"own-%d","value":"y"}`, index)),
			})
			if err != nil {
				errs <- err
				return
			}
			outcome, err := service.Push(context.Background(), []Operation{shared, own})
			if err != nil {
				errs <- err
				return
			}
			statuses <- outcome.Results[0].Status
		}(index)
	}
	waitGroup.Wait()
	close(errs)
	close(statuses)

	for err := range errs {
		t.Fatalf("concurrent push failed: %v", err)
	}
	applied := 0
	for status := range statuses {
		if status == StatusApplied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected shared op applied exactly once, got %d", applied)
	}
	if events := countRows(t, db, &SyncEvent{}); events != writers+1 {
		t.Fatalf("expected %d events, got %d", writers+1, events)
	}
}

func TestNewOperationRejectsMalformedEnvelopes(t *testing.T) {
	testCases := []struct {
		name string
		cfg  OperationConfig
	}{
		{name: "empty op id", cfg: OperationConfig{OpID: "  ", EntityType: "game", Kind: "upsert"}},
		{name: "oversized op id", cfg: OperationConfig{OpID: strings.Repeat("x", 191), EntityType: "game", Kind: "upsert"}},
		{name: "unknown entity", cfg: OperationConfig{OpID: "op", EntityType: "movie", Kind: "upsert"}},
		{name: "unknown kind", cfg: OperationConfig{OpID: "op", EntityType: "game", Kind: "patch"}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewOperation(testCase.cfg); !errors.Is(err, ErrInvalidOperation) {
				t.Fatalf("expected ErrInvalidOperation, got %v", err)
			}
		})
	}
}

func TestNewOperationMeasuresOpIDInCharacters(t *testing.T) {
	opID := strings.Repeat("é", maxOpIDLength)
	op, err := NewOperation(OperationConfig{OpID: opID, EntityType: "game", Kind: "delete"})
	if err != nil {
		t.Fatalf("expected %d character op id to be accepted: %v", maxOpIDLength, err)
	}
	if op.OpID() != opID {
		t.Fatalf("unexpected op id %q", op.OpID())
	}
	if _, err := NewOperation(OperationConfig{OpID: opID + "é", EntityType: "game", Kind: "delete"}); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("expected ErrInvalidOperation, got %v", err)
	}
}

func TestParseCursorCoercesInvalidInput(t *testing.T) {
	testCases := map[string]Cursor{
		"":     0,
		"abc":  0,
		"-5":   0,
		" 42 ": 42,
		"7":    7,
	}
	for raw, want := range testCases {
		if got := ParseCursor(raw); got != want {
			t.Fatalf("ParseCursor(%q): expected %d, got %d", raw, want, got)
		}
	}
}

func TestNewServiceRequiresDatabase(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "syncengine.service.new.missing_database" {
		t.Fatalf("expected missing_database error, got %v", err)
	}
}
