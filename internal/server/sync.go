package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/gamesync/internal/auth"
	"github.com/MarcoPoloResearchLab/gamesync/internal/replicas"
	"github.com/MarcoPoloResearchLab/gamesync/internal/syncengine"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	pushFailureMessage    = "Unable to process sync push."
	pullFailureMessage    = "Unable to process sync pull."
	serverTimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	errOperationsNotArray = errors.New("operations must be an array")
	errFieldNotString     = errors.New("field must be a string")
)

type pushRequestPayload struct {
	Operations json.RawMessage `json:"operations"`
}

type pushOperationPayload struct {
	OpID            json.RawMessage `json:"opId"`
	EntityType      json.RawMessage `json:"entityType"`
	Operation       json.RawMessage `json:"operation"`
	Kind            json.RawMessage `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp json.RawMessage `json:"clientTimestamp"`
}

type pushResponsePayload struct {
	Results []syncengine.PushResult `json:"results"`
	Cursor  string                  `json:"cursor"`
}

type pullResponsePayload struct {
	Cursor  string              `json:"cursor"`
	Changes []pullChangePayload `json:"changes"`
}

type pullChangePayload struct {
	EventID         string          `json:"eventId"`
	EntityType      string          `json:"entityType"`
	Operation       string          `json:"operation"`
	Payload         json.RawMessage `json:"payload"`
	ServerTimestamp string          `json:"serverTimestamp"`
}

type replicaPayload struct {
	ReplicaID   string `json:"replicaId"`
	DisplayName string `json:"displayName,omitempty"`
	Cursor      string `json:"cursor"`
	PullCount   int64  `json:"pullCount"`
	LastSeenAt  string `json:"lastSeenAt"`
}

func (h *httpHandler) handlePush(c *gin.Context) {
	var request pushRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entries, err := decodeOperationList(request.Operations)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	operations := make([]syncengine.Operation, 0, len(entries))
	for index, entry := range entries {
		operation, err := parsePushOperation(entry)
		if err != nil {
			h.requestLogger(c).Info("rejected push operation", zap.Int("index", index), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation", "index": index})
			return
		}
		operations = append(operations, operation)
	}

	outcome, err := h.syncService.Push(c.Request.Context(), operations)
	if err != nil {
		h.requestLogger(c).Error("failed to apply sync push", zap.Error(err), zap.Int("operations", len(operations)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": pushFailureMessage})
		return
	}

	if countApplied(outcome.Results) > 0 {
		h.realtime.Publish(RealtimeMessage{
			EventType: RealtimeEventCursorAdvanced,
			Cursor:    outcome.Cursor.String(),
			Timestamp: time.Now().UTC(),
		})
	}

	c.JSON(http.StatusOK, pushResponsePayload{
		Results: outcome.Results,
		Cursor:  outcome.Cursor.String(),
	})
}

func (h *httpHandler) handlePull(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	cursor, err := parsePullCursor(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.syncService.Pull(c.Request.Context(), cursor)
	if err != nil {
		h.requestLogger(c).Error("failed to serve sync pull", zap.Error(err), zap.Int64("cursor", cursor.Int64()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": pullFailureMessage})
		return
	}

	if replicaID := c.GetString(replicaIDContextKey); replicaID != "" {
		sighting := replicaSighting(c, replicaID, outcome.Cursor)
		if err := h.replicas.Touch(c.Request.Context(), sighting); err != nil {
			h.requestLogger(c).Warn("failed to record replica position", zap.String("replica_id", replicaID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, newPullResponse(outcome))
}

func (h *httpHandler) handleListReplicas(c *gin.Context) {
	states, err := h.replicas.List(c.Request.Context())
	if err != nil {
		h.requestLogger(c).Error("failed to list replicas", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "replica_list_failed"})
		return
	}
	response := make([]replicaPayload, 0, len(states))
	for _, state := range states {
		response = append(response, replicaPayload{
			ReplicaID:   state.ReplicaID,
			DisplayName: state.DisplayName,
			Cursor:      strconv.FormatInt(state.LastCursor, 10),
			PullCount:   state.PullCount,
			LastSeenAt:  state.LastSeenAt.UTC().Format(serverTimestampLayout),
		})
	}
	c.JSON(http.StatusOK, gin.H{"replicas": response})
}

func newPullResponse(outcome syncengine.PullOutcome) pullResponsePayload {
	response := pullResponsePayload{
		Cursor:  outcome.Cursor.String(),
		Changes: make([]pullChangePayload, 0, len(outcome.Changes)),
	}
	for _, change := range outcome.Changes {
		response.Changes = append(response.Changes, pullChangePayload{
			EventID:         strconv.FormatInt(change.EventID, 10),
			EntityType:      string(change.EntityType),
			Operation:       string(change.Operation),
			Payload:         change.Payload,
			ServerTimestamp: change.ServerTime.UTC().Format(serverTimestampLayout),
		})
	}
	return response
}

func decodeOperationList(raw json.RawMessage) ([]pushOperationPayload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errOperationsNotArray
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, err
	}
	operations := make([]pushOperationPayload, 0, len(entries))
	for _, entry := range entries {
		var operation pushOperationPayload
		if err := json.Unmarshal(entry, &operation); err != nil {
			// A non-object entry is reported per index by parsePushOperation.
			operation = pushOperationPayload{}
		}
		operations = append(operations, operation)
	}
	return operations, nil
}

func parsePushOperation(entry pushOperationPayload) (syncengine.Operation, error) {
	opID, err := requiredString(entry.OpID)
	if err != nil {
		return syncengine.Operation{}, err
	}
	entityType, err := requiredString(entry.EntityType)
	if err != nil {
		return syncengine.Operation{}, err
	}
	kindField := entry.Operation
	if isAbsent(kindField) {
		kindField = entry.Kind
	}
	kind, err := requiredString(kindField)
	if err != nil {
		return syncengine.Operation{}, err
	}
	clientTimestamp, _ := requiredString(entry.ClientTimestamp)

	return syncengine.NewOperation(syncengine.OperationConfig{
		OpID:            opID,
		EntityType:      entityType,
		Kind:            kind,
		Payload:         entry.Payload,
		ClientTimestamp: clientTimestamp,
	})
}

// parsePullCursor accepts an empty body, or an object whose cursor is a string
// or number. Any other cursor value means a replay from the beginning.
func parsePullCursor(body []byte) (syncengine.Cursor, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return 0, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return 0, err
	}
	raw, ok := fields["cursor"]
	if !ok || isAbsent(raw) {
		return 0, nil
	}
	if text, err := requiredString(raw); err == nil {
		return syncengine.ParseCursor(text), nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		return syncengine.ParseCursor(number.String()), nil
	}
	return 0, nil
}

func requiredString(raw json.RawMessage) (string, error) {
	if isAbsent(raw) {
		return "", errFieldNotString
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", errFieldNotString
	}
	return value, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func countApplied(results []syncengine.PushResult) int {
	applied := 0
	for _, result := range results {
		if result.Status == syncengine.StatusApplied {
			applied++
		}
	}
	return applied
}

func replicaSighting(c *gin.Context, replicaID string, cursor syncengine.Cursor) replicas.Sighting {
	sighting := replicas.Sighting{ReplicaID: replicaID, Cursor: cursor.Int64()}
	if value, ok := c.Get(claimsContextKey); ok {
		if claims, ok := value.(auth.SessionClaims); ok {
			sighting.DisplayName = claims.ReplicaName
		}
	}
	return sighting
}
