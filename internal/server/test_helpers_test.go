package server

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gamesync/internal/auth"
	"github.com/MarcoPoloResearchLab/gamesync/internal/database"
	"github.com/MarcoPoloResearchLab/gamesync/internal/replicas"
	"github.com/MarcoPoloResearchLab/gamesync/internal/syncengine"
	"go.uber.org/zap"
)

var fixedClock = func() time.Time { return time.Unix(1700000600, 0).UTC() }

type stubSyncService struct {
	pushOutcome syncengine.PushOutcome
	pushErr     error
	pullOutcome syncengine.PullOutcome
	pullErr     error
	head        syncengine.Cursor
	pushed      []syncengine.Operation
	pulled      []syncengine.Cursor
}

func (s *stubSyncService) Push(_ context.Context, operations []syncengine.Operation) (syncengine.PushOutcome, error) {
	s.pushed = append(s.pushed, operations...)
	return s.pushOutcome, s.pushErr
}

func (s *stubSyncService) Pull(_ context.Context, cursor syncengine.Cursor) (syncengine.PullOutcome, error) {
	s.pulled = append(s.pulled, cursor)
	if s.pullErr != nil {
		return syncengine.PullOutcome{}, s.pullErr
	}
	outcome := s.pullOutcome
	if outcome.Cursor == 0 {
		outcome.Cursor = cursor
	}
	return outcome, nil
}

func (s *stubSyncService) Head(context.Context) (syncengine.Cursor, error) {
	return s.head, nil
}

type stubReplicaRegistry struct {
	sightings []replicas.Sighting
	states    []replicas.State
}

func (r *stubReplicaRegistry) Touch(_ context.Context, sighting replicas.Sighting) error {
	r.sightings = append(r.sightings, sighting)
	return nil
}

func (r *stubReplicaRegistry) List(context.Context) ([]replicas.State, error) {
	return r.states, nil
}

type stubValidator struct {
	claims auth.SessionClaims
	err    error
}

func (v stubValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return v.claims, v.err
}

type testStack struct {
	handler  http.Handler
	realtime *RealtimeDispatcher
	replicas *replicas.Service
}

func newTestStack(t *testing.T, validator RequestValidator) testStack {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "gamesync.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	syncService, err := syncengine.NewService(syncengine.ServiceConfig{Database: db, Clock: fixedClock})
	if err != nil {
		t.Fatalf("failed to create sync service: %v", err)
	}
	replicaService, err := replicas.NewService(replicas.ServiceConfig{Database: db, Clock: fixedClock})
	if err != nil {
		t.Fatalf("failed to create replica service: %v", err)
	}
	dispatcher := NewRealtimeDispatcher()
	handler, err := NewHTTPHandler(Dependencies{
		SyncService:      syncService,
		Replicas:         replicaService,
		SessionValidator: validator,
		Realtime:         dispatcher,
		HealthCheck:      sqlDB.PingContext,
		Logger:           zap.NewNop(),
		Heartbeat:        time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testStack{handler: handler, realtime: dispatcher, replicas: replicaService}
}
