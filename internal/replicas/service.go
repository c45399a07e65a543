package replicas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidReplica indicates the sighting carried no usable replica id.
	ErrInvalidReplica = errors.New("replicas: invalid replica id")
)

// Sighting is one observed pull by a replica.
type Sighting struct {
	ReplicaID   string
	DisplayName string
	Cursor      int64
}

// ServiceConfig describes the dependencies of the replica registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service tracks how far each replica has caught up with the event log.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the replica registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("replicas: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Touch records a sighting. The stored cursor only ever moves forward, so a
// late or replayed pull cannot move a replica backwards.
func (s *Service) Touch(ctx context.Context, sighting Sighting) error {
	replicaID := strings.TrimSpace(sighting.ReplicaID)
	if replicaID == "" || len(replicaID) > maxFieldLength {
		return ErrInvalidReplica
	}
	cursor := sighting.Cursor
	if cursor < 0 {
		cursor = 0
	}
	now := s.now().UTC()
	displayName := clip(sighting.DisplayName)

	created := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&State{
			ReplicaID:   replicaID,
			DisplayName: displayName,
			LastCursor:  cursor,
			PullCount:   1,
			LastSeenAt:  now,
			CreatedAt:   now,
		})
	if created.Error != nil {
		return created.Error
	}
	if created.RowsAffected > 0 {
		return nil
	}

	updates := map[string]interface{}{
		"last_seen_at": now,
		"pull_count":   gorm.Expr("pull_count + 1"),
		"last_cursor":  gorm.Expr("CASE WHEN last_cursor < ? THEN ? ELSE last_cursor END", cursor, cursor),
	}
	if displayName != "" {
		updates["display_name"] = displayName
	}
	return s.db.WithContext(ctx).
		Model(&State{}).
		Where("replica_id = ?", replicaID).
		Updates(updates).
		Error
}

// List returns every known replica, most recently seen first.
func (s *Service) List(ctx context.Context) ([]State, error) {
	var states []State
	err := s.db.WithContext(ctx).
		Order("last_seen_at DESC").
		Order("replica_id ASC").
		Find(&states).Error
	if err != nil {
		return nil, err
	}
	return states, nil
}
