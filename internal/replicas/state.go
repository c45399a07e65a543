package replicas

import (
	"strings"
	"time"
)

const maxFieldLength = 190

// State records the last cursor a replica pulled and when it was last seen.
type State struct {
	ReplicaID   string    `gorm:"column:replica_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:190"`
	LastCursor  int64     `gorm:"column:last_cursor;not null;default:0"`
	PullCount   int64     `gorm:"column:pull_count;not null;default:0"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing replica states.
func (State) TableName() string {
	return "replica_states"
}

// clip trims the value and shortens it to the column width without splitting runes.
func clip(value string) string {
	runes := []rune(strings.TrimSpace(value))
	if len(runes) > maxFieldLength {
		runes = runes[:maxFieldLength]
	}
	return string(runes)
}
