package model

import (
	"time"
)

// OutboxEntry event waiting to be relayed to the bus.
type OutboxEntry struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement;comment:entry id" json:"id"`
	EventID     string     `gorm:"type:varchar(36);not null;uniqueIndex;comment:envelope event id" json:"event_id"`
	Topic       string     `gorm:"type:varchar(100);not null;comment:target topic" json:"topic"`
	Key         string     `gorm:"type:varchar(100);not null;default:'';comment:partition key" json:"key"`
	Payload     []byte     `gorm:"not null;comment:serialized envelope" json:"payload"`
	CreatedAt   time.Time  `gorm:"not null;index:idx_outbox_pending,priority:2;comment:created at" json:"created_at"`
	PublishedAt *time.Time `gorm:"index:idx_outbox_pending,priority:1;comment:set once the bus acknowledged" json:"published_at,omitempty"`
	Attempts    int        `gorm:"not null;default:0;comment:failed publish attempts" json:"attempts"`
	LastError   string     `gorm:"type:varchar(500);not null;default:'';comment:last publish error" json:"last_error,omitempty"`
}

func (OutboxEntry) TableName() string {
	return "outbox_entries"
}

// IsPublished check entry has been delivered
func (e *OutboxEntry) IsPublished() bool {
	return e.PublishedAt != nil
}
