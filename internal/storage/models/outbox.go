package models

import (
	"time"

	"gorm.io/datatypes"
)

// Outbox 行状态
const (
	OutboxStatusPending   = "PENDING"
	OutboxStatusPublished = "PUBLISHED"
	OutboxStatusFailed    = "FAILED"
)

// OutboxEvent 与业务写入同事务落库的待分发事件
type OutboxEvent struct {
	ID            uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType     string         `gorm:"type:varchar(128);not null;index" json:"event_type"`
	AggregateID   string         `gorm:"type:varchar(64);not null;index:idx_outbox_aggregate" json:"aggregate_id"`
	AggregateType string         `gorm:"type:varchar(64);not null;index:idx_outbox_aggregate" json:"aggregate_type"`
	EventData     datatypes.JSON `gorm:"not null" json:"event_data"`
	Status        string         `gorm:"type:varchar(20);not null;default:'PENDING';index:idx_outbox_status_created,priority:1" json:"status"`
	RetryCount    int            `gorm:"not null;default:0" json:"retry_count"`
	LastError     string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_outbox_status_created,priority:2" json:"created_at"`
	PublishedAt   *time.Time     `json:"published_at,omitempty"`
}

// TableName specifies the table name for the OutboxEvent model.
func (OutboxEvent) TableName() string {
	return "outbox_events"
}
