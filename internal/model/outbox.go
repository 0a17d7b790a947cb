package model

import "time"

// OutboxEvent 与业务变更同事务写入，Relay 异步转发 Kafka。
// PublishedAt 为空表示待投递；Attempts + LastError 支撑失败排查。
type OutboxEvent struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	EventID     string     `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	Type        string     `gorm:"size:64;not null;index" json:"type"`
	Key         string     `gorm:"size:128;not null" json:"key"`
	Payload     string     `gorm:"type:text;not null" json:"payload"`
	PublishedAt *time.Time `gorm:"index" json:"published_at"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	LastError   string     `gorm:"size:255" json:"last_error"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }
