package models

import (
	"time"
)

// EventLog 事件日志表
type EventLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Level     string    `gorm:"size:10" json:"level"`
	EventType string    `gorm:"column:event_type;size:50;index" json:"event_type"`
	Message   string    `gorm:"type:text" json:"message"`
	UserID    *string   `gorm:"size:36;index" json:"user_id"`
	Metadata  string    `gorm:"column:metadata_json;type:text;default:'{}'" json:"metadata"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
}

func (EventLog) TableName() string {
	return "event_log"
}
