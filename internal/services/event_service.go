package services

import (
	"encoding/json"
	"time"

	"github.com/fiftyfive/backend-go/internal/logger"
	"github.com/fiftyfive/backend-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EventService 事件日志服务，落库失败只告警不影响主流程
type EventService struct {
	db *gorm.DB
}

// NewEventService 创建事件日志服务
func NewEventService(db *gorm.DB) *EventService {
	return &EventService{db: db}
}

// Record 写入一条事件日志
func (s *EventService) Record(level, eventType, message string, userID *string, metadata map[string]interface{}) {
	metaJSON := "{}"
	if len(metadata) > 0 {
		if data, err := json.Marshal(metadata); err == nil {
			metaJSON = string(data)
		}
	}

	entry := &models.EventLog{
		Level:     level,
		EventType: eventType,
		Message:   message,
		UserID:    userID,
		Metadata:  metaJSON,
		CreatedAt: time.Now(),
	}
	if err := s.db.Create(entry).Error; err != nil {
		logger.Warn("事件日志写入失败", zap.String("event_type", eventType), zap.Error(err))
	}
}

// ListRecent 最近事件日志，管理端查看用
func (s *EventService) ListRecent(limit int) ([]models.EventLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var events []models.EventLog
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
