package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/fiftyfive/backend-go/internal/logger"
	"go.uber.org/zap"
)

// 任务生命周期事件类型
const (
	EventJobSubmitted = "job.submitted"
	EventJobQueued    = "job.queued"
	EventJobStarted   = "job.started"
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
	EventJobCancelled = "job.cancelled"
	EventJobPromoted  = "job.promoted"
	EventJobTimedOut  = "job.timed_out"
)

// JobEvent 任务生命周期事件
type JobEvent struct {
	EventType      string    `json:"event_type"`
	JobID          string    `json:"job_id"`
	UserID         string    `json:"user_id"`
	Category       string    `json:"category"`
	Status         string    `json:"status"`
	CreditsCharged int64     `json:"credits_charged,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher 任务事件Kafka生产者
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

var globalPublisher *Publisher

// InitPublisher 初始化Kafka事件生产者
func InitPublisher(brokers []string, topic string) error {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Timeout = 10 * time.Second

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return fmt.Errorf("创建Kafka生产者失败: %w", err)
	}

	globalPublisher = &Publisher{
		producer: producer,
		topic:    topic,
	}

	logger.Info("Kafka事件生产者初始化成功", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return nil
}

// GetPublisher 获取全局生产者实例
func GetPublisher() *Publisher {
	return globalPublisher
}

// Publish 发送任务事件
func (p *Publisher) Publish(event *JobEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("Kafka生产者未初始化")
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: p.topic,
		// 同一任务的事件落在同一分区，保持顺序
		Key:   sarama.StringEncoder(event.JobID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{
				Key:   []byte("event_type"),
				Value: []byte(event.EventType),
			},
			{
				Key:   []byte("user_id"),
				Value: []byte(event.UserID),
			},
		},
	}

	partition, offset, err := p.producer.SendMessage(kafkaMsg)
	if err != nil {
		logger.Error("发送Kafka事件失败", zap.Error(err))
		return fmt.Errorf("发送事件失败: %w", err)
	}

	logger.Debug("Kafka事件发送成功",
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
		zap.String("job_id", event.JobID),
		zap.String("event_type", event.EventType))

	return nil
}

// Close 关闭生产者
func (p *Publisher) Close() error {
	if p != nil && p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// PublishJobEvent 发送任务事件（便捷方法）
// Kafka未配置时静默跳过，不影响主流程
func PublishJobEvent(eventType, jobID, userID, category, status string, creditsCharged int64, errMsg string) {
	publisher := GetPublisher()
	if publisher == nil {
		return
	}

	event := &JobEvent{
		EventType:      eventType,
		JobID:          jobID,
		UserID:         userID,
		Category:       category,
		Status:         status,
		CreditsCharged: creditsCharged,
		Error:          errMsg,
		Timestamp:      time.Now(),
	}

	if err := publisher.Publish(event); err != nil {
		logger.Warn("任务事件发送失败", zap.String("job_id", jobID), zap.Error(err))
	}
}
