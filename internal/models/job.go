package models

import (
	"encoding/json"
	"time"
)

// 任务状态机：queued → processing → {completed, failed, cancelled}
// queued → cancelled 也是合法转移（开始前取消），终态不允许再变更
const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Category 任务类别，语音与图片的队列和并发槽位相互独立
type Category string

const (
	CategoryVoice Category = "voice"
	CategoryImage Category = "image"
)

// Valid 判断类别是否合法
func (c Category) Valid() bool {
	return c == CategoryVoice || c == CategoryImage
}

// Job 生成任务表
type Job struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	UserID         string     `gorm:"size:36;not null;index" json:"user_id"`
	ProviderKeyID  string     `gorm:"column:provider_key_id;size:36;index" json:"provider_key_id"`
	Status         string     `gorm:"size:20;not null;index" json:"status"`
	Category       Category   `gorm:"size:10;not null;index" json:"category"`
	Prompt         string     `gorm:"size:500" json:"prompt"`
	Model          string     `gorm:"size:100" json:"model"`
	CreditsCharged int64      `gorm:"column:credits_charged;default:0" json:"credits_charged"`
	CharCount      int        `gorm:"column:char_count;default:0" json:"char_count"`
	ArtifactRef    *string    `gorm:"column:artifact_ref;size:500" json:"artifact_ref"`
	Error          *string    `gorm:"size:500" json:"error"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;index" json:"created_at"`
	StartedAt      *time.Time `gorm:"column:started_at" json:"started_at"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at"`
	ExpiresAt      *time.Time `gorm:"column:expires_at;index" json:"expires_at"`
	Metadata       string     `gorm:"column:metadata_json;type:text;default:'{}'" json:"-"`
}

func (Job) TableName() string {
	return "jobs"
}

// Terminal 判断任务是否已处于终态
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobMetadata 任务元数据，保存服务商关联标识和排队任务的续传载荷
// 载荷在不再需要后会被清空，以控制记录大小
type JobMetadata struct {
	CorrelationID  string                 `json:"correlation_id,omitempty"`
	VoiceID        string                 `json:"voice_id,omitempty"`
	ModelID        string                 `json:"model_id,omitempty"`
	VoiceSettings  map[string]interface{} `json:"voice_settings,omitempty"`
	FullText       string                 `json:"full_text,omitempty"`
	Width          int                    `json:"width,omitempty"`
	Height         int                    `json:"height,omitempty"`
	Steps          int                    `json:"steps,omitempty"`
	Seed           *int64                 `json:"seed,omitempty"`
	NegativePrompt string                 `json:"negative_prompt,omitempty"`
	ViaAPI         bool                   `json:"via_api,omitempty"`
}

// DecodeMetadata 解析任务元数据
func (j *Job) DecodeMetadata() (*JobMetadata, error) {
	meta := &JobMetadata{}
	if j.Metadata == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(j.Metadata), meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// EncodeMetadata 序列化并写回任务元数据
func (j *Job) EncodeMetadata(meta *JobMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	j.Metadata = string(data)
	return nil
}
