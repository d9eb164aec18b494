package models

import (
	"time"
)

// ProviderKey 服务商密钥池表（管理员维护的共享资源）
// 选取策略：同一服务商的激活密钥中取最久未使用者
type ProviderKey struct {
	ID              string     `gorm:"primaryKey;size:36" json:"id"`
	Name            string     `gorm:"size:100" json:"name"`
	APIKey          string     `gorm:"column:api_key;size:200;not null" json:"-"`
	Provider        string     `gorm:"size:50;default:together;index" json:"provider"`
	HourlyLimit     int        `gorm:"column:hourly_limit;default:2000" json:"hourly_limit"`
	ConcurrentLimit int        `gorm:"column:concurrent_limit;default:10" json:"concurrent_limit"`
	IsActive        bool       `gorm:"column:is_active;default:true;index" json:"is_active"`
	TotalRequests   int64      `gorm:"column:total_requests;default:0" json:"total_requests"`
	FailedRequests  int64      `gorm:"column:failed_requests;default:0" json:"failed_requests"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	LastUsedAt      *time.Time `gorm:"column:last_used_at" json:"last_used_at"`
}

func (ProviderKey) TableName() string {
	return "provider_keys"
}
