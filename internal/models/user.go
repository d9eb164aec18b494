package models

import (
	"time"
)

// User 用户表
// CreditsUsed 是仅用于报表的累计计数器，可用余额以积分包（credit_packages）为准
type User struct {
	ID                    string     `gorm:"primaryKey;size:36" json:"id"`
	Email                 string     `gorm:"size:200;uniqueIndex" json:"email"`
	Nickname              string     `gorm:"size:100;uniqueIndex" json:"nickname"`
	PasswordSalt          string     `gorm:"size:64" json:"-"`
	PasswordHash          string     `gorm:"size:128" json:"-"`
	AuthToken             string     `gorm:"size:128;index" json:"-"`
	CreditsUsed           int64      `gorm:"column:credits_used;default:0" json:"credits_used"`
	ConcurrentSlots       int        `gorm:"column:concurrent_slots;default:1" json:"concurrent_slots"`
	ImageConcurrentSlots  int        `gorm:"column:image_concurrent_slots;default:3" json:"image_concurrent_slots"`
	ReferralCode          *string    `gorm:"size:16;uniqueIndex" json:"referral_code"`
	ReferrerID            *string    `gorm:"size:36;index" json:"referrer_id"`
	ReferralCreditsEarned int64      `gorm:"column:referral_credits_earned;default:0" json:"referral_credits_earned"`
	IsActive              bool       `gorm:"column:is_active;default:true" json:"is_active"`
	IsAdmin               bool       `gorm:"column:is_admin;default:false" json:"is_admin"`
	CreatedAt             time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	LastLoginAt           *time.Time `gorm:"column:last_login_at" json:"last_login_at"`
}

func (User) TableName() string {
	return "users"
}

// SlotLimit 返回指定类别的并发槽位上限
func (u *User) SlotLimit(category Category) int {
	if category == CategoryImage {
		if u.ImageConcurrentSlots <= 0 {
			return 3
		}
		return u.ImageConcurrentSlots
	}
	if u.ConcurrentSlots <= 0 {
		return 1
	}
	return u.ConcurrentSlots
}

// UserAPIKey 用户API密钥表（开放API访问）
type UserAPIKey struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	UserID        string     `gorm:"size:36;not null;index" json:"user_id"`
	APIKey        string     `gorm:"column:api_key;size:64;uniqueIndex;not null" json:"-"`
	Name          string     `gorm:"size:100" json:"name"`
	HourlyLimit   int        `gorm:"column:hourly_limit;default:100" json:"hourly_limit"`
	IsActive      bool       `gorm:"column:is_active;default:true" json:"is_active"`
	TotalRequests int64      `gorm:"column:total_requests;default:0" json:"total_requests"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	LastUsedAt    *time.Time `gorm:"column:last_used_at" json:"last_used_at"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

func (UserAPIKey) TableName() string {
	return "user_api_keys"
}
