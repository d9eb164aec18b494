package models

import (
	"time"
)

// 积分包来源
const (
	PackageSourcePurchase      = "purchase"
	PackageSourceAdmin         = "admin"
	PackageSourceRefund        = "refund"
	PackageSourceReferralBonus = "referral_bonus"
)

// CreditPackage 积分包表
// 每个积分包带独立有效期，扣减时按到期时间升序（先到期先扣）
// 不变量：0 <= credits_remaining <= credits_initial
type CreditPackage struct {
	ID               string    `gorm:"primaryKey;size:36" json:"id"`
	UserID           string    `gorm:"size:36;not null;index:idx_credit_packages_user_expires,priority:1" json:"user_id"`
	CreditsInitial   int64     `gorm:"column:credits_initial;not null" json:"credits_initial"`
	CreditsRemaining int64     `gorm:"column:credits_remaining;not null" json:"credits_remaining"`
	ExpiresAt        time.Time `gorm:"column:expires_at;not null;index:idx_credit_packages_user_expires,priority:2;index" json:"expires_at"`
	CreatedAt        time.Time `gorm:"column:created_at;not null" json:"created_at"`
	Source           string    `gorm:"size:20" json:"source"`
}

func (CreditPackage) TableName() string {
	return "credit_packages"
}

// Active 判断积分包当前是否可用于扣减
func (p *CreditPackage) Active(now time.Time) bool {
	return p.CreditsRemaining > 0 && p.ExpiresAt.After(now)
}
