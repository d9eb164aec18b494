package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fiftyfive/backend-go/internal/auth"
	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/logger"
	"github.com/fiftyfive/backend-go/internal/metrics"
	"github.com/fiftyfive/backend-go/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 推荐奖励档位：按推荐人名下已推荐用户数
const (
	referralTier1Limit = 25 // 低于25人：5%
	referralTier2Limit = 70 // 25-69人：10%；70及以上：15%
)

// 积分包默认有效期（天）
const (
	referralBonusDays = 30
	refundDays        = 7
)

// ReferralBonusResult 推荐奖励结算结果
type ReferralBonusResult struct {
	Applied    bool   `json:"applied"`
	RatePct    int    `json:"rate_pct"`
	Bonus      int64  `json:"bonus"`
	ReferrerID string `json:"referrer_id,omitempty"`
}

// CreditService 积分账本服务
// 积分存放在带独立有效期的积分包中，扣减按到期时间升序（先到期先扣）。
// 同一用户的扣减经由进程内互斥锁串行化，两个并发请求不会同时通过余额检查。
type CreditService struct {
	db    *gorm.DB
	redis *redis.Client // 可为nil（未配置Redis时直接查库）

	cacheTTL  time.Duration
	userLocks sync.Map // userID -> *sync.Mutex
}

// NewCreditService 创建积分账本服务
func NewCreditService(db *gorm.DB, redisClient *redis.Client, cacheTTL time.Duration) *CreditService {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &CreditService{
		db:       db,
		redis:    redisClient,
		cacheTTL: cacheTTL,
	}
}

func (s *CreditService) lockFor(userID string) *sync.Mutex {
	mu, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func balanceCacheKey(userID string) string {
	return "credit_balance:" + userID
}

// GetAvailableBalance 可用余额：未过期且有剩余的积分包之和
func (s *CreditService) GetAvailableBalance(ctx context.Context, userID string) (int64, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, balanceCacheKey(userID)).Result(); err == nil {
			if v, err := strconv.ParseInt(cached, 10, 64); err == nil {
				return v, nil
			}
		}
	}

	balance, err := s.queryBalance(s.db, userID)
	if err != nil {
		return 0, err
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, balanceCacheKey(userID), balance, s.cacheTTL).Err(); err != nil {
			logger.Warn("余额缓存写入失败", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return balance, nil
}

func (s *CreditService) queryBalance(tx *gorm.DB, userID string) (int64, error) {
	var balance int64
	err := tx.Model(&models.CreditPackage{}).
		Where("user_id = ? AND credits_remaining > 0 AND expires_at > ?", userID, time.Now()).
		Select("COALESCE(SUM(credits_remaining), 0)").
		Scan(&balance).Error
	if err != nil {
		return 0, apperrors.NewDatabaseError(err)
	}
	return balance, nil
}

// ListActivePackages 列出用户可用积分包，按到期时间升序（即扣减顺序）
func (s *CreditService) ListActivePackages(ctx context.Context, userID string) ([]models.CreditPackage, error) {
	var packages []models.CreditPackage
	err := s.db.Where("user_id = ? AND credits_remaining > 0 AND expires_at > ?", userID, time.Now()).
		Order("expires_at ASC").
		Find(&packages).Error
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return packages, nil
}

// Deduct 扣减积分，全有或全无
// 余额不足时不产生任何副作用；足够时按到期时间升序逐包扣减，
// 并同步累加用户的 credits_used 计数器。
func (s *CreditService) Deduct(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return apperrors.New(apperrors.ErrCodeBadRequest, apperrors.ErrorTypeValidation, 400,
			"扣减数额必须为正数")
	}

	// 同一用户的扣减串行化，避免两个请求同时通过余额检查
	mu := s.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now()

		var packages []models.CreditPackage
		if err := tx.Where("user_id = ? AND credits_remaining > 0 AND expires_at > ?", userID, now).
			Order("expires_at ASC").
			Find(&packages).Error; err != nil {
			return apperrors.NewDatabaseError(err)
		}

		var balance int64
		for i := range packages {
			balance += packages[i].CreditsRemaining
		}
		if balance < amount {
			return apperrors.NewInsufficientCredits(amount, balance)
		}

		remaining := amount
		for i := range packages {
			if remaining <= 0 {
				break
			}
			take := packages[i].CreditsRemaining
			if take > remaining {
				take = remaining
			}
			newValue := packages[i].CreditsRemaining - take
			if err := tx.Model(&models.CreditPackage{}).
				Where("id = ?", packages[i].ID).
				Update("credits_remaining", newValue).Error; err != nil {
				return apperrors.NewDatabaseError(err)
			}
			remaining -= take
		}

		if err := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("credits_used", gorm.Expr("credits_used + ?", amount)).Error; err != nil {
			return apperrors.NewDatabaseError(err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateBalance(ctx, userID)
	metrics.CreditsDeducted.Add(float64(amount))
	logger.Debug("积分扣减完成", zap.String("user_id", userID), zap.Int64("amount", amount))
	return nil
}

// AddPackage 新增积分包
// source 为 purchase/admin 时在同一事务内结算推荐奖励，
// refund 与 referral_bonus 不触发奖励（退款不制造推荐收入，奖励不递归）。
func (s *CreditService) AddPackage(ctx context.Context, userID string, credits int64, durationDays int, source string) (*models.CreditPackage, *ReferralBonusResult, error) {
	if credits <= 0 {
		return nil, nil, apperrors.New(apperrors.ErrCodeBadRequest, apperrors.ErrorTypeValidation, 400,
			"积分数额必须为正数")
	}
	if durationDays <= 0 {
		return nil, nil, apperrors.New(apperrors.ErrCodeBadRequest, apperrors.ErrorTypeValidation, 400,
			"有效期天数必须为正数")
	}

	now := time.Now()
	pkg := &models.CreditPackage{
		ID:               uuid.NewString(),
		UserID:           userID,
		CreditsInitial:   credits,
		CreditsRemaining: credits,
		ExpiresAt:        now.Add(time.Duration(durationDays) * 24 * time.Hour),
		CreatedAt:        now,
		Source:           source,
	}

	bonus := &ReferralBonusResult{}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(pkg).Error; err != nil {
			return apperrors.NewDatabaseError(err)
		}
		if source == models.PackageSourcePurchase || source == models.PackageSourceAdmin {
			result, err := s.applyReferralBonus(tx, userID, credits)
			if err != nil {
				return err
			}
			*bonus = *result
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.invalidateBalance(ctx, userID)
	if bonus.Applied {
		s.invalidateBalance(ctx, bonus.ReferrerID)
		metrics.ReferralBonusGranted.Add(float64(bonus.Bonus))
	}

	logger.Info("积分包已创建",
		zap.String("user_id", userID),
		zap.Int64("credits", credits),
		zap.String("source", source),
		zap.Bool("referral_bonus", bonus.Applied))
	return pkg, bonus, nil
}

// ApplyReferralBonus 结算推荐奖励（独立入口，常规路径由 AddPackage 在事务内触发）
func (s *CreditService) ApplyReferralBonus(ctx context.Context, referredUserID string, creditsAdded int64) (*ReferralBonusResult, error) {
	var result *ReferralBonusResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		r, err := s.applyReferralBonus(tx, referredUserID, creditsAdded)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Applied {
		s.invalidateBalance(ctx, result.ReferrerID)
	}
	return result, nil
}

// applyReferralBonus 在给定事务内结算推荐奖励
// 档位按推荐人名下已推荐用户数：<25→5%，25-69→10%，≥70→15%；向下取整。
func (s *CreditService) applyReferralBonus(tx *gorm.DB, referredUserID string, creditsAdded int64) (*ReferralBonusResult, error) {
	var user models.User
	if err := tx.Where("id = ?", referredUserID).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return &ReferralBonusResult{}, nil
		}
		return nil, apperrors.NewDatabaseError(err)
	}
	if user.ReferrerID == nil || *user.ReferrerID == "" {
		return &ReferralBonusResult{}, nil
	}
	referrerID := *user.ReferrerID

	var referredCount int64
	if err := tx.Model(&models.User{}).
		Where("referrer_id = ?", referrerID).
		Count(&referredCount).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	ratePct := 5
	switch {
	case referredCount >= referralTier2Limit:
		ratePct = 15
	case referredCount >= referralTier1Limit:
		ratePct = 10
	}

	// 整数除法即向下取整
	bonus := creditsAdded * int64(ratePct) / 100
	if bonus <= 0 {
		return &ReferralBonusResult{RatePct: ratePct, ReferrerID: referrerID}, nil
	}

	now := time.Now()
	bonusPkg := &models.CreditPackage{
		ID:               uuid.NewString(),
		UserID:           referrerID,
		CreditsInitial:   bonus,
		CreditsRemaining: bonus,
		ExpiresAt:        now.Add(referralBonusDays * 24 * time.Hour),
		CreatedAt:        now,
		Source:           models.PackageSourceReferralBonus,
	}
	if err := tx.Create(bonusPkg).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	if err := tx.Model(&models.User{}).
		Where("id = ?", referrerID).
		Update("referral_credits_earned", gorm.Expr("referral_credits_earned + ?", bonus)).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	logger.Info("推荐奖励已发放",
		zap.String("referrer_id", referrerID),
		zap.String("referred_user_id", referredUserID),
		zap.Int("rate_pct", ratePct),
		zap.Int64("bonus", bonus))

	return &ReferralBonusResult{
		Applied:    true,
		RatePct:    ratePct,
		Bonus:      bonus,
		ReferrerID: referrerID,
	}, nil
}

// Refund 退款：7天有效期的refund积分包，不触发推荐奖励
func (s *CreditService) Refund(ctx context.Context, userID string, amount int64) (*models.CreditPackage, error) {
	pkg, _, err := s.AddPackage(ctx, userID, amount, refundDays, models.PackageSourceRefund)
	if err != nil {
		return nil, err
	}
	metrics.CreditsRefunded.Add(float64(amount))
	return pkg, nil
}

// AdminAdjust 管理端余额调整：正数发admin积分包（365天），负数按常规路径扣减
func (s *CreditService) AdminAdjust(ctx context.Context, userID string, delta int64, note string) error {
	if delta == 0 {
		return nil
	}
	if delta > 0 {
		_, _, err := s.AddPackage(ctx, userID, delta, 365, models.PackageSourceAdmin)
		if err != nil {
			return err
		}
	} else {
		if err := s.Deduct(ctx, userID, -delta); err != nil {
			return err
		}
	}
	logger.Info("管理端余额调整",
		zap.String("user_id", userID),
		zap.Int64("delta", delta),
		zap.String("note", note))
	return nil
}

// UpdatePackage 管理端修改积分包剩余额度/有效期
func (s *CreditService) UpdatePackage(ctx context.Context, packageID string, creditsRemaining *int64, expiresAt *time.Time) error {
	var pkg models.CreditPackage
	if err := s.db.Where("id = ?", packageID).First(&pkg).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.New(apperrors.ErrCodeNotFound, apperrors.ErrorTypeBusiness, 404, "积分包不存在")
		}
		return apperrors.NewDatabaseError(err)
	}

	updates := map[string]interface{}{}
	if creditsRemaining != nil {
		if *creditsRemaining < 0 || *creditsRemaining > pkg.CreditsInitial {
			return apperrors.New(apperrors.ErrCodeBadRequest, apperrors.ErrorTypeValidation, 400,
				fmt.Sprintf("剩余额度必须在 0 到 %d 之间", pkg.CreditsInitial))
		}
		updates["credits_remaining"] = *creditsRemaining
	}
	if expiresAt != nil {
		updates["expires_at"] = *expiresAt
	}
	if len(updates) == 0 {
		return nil
	}

	if err := s.db.Model(&models.CreditPackage{}).Where("id = ?", packageID).Updates(updates).Error; err != nil {
		return apperrors.NewDatabaseError(err)
	}
	s.invalidateBalance(ctx, pkg.UserID)
	return nil
}

// DeletePackage 管理端删除积分包
func (s *CreditService) DeletePackage(ctx context.Context, packageID string) error {
	var pkg models.CreditPackage
	if err := s.db.Where("id = ?", packageID).First(&pkg).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.New(apperrors.ErrCodeNotFound, apperrors.ErrorTypeBusiness, 404, "积分包不存在")
		}
		return apperrors.NewDatabaseError(err)
	}
	if err := s.db.Delete(&models.CreditPackage{}, "id = ?", packageID).Error; err != nil {
		return apperrors.NewDatabaseError(err)
	}
	s.invalidateBalance(ctx, pkg.UserID)
	return nil
}

// EnsureReferralCode 确保用户拥有推荐码，已有则直接返回
func (s *CreditService) EnsureReferralCode(ctx context.Context, userID string) (string, error) {
	var user models.User
	if err := s.db.Where("id = ?", userID).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", apperrors.New(apperrors.ErrCodeNotFound, apperrors.ErrorTypeBusiness, 404, "用户不存在")
		}
		return "", apperrors.NewDatabaseError(err)
	}
	if user.ReferralCode != nil && *user.ReferralCode != "" {
		return *user.ReferralCode, nil
	}

	// 推荐码有唯一索引，碰撞时重新生成
	for i := 0; i < 5; i++ {
		code := auth.GenerateReferralCode()
		err := s.db.Model(&models.User{}).
			Where("id = ?", userID).
			Update("referral_code", code).Error
		if err == nil {
			return code, nil
		}
	}
	return "", apperrors.New(apperrors.ErrCodeInternalServer, apperrors.ErrorTypeSystem, 500,
		"推荐码生成失败")
}

// ReferralStats 推荐统计
type ReferralStats struct {
	ReferralCode   string `json:"referral_code"`
	ReferredCount  int64  `json:"referred_count"`
	CreditsEarned  int64  `json:"credits_earned"`
	CurrentRatePct int    `json:"current_rate_pct"`
}

// GetReferralStats 获取用户的推荐统计
func (s *CreditService) GetReferralStats(ctx context.Context, userID string) (*ReferralStats, error) {
	code, err := s.EnsureReferralCode(ctx, userID)
	if err != nil {
		return nil, err
	}

	var user models.User
	if err := s.db.Where("id = ?", userID).First(&user).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	var referredCount int64
	if err := s.db.Model(&models.User{}).
		Where("referrer_id = ?", userID).
		Count(&referredCount).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	ratePct := 5
	switch {
	case referredCount >= referralTier2Limit:
		ratePct = 15
	case referredCount >= referralTier1Limit:
		ratePct = 10
	}

	return &ReferralStats{
		ReferralCode:   code,
		ReferredCount:  referredCount,
		CreditsEarned:  user.ReferralCreditsEarned,
		CurrentRatePct: ratePct,
	}, nil
}

func (s *CreditService) invalidateBalance(ctx context.Context, userID string) {
	if s.redis == nil || userID == "" {
		return
	}
	if err := s.redis.Del(ctx, balanceCacheKey(userID)).Err(); err != nil {
		logger.Warn("余额缓存失效失败", zap.String("user_id", userID), zap.Error(err))
	}
}
