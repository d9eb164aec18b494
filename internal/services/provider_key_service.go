package services

import (
	"context"
	"time"

	"github.com/fiftyfive/backend-go/internal/auth"
	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/logger"
	"github.com/fiftyfive/backend-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProviderKeyService 服务商密钥池服务
// 密钥是管理员维护的共享资源，选取策略为同服务商激活密钥中取最久未使用者
type ProviderKeyService struct {
	db *gorm.DB
}

// NewProviderKeyService 创建服务商密钥池服务
func NewProviderKeyService(db *gorm.DB) *ProviderKeyService {
	return &ProviderKeyService{db: db}
}

// SelectKey 按LRU选取一个激活密钥，providers 按优先级给出候选服务商
func (s *ProviderKeyService) SelectKey(ctx context.Context, providers ...string) (*models.ProviderKey, error) {
	for _, provider := range providers {
		var key models.ProviderKey
		err := s.db.Where("provider = ? AND is_active = ?", provider, true).
			// 从未使用过的密钥优先，其余按最久未使用排序
			Order("last_used_at IS NOT NULL, last_used_at ASC").
			First(&key).Error
		if err == nil {
			return &key, nil
		}
		if err != gorm.ErrRecordNotFound {
			return nil, apperrors.NewDatabaseError(err)
		}
	}
	return nil, apperrors.NewProviderUnavailable("没有可用的服务商密钥")
}

// MarkUsed 记录一次使用：刷新last_used_at，请求计数+1
func (s *ProviderKeyService) MarkUsed(ctx context.Context, keyID string) {
	now := time.Now()
	err := s.db.Model(&models.ProviderKey{}).
		Where("id = ?", keyID).
		Updates(map[string]interface{}{
			"last_used_at":   now,
			"total_requests": gorm.Expr("total_requests + 1"),
		}).Error
	if err != nil {
		logger.Warn("密钥使用记录更新失败", zap.String("key_id", keyID), zap.Error(err))
	}
}

// MarkFailed 记录一次派发失败
func (s *ProviderKeyService) MarkFailed(ctx context.Context, keyID string) {
	err := s.db.Model(&models.ProviderKey{}).
		Where("id = ?", keyID).
		Update("failed_requests", gorm.Expr("failed_requests + 1")).Error
	if err != nil {
		logger.Warn("密钥失败计数更新失败", zap.String("key_id", keyID), zap.Error(err))
	}
}

// CreateKey 新增服务商密钥
func (s *ProviderKeyService) CreateKey(ctx context.Context, name, provider, apiKey string, hourlyLimit, concurrentLimit int) (*models.ProviderKey, error) {
	if apiKey == "" {
		return nil, apperrors.New(apperrors.ErrCodeBadRequest, apperrors.ErrorTypeValidation, 400,
			"API密钥不能为空")
	}
	if provider == "" {
		provider = "together"
	}
	if hourlyLimit <= 0 {
		hourlyLimit = 2000
	}
	if concurrentLimit <= 0 {
		concurrentLimit = 10
	}

	key := &models.ProviderKey{
		ID:              auth.GeneratePoolKey(),
		Name:            name,
		APIKey:          apiKey,
		Provider:        provider,
		HourlyLimit:     hourlyLimit,
		ConcurrentLimit: concurrentLimit,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	if err := s.db.Create(key).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	logger.Info("服务商密钥已创建",
		zap.String("key_id", key.ID),
		zap.String("provider", provider),
		zap.String("name", name))
	return key, nil
}

// ListKeys 列出全部密钥
func (s *ProviderKeyService) ListKeys(ctx context.Context) ([]models.ProviderKey, error) {
	var keys []models.ProviderKey
	if err := s.db.Order("created_at DESC").Find(&keys).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return keys, nil
}

// GetKey 获取单个密钥
func (s *ProviderKeyService) GetKey(ctx context.Context, keyID string) (*models.ProviderKey, error) {
	var key models.ProviderKey
	if err := s.db.Where("id = ?", keyID).First(&key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.New(apperrors.ErrCodeNotFound, apperrors.ErrorTypeBusiness, 404, "密钥不存在")
		}
		return nil, apperrors.NewDatabaseError(err)
	}
	return &key, nil
}

// SetActive 启用/停用密钥
func (s *ProviderKeyService) SetActive(ctx context.Context, keyID string, active bool) error {
	result := s.db.Model(&models.ProviderKey{}).
		Where("id = ?", keyID).
		Update("is_active", active)
	if result.Error != nil {
		return apperrors.NewDatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.ErrCodeNotFound, apperrors.ErrorTypeBusiness, 404, "密钥不存在")
	}
	return nil
}

// DeleteKey 删除密钥
func (s *ProviderKeyService) DeleteKey(ctx context.Context, keyID string) error {
	result := s.db.Delete(&models.ProviderKey{}, "id = ?", keyID)
	if result.Error != nil {
		return apperrors.NewDatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.ErrCodeNotFound, apperrors.ErrorTypeBusiness, 404, "密钥不存在")
	}
	return nil
}
