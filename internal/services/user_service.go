package services

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fiftyfive/backend-go/internal/auth"
	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/logger"
	"github.com/fiftyfive/backend-go/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UserService 用户账号与开放API密钥
type UserService struct {
	db *gorm.DB
}

// NewUserService 创建用户服务
func NewUserService(db *gorm.DB) *UserService {
	return &UserService{db: db}
}

// Register 注册新用户，referralCode非空时建立推荐关系
func (s *UserService) Register(ctx context.Context, email, nickname, password, referralCode string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	nickname = strings.TrimSpace(nickname)

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("email = ? OR nickname = ?", email, nickname).
		Count(&count).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	if count > 0 {
		return nil, apperrors.New(apperrors.ErrCodeConflict, apperrors.ErrorTypeBusiness,
			http.StatusConflict, "邮箱或昵称已被占用")
	}

	var referrerID *string
	if referralCode != "" {
		var referrer models.User
		err := s.db.WithContext(ctx).
			Where("referral_code = ? AND is_active = ?", strings.ToUpper(strings.TrimSpace(referralCode)), true).
			First(&referrer).Error
		switch {
		case err == nil:
			referrerID = &referrer.ID
		case err == gorm.ErrRecordNotFound:
			// 无效推荐码不阻断注册
			logger.Warn("注册携带无效推荐码", zap.String("code", referralCode))
		default:
			return nil, apperrors.NewDatabaseError(err)
		}
	}

	salt, hash, err := auth.MakePassword(password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:                   uuid.NewString(),
		Email:                email,
		Nickname:             nickname,
		PasswordSalt:         salt,
		PasswordHash:         hash,
		ConcurrentSlots:      1,
		ImageConcurrentSlots: 3,
		ReferrerID:           referrerID,
		IsActive:             true,
		CreatedAt:            time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	logger.Info("用户注册成功",
		zap.String("user_id", user.ID),
		zap.Bool("referred", referrerID != nil))
	return user, nil
}

// Authenticate 邮箱密码登录，成功后刷新最近登录时间
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized, apperrors.ErrorTypeBusiness,
			http.StatusUnauthorized, "邮箱或密码错误")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	if !user.IsActive {
		return nil, apperrors.New(apperrors.ErrCodeForbidden, apperrors.ErrorTypeBusiness,
			http.StatusForbidden, "账号已被停用")
	}
	if !auth.VerifyPassword(password, user.PasswordSalt, user.PasswordHash) {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized, apperrors.ErrorTypeBusiness,
			http.StatusUnauthorized, "邮箱或密码错误")
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&user).Update("last_login_at", now).Error; err != nil {
		logger.Warn("更新最近登录时间失败", zap.String("user_id", user.ID), zap.Error(err))
	}
	user.LastLoginAt = &now
	return &user, nil
}

// GetUser 按ID查询用户
func (s *UserService) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, "id = ?", userID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, apperrors.New(apperrors.ErrCodeNotFound, apperrors.ErrorTypeBusiness,
			http.StatusNotFound, "用户不存在")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return &user, nil
}

// CreateAPIKey 签发开放API密钥，明文仅在创建响应中返回一次
func (s *UserService) CreateAPIKey(ctx context.Context, userID, name string) (*models.UserAPIKey, error) {
	key := &models.UserAPIKey{
		ID:          uuid.NewString(),
		UserID:      userID,
		APIKey:      auth.GenerateUserAPIKey(),
		Name:        name,
		HourlyLimit: 100,
		IsActive:    true,
		CreatedAt:   time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(key).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return key, nil
}

// ListAPIKeys 列出用户的API密钥
func (s *UserService) ListAPIKeys(ctx context.Context, userID string) ([]models.UserAPIKey, error) {
	var keys []models.UserAPIKey
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return keys, nil
}

// RevokeAPIKey 吊销API密钥，仅限本人的密钥
func (s *UserService) RevokeAPIKey(ctx context.Context, userID, keyID string) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", keyID, userID).
		Delete(&models.UserAPIKey{})
	if result.Error != nil {
		return apperrors.NewDatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.ErrCodeNotFound, apperrors.ErrorTypeBusiness,
			http.StatusNotFound, "API密钥不存在")
	}
	return nil
}

// AuthenticateAPIKey 按明文密钥认证开放API请求，成功后累加使用计数
func (s *UserService) AuthenticateAPIKey(ctx context.Context, rawKey string) (*models.User, *models.UserAPIKey, error) {
	var key models.UserAPIKey
	err := s.db.WithContext(ctx).
		Where("api_key = ? AND is_active = ?", rawKey, true).
		First(&key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil, apperrors.New(apperrors.ErrCodeUnauthorized, apperrors.ErrorTypeBusiness,
			http.StatusUnauthorized, "无效的API密钥")
	}
	if err != nil {
		return nil, nil, apperrors.NewDatabaseError(err)
	}

	user, err := s.GetUser(ctx, key.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !user.IsActive {
		return nil, nil, apperrors.New(apperrors.ErrCodeForbidden, apperrors.ErrorTypeBusiness,
			http.StatusForbidden, "账号已被停用")
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(&key).Updates(map[string]interface{}{
		"total_requests": gorm.Expr("total_requests + 1"),
		"last_used_at":   now,
	}).Error; err != nil {
		logger.Warn("更新API密钥使用计数失败", zap.String("key_id", key.ID), zap.Error(err))
	}
	return user, &key, nil
}
