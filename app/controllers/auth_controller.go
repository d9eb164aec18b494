package controllers

import (
	"encoding/json"
	"net/http"
)

// AuthController 注册与登录
type AuthController struct {
	BaseController
}

// RegisterRequest 注册请求体
type RegisterRequest struct {
	Email        string `json:"email" validate:"required,email"`
	Nickname     string `json:"nickname" validate:"required,min=2,max=50"`
	Password     string `json:"password" validate:"required,min=8,max=128"`
	ReferralCode string `json:"referral_code" validate:"omitempty,len=8"`
}

// LoginRequest 登录请求体
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// Register 注册新用户并直接签发token
func (c *AuthController) Register() {
	var req RegisterRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := requestDecoder.Struct(&req); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return
	}

	user, err := userService.Register(c.Ctx.Request.Context(), req.Email, req.Nickname, req.Password, req.ReferralCode)
	if err != nil {
		c.JSONAppError(err)
		return
	}

	token, err := jwtService.GenerateToken(user.ID, user.Nickname, user.IsAdmin)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

// Login 邮箱密码登录
func (c *AuthController) Login() {
	var req LoginRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := requestDecoder.Struct(&req); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return
	}

	user, err := userService.Authenticate(c.Ctx.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSONAppError(err)
		return
	}

	token, err := jwtService.GenerateToken(user.ID, user.Nickname, user.IsAdmin)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"token": token,
		"user":  user,
	})
}

// AccountController 账号自助管理
type AccountController struct {
	BaseController
}

// APIKeyRequest 创建API密钥请求体
type APIKeyRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

// apiKeyView 列表视图不回显明文密钥
type apiKeyView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	HourlyLimit   int    `json:"hourly_limit"`
	IsActive      bool   `json:"is_active"`
	TotalRequests int64  `json:"total_requests"`
	CreatedAt     string `json:"created_at"`
}

// CreateAPIKey 签发开放API密钥，明文仅本次响应返回
func (c *AccountController) CreateAPIKey() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}

	var req APIKeyRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := requestDecoder.Struct(&req); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return
	}

	key, err := userService.CreateAPIKey(c.Ctx.Request.Context(), userID, req.Name)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"id":      key.ID,
		"name":    key.Name,
		"api_key": key.APIKey,
	})
}

// ListAPIKeys 列出当前用户的API密钥
func (c *AccountController) ListAPIKeys() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}

	keys, err := userService.ListAPIKeys(c.Ctx.Request.Context(), userID)
	if err != nil {
		c.JSONAppError(err)
		return
	}

	views := make([]apiKeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, apiKeyView{
			ID:            k.ID,
			Name:          k.Name,
			HourlyLimit:   k.HourlyLimit,
			IsActive:      k.IsActive,
			TotalRequests: k.TotalRequests,
			CreatedAt:     k.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	c.JSONSuccess(map[string]interface{}{
		"keys":  views,
		"count": len(views),
	})
}

// RevokeAPIKey 吊销API密钥
func (c *AccountController) RevokeAPIKey() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	keyID := c.Ctx.Input.Param(":key_id")

	if err := userService.RevokeAPIKey(c.Ctx.Request.Context(), userID, keyID); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"revoked": keyID})
}
