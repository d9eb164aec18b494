package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fiftyfive/backend-go/internal/models"
)

// AdminController 管理端接口，全部经由 requireAdmin 鉴权
type AdminController struct {
	BaseController
}

// AdjustBalanceRequest 余额调整请求体
type AdjustBalanceRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Delta  int64  `json:"delta" validate:"required"`
	Note   string `json:"note" validate:"max=200"`
}

// AddPackageRequest 发积分包请求体
type AddPackageRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	Credits      int64  `json:"credits" validate:"required,gt=0"`
	DurationDays int    `json:"duration_days" validate:"required,gt=0"`
	Source       string `json:"source" validate:"required,oneof=purchase admin refund referral_bonus"`
}

// UpdatePackageRequest 修改积分包请求体
type UpdatePackageRequest struct {
	CreditsRemaining *int64     `json:"credits_remaining"`
	ExpiresAt        *time.Time `json:"expires_at"`
}

// CreateKeyRequest 新增服务商密钥请求体
type CreateKeyRequest struct {
	Name            string `json:"name" validate:"max=100"`
	Provider        string `json:"provider" validate:"omitempty,oneof=voicer together openai"`
	APIKey          string `json:"api_key" validate:"required"`
	HourlyLimit     int    `json:"hourly_limit"`
	ConcurrentLimit int    `json:"concurrent_limit"`
}

// AdjustBalance 调整用户余额
func (c *AdminController) AdjustBalance() {
	if !c.requireAdmin() {
		return
	}
	var req AdjustBalanceRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := requestDecoder.Struct(&req); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return
	}

	if err := creditService.AdminAdjust(c.Ctx.Request.Context(), req.UserID, req.Delta, req.Note); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"user_id": req.UserID, "delta": req.Delta})
}

// AddPackage 给用户发积分包
func (c *AdminController) AddPackage() {
	if !c.requireAdmin() {
		return
	}
	var req AddPackageRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := requestDecoder.Struct(&req); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return
	}

	pkg, bonus, err := creditService.AddPackage(c.Ctx.Request.Context(),
		req.UserID, req.Credits, req.DurationDays, req.Source)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"package":        pkg,
		"referral_bonus": bonus,
	})
}

// ListPackages 查看用户积分包
func (c *AdminController) ListPackages() {
	if !c.requireAdmin() {
		return
	}
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSONError(http.StatusBadRequest, "缺少user_id参数")
		return
	}
	packages, err := creditService.ListActivePackages(c.Ctx.Request.Context(), userID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"packages": packages})
}

// UpdatePackage 修改积分包
func (c *AdminController) UpdatePackage() {
	if !c.requireAdmin() {
		return
	}
	packageID := c.Ctx.Input.Param(":package_id")
	var req UpdatePackageRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := creditService.UpdatePackage(c.Ctx.Request.Context(), packageID,
		req.CreditsRemaining, req.ExpiresAt); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"package_id": packageID})
}

// DeletePackage 删除积分包
func (c *AdminController) DeletePackage() {
	if !c.requireAdmin() {
		return
	}
	packageID := c.Ctx.Input.Param(":package_id")
	if err := creditService.DeletePackage(c.Ctx.Request.Context(), packageID); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"package_id": packageID})
}

// CancelJob 管理端取消任意用户的任务
func (c *AdminController) CancelJob() {
	if !c.requireAdmin() {
		return
	}
	jobID := c.Ctx.Input.Param(":job_id")
	refunded, err := jobService.Cancel(c.Ctx.Request.Context(), jobID, "", true)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"status":           models.JobStatusCancelled,
		"credits_refunded": refunded,
	})
}

// CreateProviderKey 新增服务商密钥
func (c *AdminController) CreateProviderKey() {
	if !c.requireAdmin() {
		return
	}
	var req CreateKeyRequest
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := requestDecoder.Struct(&req); err != nil {
		c.JSONError(http.StatusBadRequest, err.Error())
		return
	}

	key, err := keyService.CreateKey(c.Ctx.Request.Context(),
		req.Name, req.Provider, req.APIKey, req.HourlyLimit, req.ConcurrentLimit)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(key)
}

// ListProviderKeys 列出全部服务商密钥
func (c *AdminController) ListProviderKeys() {
	if !c.requireAdmin() {
		return
	}
	keys, err := keyService.ListKeys(c.Ctx.Request.Context())
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"keys": keys})
}

// SetProviderKeyActive 启用/停用密钥
func (c *AdminController) SetProviderKeyActive() {
	if !c.requireAdmin() {
		return
	}
	keyID := c.Ctx.Input.Param(":key_id")
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(c.Ctx.Input.RequestBody, &req); err != nil {
		c.JSONError(http.StatusBadRequest, "请求体格式错误")
		return
	}
	if err := keyService.SetActive(c.Ctx.Request.Context(), keyID, req.Active); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"key_id": keyID, "active": req.Active})
}

// DeleteProviderKey 删除密钥
func (c *AdminController) DeleteProviderKey() {
	if !c.requireAdmin() {
		return
	}
	keyID := c.Ctx.Input.Param(":key_id")
	if err := keyService.DeleteKey(c.Ctx.Request.Context(), keyID); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"key_id": keyID})
}

// Resync 以持久化任务记录重建并发计数器
func (c *AdminController) Resync() {
	if !c.requireAdmin() {
		return
	}
	if err := jobService.ResyncLimiter(c.Ctx.Request.Context()); err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(limiterRef.Snapshot())
}

// ResetCounters 清空全部准入计数器
func (c *AdminController) ResetCounters() {
	if !c.requireAdmin() {
		return
	}
	limiterRef.Reset()
	c.JSONSuccess(map[string]interface{}{"reset": true})
}

// CounterSnapshot 查看当前计数器快照
func (c *AdminController) CounterSnapshot() {
	if !c.requireAdmin() {
		return
	}
	c.JSONSuccess(limiterRef.Snapshot())
}

// ListEvents 查看最近事件日志
func (c *AdminController) ListEvents() {
	if !c.requireAdmin() {
		return
	}
	limit, _ := c.GetInt("limit", 100)
	events, err := eventService.ListRecent(limit)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(map[string]interface{}{"events": events})
}
