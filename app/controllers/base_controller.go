package controllers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/beego/beego/v2/server/web"
	"github.com/fiftyfive/backend-go/internal/auth"
	"github.com/fiftyfive/backend-go/internal/config"
	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/models"
	"github.com/fiftyfive/backend-go/internal/ratelimit"
	"github.com/fiftyfive/backend-go/internal/services"
	"github.com/go-playground/validator/v10"
)

var (
	jobService     *services.JobService
	creditService  *services.CreditService
	keyService     *services.ProviderKeyService
	eventService   *services.EventService
	userService    *services.UserService
	limiterRef     *ratelimit.Limiter
	jwtService     *auth.JWTService
	requestDecoder = validator.New()
)

// InitControllers 注入控制器依赖，必须在路由注册前调用
func InitControllers(
	jobs *services.JobService,
	credits *services.CreditService,
	keys *services.ProviderKeyService,
	events *services.EventService,
	users *services.UserService,
	limiter *ratelimit.Limiter,
	jwt *auth.JWTService,
) {
	jobService = jobs
	creditService = credits
	keyService = keys
	eventService = events
	userService = users
	limiterRef = limiter
	jwtService = jwt
}

// BaseController 统一JSON响应与认证辅助
type BaseController struct {
	web.Controller

	// 本次请求经X-API-Key认证时记下密钥，提交路径按密钥限额准入
	apiKey *models.UserAPIKey
}

// JSON 按指定HTTP状态码输出JSON
func (c *BaseController) JSON(status int, payload interface{}) {
	c.Ctx.Output.SetStatus(status)
	c.Data["json"] = payload
	c.ServeJSON()
}

// JSONSuccess 成功响应信封
func (c *BaseController) JSONSuccess(data interface{}) {
	c.JSON(http.StatusOK, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// JSONError 错误响应信封
func (c *BaseController) JSONError(status int, message string) {
	c.JSON(status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}

// JSONAppError 按AppError输出结构化错误
func (c *BaseController) JSONAppError(err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		c.JSON(apperrors.HTTPStatus(err), map[string]interface{}{
			"success": false,
			"code":    appErr.Code,
			"error":   appErr.Message,
			"details": appErr.Details,
		})
		return
	}
	c.JSONError(apperrors.HTTPStatus(err), err.Error())
}

// currentUser 从Bearer JWT解出当前用户，无JWT时回退到X-API-Key开放API认证
func (c *BaseController) currentUser() (userID string, isAdmin bool, ok bool) {
	authHeader := c.Ctx.Input.Header("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false, false
		}
		claims, err := jwtService.ValidateToken(parts[1])
		if err != nil {
			return "", false, false
		}
		return claims.UserID, claims.IsAdmin, true
	}

	if apiKey := c.Ctx.Input.Header("X-API-Key"); apiKey != "" && userService != nil {
		user, key, err := userService.AuthenticateAPIKey(c.Ctx.Request.Context(), apiKey)
		if err != nil {
			return "", false, false
		}
		c.apiKey = key
		return user.ID, user.IsAdmin, true
	}
	return "", false, false
}

// applyAPIKeyLimits 开放API认证时在提交请求上带上密钥限额
func (c *BaseController) applyAPIKeyLimits(req *services.SubmitRequest) {
	if c.apiKey == nil {
		return
	}
	req.ViaAPI = true
	req.APIKeyID = c.apiKey.ID
	req.APIKeyHourlyLimit = c.apiKey.HourlyLimit
}

// requireUser 认证失败时直接输出401
func (c *BaseController) requireUser() (string, bool) {
	userID, _, ok := c.currentUser()
	if !ok {
		c.JSONError(http.StatusUnauthorized, "未认证")
		return "", false
	}
	return userID, true
}

// requireAdmin 管理端鉴权：X-Admin-Token 或 JWT 的 is_admin 声明
func (c *BaseController) requireAdmin() bool {
	token := c.Ctx.Input.Header("X-Admin-Token")
	expected := config.AppConfig.Admin.Token
	if expected != "" && token != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1 {
		return true
	}
	if _, isAdmin, ok := c.currentUser(); ok && isAdmin {
		return true
	}
	c.JSONError(http.StatusForbidden, "需要管理员权限")
	return false
}
