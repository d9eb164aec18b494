package controllers

import (
	"net/http"
	"time"

	"github.com/fiftyfive/backend-go/internal/database"
)

// RootController 根路径
type RootController struct {
	BaseController
}

// Index 服务信息
func (c *RootController) Index() {
	c.JSONSuccess(map[string]interface{}{
		"service": "fiftyfive-backend",
		"time":    time.Now().UTC(),
	})
}

// HealthController 健康检查
type HealthController struct {
	BaseController
}

// Health 存活与依赖连通性检查
func (c *HealthController) Health() {
	status := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}

	if database.Checker != nil {
		if err := database.Checker.Check(c.Ctx.Request.Context()); err != nil {
			status["database"] = "down"
			status["status"] = "degraded"
		} else {
			status["database"] = "ok"
		}
	} else if database.DB != nil {
		if sqlDB, err := database.DB.DB(); err == nil {
			if err := sqlDB.Ping(); err != nil {
				status["database"] = "down"
				status["status"] = "degraded"
			} else {
				status["database"] = "ok"
			}
		}
	}

	if database.RedisClient != nil {
		if err := database.RedisClient.Ping(c.Ctx.Request.Context()).Err(); err != nil {
			status["redis"] = "down"
		} else {
			status["redis"] = "ok"
		}
	}

	code := http.StatusOK
	if status["status"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
