package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/fiftyfive/backend-go/internal/logger"
	"go.uber.org/zap"
)

// HealthChecker 数据库健康检查器，后台周期性ping并缓存最近结果
type HealthChecker struct {
	db            *sql.DB
	checkInterval time.Duration
	checkTimeout  time.Duration

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	lastError error
}

// HealthResult 健康检查结果快照
type HealthResult struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Checker 全局健康检查器，InitDB成功后由bootstrap赋值并启动
var Checker *HealthChecker

// NewHealthChecker 创建健康检查器
func NewHealthChecker(db *sql.DB) *HealthChecker {
	return &HealthChecker{
		db:            db,
		checkInterval: 30 * time.Second,
		checkTimeout:  5 * time.Second,
	}
}

// SetCheckInterval 设置后台检查间隔
func (hc *HealthChecker) SetCheckInterval(interval time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkInterval = interval
}

// Check 执行单次ping并更新缓存状态
func (hc *HealthChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, hc.checkTimeout)
	defer cancel()

	err := hc.db.PingContext(ctx)

	hc.mu.Lock()
	wasHealthy := hc.healthy
	hc.lastCheck = time.Now()
	hc.lastError = err
	hc.healthy = err == nil
	hc.mu.Unlock()

	if err != nil {
		logger.Warn("数据库健康检查失败", zap.Error(err))
		return err
	}
	if !wasHealthy {
		logger.Info("数据库连接恢复")
	}
	return nil
}

// Start 启动后台周期检查，ctx取消后退出
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.Check(ctx)

	hc.mu.RLock()
	interval := hc.checkInterval
	hc.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hc.Check(ctx)
		}
	}
}

// IsHealthy 返回最近一次检查的健康状态
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// GetHealthResult 返回最近一次检查的结果快照
func (hc *HealthChecker) GetHealthResult() HealthResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	result := HealthResult{
		Healthy:   hc.healthy,
		LastCheck: hc.lastCheck,
	}
	if hc.lastError != nil {
		result.LastError = hc.lastError.Error()
	}
	return result
}
