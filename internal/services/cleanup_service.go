package services

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/logger"
	"github.com/fiftyfive/backend-go/internal/metrics"
	"github.com/fiftyfive/backend-go/internal/models"
	"github.com/fiftyfive/backend-go/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CleanupService 后台对账清扫服务
// 三个周期循环：过期产物清理、卡死任务清扫、并发计数器自愈。
// 循环运行到进程关停（context取消），单次出错只记录不中断后续轮次。
type CleanupService struct {
	db    *gorm.DB
	jobs  *JobService
	store storage.ArtifactStore

	stuckThreshold     time.Duration
	stuckSweepEvery    time.Duration
	artifactSweepEvery time.Duration
	resyncEvery        time.Duration
}

// NewCleanupService 创建清扫服务
func NewCleanupService(
	db *gorm.DB,
	jobs *JobService,
	store storage.ArtifactStore,
	stuckThreshold, stuckSweepEvery, artifactSweepEvery, resyncEvery time.Duration,
) *CleanupService {
	if stuckThreshold <= 0 {
		stuckThreshold = 30 * time.Minute
	}
	if stuckSweepEvery <= 0 {
		stuckSweepEvery = 5 * time.Minute
	}
	if artifactSweepEvery <= 0 {
		artifactSweepEvery = 10 * time.Minute
	}
	if resyncEvery <= 0 {
		resyncEvery = 15 * time.Minute
	}
	return &CleanupService{
		db:                 db,
		jobs:               jobs,
		store:              store,
		stuckThreshold:     stuckThreshold,
		stuckSweepEvery:    stuckSweepEvery,
		artifactSweepEvery: artifactSweepEvery,
		resyncEvery:        resyncEvery,
	}
}

// Start 启动全部后台循环
func (s *CleanupService) Start(ctx context.Context) {
	go s.runLoop(ctx, "artifact_sweep", s.artifactSweepEvery, func(ctx context.Context) error {
		_, err := s.SweepExpiredArtifacts(ctx)
		return err
	})
	go s.runLoop(ctx, "stuck_sweep", s.stuckSweepEvery, func(ctx context.Context) error {
		_, err := s.jobs.TimeoutSweep(ctx, s.stuckThreshold)
		return err
	})
	go s.runLoop(ctx, "limiter_resync", s.resyncEvery, s.jobs.ResyncLimiter)
	logger.Info("后台清扫已启动",
		zap.Duration("artifact_sweep_every", s.artifactSweepEvery),
		zap.Duration("stuck_sweep_every", s.stuckSweepEvery),
		zap.Duration("resync_every", s.resyncEvery))
}

// runLoop 周期执行fn，单次出错不中断循环
func (s *CleanupService) runLoop(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("后台循环已停止", zap.String("loop", name))
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Error("后台循环单次执行失败",
					zap.String("loop", name),
					zap.Error(err))
			}
		}
	}
}

// SweepExpiredArtifacts 清理过期产物
// 找出 expires_at 已过且仍挂着产物引用的任务，删除存储中的产物并
// 清空引用；与任务状态无关。
func (s *CleanupService) SweepExpiredArtifacts(ctx context.Context) (int, error) {
	var expired []models.Job
	err := s.db.Where("expires_at IS NOT NULL AND expires_at < ? AND artifact_ref IS NOT NULL",
		time.Now()).
		Find(&expired).Error
	if err != nil {
		return 0, apperrors.NewDatabaseError(err)
	}

	swept := 0
	for i := range expired {
		job := &expired[i]
		if job.ArtifactRef == nil || *job.ArtifactRef == "" {
			continue
		}
		// 外链产物（异步服务商直接返回的URL）不在对象存储里，只清引用
		if !isExternalRef(*job.ArtifactRef) {
			if err := s.store.Delete(ctx, *job.ArtifactRef); err != nil {
				logger.Warn("过期产物删除失败",
					zap.String("job_id", job.ID),
					zap.String("artifact_ref", *job.ArtifactRef),
					zap.Error(err))
				continue
			}
		}
		if err := s.db.Model(&models.Job{}).
			Where("id = ?", job.ID).
			Update("artifact_ref", nil).Error; err != nil {
			logger.Error("产物引用清空失败", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		swept++
		metrics.ArtifactsExpired.Inc()
	}

	if swept > 0 {
		logger.Info("过期产物清理完成", zap.Int("swept", swept))
	}
	return swept, nil
}

func isExternalRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}
