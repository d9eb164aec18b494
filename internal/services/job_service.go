package services

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/fiftyfive/backend-go/internal/auth"
	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/events"
	"github.com/fiftyfive/backend-go/internal/logger"
	"github.com/fiftyfive/backend-go/internal/metrics"
	"github.com/fiftyfive/backend-go/internal/models"
	"github.com/fiftyfive/backend-go/internal/provider"
	"github.com/fiftyfive/backend-go/internal/ratelimit"
	"github.com/fiftyfive/backend-go/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// JobService 任务调度与状态机服务
// 状态机：queued → processing → {completed, failed, cancelled}，
// queued → cancelled 也合法；终态不允许再变更。
// 队列与并发槽位均按 用户+类别 分账，语音队列与图片队列互不影响。
type JobService struct {
	db       *gorm.DB
	limiter  *ratelimit.Limiter
	credits  *CreditService
	keys     *ProviderKeyService
	gateways *provider.Registry
	store    storage.ArtifactStore
	eventLog *EventService

	artifactTTL time.Duration
}

// NewJobService 创建任务调度服务
func NewJobService(
	db *gorm.DB,
	limiter *ratelimit.Limiter,
	credits *CreditService,
	keys *ProviderKeyService,
	gateways *provider.Registry,
	store storage.ArtifactStore,
	eventLog *EventService,
	artifactTTL time.Duration,
) *JobService {
	if artifactTTL <= 0 {
		artifactTTL = 24 * time.Hour
	}
	return &JobService{
		db:          db,
		limiter:     limiter,
		credits:     credits,
		keys:        keys,
		gateways:    gateways,
		store:       store,
		eventLog:    eventLog,
		artifactTTL: artifactTTL,
	}
}

// SubmitRequest 任务提交请求
type SubmitRequest struct {
	UserID   string
	Category models.Category
	Cost     int64
	Model    string

	// 语音载荷
	Text          string
	VoiceID       string
	VoiceSettings map[string]interface{}

	// 图片载荷
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Steps          int
	Seed           *int64

	// 开放API提交（X-API-Key认证），受密钥自身的小时限额约束，
	// 并发槽位满时同步拒绝而非排队
	ViaAPI            bool
	APIKeyID          string
	APIKeyHourlyLimit int
}

// JobStatus 任务状态查询结果
type JobStatus struct {
	JobID         string  `json:"job_id"`
	Status        string  `json:"status"`
	Category      string  `json:"category"`
	QueuePosition int     `json:"queue_position,omitempty"`
	Error         *string `json:"error,omitempty"`
	ArtifactRef   *string `json:"artifact_ref,omitempty"`
}

// providersForCategory 类别到候选服务商的映射
func providersForCategory(category models.Category) []string {
	if category == models.CategoryVoice {
		return []string{"voicer"}
	}
	return []string{"together", "openai"}
}

func userSlotKey(userID string, category models.Category) string {
	return ratelimit.UserSlotKey(userID, string(category))
}

// Submit 提交生成任务
// 准入顺序：计算是否排队 → （直接执行时）小时配额检查 + 并发槽位占用 →
// 扣减积分 → 创建任务记录 → 派发。
// 余额不足时中止提交，不创建任务、不产生扣费。
func (s *JobService) Submit(ctx context.Context, req *SubmitRequest) (*models.Job, error) {
	if !req.Category.Valid() {
		return nil, apperrors.New(apperrors.ErrCodeBadRequest, apperrors.ErrorTypeValidation, 400,
			"任务类别必须为 voice 或 image")
	}
	if req.Cost <= 0 {
		return nil, apperrors.New(apperrors.ErrCodeBadRequest, apperrors.ErrorTypeValidation, 400,
			"任务费用必须为正数")
	}

	var user models.User
	if err := s.db.Where("id = ?", req.UserID).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.New(apperrors.ErrCodeNotFound, apperrors.ErrorTypeBusiness, 404, "用户不存在")
		}
		return nil, apperrors.NewDatabaseError(err)
	}

	// 开放API路径先过密钥自身的小时限额，拒绝发生在扣费之前
	if req.ViaAPI && req.APIKeyID != "" {
		allowed, _, resetIn := s.limiter.CheckHourlyQuota(req.APIKeyID, req.APIKeyHourlyLimit)
		if !allowed {
			metrics.QuotaRejections.WithLabelValues("api_key_hourly").Inc()
			return nil, apperrors.NewQuotaExceeded(resetIn)
		}
	}

	slotLimit := user.SlotLimit(req.Category)
	processingCount, err := s.countProcessing(req.UserID, req.Category)
	if err != nil {
		return nil, err
	}
	shouldQueue := processingCount >= int64(slotLimit)

	// 开放API提交不排队，槽位满直接同步拒绝
	if shouldQueue && req.ViaAPI {
		metrics.QuotaRejections.WithLabelValues("user_concurrency").Inc()
		return nil, apperrors.NewConcurrencyLimit(
			fmt.Sprintf("用户并发已达上限 (%d)", slotLimit))
	}

	var key *models.ProviderKey
	acquired := false
	if !shouldQueue {
		key, err = s.keys.SelectKey(ctx, providersForCategory(req.Category)...)
		if err != nil {
			return nil, err
		}

		allowed, _, resetIn := s.limiter.CheckHourlyQuota(key.ID, key.HourlyLimit)
		if !allowed {
			metrics.QuotaRejections.WithLabelValues("hourly_quota").Inc()
			return nil, apperrors.NewQuotaExceeded(resetIn)
		}

		ok, reason := s.limiter.TryAcquire(key.ID, userSlotKey(req.UserID, req.Category),
			key.ConcurrentLimit, slotLimit)
		if ok {
			acquired = true
		} else {
			metrics.QuotaRejections.WithLabelValues("key_concurrency").Inc()
			if req.ViaAPI {
				return nil, apperrors.NewConcurrencyLimit(reason)
			}
			// 网页路径在密钥并发已满时转入排队而非拒绝
			shouldQueue = true
		}
	}

	if err := s.credits.Deduct(ctx, req.UserID, req.Cost); err != nil {
		if acquired {
			s.limiter.ReleaseConcurrent(key.ID, userSlotKey(req.UserID, req.Category))
		}
		return nil, err
	}

	now := time.Now()
	job := &models.Job{
		ID:             auth.GenerateTaskID(),
		UserID:         req.UserID,
		Status:         models.JobStatusQueued,
		Category:       req.Category,
		Model:          req.Model,
		CreditsCharged: req.Cost,
		CreatedAt:      now,
	}
	meta := &models.JobMetadata{
		VoiceID:        req.VoiceID,
		VoiceSettings:  req.VoiceSettings,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		Seed:           req.Seed,
		NegativePrompt: req.NegativePrompt,
		ViaAPI:         req.ViaAPI,
	}
	if req.Category == models.CategoryVoice {
		job.CharCount = len([]rune(req.Text))
		job.Prompt = truncate(req.Text, 500)
		// 排队任务保留完整文本，晋级后据此续传
		meta.FullText = req.Text
	} else {
		job.Prompt = truncate(req.Prompt, 500)
	}
	if !shouldQueue {
		job.Status = models.JobStatusProcessing
		job.StartedAt = &now
		job.ProviderKeyID = key.ID
	}
	if err := job.EncodeMetadata(meta); err != nil {
		if acquired {
			s.limiter.ReleaseConcurrent(key.ID, userSlotKey(req.UserID, req.Category))
		}
		return nil, err
	}

	if err := s.db.Create(job).Error; err != nil {
		if acquired {
			s.limiter.ReleaseConcurrent(key.ID, userSlotKey(req.UserID, req.Category))
		}
		// 已扣的积分退回，避免记录创建失败吞掉积分
		if _, refundErr := s.credits.Refund(ctx, req.UserID, req.Cost); refundErr != nil {
			logger.Error("任务创建失败后退款失败",
				zap.String("user_id", req.UserID), zap.Error(refundErr))
		}
		return nil, apperrors.NewDatabaseError(err)
	}

	// 被接纳的开放API请求计入密钥小时用量
	if req.ViaAPI && req.APIKeyID != "" {
		s.limiter.IncrementHourlyUsage(req.APIKeyID)
	}

	metrics.JobsSubmitted.WithLabelValues(string(req.Category), boolLabel(shouldQueue)).Inc()
	if shouldQueue {
		events.PublishJobEvent(events.EventJobQueued, job.ID, job.UserID,
			string(job.Category), job.Status, job.CreditsCharged, "")
		logger.Info("任务已排队",
			zap.String("job_id", job.ID),
			zap.String("user_id", job.UserID),
			zap.String("category", string(job.Category)))
		return job, nil
	}

	events.PublishJobEvent(events.EventJobSubmitted, job.ID, job.UserID,
		string(job.Category), job.Status, job.CreditsCharged, "")
	metrics.JobsProcessing.WithLabelValues(string(job.Category)).Inc()

	// 派发失败不作为提交错误返回：任务已被接纳，失败经由状态查询暴露
	s.dispatch(ctx, job, key)
	return s.reload(job.ID)
}

// dispatch 向服务商派发任务，调用方必须已占用并发槽位
// 同步服务商当场带回产物直接完结；异步服务商记下关联ID等待轮询。
// 派发失败转 failed 并立即释放槽位。
func (s *JobService) dispatch(ctx context.Context, job *models.Job, key *models.ProviderKey) {
	meta, err := job.DecodeMetadata()
	if err != nil {
		s.Fail(ctx, job.ID, "任务元数据损坏")
		return
	}

	gw, err := s.gateways.Get(key.Provider)
	if err != nil {
		s.Fail(ctx, job.ID, "服务商网关未注册: "+key.Provider)
		return
	}

	dreq := &provider.DispatchRequest{
		JobID:          job.ID,
		Category:       job.Category,
		Model:          job.Model,
		VoiceID:        meta.VoiceID,
		VoiceSettings:  meta.VoiceSettings,
		Prompt:         job.Prompt,
		NegativePrompt: meta.NegativePrompt,
		Width:          meta.Width,
		Height:         meta.Height,
		Steps:          meta.Steps,
		Seed:           meta.Seed,
	}
	if job.Category == models.CategoryVoice {
		dreq.Text = meta.FullText
		if dreq.Text == "" {
			dreq.Text = job.Prompt
		}
	}

	result, err := gw.Dispatch(ctx, key.APIKey, dreq)
	if err != nil {
		s.keys.MarkFailed(ctx, key.ID)
		logger.Warn("任务派发失败",
			zap.String("job_id", job.ID),
			zap.String("provider", key.Provider),
			zap.Error(err))
		s.Fail(ctx, job.ID, err.Error())
		return
	}
	s.keys.MarkUsed(ctx, key.ID)

	if result.Done {
		ref := "artifacts/" + job.ID + extensionFor(result.ContentType)
		if err := s.store.Save(ctx, ref, result.ContentType,
			bytes.NewReader(result.Artifact), int64(len(result.Artifact))); err != nil {
			logger.Error("产物存储失败", zap.String("job_id", job.ID), zap.Error(err))
			s.Fail(ctx, job.ID, "产物存储失败")
			return
		}
		s.Complete(ctx, job.ID, ref)
		return
	}

	// 异步服务商：记下关联ID，状态查询时轮询
	meta.CorrelationID = result.CorrelationID
	if err := job.EncodeMetadata(meta); err == nil {
		if err := s.db.Model(&models.Job{}).
			Where("id = ?", job.ID).
			Update("metadata_json", job.Metadata).Error; err != nil {
			logger.Error("关联ID写入失败", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// GetStatus 查询任务状态
// 排队任务的状态查询会先尝试晋级该用户同类别最旧的排队任务（严格FIFO，
// 被查询的任务不一定是被晋级的那个），这是契约行为而非副作用泄漏。
// 仍在排队的任务返回1-based队列位置。
func (s *JobService) GetStatus(ctx context.Context, jobID, userID string, admin bool) (*JobStatus, error) {
	job, err := s.loadJob(jobID, userID, admin)
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusQueued {
		if err := s.PromoteOldestQueued(ctx, job.UserID, job.Category); err != nil {
			logger.Warn("队列晋级失败", zap.String("user_id", job.UserID), zap.Error(err))
		}
		if job, err = s.reload(job.ID); err != nil {
			return nil, err
		}
	}

	status := &JobStatus{
		JobID:       job.ID,
		Status:      job.Status,
		Category:    string(job.Category),
		Error:       job.Error,
		ArtifactRef: job.ArtifactRef,
	}

	switch job.Status {
	case models.JobStatusQueued:
		pos, err := s.queuePosition(job)
		if err != nil {
			return nil, err
		}
		status.QueuePosition = pos
	case models.JobStatusProcessing:
		if err := s.pollProvider(ctx, job); err != nil {
			logger.Warn("服务商状态轮询失败", zap.String("job_id", job.ID), zap.Error(err))
		}
		if job, err = s.reload(job.ID); err != nil {
			return nil, err
		}
		status.Status = job.Status
		status.Error = job.Error
		status.ArtifactRef = job.ArtifactRef
	}
	return status, nil
}

// queuePosition 1-based队列位置：同用户同类别、创建时间更早的排队任务数+1
func (s *JobService) queuePosition(job *models.Job) (int, error) {
	var earlier int64
	err := s.db.Model(&models.Job{}).
		Where("user_id = ? AND category = ? AND status = ? AND created_at < ?",
			job.UserID, job.Category, models.JobStatusQueued, job.CreatedAt).
		Count(&earlier).Error
	if err != nil {
		return 0, apperrors.NewDatabaseError(err)
	}
	return int(earlier) + 1, nil
}

// pollProvider 轮询异步服务商的任务进度，按结果推进状态机
func (s *JobService) pollProvider(ctx context.Context, job *models.Job) error {
	meta, err := job.DecodeMetadata()
	if err != nil || meta.CorrelationID == "" {
		return nil
	}

	key, err := s.keys.GetKey(ctx, job.ProviderKeyID)
	if err != nil {
		return err
	}
	gw, err := s.gateways.Get(key.Provider)
	if err != nil {
		return err
	}

	result, err := gw.PollStatus(ctx, key.APIKey, meta.CorrelationID)
	if err != nil {
		// 轮询失败视为暂态，留给下次查询或超时清扫
		return err
	}

	switch result.State {
	case provider.StateCompleted:
		return s.Complete(ctx, job.ID, result.ArtifactURL)
	case provider.StateFailed:
		reason := result.Err
		if reason == "" {
			reason = "服务商侧任务失败"
		}
		return s.Fail(ctx, job.ID, reason)
	}
	return nil
}

// PromoteOldestQueued 晋级该用户同类别最旧的排队任务
// 队列严格FIFO：只有最旧的排队任务有资格晋级，其余任务只报队列位置。
// 没有空槽、配额已尽、无可用密钥时不动作。
func (s *JobService) PromoteOldestQueued(ctx context.Context, userID string, category models.Category) error {
	var user models.User
	if err := s.db.Where("id = ?", userID).First(&user).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return apperrors.NewDatabaseError(err)
	}

	slotLimit := user.SlotLimit(category)
	processingCount, err := s.countProcessing(userID, category)
	if err != nil {
		return err
	}
	if processingCount >= int64(slotLimit) {
		return nil
	}

	var oldest models.Job
	err = s.db.Where("user_id = ? AND category = ? AND status = ?",
		userID, category, models.JobStatusQueued).
		Order("created_at ASC, id ASC").
		First(&oldest).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return apperrors.NewDatabaseError(err)
	}

	key, err := s.keys.SelectKey(ctx, providersForCategory(category)...)
	if err != nil {
		return err
	}

	allowed, _, _ := s.limiter.CheckHourlyQuota(key.ID, key.HourlyLimit)
	if !allowed {
		return nil
	}
	ok, _ := s.limiter.TryAcquire(key.ID, userSlotKey(userID, category),
		key.ConcurrentLimit, slotLimit)
	if !ok {
		return nil
	}

	now := time.Now()
	// 条件更新守卫：并发的晋级/取消只有一方能赢
	result := s.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", oldest.ID, models.JobStatusQueued).
		Updates(map[string]interface{}{
			"status":          models.JobStatusProcessing,
			"started_at":      now,
			"provider_key_id": key.ID,
		})
	if result.Error != nil {
		s.limiter.ReleaseConcurrent(key.ID, userSlotKey(userID, category))
		return apperrors.NewDatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		s.limiter.ReleaseConcurrent(key.ID, userSlotKey(userID, category))
		return nil
	}

	promoted, err := s.reload(oldest.ID)
	if err != nil {
		return err
	}

	metrics.JobsProcessing.WithLabelValues(string(category)).Inc()
	events.PublishJobEvent(events.EventJobPromoted, promoted.ID, userID,
		string(category), promoted.Status, promoted.CreditsCharged, "")
	logger.Info("排队任务已晋级",
		zap.String("job_id", promoted.ID),
		zap.String("user_id", userID),
		zap.String("category", string(category)))

	s.dispatch(ctx, promoted, key)
	return nil
}

// Complete 完结任务
// 幂等：任务已处于终态时不再变更（防止完成回调与超时清扫互相竞争）。
// 完结时释放并发槽位并记一次服务商小时用量。
func (s *JobService) Complete(ctx context.Context, jobID, artifactRef string) error {
	job, err := s.loadJob(jobID, "", true)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}

	now := time.Now()
	expiresAt := now.Add(s.artifactTTL)
	meta, _ := job.DecodeMetadata()
	if meta != nil {
		// 续传载荷不再需要，清空以控制记录大小
		meta.FullText = ""
		meta.VoiceSettings = nil
		job.EncodeMetadata(meta)
	}

	updates := map[string]interface{}{
		"status":        models.JobStatusCompleted,
		"completed_at":  now,
		"expires_at":    expiresAt,
		"metadata_json": job.Metadata,
	}
	if artifactRef != "" {
		updates["artifact_ref"] = artifactRef
	}

	result := s.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusProcessing).
		Updates(updates)
	if result.Error != nil {
		return apperrors.NewDatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		// 竞争失败方观察到已是终态，按无操作处理
		return nil
	}

	s.releaseSlot(job)
	s.limiter.IncrementHourlyUsage(job.ProviderKeyID)
	metrics.JobsCompleted.WithLabelValues(string(job.Category)).Inc()
	metrics.JobsProcessing.WithLabelValues(string(job.Category)).Dec()
	events.PublishJobEvent(events.EventJobCompleted, job.ID, job.UserID,
		string(job.Category), models.JobStatusCompleted, job.CreditsCharged, "")
	logger.Info("任务已完成",
		zap.String("job_id", job.ID),
		zap.String("artifact_ref", artifactRef))
	return nil
}

// Fail 任务失败
// 不自动退款：服务商接单后的失败按沉没成本处理，退款只经由显式取消。
func (s *JobService) Fail(ctx context.Context, jobID, reason string) error {
	job, err := s.loadJob(jobID, "", true)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}
	prior := job.Status

	now := time.Now()
	reason = truncate(reason, 500)
	result := s.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, prior).
		Updates(map[string]interface{}{
			"status":       models.JobStatusFailed,
			"error":        reason,
			"completed_at": now,
		})
	if result.Error != nil {
		return apperrors.NewDatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	if prior == models.JobStatusProcessing {
		s.releaseSlot(job)
		metrics.JobsProcessing.WithLabelValues(string(job.Category)).Dec()
	}
	metrics.JobsFailed.WithLabelValues(string(job.Category)).Inc()
	events.PublishJobEvent(events.EventJobFailed, job.ID, job.UserID,
		string(job.Category), models.JobStatusFailed, job.CreditsCharged, reason)
	if s.eventLog != nil {
		s.eventLog.Record("warn", "job_failed", reason, &job.UserID,
			map[string]interface{}{"job_id": job.ID})
	}
	logger.Warn("任务已失败",
		zap.String("job_id", job.ID),
		zap.String("reason", reason))
	return nil
}

// Cancel 取消任务并退款
// 只允许从 queued/processing 取消；processing 时尽力通知服务商停止。
// 退款为7天有效期的refund积分包，并回退用户的 credits_used 计数。
// 重复取消幂等（第二次返回0且无副作用）；取消已完成/已失败的任务报
// InvalidTransition。
func (s *JobService) Cancel(ctx context.Context, jobID, userID string, admin bool) (int64, error) {
	job, err := s.loadJob(jobID, userID, admin)
	if err != nil {
		return 0, err
	}

	if job.Status == models.JobStatusCancelled {
		return 0, nil
	}
	if job.Terminal() {
		return 0, apperrors.NewInvalidTransition(job.ID, job.Status)
	}
	prior := job.Status

	now := time.Now()
	result := s.db.Model(&models.Job{}).
		Where("id = ? AND status = ?", jobID, prior).
		Updates(map[string]interface{}{
			"status":       models.JobStatusCancelled,
			"completed_at": now,
		})
	if result.Error != nil {
		return 0, apperrors.NewDatabaseError(result.Error)
	}
	if result.RowsAffected == 0 {
		// 竞争失败，按当前状态重新裁决
		current, err := s.reload(jobID)
		if err != nil {
			return 0, err
		}
		if current.Status == models.JobStatusCancelled {
			return 0, nil
		}
		if current.Terminal() {
			return 0, apperrors.NewInvalidTransition(current.ID, current.Status)
		}
		// queued→processing 的晋级抢先落地，处理中任务依然可取消，
		// 按新观察到的状态重试
		return s.Cancel(ctx, jobID, userID, admin)
	}

	if prior == models.JobStatusProcessing {
		s.notifyProviderCancel(ctx, job)
		s.releaseSlot(job)
		metrics.JobsProcessing.WithLabelValues(string(job.Category)).Dec()
	}

	refunded := job.CreditsCharged
	if refunded > 0 {
		if _, err := s.credits.Refund(ctx, job.UserID, refunded); err != nil {
			logger.Error("取消退款失败",
				zap.String("job_id", job.ID),
				zap.Int64("amount", refunded),
				zap.Error(err))
			return 0, err
		}
		if err := s.db.Model(&models.User{}).
			Where("id = ?", job.UserID).
			Update("credits_used", gorm.Expr("credits_used - ?", refunded)).Error; err != nil {
			logger.Error("credits_used回退失败", zap.String("user_id", job.UserID), zap.Error(err))
		}
	}

	metrics.JobsCancelled.WithLabelValues(string(job.Category)).Inc()
	events.PublishJobEvent(events.EventJobCancelled, job.ID, job.UserID,
		string(job.Category), models.JobStatusCancelled, refunded, "")
	logger.Info("任务已取消",
		zap.String("job_id", job.ID),
		zap.Int64("credits_refunded", refunded))
	return refunded, nil
}

// notifyProviderCancel 尽力通知服务商停止，失败只记录
func (s *JobService) notifyProviderCancel(ctx context.Context, job *models.Job) {
	meta, err := job.DecodeMetadata()
	if err != nil || meta.CorrelationID == "" || job.ProviderKeyID == "" {
		return
	}
	key, err := s.keys.GetKey(ctx, job.ProviderKeyID)
	if err != nil {
		return
	}
	gw, err := s.gateways.Get(key.Provider)
	if err != nil {
		return
	}
	if err := gw.Cancel(ctx, key.APIKey, meta.CorrelationID); err != nil {
		logger.Warn("通知服务商取消失败",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

// TimeoutSweep 超时清扫：强制失败处理中超过阈值的任务并释放槽位
// 保证没有任务永远停留在 processing（服务商回调永不到达的兜底）
func (s *JobService) TimeoutSweep(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)

	var stuck []models.Job
	err := s.db.Where("status = ?", models.JobStatusProcessing).
		Where("(started_at IS NOT NULL AND started_at < ?) OR (started_at IS NULL AND created_at < ?)",
			cutoff, cutoff).
		Find(&stuck).Error
	if err != nil {
		return 0, apperrors.NewDatabaseError(err)
	}

	swept := 0
	for i := range stuck {
		job := &stuck[i]
		now := time.Now()
		result := s.db.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
			Updates(map[string]interface{}{
				"status":       models.JobStatusFailed,
				"error":        "处理超时，任务被强制终止",
				"completed_at": now,
			})
		if result.Error != nil {
			logger.Error("超时清扫更新失败", zap.String("job_id", job.ID), zap.Error(result.Error))
			continue
		}
		if result.RowsAffected == 0 {
			// 合法的完成/取消抢先落地，让它赢
			continue
		}

		s.releaseSlot(job)
		swept++
		metrics.JobsTimedOut.WithLabelValues(string(job.Category)).Inc()
		metrics.JobsProcessing.WithLabelValues(string(job.Category)).Dec()
		events.PublishJobEvent(events.EventJobTimedOut, job.ID, job.UserID,
			string(job.Category), models.JobStatusFailed, job.CreditsCharged, "处理超时")
		logger.Warn("超时任务已强制失败",
			zap.String("job_id", job.ID),
			zap.Time("started_at", derefTime(job.StartedAt, job.CreatedAt)))
	}
	return swept, nil
}

// ResyncLimiter 以 status=processing 的持久化任务重建并发计数器，修复漂移
func (s *JobService) ResyncLimiter(ctx context.Context) error {
	var processing []models.Job
	err := s.db.Select("id", "user_id", "provider_key_id", "category").
		Where("status = ?", models.JobStatusProcessing).
		Find(&processing).Error
	if err != nil {
		return apperrors.NewDatabaseError(err)
	}

	keyCounts := make(map[string]int)
	userCounts := make(map[string]int)
	for i := range processing {
		job := &processing[i]
		if job.ProviderKeyID != "" {
			keyCounts[job.ProviderKeyID]++
		}
		userCounts[userSlotKey(job.UserID, job.Category)]++
	}

	s.limiter.Resync(keyCounts, userCounts)
	logger.Info("并发计数器已重建",
		zap.Int("processing_jobs", len(processing)),
		zap.Int("keys", len(keyCounts)),
		zap.Int("users", len(userCounts)))
	return nil
}

// ListJobs 列出用户最近的任务
func (s *JobService) ListJobs(ctx context.Context, userID string, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var jobs []models.Job
	err := s.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return jobs, nil
}

// GetJob 获取任务记录（admin为真时跳过归属校验）
func (s *JobService) GetJob(ctx context.Context, jobID, userID string, admin bool) (*models.Job, error) {
	return s.loadJob(jobID, userID, admin)
}

func (s *JobService) loadJob(jobID, userID string, admin bool) (*models.Job, error) {
	query := s.db.Where("id = ?", jobID)
	if !admin {
		query = query.Where("user_id = ?", userID)
	}
	var job models.Job
	if err := query.First(&job).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NewJobNotFound(jobID)
		}
		return nil, apperrors.NewDatabaseError(err)
	}
	return &job, nil
}

func (s *JobService) reload(jobID string) (*models.Job, error) {
	return s.loadJob(jobID, "", true)
}

func (s *JobService) countProcessing(userID string, category models.Category) (int64, error) {
	var count int64
	err := s.db.Model(&models.Job{}).
		Where("user_id = ? AND category = ? AND status = ?",
			userID, category, models.JobStatusProcessing).
		Count(&count).Error
	if err != nil {
		return 0, apperrors.NewDatabaseError(err)
	}
	return count, nil
}

func (s *JobService) releaseSlot(job *models.Job) {
	if job.ProviderKeyID == "" {
		return
	}
	s.limiter.ReleaseConcurrent(job.ProviderKeyID, userSlotKey(job.UserID, job.Category))
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	}
	return ".bin"
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}
