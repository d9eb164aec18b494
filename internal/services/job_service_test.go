package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	apperrors "github.com/fiftyfive/backend-go/internal/errors"
	"github.com/fiftyfive/backend-go/internal/models"
	"github.com/fiftyfive/backend-go/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func voiceSubmit(userID string, cost int64, text string) *SubmitRequest {
	return &SubmitRequest{
		UserID:   userID,
		Category: models.CategoryVoice,
		Cost:     cost,
		Model:    "eleven_v2",
		Text:     text,
		VoiceID:  "voice-1",
	}
}

func imageSubmit(userID string, cost int64) *SubmitRequest {
	return &SubmitRequest{
		UserID:   userID,
		Category: models.CategoryImage,
		Cost:     cost,
		Model:    "flux-schnell",
		Prompt:   "一只在月球上的猫",
		Width:    1024,
		Height:   1024,
		Steps:    4,
	}
}

func TestSubmitInsufficientCreditsCreatesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)

	_, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "你好"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInsufficientCredits))

	// 无任务记录、无槽位占用
	var count int64
	require.NoError(t, env.db.Model(&models.Job{}).Count(&count).Error)
	assert.Zero(t, count)
	snap := env.limiter.Snapshot()
	assert.Empty(t, snap.KeyConcurrent)
	assert.Empty(t, snap.UserConcurrent)
}

func TestSubmitImageSyncCompletesImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	key := seedProviderKey(t, env.db, "key-img", "together", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	job, err := env.jobs.Submit(ctx, imageSubmit("u1", 10))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ArtifactRef)
	require.NotNil(t, job.ExpiresAt)

	exists, err := env.store.Exists(ctx, *job.ArtifactRef)
	require.NoError(t, err)
	assert.True(t, exists)

	// 槽位已释放，小时用量记了一次
	snap := env.limiter.Snapshot()
	assert.Empty(t, snap.KeyConcurrent)
	assert.Empty(t, snap.UserConcurrent)
	assert.Equal(t, 1, snap.HourlyUsage[key.ID])

	// 积分已扣
	balance, err := env.credits.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)
}

func TestSubmitVoiceAsyncHoldsSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 2, 3, nil)
	key := seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	job, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "测试文本"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, job.Status)
	assert.Equal(t, key.ID, job.ProviderKeyID)
	require.NotNil(t, job.StartedAt)

	meta, err := job.DecodeMetadata()
	require.NoError(t, err)
	assert.NotEmpty(t, meta.CorrelationID)

	snap := env.limiter.Snapshot()
	assert.Equal(t, 1, snap.KeyConcurrent[key.ID])
	assert.Equal(t, 1, snap.UserConcurrent["u1:voice"])
	// 派发成功但未完结，小时用量在完结时才记
	assert.Zero(t, snap.HourlyUsage[key.ID])
}

func TestSubmitQueuesWhenUserSlotsFull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	first, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "第一个"))
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, first.Status)

	second, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "第二个任务的完整文本"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, second.Status)
	assert.Empty(t, second.ProviderKeyID)

	// 排队任务保留完整文本供晋级后续传
	meta, err := second.DecodeMetadata()
	require.NoError(t, err)
	assert.Equal(t, "第二个任务的完整文本", meta.FullText)

	// 排队时也已扣费
	balance, err := env.credits.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)

	status, err := env.jobs.GetStatus(ctx, second.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, status.Status)
	assert.Equal(t, 1, status.QueuePosition)
}

func TestCategoriesHaveIndependentSlots(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedProviderKey(t, env.db, "key-img", "together", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	// 语音槽位占满
	first, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "语音"))
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, first.Status)

	// 图片队列不受语音占用影响
	img, err := env.jobs.Submit(ctx, imageSubmit("u1", 10))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, img.Status)
}

func TestQueuePromotionIsStrictFIFO(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	running, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "运行中"))
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, running.Status)

	j1, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "排队1"))
	require.NoError(t, err)
	// created_at精度有限，错开提交时间保证排序稳定
	env.db.Model(&models.Job{}).Where("id = ?", j1.ID).
		Update("created_at", time.Now().Add(-2*time.Second))
	j2, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "排队2"))
	require.NoError(t, err)
	env.db.Model(&models.Job{}).Where("id = ?", j2.ID).
		Update("created_at", time.Now().Add(-time.Second))

	// 释放槽位
	require.NoError(t, env.jobs.Complete(ctx, running.ID, "artifacts/"+running.ID+".mp3"))

	// 查询J2的状态：晋级的必须是更旧的J1
	status, err := env.jobs.GetStatus(ctx, j2.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, status.Status)
	assert.Equal(t, 1, status.QueuePosition)

	promoted, err := env.jobs.GetJob(ctx, j1.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, promoted.Status)
	assert.Contains(t, env.voicer.dispatchedJobs(), j1.ID)
	assert.NotContains(t, env.voicer.dispatchedJobs(), j2.ID)
}

func TestCancelQueuedRefundsAndNeverDispatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	running, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "运行中"))
	require.NoError(t, err)
	queued, err := env.jobs.Submit(ctx, voiceSubmit("u1", 7, "排队中"))
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, queued.Status)

	var before models.User
	require.NoError(t, env.db.First(&before, "id = ?", "u1").Error)

	refunded, err := env.jobs.Cancel(ctx, queued.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(7), refunded)

	got, err := env.jobs.GetJob(ctx, queued.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.NotContains(t, env.voicer.dispatchedJobs(), queued.ID)

	// 退款包source=refund，credits_used回退
	var refundPkgs []models.CreditPackage
	require.NoError(t, env.db.Where("user_id = ? AND source = ?", "u1", models.PackageSourceRefund).
		Find(&refundPkgs).Error)
	require.Len(t, refundPkgs, 1)
	assert.Equal(t, int64(7), refundPkgs[0].CreditsRemaining)

	var after models.User
	require.NoError(t, env.db.First(&after, "id = ?", "u1").Error)
	assert.Equal(t, before.CreditsUsed-7, after.CreditsUsed)

	// 重复取消：无操作、不重复退款
	refunded, err = env.jobs.Cancel(ctx, queued.ID, "u1", false)
	require.NoError(t, err)
	assert.Zero(t, refunded)
	require.NoError(t, env.db.Where("user_id = ? AND source = ?", "u1", models.PackageSourceRefund).
		Find(&refundPkgs).Error)
	assert.Len(t, refundPkgs, 1)

	_ = running
}

func TestCancelProcessingNotifiesProviderAndReleasesSlot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	key := seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	job, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "取消我"))
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, job.Status)

	refunded, err := env.jobs.Cancel(ctx, job.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(5), refunded)

	assert.NotEmpty(t, env.voicer.cancelled)
	snap := env.limiter.Snapshot()
	assert.Zero(t, snap.KeyConcurrent[key.ID])
	assert.Zero(t, snap.UserConcurrent["u1:voice"])
}

func TestCancelCompletedIsInvalidTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-img", "together", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	job, err := env.jobs.Submit(ctx, imageSubmit("u1", 10))
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, job.Status)

	_, err = env.jobs.Cancel(ctx, job.ID, "u1", false)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
}

func TestDispatchFailureFailsJobWithoutRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	key := seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	env.voicer.dispatchErr = errors.New("provider boom")

	job, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "注定失败"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)

	// 派发失败不退款（退款只经由显式取消）
	balance, err := env.credits.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(95), balance)

	// 槽位已释放
	snap := env.limiter.Snapshot()
	assert.Zero(t, snap.KeyConcurrent[key.ID])
	assert.Zero(t, snap.UserConcurrent["u1:voice"])

	var got models.ProviderKey
	require.NoError(t, env.db.First(&got, "id = ?", key.ID).Error)
	assert.Equal(t, int64(1), got.FailedRequests)
}

func TestGetStatusPollsAsyncProvider(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	job, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "轮询完结"))
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, job.Status)

	env.voicer.pollResult = &provider.PollResult{
		State:       provider.StateCompleted,
		Progress:    100,
		ArtifactURL: "https://cdn.example.com/audio.mp3",
	}

	status, err := env.jobs.GetStatus(ctx, job.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status.Status)
	require.NotNil(t, status.ArtifactRef)
	assert.Equal(t, "https://cdn.example.com/audio.mp3", *status.ArtifactRef)

	snap := env.limiter.Snapshot()
	assert.Empty(t, snap.KeyConcurrent)
}

func TestCompleteIdempotentAgainstTimeoutSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	job, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "先完成"))
	require.NoError(t, err)

	// 把任务做旧，让它落入清扫窗口
	old := time.Now().Add(-time.Hour)
	require.NoError(t, env.db.Model(&models.Job{}).Where("id = ?", job.ID).
		Update("started_at", old).Error)

	require.NoError(t, env.jobs.Complete(ctx, job.ID, "artifacts/a.mp3"))

	// 清扫与合法完成竞争时只有一个转移落地
	swept, err := env.jobs.TimeoutSweep(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, swept)

	got, err := env.jobs.GetJob(ctx, job.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)

	// 重复Complete也是无操作
	require.NoError(t, env.jobs.Complete(ctx, job.ID, "artifacts/b.mp3"))
	got, err = env.jobs.GetJob(ctx, job.ID, "u1", false)
	require.NoError(t, err)
	require.NotNil(t, got.ArtifactRef)
	assert.Equal(t, "artifacts/a.mp3", *got.ArtifactRef)
}

func TestTimeoutSweepForceFailsStuckJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 2, 3, nil)
	key := seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	stuck, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "卡住的"))
	require.NoError(t, err)
	fresh, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "新鲜的"))
	require.NoError(t, err)

	require.NoError(t, env.db.Model(&models.Job{}).Where("id = ?", stuck.ID).
		Update("started_at", time.Now().Add(-time.Hour)).Error)

	swept, err := env.jobs.TimeoutSweep(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := env.jobs.GetJob(ctx, stuck.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)

	gotFresh, err := env.jobs.GetJob(ctx, fresh.ID, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, gotFresh.Status)

	// 只释放了卡住任务的槽位
	snap := env.limiter.Snapshot()
	assert.Equal(t, 1, snap.KeyConcurrent[key.ID])
	assert.Equal(t, 1, snap.UserConcurrent["u1:voice"])
}

func TestResyncLimiterRebuildsFromDurableJobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 2, 3, nil)
	key := seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	_, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "一"))
	require.NoError(t, err)
	_, err = env.jobs.Submit(ctx, voiceSubmit("u1", 5, "二"))
	require.NoError(t, err)

	// 模拟崩溃后计数器丢失
	env.limiter.Reset()
	require.Empty(t, env.limiter.Snapshot().KeyConcurrent)

	require.NoError(t, env.jobs.ResyncLimiter(ctx))

	snap := env.limiter.Snapshot()
	assert.Equal(t, 2, snap.KeyConcurrent[key.ID])
	assert.Equal(t, 2, snap.UserConcurrent["u1:voice"])
}

func TestGetStatusScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedUser(t, env.db, "u2", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	job, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "私有"))
	require.NoError(t, err)

	_, err = env.jobs.GetStatus(ctx, job.ID, "u2", false)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeJobNotFound))

	// 管理员跳过归属校验
	status, err := env.jobs.GetStatus(ctx, job.ID, "", true)
	require.NoError(t, err)
	assert.Equal(t, job.ID, status.JobID)
}

func TestSubmitQuotaExceededRejectsBeforeCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	key := seedProviderKey(t, env.db, "key-v", "voicer", 1, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	// 用掉唯一的小时配额
	env.limiter.CheckHourlyQuota(key.ID, key.HourlyLimit)
	env.limiter.IncrementHourlyUsage(key.ID)

	_, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "超配额"))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeQuotaExceeded))

	// 拒绝发生在扣费之前
	balance, err := env.credits.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func apiSubmit(userID string, cost int64, text, keyID string, hourlyLimit int) *SubmitRequest {
	req := voiceSubmit(userID, cost, text)
	req.ViaAPI = true
	req.APIKeyID = keyID
	req.APIKeyHourlyLimit = hourlyLimit
	return req
}

func TestSubmitViaAPIKeyEnforcesKeyHourlyLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 5, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	_, err := env.jobs.Submit(ctx, apiSubmit("u1", 5, "第一条", "uk-1", 2))
	require.NoError(t, err)
	_, err = env.jobs.Submit(ctx, apiSubmit("u1", 5, "第二条", "uk-1", 2))
	require.NoError(t, err)

	// 密钥自身的小时限额用尽
	_, err = env.jobs.Submit(ctx, apiSubmit("u1", 5, "第三条", "uk-1", 2))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeQuotaExceeded))

	// 拒绝发生在扣费之前，不产生任务记录
	balance, err := env.credits.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)
	var count int64
	require.NoError(t, env.db.Model(&models.Job{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	// 只有被接纳的请求计入密钥小时用量
	assert.Equal(t, 2, env.limiter.Snapshot().HourlyUsage["uk-1"])
}

func TestSubmitViaAPIKeyRejectsWhenSlotsFull(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	first, err := env.jobs.Submit(ctx, apiSubmit("u1", 5, "占住槽位", "uk-1", 100))
	require.NoError(t, err)
	require.Equal(t, models.JobStatusProcessing, first.Status)

	// 开放API路径槽位满时同步拒绝而非排队
	_, err = env.jobs.Submit(ctx, apiSubmit("u1", 5, "该被拒绝", "uk-1", 100))
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConcurrencyLimit))

	balance, err := env.credits.GetAvailableBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(95), balance)
	var queuedCount int64
	require.NoError(t, env.db.Model(&models.Job{}).
		Where("status = ?", models.JobStatusQueued).Count(&queuedCount).Error)
	assert.Zero(t, queuedCount)

	// 网页路径照常排队
	queued, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "网页排队"))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, queued.Status)
}

func TestCancelSucceedsWhenPromotionRaces(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedProviderKey(t, env.db, "key-v", "voicer", 1000, 100)

	// 取消与晋级赛跑，两种先后次序下取消都必须成功且只退一次款
	for i := 0; i < 10; i++ {
		userID := fmt.Sprintf("race-%d", i)
		seedUser(t, env.db, userID, 1, 3, nil)
		seedPackage(t, env.db, userID, 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

		running, err := env.jobs.Submit(ctx, voiceSubmit(userID, 5, "运行中"))
		require.NoError(t, err)
		require.Equal(t, models.JobStatusProcessing, running.Status)
		queued, err := env.jobs.Submit(ctx, voiceSubmit(userID, 7, "排队中"))
		require.NoError(t, err)
		require.Equal(t, models.JobStatusQueued, queued.Status)

		// 释放槽位，排队任务具备晋级条件
		require.NoError(t, env.jobs.Complete(ctx, running.ID, "artifacts/"+running.ID+".mp3"))

		var (
			wg        sync.WaitGroup
			refunded  int64
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			refunded, cancelErr = env.jobs.Cancel(ctx, queued.ID, userID, false)
		}()
		go func() {
			defer wg.Done()
			_ = env.jobs.PromoteOldestQueued(ctx, userID, models.CategoryVoice)
		}()
		wg.Wait()

		require.NoError(t, cancelErr)
		assert.Equal(t, int64(7), refunded)

		got, err := env.jobs.GetJob(ctx, queued.ID, userID, false)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, got.Status)

		var refundPkgs []models.CreditPackage
		require.NoError(t, env.db.Where("user_id = ? AND source = ?",
			userID, models.PackageSourceRefund).Find(&refundPkgs).Error)
		assert.Len(t, refundPkgs, 1)
	}
}
