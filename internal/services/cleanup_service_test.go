package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fiftyfive/backend-go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedJobWithArtifact(t *testing.T, env *testEnv, id, userID string, expiresAt *time.Time) *models.Job {
	t.Helper()
	ref := "artifacts/" + id + ".png"
	require.NoError(t, env.store.Save(context.Background(), ref, "image/png",
		bytes.NewReader([]byte{0x01}), 1))

	job := &models.Job{
		ID:          id,
		UserID:      userID,
		Status:      models.JobStatusCompleted,
		Category:    models.CategoryImage,
		ArtifactRef: &ref,
		CreatedAt:   time.Now().Add(-48 * time.Hour),
		ExpiresAt:   expiresAt,
	}
	require.NoError(t, env.db.Create(job).Error)
	return job
}

func newCleanup(env *testEnv) *CleanupService {
	return NewCleanupService(env.db, env.jobs, env.store,
		30*time.Minute, 5*time.Minute, 10*time.Minute, 15*time.Minute)
}

func TestSweepExpiredArtifacts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	expired := seedJobWithArtifact(t, env, "FFS_EXP0001", "u1", &past)
	fresh := seedJobWithArtifact(t, env, "FFS_FRESH01", "u1", &future)

	cleanup := newCleanup(env)
	swept, err := cleanup.SweepExpiredArtifacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	// 过期产物：存储删除、引用清空
	exists, err := env.store.Exists(ctx, "artifacts/"+expired.ID+".png")
	require.NoError(t, err)
	assert.False(t, exists)
	var got models.Job
	require.NoError(t, env.db.First(&got, "id = ?", expired.ID).Error)
	assert.Nil(t, got.ArtifactRef)

	// 未过期的不动
	exists, err = env.store.Exists(ctx, "artifacts/"+fresh.ID+".png")
	require.NoError(t, err)
	assert.True(t, exists)
	got = models.Job{}
	require.NoError(t, env.db.First(&got, "id = ?", fresh.ID).Error)
	assert.NotNil(t, got.ArtifactRef)
}

func TestSweepExpiredArtifactsKeepsRefOnStoreError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)

	past := time.Now().Add(-time.Hour)
	job := seedJobWithArtifact(t, env, "FFS_ERR0001", "u1", &past)

	env.store.deleteErr = errors.New("storage down")
	cleanup := newCleanup(env)

	swept, err := cleanup.SweepExpiredArtifacts(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	// 删除失败时保留引用，留给下一轮
	var got models.Job
	require.NoError(t, env.db.First(&got, "id = ?", job.ID).Error)
	assert.NotNil(t, got.ArtifactRef)
}

func TestSweepClearsExternalArtifactRefs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)

	past := time.Now().Add(-time.Hour)
	url := "https://cdn.example.com/audio/FFS_EXT0001.mp3"
	job := &models.Job{
		ID:          "FFS_EXT0001",
		UserID:      "u1",
		Status:      models.JobStatusCompleted,
		Category:    models.CategoryVoice,
		ArtifactRef: &url,
		CreatedAt:   time.Now().Add(-48 * time.Hour),
		ExpiresAt:   &past,
	}
	require.NoError(t, env.db.Create(job).Error)

	// 外链产物不走对象存储删除，存储不可用也不影响清理
	env.store.deleteErr = errors.New("storage down")

	cleanup := newCleanup(env)
	swept, err := cleanup.SweepExpiredArtifacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	var got models.Job
	require.NoError(t, env.db.First(&got, "id = ?", job.ID).Error)
	assert.Nil(t, got.ArtifactRef)
}

func TestSweepIgnoresJobsWithoutExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)

	job := seedJobWithArtifact(t, env, "FFS_NOEXP01", "u1", nil)

	cleanup := newCleanup(env)
	swept, err := cleanup.SweepExpiredArtifacts(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	var got models.Job
	require.NoError(t, env.db.First(&got, "id = ?", job.ID).Error)
	assert.NotNil(t, got.ArtifactRef)
}

func TestStuckSweepViaCleanupService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedUser(t, env.db, "u1", 1, 3, nil)
	seedProviderKey(t, env.db, "key-v", "voicer", 100, 10)
	seedPackage(t, env.db, "u1", 100, 100, time.Now().Add(time.Hour), models.PackageSourcePurchase)

	job, err := env.jobs.Submit(ctx, voiceSubmit("u1", 5, "会卡住"))
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&models.Job{}).Where("id = ?", job.ID).
		Update("started_at", time.Now().Add(-time.Hour)).Error)

	cleanup := newCleanup(env)
	swept, err := env.jobs.TimeoutSweep(ctx, cleanup.stuckThreshold)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
}
