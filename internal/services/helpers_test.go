package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/fiftyfive/backend-go/internal/models"
	"github.com/fiftyfive/backend-go/internal/provider"
	"github.com/fiftyfive/backend-go/internal/ratelimit"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 单连接，避免每个连接各见一份内存库
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.UserAPIKey{},
		&models.CreditPackage{},
		&models.Job{},
		&models.ProviderKey{},
		&models.EventLog{},
	))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id string, voiceSlots, imageSlots int, referrerID *string) *models.User {
	t.Helper()
	user := &models.User{
		ID:                   id,
		Email:                id + "@test.local",
		Nickname:             id,
		ConcurrentSlots:      voiceSlots,
		ImageConcurrentSlots: imageSlots,
		ReferrerID:           referrerID,
		IsActive:             true,
		CreatedAt:            time.Now(),
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func seedPackage(t *testing.T, db *gorm.DB, userID string, initial, remaining int64, expiresAt time.Time, source string) *models.CreditPackage {
	t.Helper()
	pkg := &models.CreditPackage{
		ID:               uuid.NewString(),
		UserID:           userID,
		CreditsInitial:   initial,
		CreditsRemaining: remaining,
		ExpiresAt:        expiresAt,
		CreatedAt:        time.Now(),
		Source:           source,
	}
	require.NoError(t, db.Create(pkg).Error)
	return pkg
}

func seedProviderKey(t *testing.T, db *gorm.DB, id, providerName string, hourlyLimit, concurrentLimit int) *models.ProviderKey {
	t.Helper()
	key := &models.ProviderKey{
		ID:              id,
		Name:            "test-" + providerName,
		APIKey:          "sk-test-" + id,
		Provider:        providerName,
		HourlyLimit:     hourlyLimit,
		ConcurrentLimit: concurrentLimit,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, db.Create(key).Error)
	return key
}

// fakeGateway 可编程的服务商网关桩
type fakeGateway struct {
	mu sync.Mutex

	name           string
	dispatchErr    error
	dispatchResult *provider.DispatchResult
	pollResult     *provider.PollResult
	pollErr        error
	cancelErr      error

	dispatched []string
	cancelled  []string
}

func (g *fakeGateway) Provider() string { return g.name }

func (g *fakeGateway) Dispatch(ctx context.Context, apiKey string, req *provider.DispatchRequest) (*provider.DispatchResult, error) {
	g.mu.Lock()
	g.dispatched = append(g.dispatched, req.JobID)
	g.mu.Unlock()
	if g.dispatchErr != nil {
		return nil, g.dispatchErr
	}
	if g.dispatchResult != nil {
		return g.dispatchResult, nil
	}
	return &provider.DispatchResult{CorrelationID: "corr-" + req.JobID}, nil
}

func (g *fakeGateway) PollStatus(ctx context.Context, apiKey, correlationID string) (*provider.PollResult, error) {
	if g.pollErr != nil {
		return nil, g.pollErr
	}
	if g.pollResult != nil {
		return g.pollResult, nil
	}
	return &provider.PollResult{State: provider.StateProcessing}, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, apiKey, correlationID string) error {
	g.mu.Lock()
	g.cancelled = append(g.cancelled, correlationID)
	g.mu.Unlock()
	return g.cancelErr
}

func (g *fakeGateway) dispatchedJobs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.dispatched))
	copy(out, g.dispatched)
	return out
}

// memStore 内存产物存储桩
type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	deleteErr error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Save(ctx context.Context, ref string, contentType string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[ref] = data
	m.mu.Unlock()
	return nil
}

func (m *memStore) Delete(ctx context.Context, ref string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	delete(m.objects, ref)
	m.mu.Unlock()
	return nil
}

func (m *memStore) Exists(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[ref]
	return ok, nil
}

// testEnv 一套打好线的服务实例
type testEnv struct {
	db      *gorm.DB
	limiter *ratelimit.Limiter
	credits *CreditService
	keys    *ProviderKeyService
	jobs    *JobService
	store   *memStore
	voicer  *fakeGateway
	image   *fakeGateway
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	limiter := ratelimit.NewLimiter()
	credits := NewCreditService(db, nil, time.Minute)
	keys := NewProviderKeyService(db)
	store := newMemStore()

	voicer := &fakeGateway{name: "voicer"}
	image := &fakeGateway{name: "together", dispatchResult: &provider.DispatchResult{
		Done:        true,
		Artifact:    bytes.Repeat([]byte{0xAB}, 16),
		ContentType: "image/png",
	}}
	registry := provider.NewRegistry(voicer, image)

	jobs := NewJobService(db, limiter, credits, keys, registry, store,
		NewEventService(db), 24*time.Hour)

	return &testEnv{
		db:      db,
		limiter: limiter,
		credits: credits,
		keys:    keys,
		jobs:    jobs,
		store:   store,
		voicer:  voicer,
		image:   image,
	}
}

func seedReferredUsers(t *testing.T, db *gorm.DB, referrerID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		seedUser(t, db, fmt.Sprintf("%s-ref-%d", referrerID, i), 1, 3, &referrerID)
	}
}

func loadPackages(t *testing.T, db *gorm.DB, userID string) []models.CreditPackage {
	t.Helper()
	var pkgs []models.CreditPackage
	require.NoError(t, db.Where("user_id = ?", userID).Order("expires_at ASC").Find(&pkgs).Error)
	return pkgs
}
