package di

import (
	"time"

	"github.com/fiftyfive/backend-go/internal/config"
	"github.com/fiftyfive/backend-go/internal/database"
	"github.com/fiftyfive/backend-go/internal/provider"
	"github.com/fiftyfive/backend-go/internal/ratelimit"
	"github.com/fiftyfive/backend-go/internal/services"
	"github.com/fiftyfive/backend-go/internal/storage"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// RegisterProviders 注册全部依赖构造函数
// 调用前需要完成 config/database/redis 的全局初始化
func RegisterProviders() error {
	providers := []interface{}{
		func() *config.Config { return config.GetAppConfig() },
		func() *gorm.DB { return database.DB },
		func() *redis.Client { return database.RedisClient },
		func() *ratelimit.Limiter { return ratelimit.NewLimiter() },
		newArtifactStore,
		newGatewayRegistry,
		newCreditService,
		func(db *gorm.DB) *services.ProviderKeyService { return services.NewProviderKeyService(db) },
		func(db *gorm.DB) *services.EventService { return services.NewEventService(db) },
		func(db *gorm.DB) *services.UserService { return services.NewUserService(db) },
		newJobService,
		newCleanupService,
	}
	for _, p := range providers {
		if err := Provide(p); err != nil {
			return err
		}
	}
	return nil
}

func newArtifactStore(cfg *config.Config) (storage.ArtifactStore, error) {
	return storage.NewArtifactStore(cfg.Storage)
}

func newGatewayRegistry(cfg *config.Config) *provider.Registry {
	timeout := cfg.Provider.RequestTimeout
	return provider.NewRegistry(
		provider.NewVoicerGateway(cfg.Provider.VoicerBaseURL, timeout),
		provider.NewTogetherGateway(cfg.Provider.TogetherURL, timeout),
		provider.NewOpenAIGateway(timeout),
	)
}

func newCreditService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *services.CreditService {
	return services.NewCreditService(db, redisClient, time.Duration(cfg.Redis.TTL)*time.Second)
}

func newJobService(
	db *gorm.DB,
	limiter *ratelimit.Limiter,
	credits *services.CreditService,
	keys *services.ProviderKeyService,
	gateways *provider.Registry,
	store storage.ArtifactStore,
	events *services.EventService,
	cfg *config.Config,
) *services.JobService {
	return services.NewJobService(db, limiter, credits, keys, gateways, store, events,
		cfg.Scheduler.ArtifactTTL)
}

func newCleanupService(
	db *gorm.DB,
	jobs *services.JobService,
	store storage.ArtifactStore,
	cfg *config.Config,
) *services.CleanupService {
	return services.NewCleanupService(db, jobs, store,
		cfg.Scheduler.StuckThreshold,
		cfg.Scheduler.StuckSweepEvery,
		cfg.Scheduler.ArtifactSweepEvery,
		cfg.Scheduler.ResyncEvery)
}
