package bootstrap

import (
	"context"
	"log"
	"time"

	"github.com/fiftyfive/backend-go/app/controllers"
	"github.com/fiftyfive/backend-go/internal/auth"
	"github.com/fiftyfive/backend-go/internal/config"
	"github.com/fiftyfive/backend-go/internal/database"
	"github.com/fiftyfive/backend-go/internal/di"
	"github.com/fiftyfive/backend-go/internal/events"
	"github.com/fiftyfive/backend-go/internal/logger"
	"github.com/fiftyfive/backend-go/internal/ratelimit"
	"github.com/fiftyfive/backend-go/internal/services"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// App 持有需要在关停时清理的资源
type App struct {
	cleanupTasks []func() error
	sweepCancel  context.CancelFunc
}

var globalApp *App

// GetApp 获取全局应用实例
func GetApp() *App {
	return globalApp
}

// Init 有序初始化：环境变量 → 日志 → 配置 → 数据库 → Redis → Kafka →
// 依赖注入容器 → 控制器注入 → 计数器重建 → 后台清扫
func Init() (*App, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	if err := logger.InitLogger(); err != nil {
		return nil, err
	}

	if err := config.LoadConfig(); err != nil {
		return nil, err
	}

	app := &App{}
	globalApp = app

	db, err := database.InitDB()
	if err != nil {
		return nil, err
	}
	app.cleanupTasks = append(app.cleanupTasks, database.CloseDB)

	if sqlDB, err := db.DB(); err == nil {
		database.Checker = database.NewHealthChecker(sqlDB)
	}

	// Redis可选，失败只降级不阻塞启动
	if _, err := database.InitRedis(); err != nil {
		logger.Warn("Redis初始化失败，余额缓存降级为直查数据库", zap.Error(err))
	} else {
		app.cleanupTasks = append(app.cleanupTasks, database.CloseRedis)
	}

	// Kafka可选
	if config.AppConfig.Kafka.Enabled {
		if err := events.InitPublisher(config.AppConfig.Kafka.Brokers, config.AppConfig.Kafka.Topic); err != nil {
			logger.Warn("Kafka初始化失败，生命周期事件不发送", zap.Error(err))
		} else {
			app.cleanupTasks = append(app.cleanupTasks, func() error {
				return events.GetPublisher().Close()
			})
		}
	}

	di.InitContainer()
	if err := di.RegisterProviders(); err != nil {
		return nil, err
	}

	jwtService := auth.NewJWTService(config.AppConfig.JWT.Secret, "fiftyfive", 7*24*time.Hour)

	err = di.Invoke(func(
		jobs *services.JobService,
		credits *services.CreditService,
		keys *services.ProviderKeyService,
		eventLog *services.EventService,
		users *services.UserService,
		limiter *ratelimit.Limiter,
		cleanup *services.CleanupService,
	) error {
		controllers.InitControllers(jobs, credits, keys, eventLog, users, limiter, jwtService)

		// 启动时以持久化任务重建计数器（崩溃恢复）
		if err := jobs.ResyncLimiter(context.Background()); err != nil {
			logger.Warn("启动时计数器重建失败", zap.Error(err))
		}

		sweepCtx, cancel := context.WithCancel(context.Background())
		app.sweepCancel = cancel
		cleanup.Start(sweepCtx)
		if database.Checker != nil {
			go database.Checker.Start(sweepCtx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("应用初始化完成",
		zap.String("port", config.AppConfig.Server.Port),
		zap.String("env", config.AppConfig.Server.Env))
	return app, nil
}

// Shutdown 逆序执行清理任务
func (a *App) Shutdown() {
	if a.sweepCancel != nil {
		a.sweepCancel()
	}
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			log.Printf("Cleanup error: %v\n", err)
		}
	}
	logger.Sync()
}
