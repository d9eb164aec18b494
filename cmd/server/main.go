package main

import (
	"log"
	"strconv"

	"github.com/beego/beego/v2/server/web"
	"github.com/fiftyfive/backend-go/app/bootstrap"
	"github.com/fiftyfive/backend-go/app/router"
	"github.com/fiftyfive/backend-go/internal/config"
	"github.com/fiftyfive/backend-go/internal/logger"
	"go.uber.org/zap"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer app.Shutdown()

	router.Init()

	web.BConfig.AppName = "FiftyFive Generation Backend"
	web.BConfig.CopyRequestBody = true
	if port, err := strconv.Atoi(config.AppConfig.Server.Port); err == nil {
		web.BConfig.Listen.HTTPPort = port
	}

	logger.Info("🚀 服务启动", zap.Int("port", web.BConfig.Listen.HTTPPort))
	web.Run()
}
