package main

import (
	"log"
	"os"
	"strconv"

	"github.com/aihub/ragcore/app/bootstrap"
	"github.com/aihub/ragcore/app/router"
	"github.com/aihub/ragcore/internal/config"
	"github.com/aihub/ragcore/internal/logger"
	"github.com/beego/beego/v2/server/web"
	"go.uber.org/zap"
)

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer app.Shutdown()

	// 初始化路由
	router.Init()

	// 配置Beego全局设置
	web.BConfig.AppName = "RAG Consistency Core"
	web.BConfig.CopyRequestBody = true
	web.BConfig.Listen.HTTPPort = listenPort()

	logger.Info("🚀 Starting RAG Consistency Core",
		zap.Int("port", web.BConfig.Listen.HTTPPort),
		zap.String("env", config.AppConfig.Server.Env))
	web.Run()
}

// listenPort 端口取值顺序：SERVER_PORT环境变量 > 配置 > 8001
func listenPort() int {
	raw := os.Getenv("SERVER_PORT")
	if raw == "" {
		raw = config.AppConfig.Server.Port
	}
	if p, err := strconv.Atoi(raw); err == nil && p > 0 {
		return p
	}
	return 8001
}
