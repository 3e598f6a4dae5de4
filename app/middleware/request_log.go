package middleware

import (
	"github.com/aihub/ragcore/internal/logger"
	"github.com/beego/beego/v2/server/web/context"
	"go.uber.org/zap"
)

// RequestLogMiddleware 请求日志中间件，跳过指标抓取端点避免刷屏
func RequestLogMiddleware(ctx *context.Context) {
	path := ctx.Input.URL()
	if path == "/metrics" || path == "/health" {
		return
	}

	logger.Debug("http request",
		zap.String("method", ctx.Input.Method()),
		zap.String("path", path),
		zap.String("ip", ctx.Input.IP()))
}
