package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/aihub/ragcore/app/bootstrap"
)

// RootController 根控制器
type RootController struct {
	BaseController
}

func (c *RootController) Index() {
	c.JSONSuccess(map[string]string{"message": "RAG Consistency Core API"})
}

// HealthController 健康检查控制器
type HealthController struct {
	BaseController
}

// Health 聚合数据库与向量索引的连通性
func (c *HealthController) Health() {
	app := bootstrap.GetApp()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	components := map[string]string{}
	status := http.StatusOK

	if err := app.Database.HealthCheck(); err != nil {
		components["database"] = "unhealthy: " + err.Error()
		status = http.StatusServiceUnavailable
	} else {
		components["database"] = "healthy"
	}

	if app.Index.Ready(ctx) {
		components["vector_index"] = "healthy"
	} else {
		// 向量索引不可达时服务降级运行，不判定为不可用
		components["vector_index"] = "degraded"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}

	c.JSON(status, map[string]interface{}{
		"status":     overall,
		"components": components,
		"queue":      app.Queue.Stats(),
	})
}
