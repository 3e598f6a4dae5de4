package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/aihub/ragcore/app/bootstrap"
)

// MonitorController 一致性核心监控控制器，只读暴露内部状态
type MonitorController struct {
	BaseController
}

func (c *MonitorController) app() *bootstrap.App {
	return bootstrap.GetApp()
}

// QueueStats 操作队列快照
func (c *MonitorController) QueueStats() {
	app := c.app()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}
	c.JSONSuccess(app.Queue.Stats())
}

// Collections 全部集合的健康汇总
func (c *MonitorController) Collections() {
	app := c.app()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}
	c.JSONSuccess(map[string]interface{}{
		"health":      app.Manager.HealthSummary(),
		"maintenance": app.Manager.Maintenance.Snapshot(),
	})
}

// Collection 单个知识库集合的状态
func (c *MonitorController) Collection() {
	app := c.app()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}

	kbID, ok := c.uintParam(":id")
	if !ok {
		c.JSONError(http.StatusBadRequest, "invalid knowledge base id")
		return
	}

	status, found := app.Manager.Status(kbID)
	if !found {
		c.JSONError(http.StatusNotFound, "collection state unknown")
		return
	}
	c.JSONSuccess(status)
}

// Diagnostics 诊断环形缓冲区查询，支持kb_id与window过滤
func (c *MonitorController) Diagnostics() {
	app := c.app()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}

	kbID, _ := c.GetUint32("kb_id", 0)

	window := 24 * time.Hour
	if raw := c.GetString("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			c.JSONError(http.StatusBadRequest, "invalid window duration")
			return
		}
		window = parsed
	}

	c.JSONSuccess(app.Manager.Diagnostics.Query(uint(kbID), window))
}

// Breakers 熔断器状态表
func (c *MonitorController) Breakers() {
	app := c.app()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}
	c.JSONSuccess(app.Engine.Breakers().All())
}

// RecoverySummary 恢复引擎统计
func (c *MonitorController) RecoverySummary() {
	app := c.app()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}
	c.JSONSuccess(app.Engine.Summary())
}

// Pipeline 管线性能与逻辑服务健康快照
func (c *MonitorController) Pipeline() {
	app := c.app()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}
	c.JSONSuccess(app.Orchestrator.Snapshot())
}

// ChunkStats 租户块存储统计
func (c *MonitorController) ChunkStats() {
	app := c.app()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}

	kbID, ok := c.uintParam(":id")
	if !ok {
		c.JSONError(http.StatusBadRequest, "invalid knowledge base id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := app.Coordinator.Stats(ctx, kbID)
	if err != nil {
		c.JSONError(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSONSuccess(stats)
}

// Reconcile 按需触发单租户双存储对账
func (c *MonitorController) Reconcile() {
	app := c.app()
	if app == nil {
		c.JSONError(http.StatusServiceUnavailable, "app not initialized")
		return
	}

	kbID, ok := c.uintParam(":id")
	if !ok {
		c.JSONError(http.StatusBadRequest, "invalid knowledge base id")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := app.Coordinator.Reconcile(ctx, kbID)
	if err != nil {
		c.JSONError(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSONSuccess(result)
}
