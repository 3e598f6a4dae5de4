package router

import (
	"github.com/aihub/ragcore/app/controllers"
	"github.com/beego/beego/v2/server/web"
)

// Init registers all routes. Must be called after config is loaded.
func Init() {
	web.Router("/", &controllers.RootController{}, "get:Index")
	web.Router("/health", &controllers.HealthController{}, "get:Health")
	web.Router("/metrics", &controllers.MetricsController{}, "get:Metrics")

	// 一致性核心监控路由（只读）
	monitorController := &controllers.MonitorController{}
	web.Router("/api/v1/monitor/queue", monitorController, "get:QueueStats")
	web.Router("/api/v1/monitor/collections", monitorController, "get:Collections")
	web.Router("/api/v1/monitor/collections/:id", monitorController, "get:Collection")
	web.Router("/api/v1/monitor/collections/:id/chunks", monitorController, "get:ChunkStats")
	web.Router("/api/v1/monitor/diagnostics", monitorController, "get:Diagnostics")
	web.Router("/api/v1/monitor/breakers", monitorController, "get:Breakers")
	web.Router("/api/v1/monitor/metrics-summary", monitorController, "get:RecoverySummary")
	web.Router("/api/v1/monitor/pipeline", monitorController, "get:Pipeline")

	// 运维操作：按需触发双存储对账
	web.Router("/api/v1/admin/collections/:id/reconcile", monitorController, "post:Reconcile")
}
