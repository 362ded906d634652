package router

import (
	"context"

	"finq-go/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/adaptor"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes 注册管理接口路由与 /metrics
func RegisterRoutes(h *server.Hertz, admin *handler.AdminHandler) {
	h.Use(accessLog)

	api := h.Group("/api/v1")
	api.GET("/health", admin.Health)
	api.GET("/stats", admin.Stats)
	api.GET("/queues/:queue/stats", admin.QueueStats)
	api.GET("/events/:type/history", admin.EventHistory)

	api.GET("/queues/:queue/dlq", admin.DLQ)
	api.DELETE("/queues/:queue/dlq", admin.PurgeDLQ)
	api.GET("/queues/:queue/settings", admin.QueueSettings)
	api.PUT("/queues/:queue/settings", admin.UpdateQueueSettings)
	api.POST("/outbox/requeue", admin.RequeueOutbox)
	api.POST("/outbox/:id/fail", admin.FailOutbox)

	h.GET("/metrics", adaptor.HertzHandler(promhttp.Handler()))
}

func accessLog(c context.Context, ctx *app.RequestContext) {
	ctx.Next(c)
	hlog.CtxDebugf(c, "%s %s -> %d", string(ctx.Method()), string(ctx.Path()), ctx.Response.StatusCode())
}
