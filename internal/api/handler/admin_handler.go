package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"finq-go/internal/events"
	"finq-go/internal/queue"
	"finq-go/internal/service"
	"finq-go/internal/storage"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	defaultDLQLimit     = 100
)

// QueueBackend 管理接口依赖的门面能力
type QueueBackend interface {
	Health(ctx context.Context) storage.HealthStatus
	GetStats(ctx context.Context) (*service.Stats, error)
	GetQueueStats(ctx context.Context, queueName string) (*queue.QueueStats, error)
	GetEventHistory(ctx context.Context, eventType events.EventType, limit int) ([]*events.Event, error)

	GetDLQ(ctx context.Context, queueName string, limit int) ([]queue.DLQRecord, error)
	PurgeDLQ(ctx context.Context, queueName string) (int64, error)
	GetQueueSettings(ctx context.Context, queueName string) (queue.Settings, error)
	SetQueueSettings(ctx context.Context, queueName string, settings queue.Settings) error
	RequeueFailedOutbox(ctx context.Context, ids ...uint64) (int64, error)
	MarkOutboxFailed(ctx context.Context, id uint64, reason string) error
}

// AdminHandler 运维接口：状态查询、死信与队列配置管理、outbox 失败行处理
type AdminHandler struct {
	backend QueueBackend
}

// NewAdminHandler 创建管理接口处理器
func NewAdminHandler(backend QueueBackend) *AdminHandler {
	return &AdminHandler{backend: backend}
}

// Health GET /api/v1/health
func (h *AdminHandler) Health(c context.Context, ctx *app.RequestContext) {
	status := h.backend.Health(c)
	code := consts.StatusOK
	state := "ok"
	if !status.Healthy {
		code = consts.StatusServiceUnavailable
		state = "degraded"
	}
	ctx.JSON(code, utils.H{"status": state, "redis": status})
}

// Stats GET /api/v1/stats
func (h *AdminHandler) Stats(c context.Context, ctx *app.RequestContext) {
	stats, err := h.backend.GetStats(c)
	if err != nil {
		h.fail(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, stats)
}

// QueueStats GET /api/v1/queues/:queue/stats
func (h *AdminHandler) QueueStats(c context.Context, ctx *app.RequestContext) {
	name := ctx.Param("queue")
	if name == "" {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "queue is required"})
		return
	}
	stats, err := h.backend.GetQueueStats(c, name)
	if err != nil {
		h.fail(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, stats)
}

// EventHistory GET /api/v1/events/:type/history?limit=N
func (h *AdminHandler) EventHistory(c context.Context, ctx *app.RequestContext) {
	eventType, err := events.ParseEventType(ctx.Param("type"))
	if err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
		return
	}

	limit, ok := queryLimit(ctx, defaultHistoryLimit, maxHistoryLimit)
	if !ok {
		return
	}

	history, err := h.backend.GetEventHistory(c, eventType, limit)
	if err != nil {
		h.fail(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{
		"type":   eventType,
		"count":  len(history),
		"events": history,
	})
}

// DLQ GET /api/v1/queues/:queue/dlq?limit=N
func (h *AdminHandler) DLQ(c context.Context, ctx *app.RequestContext) {
	name := ctx.Param("queue")
	limit, ok := queryLimit(ctx, defaultDLQLimit, maxHistoryLimit)
	if !ok {
		return
	}
	records, err := h.backend.GetDLQ(c, name, limit)
	if err != nil {
		h.fail(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"queue": name, "count": len(records), "records": records})
}

// PurgeDLQ DELETE /api/v1/queues/:queue/dlq
func (h *AdminHandler) PurgeDLQ(c context.Context, ctx *app.RequestContext) {
	name := ctx.Param("queue")
	n, err := h.backend.PurgeDLQ(c, name)
	if err != nil {
		h.fail(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"queue": name, "purged": n})
}

// settingsBody 队列配置的请求/响应形式，可见性超时以秒表示
type settingsBody struct {
	MaxLength                int     `json:"max_length"`
	MaxRetries               int     `json:"max_retries"`
	VisibilityTimeoutSeconds float64 `json:"visibility_timeout_seconds"`
	MaxPayloadBytes          int     `json:"max_payload_bytes"`
}

func toSettingsBody(s queue.Settings) settingsBody {
	return settingsBody{
		MaxLength:                s.MaxLength,
		MaxRetries:               s.MaxRetries,
		VisibilityTimeoutSeconds: s.VisibilityTimeout.Seconds(),
		MaxPayloadBytes:          s.MaxPayloadBytes,
	}
}

// QueueSettings GET /api/v1/queues/:queue/settings
func (h *AdminHandler) QueueSettings(c context.Context, ctx *app.RequestContext) {
	settings, err := h.backend.GetQueueSettings(c, ctx.Param("queue"))
	if err != nil {
		h.fail(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, toSettingsBody(settings))
}

// UpdateQueueSettings PUT /api/v1/queues/:queue/settings
func (h *AdminHandler) UpdateQueueSettings(c context.Context, ctx *app.RequestContext) {
	var body settingsBody
	if err := ctx.BindJSON(&body); err != nil {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "invalid JSON body: " + err.Error()})
		return
	}
	if body.MaxLength < 0 || body.MaxRetries < 0 || body.MaxPayloadBytes < 0 || body.VisibilityTimeoutSeconds < 0 {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "settings must not be negative"})
		return
	}

	settings := queue.Settings{
		MaxLength:         body.MaxLength,
		MaxRetries:        body.MaxRetries,
		VisibilityTimeout: time.Duration(body.VisibilityTimeoutSeconds * float64(time.Second)),
		MaxPayloadBytes:   body.MaxPayloadBytes,
	}
	if err := h.backend.SetQueueSettings(c, ctx.Param("queue"), settings); err != nil {
		h.fail(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, toSettingsBody(settings))
}

// RequeueOutbox POST /api/v1/outbox/requeue  {"ids": [1, 2]}，ids 为空时恢复全部
func (h *AdminHandler) RequeueOutbox(c context.Context, ctx *app.RequestContext) {
	var body struct {
		IDs []uint64 `json:"ids"`
	}
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&body); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "invalid JSON body: " + err.Error()})
			return
		}
	}
	n, err := h.backend.RequeueFailedOutbox(c, body.IDs...)
	if err != nil {
		h.fail(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"requeued": n})
}

// FailOutbox POST /api/v1/outbox/:id/fail  {"reason": "..."}
func (h *AdminHandler) FailOutbox(c context.Context, ctx *app.RequestContext) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil || id == 0 {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "id must be a positive integer"})
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if len(ctx.Request.Body()) > 0 {
		if err := ctx.BindJSON(&body); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "invalid JSON body: " + err.Error()})
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "marked failed by operator"
	}
	if err := h.backend.MarkOutboxFailed(c, id, body.Reason); err != nil {
		h.fail(c, ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, utils.H{"id": id, "status": "FAILED"})
}

// queryLimit 解析 ?limit=N；非法时直接写 400 并返回 false
func queryLimit(ctx *app.RequestContext, def, maxLimit int) (int, bool) {
	raw := ctx.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		ctx.JSON(consts.StatusBadRequest, utils.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return min(n, maxLimit), true
}

func (h *AdminHandler) fail(c context.Context, ctx *app.RequestContext, err error) {
	code := consts.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotInitialized), errors.Is(err, service.ErrOutboxUnavailable):
		code = consts.StatusServiceUnavailable
	case errors.Is(err, gorm.ErrRecordNotFound):
		code = consts.StatusNotFound
	case errors.Is(err, queue.ErrInvalidMessage):
		code = consts.StatusBadRequest
	}
	hlog.CtxErrorf(c, "管理接口请求失败 %s: %v", string(ctx.Path()), err)
	ctx.JSON(code, utils.H{"error": err.Error()})
}
