// Package outbox 实现事务性发件箱：业务写入与 outbox 行同事务提交，协调器异步分发。
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"finq-go/internal/config"
	"finq-go/internal/metrics"
	"finq-go/internal/storage/models"
	"finq-go/internal/tracing"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultBatchSize = 100

// ErrInvalidEvent outbox 行字段校验失败
var ErrInvalidEvent = errors.New("outbox: invalid event")

var validate = validator.New()

// Handler 将一条 outbox 行翻译为下游效果，必须幂等
type Handler func(ctx context.Context, ev *models.OutboxEvent) error

// BatchResult 一次协调的结果
type BatchResult struct {
	Fetched   int `json:"fetched"`
	Published int `json:"published"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Service outbox 服务
type Service struct {
	db     *gorm.DB
	cfg    config.OutboxConfig
	tracer trace.Tracer

	mu       sync.RWMutex
	handlers map[string]Handler

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option 配置 Service
type Option func(*Service)

// WithLogger 设置日志记录器
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Migrate 创建/更新 outbox_events 表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.OutboxEvent{})
}

// NewService 创建 outbox 服务
func NewService(db *gorm.DB, cfg config.OutboxConfig, opts ...Option) *Service {
	s := &Service{
		db:       db,
		cfg:      cfg,
		tracer:   otel.Tracer("finq-go/outbox"),
		handlers: make(map[string]Handler),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	if s.cfg.BatchSize <= 0 {
		s.cfg.BatchSize = defaultBatchSize
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterEventHandler 注册事件类型的处理器，重复注册会覆盖
func (s *Service) RegisterEventHandler(eventType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = h
}

// HandledTypes 返回已注册的事件类型（按字典序）
func (s *Service) HandledTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func (s *Service) handler(eventType string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[eventType]
	return h, ok
}

type newEvent struct {
	EventType     string `validate:"required,max=128"`
	AggregateID   string `validate:"required,max=64"`
	AggregateType string `validate:"required,max=64"`
}

// PublishEventInTransaction 在同一事务中执行 businessOp 并写入 outbox 行。
// 两者都成功才提交；任一失败整个事务回滚，不留下 outbox 行。
func (s *Service) PublishEventInTransaction(ctx context.Context, eventType, aggregateID, aggregateType string,
	data any, businessOp func(tx *gorm.DB) error) (*models.OutboxEvent, error) {

	ctx, span := s.tracer.Start(ctx, "outbox.PublishInTransaction",
		trace.WithAttributes(
			attribute.String("outbox.event_type", eventType),
			attribute.String("outbox.aggregate_type", aggregateType),
		),
	)
	defer span.End()

	var row *models.OutboxEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if businessOp != nil {
			if err := businessOp(tx); err != nil {
				return err
			}
		}
		var err error
		row, err = s.Insert(tx, eventType, aggregateID, aggregateType, data)
		return err
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeOutbox)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("outbox.id", int64(row.ID)))
	return row, nil
}

// Insert 在调用方的事务中写入一条 PENDING 行
func (s *Service) Insert(tx *gorm.DB, eventType, aggregateID, aggregateType string, data any) (*models.OutboxEvent, error) {
	if err := validate.Struct(newEvent{eventType, aggregateID, aggregateType}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	payload, err := marshalData(data)
	if err != nil {
		return nil, err
	}

	row := &models.OutboxEvent{
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventData:     payload,
		Status:        models.OutboxStatusPending,
		CreatedAt:     s.now().UTC(),
	}

	if proc := s.cfg.Procedures.Insert; proc != "" {
		var id uint64
		err := tx.Raw(fmt.Sprintf("CALL %s(?, ?, ?, ?)", proc),
			eventType, aggregateID, aggregateType, string(payload)).Scan(&id).Error
		if err != nil {
			return nil, fmt.Errorf("写入outbox失败: %w", err)
		}
		row.ID = id
		return row, nil
	}

	if err := tx.Create(row).Error; err != nil {
		return nil, fmt.Errorf("写入outbox失败: %w", err)
	}
	return row, nil
}

func marshalData(data any) (datatypes.JSON, error) {
	switch v := data.(type) {
	case nil:
		return datatypes.JSON("{}"), nil
	case datatypes.JSON:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: event_data is not valid JSON", ErrInvalidEvent)
		}
		return v, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: event_data is not valid JSON", ErrInvalidEvent)
		}
		return datatypes.JSON(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		return datatypes.JSON(b), nil
	}
}

// ProcessOutboxEvents 按创建顺序取一批已注册处理器类型的 PENDING 行并逐条分发。
// 单行失败只增加 retry_count 并记录错误，不影响同批其他行。
// 没有处理器的行不进入批次，保持 PENDING，数量记入 Skipped。
func (s *Service) ProcessOutboxEvents(ctx context.Context) (BatchResult, error) {
	var result BatchResult
	types := s.HandledTypes()

	skipped, err := s.unhandledCount(ctx, types)
	if err != nil {
		s.logger.Warn().Err(err).Msg("统计未注册处理器的outbox事件失败")
	} else if skipped > 0 {
		result.Skipped = int(skipped)
		s.logger.Warn().
			Int64("skipped", skipped).
			Strs("handled_types", types).
			Msg("存在没有注册处理器的outbox事件，保持PENDING")
	}

	rows, err := s.fetchPending(ctx, types)
	if err != nil {
		s.logger.Error().Err(err).Msg("获取待处理outbox事件失败")
		return result, err
	}
	result.Fetched = len(rows)

	// 空轮询不创建 span
	if len(rows) == 0 {
		s.refreshPending(ctx)
		return result, nil
	}

	ctx, span := s.tracer.Start(ctx, "outbox.ProcessBatch",
		trace.WithAttributes(attribute.Int("messaging.batch.message_count", len(rows))),
	)
	defer span.End()

	s.logger.Debug().Int("count", len(rows)).Msg("开始处理outbox批次")

	for i := range rows {
		row := &rows[i]
		h, ok := s.handler(row.EventType)
		if !ok {
			// 存储过程未按类型过滤时可能返回，已计入 Skipped
			s.logger.Debug().
				Uint64("outbox_id", row.ID).
				Str("event_type", row.EventType).
				Msg("outbox事件没有注册处理器，保持PENDING")
			continue
		}

		if herr := s.dispatch(ctx, h, row); herr != nil {
			result.Failed++
			s.metrics.OutboxDispatch(row.EventType, false)
			if uerr := s.markRetry(ctx, row, herr); uerr != nil {
				tracing.RecordError(span, uerr, tracing.ErrorTypeDB)
				return result, uerr
			}
			continue
		}

		if err := s.markPublished(ctx, row); err != nil {
			// 效果已发生但状态未落库，下一轮会重复分发，依赖处理器幂等
			tracing.RecordError(span, err, tracing.ErrorTypeDB)
			s.logger.Error().Err(err).Uint64("outbox_id", row.ID).Msg("标记outbox事件已发布失败")
			return result, err
		}
		result.Published++
		s.metrics.OutboxDispatch(row.EventType, true)
	}

	span.SetAttributes(
		attribute.Int("outbox.published", result.Published),
		attribute.Int("outbox.failed", result.Failed),
		attribute.Int("outbox.skipped", result.Skipped),
	)
	s.refreshPending(ctx)

	s.logger.Info().
		Int("fetched", result.Fetched).
		Int("published", result.Published).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("outbox批次处理完成")
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, h Handler, row *models.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	// 处理器不随关闭信号中断
	ctx, span := s.tracer.Start(context.WithoutCancel(ctx), "outbox.Dispatch",
		trace.WithAttributes(
			attribute.Int64("outbox.id", int64(row.ID)),
			attribute.String("outbox.event_type", row.EventType),
			attribute.Int("outbox.retry_count", row.RetryCount),
		),
	)
	defer span.End()

	if err = h(ctx, row); err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHandler)
	}
	return err
}

// fetchPending 只拾取 types 中的事件类型；存储过程以逗号分隔的类型列表作为第二个参数
func (s *Service) fetchPending(ctx context.Context, types []string) ([]models.OutboxEvent, error) {
	if len(types) == 0 {
		return nil, nil
	}
	var rows []models.OutboxEvent
	db := s.db.WithContext(ctx)
	if proc := s.cfg.Procedures.FetchPending; proc != "" {
		err := db.Raw(fmt.Sprintf("CALL %s(?, ?)", proc), s.cfg.BatchSize, strings.Join(types, ",")).Scan(&rows).Error
		return rows, err
	}
	err := db.Where("status = ? AND event_type IN ?", models.OutboxStatusPending, types).
		Order("created_at asc").
		Order("id asc").
		Limit(s.cfg.BatchSize).
		Find(&rows).Error
	return rows, err
}

// unhandledCount 统计没有注册处理器的 PENDING 行
func (s *Service) unhandledCount(ctx context.Context, types []string) (int64, error) {
	var n int64
	q := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("status = ?", models.OutboxStatusPending)
	if len(types) > 0 {
		q = q.Where("event_type NOT IN ?", types)
	}
	err := q.Count(&n).Error
	return n, err
}

func (s *Service) markPublished(ctx context.Context, row *models.OutboxEvent) error {
	now := s.now().UTC()
	db := s.db.WithContext(ctx)
	if proc := s.cfg.Procedures.MarkPublished; proc != "" {
		if err := db.Exec(fmt.Sprintf("CALL %s(?)", proc), row.ID).Error; err != nil {
			return err
		}
	} else {
		err := db.Model(&models.OutboxEvent{}).
			Where("id = ? AND status = ?", row.ID, models.OutboxStatusPending).
			Updates(map[string]any{
				"status":       models.OutboxStatusPublished,
				"published_at": now,
				"last_error":   "",
			}).Error
		if err != nil {
			return err
		}
	}
	row.Status = models.OutboxStatusPublished
	row.PublishedAt = &now
	row.LastError = ""
	return nil
}

func (s *Service) markRetry(ctx context.Context, row *models.OutboxEvent, cause error) error {
	row.RetryCount++
	row.LastError = cause.Error()
	status := models.OutboxStatusPending
	if s.cfg.MaxRetries > 0 && row.RetryCount >= s.cfg.MaxRetries {
		status = models.OutboxStatusFailed
	}

	db := s.db.WithContext(ctx)
	var err error
	if proc := s.cfg.Procedures.MarkFailed; proc != "" {
		err = db.Exec(fmt.Sprintf("CALL %s(?, ?, ?)", proc), row.ID, row.LastError, status).Error
	} else {
		err = db.Model(&models.OutboxEvent{}).
			Where("id = ?", row.ID).
			Updates(map[string]any{
				"retry_count": row.RetryCount,
				"last_error":  row.LastError,
				"status":      status,
			}).Error
	}
	if err != nil {
		s.logger.Error().Err(err).Uint64("outbox_id", row.ID).Msg("更新outbox重试信息失败")
		return err
	}
	row.Status = status

	ev := s.logger.Warn()
	if status == models.OutboxStatusFailed {
		ev = s.logger.Error()
	}
	ev.Err(cause).
		Uint64("outbox_id", row.ID).
		Str("event_type", row.EventType).
		Int("retry_count", row.RetryCount).
		Str("status", status).
		Msg("outbox事件处理失败")
	return nil
}

// CleanupOldEvents 删除 N 天前创建且处于终态的行
func (s *Service) CleanupOldEvents(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = s.cfg.RetentionDays
	}
	if days <= 0 {
		return 0, nil
	}

	db := s.db.WithContext(ctx)
	if proc := s.cfg.Procedures.Cleanup; proc != "" {
		res := db.Exec(fmt.Sprintf("CALL %s(?)", proc), days)
		return res.RowsAffected, res.Error
	}

	cutoff := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	res := db.Where("status IN ? AND created_at < ?",
		[]string{models.OutboxStatusPublished, models.OutboxStatusFailed}, cutoff).
		Delete(&models.OutboxEvent{})
	if res.Error != nil {
		return 0, fmt.Errorf("清理outbox失败: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info().Int64("deleted", res.RowsAffected).Int("days", days).Msg("已清理过期outbox事件")
	}
	return res.RowsAffected, nil
}

// MarkFailed 由运维将行标记为 FAILED，使协调器不再拾取
func (s *Service) MarkFailed(ctx context.Context, id uint64, reason string) error {
	res := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, models.OutboxStatusPending).
		Updates(map[string]any{"status": models.OutboxStatusFailed, "last_error": reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("outbox row %d is not pending: %w", id, gorm.ErrRecordNotFound)
	}
	return nil
}

// RequeueFailed 将 FAILED 行恢复为 PENDING；ids 为空时恢复全部
func (s *Service) RequeueFailed(ctx context.Context, ids ...uint64) (int64, error) {
	q := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).Where("status = ?", models.OutboxStatusFailed)
	if len(ids) > 0 {
		q = q.Where("id IN ?", ids)
	}
	res := q.Updates(map[string]any{"status": models.OutboxStatusPending, "retry_count": 0})
	return res.RowsAffected, res.Error
}

// PendingCount 返回 PENDING 行数
func (s *Service) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("status = ?", models.OutboxStatusPending).
		Count(&n).Error
	return n, err
}

// Get 按 id 读取一行
func (s *Service) Get(ctx context.Context, id uint64) (*models.OutboxEvent, error) {
	var row models.OutboxEvent
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Service) refreshPending(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	if n, err := s.PendingCount(ctx); err == nil {
		s.metrics.SetOutboxPending(n)
	}
}
