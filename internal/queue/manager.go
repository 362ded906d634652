// Package queue 实现基于 Redis 的优先级/分区消息队列：可见性超时、死信、延迟消息与回收器。
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"finq-go/internal/config"
	"finq-go/internal/constants"
	"finq-go/internal/metrics"
	"finq-go/internal/storage"
	"finq-go/internal/tracing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var queueTracer = otel.Tracer("finq-go/queue")

// Manager 消息队列管理器
type Manager struct {
	pool     *storage.Redis
	defaults Settings

	delayedBatch int
	orphanTTL    time.Duration

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option 配置 Manager
type Option func(*Manager)

// WithLogger 设置日志记录器
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics 设置指标
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock 替换时间源（测试中用于模拟可见性超时与延迟消息）
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager 创建消息队列管理器
func NewManager(pool *storage.Redis, cfg config.QueueConfig, opts ...Option) *Manager {
	m := &Manager{
		pool: pool,
		defaults: Settings{
			MaxLength:         cfg.MaxLength,
			MaxRetries:        cfg.DefaultMaxRetries,
			VisibilityTimeout: config.GetDuration(cfg.VisibilityTimeout, constants.DefaultVisibilityTimeout),
			MaxPayloadBytes:   cfg.MaxPayloadBytes,
		},
		delayedBatch: cfg.DelayedBatchSize,
		orphanTTL:    config.GetDuration(cfg.OrphanTTL, 10*time.Minute),
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
	if m.delayedBatch <= 0 {
		m.delayedBatch = 100
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Defaults 返回全局默认设置
func (m *Manager) Defaults() Settings {
	return m.defaults
}

// Enqueue 写入消息哈希后提交到就绪列表或延迟集合。
// 列表推入是提交点；推入失败时消息哈希保持未提交状态，由孤儿回收清理。
func (m *Manager) Enqueue(ctx context.Context, msg *Message) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	now := m.now()
	if err := msg.prepare(now); err != nil {
		m.metrics.QueueOp(msg.Queue, "rejected")
		return err
	}

	ctx, span := queueTracer.Start(ctx, "queue.Enqueue", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", msg.Queue),
		attribute.String("messaging.message_id", msg.ID),
		attribute.String("messaging.priority", msg.Priority.String()),
		attribute.String("messaging.payload", tracing.SafePayload(msg.Payload)),
	)

	settings, err := m.GetSettings(ctx, msg.Queue)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return err
	}
	if settings.MaxPayloadBytes > 0 && len(msg.Payload) > settings.MaxPayloadBytes {
		m.metrics.QueueOp(msg.Queue, "rejected")
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(msg.Payload), settings.MaxPayloadBytes)
	}

	delayed := msg.ScheduledAt != nil && msg.ScheduledAt.After(now)
	fields := msg.toHash()
	fields[fieldCommitted] = "0"

	err = m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		mkey := messageKey(msg.ID)
		if err := conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, mkey, fields)
			pipe.ZAdd(ctx, knownKey(msg.Queue), redis.Z{Score: float64(now.Unix()), Member: msg.ID})
			return nil
		}); err != nil {
			return fmt.Errorf("写入消息失败: %w", err)
		}

		if delayed {
			return conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZAdd(ctx, constants.KeyDelayedSet, redis.Z{Score: epochSeconds(*msg.ScheduledAt), Member: msg.ID})
				pipe.HSet(ctx, mkey, fieldCommitted, "1")
				return nil
			})
		}

		res, err := conn.Eval(ctx, commitScript,
			[]string{readyListKey(msg), mkey},
			msg.ID, settings.MaxLength, "tail", string(StatusPending))
		if err != nil {
			return fmt.Errorf("提交消息失败: %w", err)
		}
		if n, _ := res.(int64); n < 0 {
			// 被拒绝的消息不留下任何状态
			_ = conn.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, mkey)
				pipe.ZRem(ctx, knownKey(msg.Queue), msg.ID)
				return nil
			})
			return ErrQueueFull
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrQueueFull) {
			m.metrics.QueueOp(msg.Queue, "rejected")
		} else {
			tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		}
		return err
	}

	m.metrics.QueueOp(msg.Queue, "enqueue")
	m.logger.Debug().
		Str("queue", msg.Queue).
		Str("message_id", msg.ID).
		Str("priority", msg.Priority.String()).
		Bool("delayed", delayed).
		Str("partition_key", msg.PartitionKey).
		Msg("消息已入队")
	return nil
}

// Dequeue 按 CRITICAL→LOW 顺序取出一条消息并写入处理记录。无可用消息时返回 (nil, nil)。
// 分区消息不在此返回，由 DequeuePartition 服务。
func (m *Manager) Dequeue(ctx context.Context, queue, consumer string, visibility time.Duration) (*Message, error) {
	visibility, err := m.visibilityFor(ctx, queue, visibility)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(priorityOrder))
	for _, p := range priorityOrder {
		keys = append(keys, priorityKey(queue, p))
	}

	return m.claim(ctx, queue, consumer, func(ctx context.Context, conn *storage.Conn, startedAt string) (any, error) {
		return conn.Eval(ctx, dequeueScript, keys,
			messageKeyPrefix, processingPrefix(queue), consumer, startedAt,
			formatSeconds(visibility), queue)
	})
}

// DequeuePartition 从指定分区桶取出一条消息。桶内已有在途消息时返回 (nil, nil)，
// 从而保证同一分区键同时只有一条消息在处理。
func (m *Manager) DequeuePartition(ctx context.Context, queue string, bucket int, consumer string, visibility time.Duration) (*Message, error) {
	if bucket < 0 || bucket >= constants.PartitionBuckets {
		return nil, fmt.Errorf("queue: bucket %d out of range", bucket)
	}
	visibility, err := m.visibilityFor(ctx, queue, visibility)
	if err != nil {
		return nil, err
	}
	// 桶锁的 TTL 留出余量，正常情况下由 ack/nack/回收器显式释放
	lockTTL := 2 * visibility

	return m.claim(ctx, queue, consumer, func(ctx context.Context, conn *storage.Conn, startedAt string) (any, error) {
		return conn.Eval(ctx, partitionDequeueScript,
			[]string{partitionListKey(queue, bucket), partitionLockKey(queue, bucket)},
			messageKeyPrefix, processingPrefix(queue), consumer, startedAt,
			formatSeconds(visibility), queue, lockTTL.Milliseconds(), bucket)
	})
}

func (m *Manager) claim(ctx context.Context, queue, consumer string,
	pop func(ctx context.Context, conn *storage.Conn, startedAt string) (any, error)) (*Message, error) {
	var msg *Message
	startedAt := m.now().UTC().Format(time.RFC3339Nano)
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		res, err := pop(ctx, conn, startedAt)
		if err != nil {
			return err
		}
		id, ok := res.(string)
		if !ok || id == "" {
			return nil
		}

		h, err := conn.HGetAll(ctx, messageKey(id))
		if err != nil {
			return err
		}
		msg, err = messageFromHash(h)
		if err != nil {
			return fmt.Errorf("解析消息 %s 失败: %w", id, err)
		}
		if msg == nil {
			// 在弹出与读取之间被确认，清理处理记录
			_, _ = conn.Del(ctx, processingKey(queue, id))
			return nil
		}
		msg.claimedAt = startedAt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("出队失败 queue=%s: %w", queue, err)
	}
	if msg != nil {
		m.metrics.QueueOp(queue, "dequeue")
		m.logger.Debug().Str("queue", queue).Str("message_id", msg.ID).
			Str("consumer", consumer).Int("retry_count", msg.RetryCount).Msg("消息已出队")
	}
	return msg, nil
}

// Ack 删除处理记录与消息哈希。幂等。
// 处理记录已被回收或转交其他消费者时不做任何修改，返回 ErrStaleClaim。
func (m *Manager) Ack(ctx context.Context, msg *Message, consumer string) error {
	if msg == nil || msg.ID == "" {
		return ErrInvalidMessage
	}

	ctx, span := queueTracer.Start(ctx, "queue.Ack")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", msg.Queue),
		attribute.String("messaging.message_id", msg.ID),
		attribute.String("messaging.consumer", consumer),
	)

	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		n, err := m.settle(ctx, conn, msg, claimRef{consumer: consumer, startedAt: msg.claimedAt}, settleAck, nil, bucketLockKey(msg))
		if err != nil {
			return err
		}
		if n < 0 {
			return ErrStaleClaim
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleClaim) {
			m.metrics.QueueOp(msg.Queue, "stale")
			return fmt.Errorf("确认消息 %s 被忽略: %w", msg.ID, err)
		}
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return fmt.Errorf("确认消息 %s 失败: %w", msg.ID, err)
	}

	m.metrics.QueueOp(msg.Queue, "ack")
	return nil
}

// Nack 删除处理记录；requeue 且 retry_count < max_retries 时递增重试次数并放回原列表，
// 否则写入死信并删除消息哈希。处理记录已不归 consumer 所有时返回 ErrStaleClaim。
func (m *Manager) Nack(ctx context.Context, msg *Message, consumer string, requeue bool, reason string) error {
	if msg == nil || msg.ID == "" {
		return ErrInvalidMessage
	}

	ctx, span := queueTracer.Start(ctx, "queue.Nack")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", msg.Queue),
		attribute.String("messaging.message_id", msg.ID),
		attribute.String("messaging.consumer", consumer),
		attribute.Bool("messaging.requeue", requeue),
	)

	var (
		outcome    string
		retryCount int
	)
	claim := claimRef{consumer: consumer, startedAt: msg.claimedAt}
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		h, err := conn.HGetAll(ctx, messageKey(msg.ID))
		if err != nil {
			return err
		}
		current, err := messageFromHash(h)
		if err != nil {
			return err
		}

		var (
			action = settleDrop
			record []byte
			target = msg
		)
		switch {
		case current == nil:
			// 已被确认或已进入死信
			outcome = "gone"
		case requeue && current.RetryCount < current.MaxRetries:
			outcome, action, target = "retry", settleRetry, current
			current.RetryCount++
		default:
			outcome, action, target = "dlq", settleDLQ, current
			if record, err = m.dlqRecord(current, consumer, reason); err != nil {
				return err
			}
		}

		n, err := m.settle(ctx, conn, target, claim, action, record, bucketLockKey(msg))
		if err != nil {
			return err
		}
		if n < 0 {
			return ErrStaleClaim
		}
		if n == 0 {
			outcome = "gone"
		}
		retryCount = target.RetryCount
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStaleClaim) {
			m.metrics.QueueOp(msg.Queue, "stale")
			return fmt.Errorf("拒绝消息 %s 被忽略: %w", msg.ID, err)
		}
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return fmt.Errorf("拒绝消息 %s 失败: %w", msg.ID, err)
	}

	span.SetAttributes(attribute.String("messaging.nack_outcome", outcome))
	switch outcome {
	case "retry":
		msg.RetryCount = retryCount
		m.metrics.QueueOp(msg.Queue, "nack")
		m.logger.Info().Str("queue", msg.Queue).Str("message_id", msg.ID).
			Str("consumer", consumer).Int("retry_count", msg.RetryCount).Str("reason", reason).
			Msg("消息处理失败，已重新入队")
	case "dlq":
		msg.RetryCount = retryCount
		m.metrics.QueueOp(msg.Queue, "dlq")
		m.logger.Warn().Str("queue", msg.Queue).Str("message_id", msg.ID).
			Str("consumer", consumer).Int("retry_count", msg.RetryCount).Str("reason", reason).
			Msg("消息已移入死信队列")
	}
	return nil
}

// 结算动作，与 settleScript 的 ARGV[4] 对应
const (
	settleAck   = "ack"
	settleRetry = "retry"
	settleDLQ   = "dlq"
	settleDrop  = "drop"
)

// claimRef 标识一次出队产生的处理记录。startedAt 为空时只校验 consumer。
type claimRef struct {
	consumer  string
	startedAt string
}

// settle 执行 settleScript。retry 时优先级消息追加到队尾，分区消息放回队头以保持分区内顺序。
func (m *Manager) settle(ctx context.Context, conn *storage.Conn, msg *Message, claim claimRef,
	action string, record []byte, lockKey string) (int64, error) {
	side := "tail"
	if msg.Partitioned() {
		side = "head"
	}
	keys := []string{
		processingKey(msg.Queue, msg.ID),
		messageKey(msg.ID),
		knownKey(msg.Queue),
		readyListKey(msg),
		dlqKey(msg.Queue),
	}
	if lockKey != "" {
		keys = append(keys, lockKey)
	}

	res, err := conn.Eval(ctx, settleScript, keys,
		msg.ID, claim.consumer, claim.startedAt, action,
		msg.RetryCount, msg.Reclaims, side, string(record), string(StatusRetry))
	if err != nil {
		return 0, err
	}
	n, _ := res.(int64)
	return n, nil
}

// bucketLockKey 分区消息返回其桶锁 key，否则返回空串
func bucketLockKey(msg *Message) string {
	if !msg.Partitioned() {
		return ""
	}
	return partitionLockKey(msg.Queue, msg.Bucket())
}

func (m *Manager) visibilityFor(ctx context.Context, queue string, visibility time.Duration) (time.Duration, error) {
	if visibility > 0 {
		return visibility, nil
	}
	settings, err := m.GetSettings(ctx, queue)
	if err != nil {
		return 0, err
	}
	return settings.VisibilityTimeout, nil
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixMilli()) / 1000.0
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
