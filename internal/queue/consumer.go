package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"finq-go/internal/constants"
	"finq-go/internal/tracing"
	"finq-go/pkg/ratelimit"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler 处理一条消息，返回 true 表示成功（ack），false 表示失败（nack 并重试）
type MessageHandler func(ctx context.Context, msg *Message) bool

// ConsumerOptions 消费者参数
type ConsumerOptions struct {
	// PollInterval 无消息时的等待间隔
	PollInterval time.Duration
	// VisibilityTimeout 为 0 时使用队列配置
	VisibilityTimeout time.Duration
	// PollQPM 每分钟最多出队次数，0 为不限
	PollQPM int
}

// ConsumerStats 消费者计数
type ConsumerStats struct {
	ID        string `json:"id"`
	Queue     string `json:"queue"`
	Running   bool   `json:"running"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

// Consumer 轮询一个队列：先按优先级出队，再轮转扫描分区桶
type Consumer struct {
	id      string
	queue   string
	manager *Manager
	handler MessageHandler
	opts    ConsumerOptions
	limiter *ratelimit.TokenBucket
	logger  zerolog.Logger

	nextBucket int
	processed  atomic.Int64
	failed     atomic.Int64
	running    atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

// NewConsumer 创建消费者，调用 Start 后开始轮询
func (m *Manager) NewConsumer(queue, id string, handler MessageHandler, opts ConsumerOptions) (*Consumer, error) {
	if queue == "" || id == "" {
		return nil, fmt.Errorf("queue and consumer id are required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}

	c := &Consumer{
		id:      id,
		queue:   queue,
		manager: m,
		handler: handler,
		opts:    opts,
		logger:  m.logger.With().Str("queue", queue).Str("consumer", id).Logger(),
	}
	if opts.PollQPM > 0 {
		c.limiter = ratelimit.NewTokenBucket(opts.PollQPM, 0)
	}
	return c, nil
}

// ID 消费者标识
func (c *Consumer) ID() string { return c.id }

// Queue 消费的队列
func (c *Consumer) Queue() string { return c.queue }

// Start 启动轮询协程。重复调用无效。
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.running.Store(true)

	go c.loop(ctx, c.done)
	c.logger.Info().Msg("消费者已启动")
}

// Stop 通知轮询协程退出，不等待在途处理完成
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Wait 等待轮询协程退出或 ctx 结束
func (c *Consumer) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats 返回计数快照
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		ID:        c.id,
		Queue:     c.queue,
		Running:   c.running.Load(),
		Processed: c.processed.Load(),
		Failed:    c.failed.Load(),
	}
}

func (c *Consumer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.running.Store(false)
	defer c.logger.Info().Msg("消费者已停止")

	for {
		if ctx.Err() != nil {
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}

		msg, err := c.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("出队失败")
		}
		if msg == nil {
			if !sleepCtx(ctx, c.opts.PollInterval) {
				return
			}
			continue
		}

		c.process(ctx, msg)
	}
}

// next 先取优先级列表，再从上次位置开始轮转扫描分区桶
func (c *Consumer) next(ctx context.Context) (*Message, error) {
	msg, err := c.manager.Dequeue(ctx, c.queue, c.id, c.opts.VisibilityTimeout)
	if err != nil || msg != nil {
		return msg, err
	}

	for i := 0; i < constants.PartitionBuckets; i++ {
		bucket := (c.nextBucket + i) % constants.PartitionBuckets
		msg, err = c.manager.DequeuePartition(ctx, c.queue, bucket, c.id, c.opts.VisibilityTimeout)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			c.nextBucket = (bucket + 1) % constants.PartitionBuckets
			return msg, nil
		}
	}
	return nil, nil
}

// process 调用处理器并 ack/nack。处理器运行在与停止信号解耦的 ctx 上，
// 停止期间在途消息仍会完成确认。
func (c *Consumer) process(ctx context.Context, msg *Message) {
	hctx := context.WithoutCancel(ctx)
	hctx, span := queueTracer.Start(hctx, "queue.Handle", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", msg.Queue),
		attribute.String("messaging.message_id", msg.ID),
		attribute.String("messaging.consumer", c.id),
		attribute.Int("messaging.retry_count", msg.RetryCount),
	)

	start := time.Now()
	ok, reason := c.invoke(hctx, msg)
	c.manager.metrics.ObserveHandler(msg.Queue, ok, time.Since(start))

	if ok {
		c.processed.Add(1)
		c.settled(c.manager.Ack(hctx, msg, c.id), msg, "确认消息失败")
		return
	}

	c.failed.Add(1)
	tracing.RecordHandlerFailure(span, msg.ID, msg.RetryCount)
	c.settled(c.manager.Nack(hctx, msg, c.id, true, reason), msg, "拒绝消息失败")
}

// settled 记录 ack/nack 的结果；处理期间消息已被回收时只告警
func (c *Consumer) settled(err error, msg *Message, failMsg string) {
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleClaim):
		c.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("处理超过可见性超时，消息已被回收")
	default:
		c.logger.Error().Err(err).Str("message_id", msg.ID).Msg(failMsg)
	}
}

func (c *Consumer) invoke(ctx context.Context, msg *Message) (ok bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("message_id", msg.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("消息处理器 panic")
			ok, reason = false, fmt.Sprintf("handler panic: %v", r)
		}
	}()
	if c.handler(ctx, msg) {
		return true, ""
	}
	return false, "handler returned false"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
