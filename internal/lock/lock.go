// Package lock 提供基于 Redis 的令牌式分布式互斥锁。
// 锁可能因 TTL 过期而被动丢失，持有者必须容忍这种情况；不提供续期。
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finq-go/internal/metrics"
	"finq-go/internal/storage"
	"finq-go/internal/tracing"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultPollInterval 等待锁时的轮询间隔
const DefaultPollInterval = 100 * time.Millisecond

var lockTracer = otel.Tracer("finq-go/lock")

// releaseScript 仅当当前持有者等于 token 时删除 key
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Locker 分布式锁
type Locker struct {
	pool         *storage.Redis
	client       *redislock.Client
	pollInterval time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// Option 配置 Locker
type Option func(*Locker)

// WithPollInterval 设置等待锁时的轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.pollInterval = d
		}
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Locker) { l.logger = logger }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Locker) { l.metrics = m }
}

// New 基于连接池创建 Locker
func New(pool *storage.Redis, opts ...Option) *Locker {
	l := &Locker{
		pool:         pool,
		client:       redislock.New(pool.Client),
		pollInterval: DefaultPollInterval,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire 尝试获取锁，成功返回 token，未获取到返回空字符串。
// waitTimeout<=0 时只尝试一次；否则以 pollInterval 轮询直到超时。
// 连接类错误以 error 返回，调用方应按"未获取到"处理。
func (l *Locker) Acquire(ctx context.Context, key string, ttl, waitTimeout time.Duration) (string, error) {
	if key == "" {
		return "", fmt.Errorf("lock key is required")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("lock ttl must be positive")
	}

	ctx, span := lockTracer.Start(ctx, "lock.Acquire")
	defer span.End()
	span.SetAttributes(
		attribute.String("lock.key", tracing.SafeRedisKey(key)),
		attribute.Int64("lock.ttl_ms", ttl.Milliseconds()),
		attribute.Int64("lock.wait_ms", waitTimeout.Milliseconds()),
	)

	if err := l.pool.Connect(ctx); err != nil {
		l.metrics.LockAcquire("error")
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
		return "", err
	}

	retry := redislock.NoRetry()
	if waitTimeout > 0 {
		retry = redislock.LinearBackoff(l.pollInterval)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, waitTimeout)
		defer cancel()
	}

	lk, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{RetryStrategy: retry})
	switch {
	case err == nil:
		l.metrics.LockAcquire("obtained")
		span.SetAttributes(attribute.Bool("lock.obtained", true))
		return lk.Token(), nil
	case errors.Is(err, redislock.ErrNotObtained),
		errors.Is(err, context.DeadlineExceeded) && waitTimeout > 0:
		l.metrics.LockAcquire("busy")
		span.SetAttributes(attribute.Bool("lock.obtained", false))
		return "", nil
	default:
		l.metrics.LockAcquire("error")
		tracing.RecordError(span, err, tracing.ErrorTypeLock)
		l.logger.Warn().Err(err).Str("lock_key", key).Msg("获取分布式锁失败")
		return "", fmt.Errorf("obtain lock %s: %w", key, err)
	}
}

// Release 释放锁。token 不匹配或锁已过期时返回 false，不视为错误。
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	if key == "" || token == "" {
		return false, nil
	}

	var released bool
	err := l.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		res, err := conn.Eval(ctx, releaseScript, []string{key}, token)
		if err != nil {
			return err
		}
		n, ok := res.(int64)
		released = ok && n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return released, nil
}

// WithLock 获取锁后执行 fn 并释放。未获取到锁时返回 (false, nil)。
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	token, err := l.Acquire(ctx, key, ttl, 0)
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}
	defer func() {
		// 使用独立的 context，确保即使调用方取消也能释放锁
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if ok, rerr := l.Release(releaseCtx, key, token); rerr != nil || !ok {
			l.logger.Warn().Err(rerr).Str("lock_key", key).Msg("锁释放失败或已过期")
		}
	}()
	return true, fn(ctx)
}
