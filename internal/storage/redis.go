package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"finq-go/internal/config"
	"finq-go/internal/tracing"
	"finq-go/pkg/ratelimit"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotInitialized 客户端尚未建立连接
var ErrNotInitialized = errors.New("redis client is not initialized")

// 为Redis连接池定义专用tracer
var redisTracer = otel.Tracer("finq-go/storage/redis")

// HealthStatus 健康检查结果
type HealthStatus struct {
	Healthy   bool    `json:"healthy"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// Redis 连接池封装。所有组件通过 Acquire 获取作用域连接，离开作用域时归还。
type Redis struct {
	Client *redis.Client
	config *config.RedisConfig

	connectMu   sync.Mutex
	initialized atomic.Bool
}

// NewRedisAdapter 根据配置创建连接池。连接是惰性的，首次 Acquire 或显式 Connect 时才会 ping。
func NewRedisAdapter(cfg *config.RedisConfig) (*Redis, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opt := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,

		// 连接池设置
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,

		// 超时设置
		DialTimeout:  time.Duration(cfg.DialTimeoutSeconds) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeoutSeconds) * time.Second,

		// 命令级重试
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: time.Duration(cfg.MinRetryBackoffMS) * time.Millisecond,
		MaxRetryBackoff: time.Duration(cfg.MaxRetryBackoffMS) * time.Millisecond,

		// 连接生命周期
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute,
	}

	client := redis.NewClient(opt)

	// 添加OpenTelemetry钩子, 记录所有Redis操作
	if err := redisotel.InstrumentTracing(client); err != nil {
		return nil, fmt.Errorf("failed to instrument Redis with OpenTelemetry: %w", err)
	}

	return &Redis{Client: client, config: cfg}, nil
}

// NewRedisFromClient 使用已有客户端构建连接池，cfg 为 nil 时使用默认配置
func NewRedisFromClient(client *redis.Client, cfg *config.RedisConfig) *Redis {
	if cfg == nil {
		cfg = &config.DefaultConfig().Redis
	}
	return &Redis{Client: client, config: cfg}
}

// Connect 以有界的指数退避 ping 服务器，成功后标记为已初始化
func (r *Redis) Connect(ctx context.Context) error {
	if r.Client == nil {
		return ErrNotInitialized
	}
	if r.initialized.Load() {
		return nil
	}

	r.connectMu.Lock()
	defer r.connectMu.Unlock()
	if r.initialized.Load() {
		return nil
	}

	attempts := r.config.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := time.Duration(r.config.ConnectBackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	retrier := ratelimit.NewTokenBucket(600, attempts).WithRetryPolicy(backoff, attempts-1)
	err := retrier.RetryWithBackoff(ctx, func() error {
		pingCtx, cancel := context.WithTimeout(ctx, r.healthTimeout())
		defer cancel()
		return r.Client.Ping(pingCtx).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", r.config.Address, err)
	}

	r.initialized.Store(true)
	return nil
}

// IsInitialized 返回连接池是否已成功连接过
func (r *Redis) IsInitialized() bool {
	return r != nil && r.initialized.Load()
}

// HealthCheck ping 一次并返回延迟
func (r *Redis) HealthCheck(ctx context.Context) HealthStatus {
	if r == nil || r.Client == nil {
		return HealthStatus{Error: ErrNotInitialized.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, r.healthTimeout())
	defer cancel()

	start := time.Now()
	err := r.Client.Ping(ctx).Err()
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return HealthStatus{LatencyMS: latency, Error: err.Error()}
	}
	return HealthStatus{Healthy: true, LatencyMS: latency}
}

// Acquire 从连接池取出一个连接并在 fn 返回后归还。首次调用时惰性建立连接。
func (r *Redis) Acquire(ctx context.Context, fn func(ctx context.Context, conn *Conn) error) error {
	if r == nil || r.Client == nil {
		return ErrNotInitialized
	}
	if err := r.Connect(ctx); err != nil {
		return err
	}

	if timeout := r.operationTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c := r.Client.Conn()
	defer func() {
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, redis.ErrClosed) {
			span := trace.SpanFromContext(ctx)
			tracing.RecordErrorWithInfo(span, cerr, tracing.ErrorTypeRedis,
				attribute.String("redis.op", "conn.close"))
		}
	}()

	return fn(ctx, &Conn{cmd: c})
}

// AcquireTraced 与 Acquire 相同，但为整个作用域创建一个 span
func (r *Redis) AcquireTraced(ctx context.Context, spanName string, fn func(ctx context.Context, conn *Conn) error) error {
	ctx, span := redisTracer.Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	err := r.Acquire(ctx, fn)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRedis)
	}
	return err
}

// Ping checks the Redis connection
func (r *Redis) Ping(ctx context.Context) error {
	if r.Client == nil {
		return ErrNotInitialized
	}
	return r.Client.Ping(ctx).Err()
}

// Close closes the Redis client connection
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	r.initialized.Store(false)
	err := r.Client.Close()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}

func (r *Redis) operationTimeout() time.Duration {
	return time.Duration(r.config.OperationTimeoutMS) * time.Millisecond
}

func (r *Redis) healthTimeout() time.Duration {
	if r.config.HealthCheckTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(r.config.HealthCheckTimeoutMS) * time.Millisecond
}
