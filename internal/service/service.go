// Package service 是队列子系统的门面：组装消息队列、事件队列、outbox、分布式锁与调度器，并负责生命周期。
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"finq-go/internal/config"
	"finq-go/internal/constants"
	"finq-go/internal/events"
	"finq-go/internal/lock"
	"finq-go/internal/metrics"
	"finq-go/internal/outbox"
	"finq-go/internal/queue"
	"finq-go/internal/scheduler"
	"finq-go/internal/storage"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

var (
	// ErrNotInitialized Initialize 尚未成功
	ErrNotInitialized = errors.New("service: not initialized")
	// ErrOutboxUnavailable 未配置数据库，outbox 不可用
	ErrOutboxUnavailable = errors.New("service: outbox requires a database")
	// ErrConsumerExists 同一队列下消费者 id 重复
	ErrConsumerExists = errors.New("service: consumer already registered")
	// ErrConsumerNotFound 消费者不存在
	ErrConsumerNotFound = errors.New("service: consumer not found")
)

// Service 队列子系统门面。构造一次，显式传递给需要的组件。
type Service struct {
	cfg  *config.Config
	pool *storage.Redis

	queues    *queue.Manager
	events    *events.Manager
	outbox    *outbox.Service
	locker    *lock.Locker
	scheduler *scheduler.Scheduler

	bridge    events.Bridge
	dlqSink   queue.DLQSink
	queueOpts []queue.Option
	eventOpts []events.Option
	schedOpts []scheduler.Option

	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	initialized bool
	consumers   map[string]*queue.Consumer
	knownQueues map[string]struct{}

	rootCtx context.Context
	cancel  context.CancelFunc
	bgWG    sync.WaitGroup
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

// WithEventBridge 发布成功后镜像到外部 broker
func WithEventBridge(b events.Bridge) Option {
	return func(s *Service) { s.bridge = b }
}

// WithDLQSink cleanup_queues 将超出保留条数的死信归档到 sink
func WithDLQSink(sink queue.DLQSink) Option {
	return func(s *Service) { s.dlqSink = sink }
}

// WithQueueOptions 透传给消息队列管理器
func WithQueueOptions(opts ...queue.Option) Option {
	return func(s *Service) { s.queueOpts = append(s.queueOpts, opts...) }
}

// WithEventOptions 透传给事件队列管理器
func WithEventOptions(opts ...events.Option) Option {
	return func(s *Service) { s.eventOpts = append(s.eventOpts, opts...) }
}

// WithSchedulerOptions 透传给调度器
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(s *Service) { s.schedOpts = append(s.schedOpts, opts...) }
}

// New 创建门面，调用 Initialize 后可用
func New(cfg *config.Config, pool *storage.Redis, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s := &Service{
		cfg:         cfg,
		pool:        pool,
		logger:      zerolog.Nop(),
		consumers:   make(map[string]*queue.Consumer),
		knownQueues: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, q := range cfg.Queue.MonitoredQueues {
		s.knownQueues[q] = struct{}{}
	}
	s.knownQueues[constants.QueueRiskAnalysis] = struct{}{}
	s.knownQueues[constants.QueueTradeSettlement] = struct{}{}
	return s
}

// Initialize 一次性初始化：检查 Redis、构建各组件、恢复订阅、启动延迟消息处理与调度任务。
// db 为 nil 时不启用 outbox。
func (s *Service) Initialize(ctx context.Context, db *gorm.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if s.pool == nil {
		return fmt.Errorf("service: redis pool is required")
	}
	if err := s.pool.Connect(ctx); err != nil {
		return fmt.Errorf("service: redis unavailable: %w", err)
	}

	qopts := append([]queue.Option{
		queue.WithLogger(s.logger.With().Str("component", "queue").Logger()),
		queue.WithMetrics(s.metrics),
	}, s.queueOpts...)
	s.queues = queue.NewManager(s.pool, s.cfg.Queue, qopts...)

	eopts := []events.Option{
		events.WithLogger(s.logger.With().Str("component", "events").Logger()),
		events.WithMetrics(s.metrics),
	}
	if s.bridge != nil {
		eopts = append(eopts, events.WithBridge(s.bridge))
	}
	s.events = events.NewManager(s.pool, s.cfg.Events, append(eopts, s.eventOpts...)...)

	s.locker = lock.New(s.pool,
		lock.WithLogger(s.logger.With().Str("component", "lock").Logger()),
		lock.WithMetrics(s.metrics))

	if db != nil {
		if s.cfg.Outbox.AutoMigrate {
			if err := outbox.Migrate(db); err != nil {
				return fmt.Errorf("service: migrate outbox: %w", err)
			}
		}
		s.outbox = outbox.NewService(db, s.cfg.Outbox,
			outbox.WithLogger(s.logger.With().Str("component", "outbox").Logger()),
			outbox.WithMetrics(s.metrics))
		s.registerOutboxHandlers()
	} else {
		s.logger.Warn().Msg("未提供数据库连接，outbox 已禁用")
	}

	if n, err := s.events.LoadPersisted(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("恢复订阅记录失败")
	} else if n > 0 {
		s.logger.Info().Int("count", n).Msg("已恢复订阅记录")
	}

	s.rootCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.bgWG.Add(1)
	go s.runDelayedProcessor(s.rootCtx)

	sopts := append([]scheduler.Option{
		scheduler.WithTick(config.GetDuration(s.cfg.Scheduler.TickInterval, time.Second)),
		scheduler.WithLogger(s.logger.With().Str("component", "scheduler").Logger()),
		scheduler.WithMetrics(s.metrics),
	}, s.schedOpts...)
	s.scheduler = scheduler.New(s.locker, sopts...)
	if err := s.registerJobs(); err != nil {
		s.cancel()
		return err
	}
	s.scheduler.Start(s.rootCtx)

	s.initialized = true
	s.logger.Info().Bool("outbox", s.outbox != nil).Bool("bridge", s.bridge != nil).Msg("队列服务初始化完成")
	return nil
}

func (s *Service) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *Service) trackQueue(name string) {
	s.mu.Lock()
	s.knownQueues[name] = struct{}{}
	s.mu.Unlock()
}

// Queues 返回已知队列名（配置、发送过或注册过消费者的队列）
func (s *Service) Queues() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.knownQueues))
	for q := range s.knownQueues {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

// Scheduler 返回调度器，便于注册业务任务
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Locker 返回分布式锁
func (s *Service) Locker() *lock.Locker {
	return s.locker
}

// Outbox 返回 outbox 服务，未启用时为 nil
func (s *Service) Outbox() *outbox.Service {
	return s.outbox
}

// Queue 返回消息队列管理器
func (s *Service) Queue() *queue.Manager {
	return s.queues
}

// Shutdown 按顺序关闭：停止调度器，停止消费者并在宽限期内等待在途处理，
// 停止延迟消息处理器与订阅投递循环，最后关闭 Redis 连接池。
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	consumers := make([]*queue.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[string]*queue.Consumer)
	s.mu.Unlock()

	var errs []error

	// 1. 调度器不再启动新任务
	if err := s.scheduler.Shutdown(config.GetDuration(s.cfg.Scheduler.ShutdownTimeout, 30*time.Second)); err != nil {
		s.logger.Warn().Err(err).Msg("调度器关闭超时")
		errs = append(errs, err)
	}

	// 2. 消费者：通知退出后在宽限期内等待
	for _, c := range consumers {
		c.Stop()
	}
	grace := config.GetDuration(s.cfg.Queue.ShutdownGracePeriod, 30*time.Second)
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	for _, c := range consumers {
		if err := c.Wait(graceCtx); err != nil {
			// 在途消息留在 mq:processing 中，由回收器在可见性超时后恢复
			s.logger.Warn().Str("queue", c.Queue()).Str("consumer", c.ID()).Msg("消费者在宽限期内未退出")
			errs = append(errs, fmt.Errorf("consumer %s/%s: %w", c.Queue(), c.ID(), err))
		}
	}
	cancel()

	// 3. 延迟消息与回收器
	s.cancel()
	s.bgWG.Wait()

	// 4. 订阅投递循环，收件箱保留
	closeCtx, cancelClose := context.WithTimeout(ctx, grace)
	if err := s.events.Close(closeCtx); err != nil {
		errs = append(errs, err)
	}
	cancelClose()

	// 5. 连接池，重复关闭无副作用
	if err := s.pool.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close redis pool: %w", err))
	}

	s.logger.Info().Int("consumers", len(consumers)).Msg("队列服务已关闭")
	return errors.Join(errs...)
}

// runDelayedProcessor 每个节拍提升到期的延迟消息并回收超时的处理记录
func (s *Service) runDelayedProcessor(ctx context.Context) {
	defer s.bgWG.Done()
	interval := config.GetDuration(s.cfg.Queue.DelayedInterval, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := s.queues.ProcessDelayedMessages(ctx); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("处理延迟消息失败")
			}
		} else if n > 0 {
			s.logger.Debug().Int("promoted", n).Msg("延迟消息已到期入队")
		}

		if n, err := s.queues.ReclaimExpired(ctx); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("回收超时消息失败")
			}
		} else if n > 0 {
			s.logger.Info().Int("reclaimed", n).Msg("已回收可见性超时的消息")
		}
	}
}
