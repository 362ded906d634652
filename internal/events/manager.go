package events

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"finq-go/internal/config"
	"finq-go/internal/constants"
	"finq-go/internal/metrics"
	"finq-go/internal/storage"
	"finq-go/internal/tracing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var eventsTracer = otel.Tracer("finq-go/events")

// Bridge 事件镜像目标（例如 AMQP topic exchange），发布成功后尽力投递
type Bridge interface {
	PublishEvent(ctx context.Context, routingKey string, body []byte) error
}

// Manager 事件队列管理器
type Manager struct {
	pool         *storage.Redis
	historyLimit int
	pollInterval time.Duration
	bridge       Bridge

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	subs map[string]*liveSub
	wg   sync.WaitGroup
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

// WithBridge 设置事件镜像
func WithBridge(b Bridge) Option {
	return func(m *Manager) { m.bridge = b }
}

// WithPollInterval 覆盖收件箱空轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// NewManager 创建事件队列管理器
func NewManager(pool *storage.Redis, cfg config.EventsConfig, opts ...Option) *Manager {
	m := &Manager{
		pool:         pool,
		historyLimit: cfg.HistoryLimit,
		pollInterval: config.GetDuration(cfg.PollInterval, time.Second),
		logger:       zerolog.Nop(),
		now:          time.Now,
		subs:         make(map[string]*liveSub),
	}
	if m.historyLimit <= 0 {
		m.historyLimit = constants.DefaultHistoryLimit
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func inboxKey(subscriptionID string) string {
	return fmt.Sprintf(constants.KeySubscriberInbox, subscriptionID)
}

func historyKey(t EventType) string {
	return fmt.Sprintf(constants.KeyEventHistory, string(t))
}

func notifyChannel(t EventType) string {
	return fmt.Sprintf(constants.KeyEventNotify, string(t))
}

// publishScript 追加历史并推入匹配订阅的收件箱；订阅记录已删除的收件箱跳过，避免重建已取消的收件箱。
// KEYS[1]=历史列表 KEYS[2]=订阅记录 KEYS[3..]=收件箱
// ARGV[1]=事件 ARGV[2]=历史上限 ARGV[3..]=与收件箱对应的订阅 id
// 返回实际推入的收件箱数量
var publishScript = redis.NewScript(`
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], -tonumber(ARGV[2]), -1)
local n = 0
for i = 3, #KEYS do
	if redis.call('HEXISTS', KEYS[2], ARGV[i]) == 1 then
		redis.call('RPUSH', KEYS[i], ARGV[1])
		n = n + 1
	end
end
return n
`)

// Publish 追加到该类型的历史（保留最近 historyLimit 条），并推入所有匹配订阅的收件箱。
// 历史与收件箱在同一脚本中写入。订阅匹配在发布时计算一次。
func (m *Manager) Publish(ctx context.Context, ev *Event) error {
	if ev == nil {
		return ErrInvalidEvent
	}
	body, err := ev.prepare(m.now())
	if err != nil {
		m.metrics.EventOp(string(ev.Type), "rejected")
		return err
	}

	ctx, span := eventsTracer.Start(ctx, "events.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.id", ev.ID),
		attribute.String("event.source", ev.Source),
	)

	var (
		matched []string
		fanout  int
	)
	err = m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		records, err := conn.HGetAll(ctx, constants.KeySubscriptions)
		if err != nil {
			return err
		}
		for id, raw := range records {
			sub, err := decodeSubscription(raw)
			if err != nil {
				m.logger.Warn().Err(err).Str("subscription_id", id).Msg("跳过无法解析的订阅记录")
				continue
			}
			if sub.Wants(ev) {
				matched = append(matched, sub.ID)
			}
		}
		slices.Sort(matched)

		keys := make([]string, 0, len(matched)+2)
		args := make([]any, 0, len(matched)+2)
		keys = append(keys, historyKey(ev.Type), constants.KeySubscriptions)
		args = append(args, body, m.historyLimit)
		for _, id := range matched {
			keys = append(keys, inboxKey(id))
			args = append(args, id)
		}
		res, err := conn.Eval(ctx, publishScript, keys, args...)
		if err != nil {
			return err
		}
		n, _ := res.(int64)
		fanout = int(n)

		if _, err := conn.Publish(ctx, notifyChannel(ev.Type), ev.ID); err != nil {
			m.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("发布通知失败")
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEvent)
		m.metrics.EventOp(string(ev.Type), "failed")
		return fmt.Errorf("发布事件失败 type=%s: %w", ev.Type, err)
	}

	span.SetAttributes(attribute.Int("event.fanout", fanout))
	m.metrics.EventOp(string(ev.Type), "published")
	m.logger.Debug().
		Str("event_type", string(ev.Type)).
		Str("event_id", ev.ID).
		Str("correlation_id", ev.CorrelationID).
		Int("fanout", fanout).
		Msg("事件已发布")

	if m.bridge != nil {
		if err := m.bridge.PublishEvent(ctx, string(ev.Type), body); err != nil {
			m.logger.Warn().Err(err).Str("event_type", string(ev.Type)).Str("event_id", ev.ID).
				Msg("事件镜像失败")
		}
	}
	return nil
}

// SubscribeOption 订阅选项
type SubscribeOption func(*Subscription)

// WithSubscriptionID 使用指定的订阅 id，已存在的收件箱会被继续消费
func WithSubscriptionID(id string) SubscribeOption {
	return func(s *Subscription) { s.ID = id }
}

// Subscribe 保存订阅记录并启动投递循环，返回订阅 id
func (m *Manager) Subscribe(ctx context.Context, subscriberID string, types []EventType, cb EventCallback,
	filters map[string]any, opts ...SubscribeOption) (string, error) {
	if subscriberID == "" {
		return "", fmt.Errorf("%w: subscriber id is required", ErrInvalidEvent)
	}
	if cb == nil {
		return "", fmt.Errorf("%w: callback is required", ErrInvalidEvent)
	}
	if len(types) == 0 {
		return "", fmt.Errorf("%w: at least one event type is required", ErrInvalidEvent)
	}
	for _, t := range types {
		if !t.Valid() {
			return "", fmt.Errorf("%w: %q", ErrUnknownEventType, string(t))
		}
	}

	sub := &Subscription{
		SubscriberID: subscriberID,
		EventTypes:   slices.Clone(types),
		Filters:      filters,
		Active:       true,
		CreatedAt:    m.now().UTC(),
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	m.mu.Lock()
	if existing, ok := m.subs[sub.ID]; ok && existing.callback != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: subscription %s is already running", ErrInvalidEvent, sub.ID)
	}
	m.mu.Unlock()

	record, err := json.Marshal(sub)
	if err != nil {
		return "", fmt.Errorf("%w: filters are not JSON-serialisable: %v", ErrInvalidEvent, err)
	}
	err = m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		return conn.HSet(ctx, constants.KeySubscriptions, map[string]any{sub.ID: string(record)})
	})
	if err != nil {
		return "", fmt.Errorf("保存订阅失败: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &liveSub{sub: sub, callback: cb, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.subs[sub.ID] = rt
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliver(loopCtx, rt)

	m.logger.Info().
		Str("subscription_id", sub.ID).
		Str("subscriber_id", subscriberID).
		Interface("event_types", types).
		Msg("订阅已创建")
	return sub.ID, nil
}

// Unsubscribe 停止投递循环，删除订阅记录与收件箱
func (m *Manager) Unsubscribe(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	rt, ok := m.subs[subscriptionID]
	if ok {
		rt.sub.Active = false
		delete(m.subs, subscriptionID)
	}
	m.mu.Unlock()

	if ok && rt.cancel != nil {
		rt.cancel()
	}

	var removed int64
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		var err error
		if removed, err = conn.HDel(ctx, constants.KeySubscriptions, subscriptionID); err != nil {
			return err
		}
		_, err = conn.Del(ctx, inboxKey(subscriptionID))
		return err
	})
	if err != nil {
		return fmt.Errorf("取消订阅失败 id=%s: %w", subscriptionID, err)
	}
	if !ok && removed == 0 {
		return ErrSubscriptionNotFound
	}

	m.logger.Info().Str("subscription_id", subscriptionID).Msg("订阅已取消")
	return nil
}

// LoadPersisted 把 Redis 中本进程尚未运行的订阅记录载入为占位项，返回载入数量
func (m *Manager) LoadPersisted(ctx context.Context) (int, error) {
	var records map[string]string
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		var err error
		records, err = conn.HGetAll(ctx, constants.KeySubscriptions)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("读取订阅记录失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	loaded := 0
	for id, raw := range records {
		if _, ok := m.subs[id]; ok {
			continue
		}
		sub, err := decodeSubscription(raw)
		if err != nil {
			m.logger.Warn().Err(err).Str("subscription_id", id).Msg("跳过无法解析的订阅记录")
			continue
		}
		m.subs[id] = &liveSub{sub: sub}
		loaded++
	}
	if loaded > 0 {
		m.logger.Info().Int("subscriptions", loaded).Msg("已载入历史订阅")
	}
	return loaded, nil
}

// deliver 左弹收件箱并调用回调；收件箱为空时按 pollInterval 轮询
func (m *Manager) deliver(ctx context.Context, rt *liveSub) {
	defer m.wg.Done()
	defer close(rt.done)

	log := m.logger.With().
		Str("subscription_id", rt.sub.ID).
		Str("subscriber_id", rt.sub.SubscriberID).
		Logger()
	key := inboxKey(rt.sub.ID)

	for ctx.Err() == nil {
		var (
			raw string
			ok  bool
		)
		err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
			var err error
			raw, ok, err = conn.LPop(ctx, key)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("读取收件箱失败")
		}
		if err != nil || !ok {
			if !sleepCtx(ctx, m.pollInterval) {
				return
			}
			continue
		}

		ev, err := decodeEvent(raw)
		if err != nil {
			rt.failed.Add(1)
			log.Error().Err(err).Msg("丢弃无法解析的事件")
			continue
		}
		m.invoke(ctx, rt, ev, log)
	}
}

func (m *Manager) invoke(ctx context.Context, rt *liveSub, ev *Event, log zerolog.Logger) {
	hctx, span := eventsTracer.Start(context.WithoutCancel(ctx), "events.Deliver",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.id", ev.ID),
		attribute.String("subscription.id", rt.sub.ID),
	)

	ok := func() (ok bool) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("event_id", ev.ID).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("事件回调 panic")
				ok = false
			}
		}()
		return rt.callback(hctx, ev)
	}()

	if ok {
		rt.delivered.Add(1)
		m.metrics.EventOp(string(ev.Type), "delivered")
		return
	}
	rt.failed.Add(1)
	m.metrics.EventOp(string(ev.Type), "delivery_failed")
	tracing.RecordHandlerFailure(span, ev.ID, 0)
	log.Warn().Str("event_id", ev.ID).Str("event_type", string(ev.Type)).Msg("事件投递失败")
}

// History 按时间倒序返回该类型最近 limit 条事件，limit<=0 时返回全部保留窗口
func (m *Manager) History(ctx context.Context, t EventType, limit int) ([]*Event, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, string(t))
	}
	if limit <= 0 || limit > m.historyLimit {
		limit = m.historyLimit
	}

	var raw []string
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		var err error
		raw, err = conn.LRange(ctx, historyKey(t), -int64(limit), -1)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("读取事件历史失败 type=%s: %w", t, err)
	}

	out := make([]*Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		ev, err := decodeEvent(raw[i])
		if err != nil {
			m.logger.Warn().Err(err).Str("event_type", string(t)).Msg("跳过无法解析的历史事件")
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Stats 事件队列统计
type Stats struct {
	Subscriptions []SubscriptionStats `json:"subscriptions"`
	History       map[string]int64    `json:"history"`
}

// Stats 返回各订阅的收件箱长度、投递计数与各类型历史长度
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	snapshot := make([]SubscriptionStats, 0, len(m.subs))
	for _, rt := range m.subs {
		snapshot = append(snapshot, SubscriptionStats{
			ID:           rt.sub.ID,
			SubscriberID: rt.sub.SubscriberID,
			EventTypes:   rt.sub.EventTypes,
			Active:       rt.sub.Active,
			Running:      rt.running(),
			Delivered:    rt.delivered.Load(),
			Failed:       rt.failed.Load(),
		})
	}
	m.mu.RUnlock()
	slices.SortFunc(snapshot, func(a, b SubscriptionStats) int {
		return strings.Compare(a.ID, b.ID)
	})

	stats := &Stats{
		Subscriptions: snapshot,
		History:       make(map[string]int64, len(AllEventTypes)),
	}
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		for i := range stats.Subscriptions {
			n, err := conn.LLen(ctx, inboxKey(stats.Subscriptions[i].ID))
			if err != nil {
				return err
			}
			stats.Subscriptions[i].InboxLength = n
		}
		for _, t := range AllEventTypes {
			n, err := conn.LLen(ctx, historyKey(t))
			if err != nil {
				return err
			}
			if n > 0 {
				stats.History[string(t)] = n
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("读取事件统计失败: %w", err)
	}
	return stats, nil
}

// Close 停止所有投递循环并等待其退出；收件箱保留在 Redis 中
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	for _, rt := range m.subs {
		if rt.cancel != nil {
			rt.cancel()
		}
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("等待订阅循环退出超时: %w", ctx.Err())
	}
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
