package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"finq-go/internal/config"
	"finq-go/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := storage.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)

	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	m := NewManager(pool, config.DefaultConfig().Events, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
		_ = pool.Close()
	})
	return m, mr
}

type recorder struct {
	mu     sync.Mutex
	events []*Event
	result bool
}

func (r *recorder) callback(_ context.Context, ev *Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.result
}

func (r *recorder) received() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events...)
}

func TestSubscribePublishDeliversEqualEvent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := &recorder{result: true}

	_, err := m.Subscribe(ctx, "risk-service", []EventType{PortfolioUpdated}, rec.callback, nil)
	require.NoError(t, err)

	ev := NewEvent(PortfolioUpdated, "portfolio-service", map[string]any{"portfolio_id": "p-7", "delta": 1}, "corr-1")
	ev.Metadata = map[string]string{"tenant": "t1"}
	require.NoError(t, m.Publish(ctx, ev))

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ev, rec.received()[0])
}

func TestPublishRejectsUnknownType(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	err := m.Publish(ctx, &Event{Type: "portfolio.exploded", Source: "x"})
	assert.ErrorIs(t, err, ErrUnknownEventType)

	err = m.Publish(ctx, &Event{Type: PortfolioUpdated})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	assert.False(t, mr.Exists("eq:history:portfolio.exploded"))
	assert.False(t, mr.Exists("eq:history:portfolio.updated"))
}

func TestFanOutHonoursTypesAndFilters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	all := &recorder{result: true}
	bySource := &recorder{result: true}
	byData := &recorder{result: true}
	otherType := &recorder{result: true}

	_, err := m.Subscribe(ctx, "all", []EventType{TradeExecuted}, all.callback, nil)
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "by-source", []EventType{TradeExecuted}, bySource.callback,
		map[string]any{"source": "desk-a"})
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "by-data", []EventType{TradeExecuted}, byData.callback,
		map[string]any{"data.symbol": "AAPL", "data.qty": 10})
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, "other", []EventType{PriceAlert}, otherType.callback, nil)
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, NewEvent(TradeExecuted, "desk-a", map[string]any{"symbol": "AAPL", "qty": 10}, "")))
	require.NoError(t, m.Publish(ctx, NewEvent(TradeExecuted, "desk-b", map[string]any{"symbol": "MSFT", "qty": 10}, "")))

	require.Eventually(t, func() bool {
		return len(all.received()) == 2 && len(bySource.received()) == 1 && len(byData.received()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "desk-a", bySource.received()[0].Source)
	assert.Equal(t, "AAPL", byData.received()[0].Data["symbol"])
	assert.Empty(t, otherType.received())
}

func TestMatches(t *testing.T) {
	ev := &Event{
		Type:          PriceAlert,
		Source:        "pricer",
		CorrelationID: "c-1",
		Data:          map[string]any{"symbol": "AAPL", "threshold": 150.0, "tags": []any{"a"}},
	}

	cases := []struct {
		name    string
		filters map[string]any
		want    bool
	}{
		{"empty", nil, true},
		{"source", map[string]any{"source": "pricer"}, true},
		{"source mismatch", map[string]any{"source": "other"}, false},
		{"correlation", map[string]any{"correlation_id": "c-1"}, true},
		{"data string", map[string]any{"data.symbol": "AAPL"}, true},
		{"data number across types", map[string]any{"data.threshold": 150}, true},
		{"data slice", map[string]any{"data.tags": []string{"a"}}, true},
		{"data missing field", map[string]any{"data.missing": "x"}, false},
		{"data empty field", map[string]any{"data.": "x"}, false},
		{"unknown key", map[string]any{"region": "eu"}, false},
		{"all must match", map[string]any{"source": "pricer", "data.symbol": "MSFT"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(tc.filters, ev))
		})
	}
}

func TestHistoryIsBoundedAndNewestFirst(t *testing.T) {
	mr := miniredis.RunT(t)
	pool := storage.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	defer pool.Close()
	m := NewManager(pool, config.EventsConfig{HistoryLimit: 5})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, m.Publish(ctx, NewEvent(MarketDataUpdated, "feed", map[string]any{"seq": i}, "")))
	}

	items, err := mr.List("eq:history:market.data.updated")
	require.NoError(t, err)
	assert.Len(t, items, 5)

	history, err := m.History(ctx, MarketDataUpdated, 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, float64(7), history[0].Data["seq"])
	assert.Equal(t, float64(6), history[1].Data["seq"])
	assert.Equal(t, float64(5), history[2].Data["seq"])

	history, err = m.History(ctx, MarketDataUpdated, 0)
	require.NoError(t, err)
	assert.Len(t, history, 5)

	_, err = m.History(ctx, "nope", 1)
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestUnsubscribeStopsDeliveryAndDropsInbox(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	rec := &recorder{result: true}

	id, err := m.Subscribe(ctx, "s1", []EventType{SystemError}, rec.callback, nil)
	require.NoError(t, err)
	require.NoError(t, m.Unsubscribe(ctx, id))

	require.NoError(t, m.Publish(ctx, NewEvent(SystemError, "core", nil, "")))
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, rec.received())
	assert.False(t, mr.Exists(inboxKey(id)))
	assert.False(t, mr.Exists("eq:subscriptions"))

	assert.ErrorIs(t, m.Unsubscribe(ctx, id), ErrSubscriptionNotFound)
}

func TestPublishSkipsInboxOfRemovedSubscription(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	mr.HSet("eq:subscriptions", "live", `{"id":"live"}`)

	// 匹配计算之后、写入之前被取消的订阅不应重新出现收件箱
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		res, err := conn.Eval(ctx, publishScript,
			[]string{historyKey(PortfolioUpdated), "eq:subscriptions", inboxKey("live"), inboxKey("gone")},
			`{"id":"e-1"}`, 10, "live", "gone")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), res)
		return nil
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists(inboxKey("live")))
	assert.False(t, mr.Exists(inboxKey("gone")))
	history, err := mr.List(historyKey(PortfolioUpdated))
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestPublishFailsWhenRedisUnavailable(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()
	rec := &recorder{result: true}

	_, err := m.Subscribe(ctx, "s1", []EventType{TradeExecuted}, rec.callback, nil)
	require.NoError(t, err)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	err = m.Publish(ctx, NewEvent(TradeExecuted, "oms", map[string]any{"trade_id": "t-1"}, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOADING")

	// 恢复后投递循环继续工作，失败的发布不留下历史
	mr.SetError("")
	assert.False(t, mr.Exists(historyKey(TradeExecuted)))

	require.NoError(t, m.Publish(ctx, NewEvent(TradeExecuted, "oms", map[string]any{"trade_id": "t-2"}, "")))
	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "t-2", rec.received()[0].Data["trade_id"])
}

func TestPublishSendsNotification(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sub := m.pool.Client.Subscribe(ctx, notifyChannel(AccountCreated))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	ev := NewEvent(AccountCreated, "accounts", map[string]any{"account_id": "a-1"}, "")
	require.NoError(t, m.Publish(ctx, ev))

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, msg.Payload)
}

func TestSubscriptionsAddedAfterPublishMissEarlierEvents(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, NewEvent(AccountCreated, "accounts", nil, "")))

	rec := &recorder{result: true}
	_, err := m.Subscribe(ctx, "late", []EventType{AccountCreated}, rec.callback, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.received())
}

func TestFailedAndPanickingCallbacksAreCounted(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	failing := &recorder{result: false}
	id, err := m.Subscribe(ctx, "f", []EventType{AccountUpdated}, failing.callback, nil)
	require.NoError(t, err)
	pid, err := m.Subscribe(ctx, "p", []EventType{AccountUpdated}, func(context.Context, *Event) bool {
		panic(errors.New("boom"))
	}, nil)
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, NewEvent(AccountUpdated, "accounts", nil, "")))

	require.Eventually(t, func() bool {
		stats, err := m.Stats(ctx)
		if err != nil {
			return false
		}
		failed := map[string]int64{}
		for _, s := range stats.Subscriptions {
			failed[s.ID] = s.Failed
		}
		return failed[id] == 1 && failed[pid] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPerSubscriberOrder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	rec := &recorder{result: true}

	_, err := m.Subscribe(ctx, "ordered", []EventType{PriceAlert}, rec.callback, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Publish(ctx, NewEvent(PriceAlert, "pricer", map[string]any{"n": i}, fmt.Sprint(i))))
	}
	require.Eventually(t, func() bool { return len(rec.received()) == 10 }, 2*time.Second, 10*time.Millisecond)
	for i, ev := range rec.received() {
		assert.Equal(t, fmt.Sprint(i), ev.CorrelationID)
	}
}

func TestLoadPersistedAndResume(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	newManager := func() *Manager {
		pool := storage.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
		m := NewManager(pool, config.DefaultConfig().Events, WithPollInterval(10*time.Millisecond))
		t.Cleanup(func() {
			cctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = m.Close(cctx)
			_ = pool.Close()
		})
		return m
	}

	// 第一个进程订阅后退出
	first := newManager()
	id, err := first.Subscribe(ctx, "ledger", []EventType{TradeExecuted}, func(context.Context, *Event) bool { return true }, nil)
	require.NoError(t, err)
	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	require.NoError(t, first.Close(closeCtx))
	cancel()

	// 停机期间的事件留在收件箱
	second := newManager()
	require.NoError(t, second.Publish(ctx, NewEvent(TradeExecuted, "desk", map[string]any{"id": "t-1"}, "")))

	loaded, err := second.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	stats, err := second.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, stats.Subscriptions, 1)
	assert.Equal(t, id, stats.Subscriptions[0].ID)
	assert.False(t, stats.Subscriptions[0].Running)
	assert.Equal(t, int64(1), stats.Subscriptions[0].InboxLength)
	assert.Equal(t, int64(1), stats.History[string(TradeExecuted)])

	rec := &recorder{result: true}
	resumed, err := second.Subscribe(ctx, "ledger", []EventType{TradeExecuted}, rec.callback, nil, WithSubscriptionID(id))
	require.NoError(t, err)
	assert.Equal(t, id, resumed)

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "t-1", rec.received()[0].Data["id"])

	_, err = second.Subscribe(ctx, "ledger", []EventType{TradeExecuted}, rec.callback, nil, WithSubscriptionID(id))
	assert.Error(t, err, "同一订阅不能重复运行")
}

type fakeBridge struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (b *fakeBridge) PublishEvent(_ context.Context, routingKey string, _ []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, routingKey)
	return b.err
}

func TestBridgeMirrorsPublishes(t *testing.T) {
	bridge := &fakeBridge{err: errors.New("broker down")}
	m, _ := newTestManager(t, WithBridge(bridge))

	// 镜像失败不影响发布结果
	require.NoError(t, m.Publish(context.Background(), NewEvent(SystemMaintenance, "ops", nil, "")))
	assert.Equal(t, []string{"system.maintenance"}, bridge.keys)
}

func TestParseEventType(t *testing.T) {
	got, err := ParseEventType("PORTFOLIO_UPDATED")
	require.NoError(t, err)
	assert.Equal(t, PortfolioUpdated, got)

	got, err = ParseEventType("market.data.updated")
	require.NoError(t, err)
	assert.Equal(t, MarketDataUpdated, got)
	assert.Equal(t, "MARKET_DATA_UPDATED", got.ConstName())

	_, err = ParseEventType("chat.message")
	assert.ErrorIs(t, err, ErrUnknownEventType)
}

func TestSubscribeValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	cb := func(context.Context, *Event) bool { return true }

	_, err := m.Subscribe(ctx, "", []EventType{PriceAlert}, cb, nil)
	assert.Error(t, err)
	_, err = m.Subscribe(ctx, "s", nil, cb, nil)
	assert.Error(t, err)
	_, err = m.Subscribe(ctx, "s", []EventType{"bogus"}, cb, nil)
	assert.ErrorIs(t, err, ErrUnknownEventType)
	_, err = m.Subscribe(ctx, "s", []EventType{PriceAlert}, nil, nil)
	assert.Error(t, err)
}
