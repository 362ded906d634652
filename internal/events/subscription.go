package events

import (
	"context"
	"encoding/json"
	"slices"
	"sync/atomic"
	"time"
)

// EventCallback 投递回调，返回 false 记为投递失败（不重试）
type EventCallback func(ctx context.Context, ev *Event) bool

// Subscription 订阅记录，持久化在 eq:subscriptions
type Subscription struct {
	ID           string         `json:"id"`
	SubscriberID string         `json:"subscriber_id"`
	EventTypes   []EventType    `json:"event_types"`
	Filters      map[string]any `json:"filters,omitempty"`
	Active       bool           `json:"active"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Wants 事件类型与过滤条件均满足
func (s *Subscription) Wants(ev *Event) bool {
	return s.Active && slices.Contains(s.EventTypes, ev.Type) && Matches(s.Filters, ev)
}

func decodeSubscription(raw string) (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// SubscriptionStats 订阅运行状态
type SubscriptionStats struct {
	ID           string      `json:"id"`
	SubscriberID string      `json:"subscriber_id"`
	EventTypes   []EventType `json:"event_types"`
	Active       bool        `json:"active"`
	Running      bool        `json:"running"`
	InboxLength  int64       `json:"inbox_length"`
	Delivered    int64       `json:"delivered"`
	Failed       int64       `json:"failed"`
}

// liveSub 进程内的订阅状态。callback 为 nil 表示从 Redis 恢复的占位记录。
type liveSub struct {
	sub      *Subscription
	callback EventCallback
	cancel   context.CancelFunc
	done     chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
}

func (r *liveSub) running() bool {
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}
