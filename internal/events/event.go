// Package events 实现基于 Redis 的事件扇出：每个订阅一个持久收件箱，按类型保留有界历史，支持过滤条件。
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"finq-go/internal/constants"

	"github.com/google/uuid"
)

var (
	// ErrUnknownEventType 事件类型不在封闭集合内
	ErrUnknownEventType = errors.New("events: unknown event type")
	// ErrInvalidEvent 事件字段不合法
	ErrInvalidEvent = errors.New("events: invalid event")
	// ErrSubscriptionNotFound 订阅不存在
	ErrSubscriptionNotFound = errors.New("events: subscription not found")
)

// EventType 事件类型（封闭集合）
type EventType string

const (
	AccountCreated    EventType = "account.created"
	AccountUpdated    EventType = "account.updated"
	AccountDeleted    EventType = "account.deleted"
	PortfolioCreated  EventType = "portfolio.created"
	PortfolioUpdated  EventType = "portfolio.updated"
	TradeExecuted     EventType = "trade.executed"
	MarketDataUpdated EventType = "market.data.updated"
	PriceAlert        EventType = "price.alert"
	SystemMaintenance EventType = "system.maintenance"
	SystemError       EventType = "system.error"
)

// AllEventTypes 所有合法的事件类型
var AllEventTypes = []EventType{
	AccountCreated, AccountUpdated, AccountDeleted,
	PortfolioCreated, PortfolioUpdated,
	TradeExecuted, MarketDataUpdated, PriceAlert,
	SystemMaintenance, SystemError,
}

// Valid 是否属于封闭集合
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ConstName 返回常量风格的名称，例如 PORTFOLIO_UPDATED
func (t EventType) ConstName() string {
	return strings.ToUpper(strings.ReplaceAll(string(t), ".", "_"))
}

// ParseEventType 接受取值形式 "portfolio.updated" 或名称形式 "PORTFOLIO_UPDATED"
func ParseEventType(s string) (EventType, error) {
	s = strings.TrimSpace(s)
	for _, t := range AllEventTypes {
		if s == string(t) || strings.EqualFold(s, t.ConstName()) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// UnmarshalJSON 拒绝未知类型
func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEventType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Event 事件
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Source        string            `json:"source"`
	Data          map[string]any    `json:"data"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Version       string            `json:"version"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewEvent 构造事件，id 与时间戳在发布时补齐
func NewEvent(t EventType, source string, data map[string]any, correlationID string) *Event {
	return &Event{
		Type:          t,
		Source:        source,
		Data:          data,
		CorrelationID: correlationID,
		Version:       constants.EventSchemaVersion,
	}
}

// prepare 校验并补齐默认字段，同时把 Data 规整为 JSON 解码后的形式，
// 保证发布方持有的事件与订阅方收到的事件逐字段相等。
func (e *Event) prepare(now time.Time) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, string(e.Type))
	}
	if strings.TrimSpace(e.Source) == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidEvent)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Version == "" {
		e.Version = constants.EventSchemaVersion
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}

	raw, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not JSON-serialisable: %v", ErrInvalidEvent, err)
	}
	normalised := map[string]any{}
	if err := json.Unmarshal(raw, &normalised); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	e.Data = normalised

	return json.Marshal(e)
}

func decodeEvent(raw string) (*Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, err
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	return &ev, nil
}
