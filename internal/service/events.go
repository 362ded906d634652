package service

import (
	"context"

	"finq-go/internal/events"
	"finq-go/internal/storage/models"

	"gorm.io/gorm"
)

// PublishEvent 直接发布事件（不经过 outbox），返回事件 id。
// 返回错误时调用方应视为未发布，必要时改走 outbox。
func (s *Service) PublishEvent(ctx context.Context, eventType events.EventType, source string,
	data map[string]any, correlationID string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	ev := events.NewEvent(eventType, source, data, correlationID)
	if err := s.events.Publish(ctx, ev); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// SubscribeEvents 订阅事件类型，返回订阅 id
func (s *Service) SubscribeEvents(ctx context.Context, subscriberID string, types []events.EventType,
	cb events.EventCallback, filters map[string]any, opts ...events.SubscribeOption) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	return s.events.Subscribe(ctx, subscriberID, types, cb, filters, opts...)
}

// Unsubscribe 取消订阅并删除其收件箱
func (s *Service) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.events.Unsubscribe(ctx, subscriptionID)
}

// PublishEventWithTransaction 在 businessOp 的数据库事务中写入 outbox 行
func (s *Service) PublishEventWithTransaction(ctx context.Context, eventType, aggregateID, aggregateType string,
	data any, businessOp func(tx *gorm.DB) error) (*models.OutboxEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.outbox == nil {
		return nil, ErrOutboxUnavailable
	}
	return s.outbox.PublishEventInTransaction(ctx, eventType, aggregateID, aggregateType, data, businessOp)
}

// GetEventHistory 返回某类型最近的事件，最新的在前
func (s *Service) GetEventHistory(ctx context.Context, eventType events.EventType, limit int) ([]*events.Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.events.History(ctx, eventType, limit)
}
