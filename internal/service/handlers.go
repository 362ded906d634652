package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"finq-go/internal/constants"
	"finq-go/internal/events"
	"finq-go/internal/queue"
	"finq-go/internal/storage/models"
)

const outboxSource = "outbox"

// downstream outbox 事件类型到下游效果的映射
type downstream struct {
	event    events.EventType
	queue    string
	idField  string
	priority queue.Priority
}

var outboxRoutes = map[string]downstream{
	"portfolio.updated": {event: events.PortfolioUpdated, queue: constants.QueueRiskAnalysis, idField: "portfolio_id", priority: queue.PriorityNormal},
	"portfolio.created": {event: events.PortfolioCreated},
	"account.created":   {event: events.AccountCreated},
	"account.updated":   {event: events.AccountUpdated},
	"account.deleted":   {event: events.AccountDeleted},
	"trade.executed":    {event: events.TradeExecuted, queue: constants.QueueTradeSettlement, idField: "trade_id", priority: queue.PriorityHigh},
}

// registerOutboxHandlers 注册内置的 outbox 翻译处理器
func (s *Service) registerOutboxHandlers() {
	for eventType, route := range outboxRoutes {
		s.outbox.RegisterEventHandler(eventType, s.outboxHandler(route))
	}
	s.logger.Debug().Strs("event_types", s.outbox.HandledTypes()).Msg("outbox 处理器已注册")
}

// outboxHandler 发布领域事件，需要时再入队下游消息。
// 下游统一以 outbox 行 id 作为关联 id，便于消费方去重。
func (s *Service) outboxHandler(route downstream) func(ctx context.Context, row *models.OutboxEvent) error {
	return func(ctx context.Context, row *models.OutboxEvent) error {
		data := map[string]any{}
		if len(row.EventData) > 0 {
			if err := json.Unmarshal(row.EventData, &data); err != nil {
				return fmt.Errorf("解析outbox event_data失败: %w", err)
			}
		}
		correlationID := strconv.FormatUint(row.ID, 10)

		ev := events.NewEvent(route.event, outboxSource, data, correlationID)
		ev.Metadata = map[string]string{
			"outbox_id":      correlationID,
			"aggregate_id":   row.AggregateID,
			"aggregate_type": row.AggregateType,
		}
		if err := s.events.Publish(ctx, ev); err != nil {
			return fmt.Errorf("发布事件 %s 失败: %w", route.event, err)
		}

		if route.queue == "" {
			return nil
		}
		payload := map[string]any{
			route.idField:    row.AggregateID,
			"outbox_id":      row.ID,
			"correlation_id": correlationID,
			"data":           data,
		}
		if _, err := s.SendMessage(ctx, route.queue, payload, row.EventType, route.priority); err != nil {
			return fmt.Errorf("入队 %s 失败: %w", route.queue, err)
		}
		return nil
	}
}
