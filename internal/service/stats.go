package service

import (
	"context"

	"finq-go/internal/events"
	"finq-go/internal/queue"
	"finq-go/internal/scheduler"
	"finq-go/internal/storage"
)

// OutboxStats outbox 统计
type OutboxStats struct {
	Enabled bool  `json:"enabled"`
	Pending int64 `json:"pending"`
}

// Stats 服务整体统计
type Stats struct {
	Initialized bool                         `json:"initialized"`
	Redis       storage.HealthStatus         `json:"redis"`
	Queues      map[string]*queue.QueueStats `json:"queues"`
	Consumers   []queue.ConsumerStats        `json:"consumers"`
	Events      *events.Stats                `json:"events,omitempty"`
	Outbox      OutboxStats                  `json:"outbox"`
	Jobs        []scheduler.JobInfo          `json:"jobs"`
	Errors      map[string]string            `json:"errors,omitempty"`
}

// GetStats 汇总 Redis 健康、各队列深度、订阅、outbox 与调度任务状态。
// 单项读取失败记录在 Errors 中，不影响其他项。
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	st := &Stats{
		Initialized: true,
		Redis:       s.pool.HealthCheck(ctx),
		Queues:      make(map[string]*queue.QueueStats),
		Consumers:   s.Consumers(),
		Outbox:      OutboxStats{Enabled: s.outbox != nil},
		Jobs:        s.scheduler.Jobs(),
		Errors:      make(map[string]string),
	}

	for _, q := range s.Queues() {
		qs, err := s.queues.Stats(ctx, q)
		if err != nil {
			st.Errors["queue:"+q] = err.Error()
			continue
		}
		st.Queues[q] = qs
	}

	if es, err := s.events.Stats(ctx); err != nil {
		st.Errors["events"] = err.Error()
	} else {
		st.Events = es
	}

	if s.outbox != nil {
		if n, err := s.outbox.PendingCount(ctx); err != nil {
			st.Errors["outbox"] = err.Error()
		} else {
			st.Outbox.Pending = n
		}
	}
	return st, nil
}

// GetQueueStats 返回单个队列的统计
func (s *Service) GetQueueStats(ctx context.Context, queueName string) (*queue.QueueStats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queues.Stats(ctx, queueName)
}

// GetEventStats 返回事件队列统计
func (s *Service) GetEventStats(ctx context.Context) (*events.Stats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.events.Stats(ctx)
}

// Health 返回 Redis 健康状态
func (s *Service) Health(ctx context.Context) storage.HealthStatus {
	return s.pool.HealthCheck(ctx)
}
