package service

import (
	"context"

	"finq-go/internal/queue"
)

// GetDLQ 读取队列最早的 limit 条死信
func (s *Service) GetDLQ(ctx context.Context, queueName string, limit int) ([]queue.DLQRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.queues.DLQEntries(ctx, queueName, limit)
}

// PurgeDLQ 清空队列的死信，返回清除条数
func (s *Service) PurgeDLQ(ctx context.Context, queueName string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	n, err := s.queues.PurgeDLQ(ctx, queueName)
	if err != nil {
		return 0, err
	}
	s.logger.Warn().Str("queue", queueName).Int64("purged", n).Msg("运维清空死信队列")
	return n, nil
}

// GetQueueSettings 返回与全局默认合并后的队列配置
func (s *Service) GetQueueSettings(ctx context.Context, queueName string) (queue.Settings, error) {
	if err := s.ready(); err != nil {
		return queue.Settings{}, err
	}
	return s.queues.GetSettings(ctx, queueName)
}

// SetQueueSettings 写入队列配置，之后的入队与出队立即生效
func (s *Service) SetQueueSettings(ctx context.Context, queueName string, settings queue.Settings) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.queues.SetSettings(ctx, queueName, settings); err != nil {
		return err
	}
	s.trackQueue(queueName)
	s.logger.Info().
		Str("queue", queueName).
		Int("max_length", settings.MaxLength).
		Int("max_retries", settings.MaxRetries).
		Dur("visibility_timeout", settings.VisibilityTimeout).
		Int("max_payload_bytes", settings.MaxPayloadBytes).
		Msg("队列配置已更新")
	return nil
}

// RequeueFailedOutbox 将 FAILED 的 outbox 行恢复为 PENDING，ids 为空时恢复全部
func (s *Service) RequeueFailedOutbox(ctx context.Context, ids ...uint64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if s.outbox == nil {
		return 0, ErrOutboxUnavailable
	}
	n, err := s.outbox.RequeueFailed(ctx, ids...)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("requeued", n).Int("ids", len(ids)).Msg("outbox 失败行已恢复")
	return n, nil
}

// MarkOutboxFailed 由运维把 PENDING 行标记为 FAILED
func (s *Service) MarkOutboxFailed(ctx context.Context, id uint64, reason string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.outbox == nil {
		return ErrOutboxUnavailable
	}
	return s.outbox.MarkFailed(ctx, id, reason)
}
