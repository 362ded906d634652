package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"finq-go/internal/config"
	"finq-go/internal/queue"
)

// SendOption 发送消息的可选参数
type SendOption func(*queue.Message)

// WithScheduledAt 延迟到指定时间后才可出队
func WithScheduledAt(at time.Time) SendOption {
	return func(m *queue.Message) { m.ScheduledAt = &at }
}

// WithPartitionKey 绑定分区键，同一分区键的消息串行处理
func WithPartitionKey(key string) SendOption {
	return func(m *queue.Message) { m.PartitionKey = key }
}

// WithMaxRetries 覆盖队列的默认重试次数
func WithMaxRetries(n int) SendOption {
	return func(m *queue.Message) { m.MaxRetries = n }
}

// SendMessage 入队一条消息，返回消息 id。payload 必须序列化为 JSON 对象。
func (s *Service) SendMessage(ctx context.Context, queueName string, payload any, messageType string,
	priority queue.Priority, opts ...SendOption) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}

	raw, err := toRawJSON(payload)
	if err != nil {
		return "", err
	}

	settings, err := s.queues.GetSettings(ctx, queueName)
	if err != nil {
		return "", err
	}
	msg := &queue.Message{
		Queue:       queueName,
		Payload:     raw,
		MessageType: messageType,
		Priority:    priority,
		MaxRetries:  settings.MaxRetries,
	}
	for _, opt := range opts {
		opt(msg)
	}

	if err := s.queues.Enqueue(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("queue", queueName).Str("message_type", messageType).Msg("消息入队失败")
		return "", err
	}
	s.trackQueue(queueName)
	return msg.ID, nil
}

func toRawJSON(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", queue.ErrInvalidPayload, err)
		}
		return b, nil
	}
}

func consumerKey(queueName, consumerID string) string {
	return queueName + "/" + consumerID
}

// RegisterMessageConsumer 为队列启动一个长期运行的消费者
func (s *Service) RegisterMessageConsumer(ctx context.Context, queueName, consumerID string, handler queue.MessageHandler) error {
	if err := s.ready(); err != nil {
		return err
	}

	c, err := s.queues.NewConsumer(queueName, consumerID, handler, queue.ConsumerOptions{
		PollInterval: config.GetDuration(s.cfg.Queue.PollInterval, time.Second),
		PollQPM:      s.cfg.Queue.ConsumerPollQPM,
	})
	if err != nil {
		return err
	}

	key := consumerKey(queueName, consumerID)
	s.mu.Lock()
	if _, ok := s.consumers[key]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConsumerExists, key)
	}
	s.consumers[key] = c
	s.knownQueues[queueName] = struct{}{}
	root := s.rootCtx
	s.mu.Unlock()

	c.Start(root)
	s.logger.Info().Str("queue", queueName).Str("consumer", consumerID).Msg("消费者已注册")
	return nil
}

// UnregisterConsumer 停止消费者并等待其在途处理结束
func (s *Service) UnregisterConsumer(ctx context.Context, queueName, consumerID string) error {
	key := consumerKey(queueName, consumerID)
	s.mu.Lock()
	c, ok := s.consumers[key]
	delete(s.consumers, key)
	s.mu.Unlock()
	if !ok {
		return ErrConsumerNotFound
	}

	c.Stop()
	return c.Wait(ctx)
}

// Consumers 返回所有消费者的计数快照
func (s *Service) Consumers() []queue.ConsumerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.ConsumerStats, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c.Stats())
	}
	return out
}
