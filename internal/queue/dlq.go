package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"finq-go/internal/storage"
)

// DLQRecord 死信记录，以 JSON 形式追加到 mq:dlq:{queue}
type DLQRecord struct {
	Message  *Message  `json:"message"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
	Consumer string    `json:"consumer"`
}

// DLQSink 死信归档目标
type DLQSink interface {
	ArchiveDLQ(ctx context.Context, queue string, records []json.RawMessage) error
}

// dlqRecord 将消息标记为失败并序列化为死信记录，由 settleScript 追加到 mq:dlq:{queue}
func (m *Manager) dlqRecord(msg *Message, consumer, reason string) ([]byte, error) {
	msg.Status = StatusFailed
	now := m.now().UTC()
	msg.ProcessedAt = &now
	if reason == "" {
		reason = "max retries exceeded"
	}

	record, err := json.Marshal(DLQRecord{
		Message:  msg,
		Error:    reason,
		FailedAt: now,
		Consumer: consumer,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化死信记录失败: %w", err)
	}
	return record, nil
}

// DLQEntries 读取最早的 limit 条死信记录，limit<=0 时读取全部
func (m *Manager) DLQEntries(ctx context.Context, queue string, limit int) ([]DLQRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	var raw []string
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		var err error
		raw, err = conn.LRange(ctx, dlqKey(queue), 0, stop)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("读取死信队列失败 queue=%s: %w", queue, err)
	}

	records := make([]DLQRecord, 0, len(raw))
	for _, item := range raw {
		var rec DLQRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			m.logger.Warn().Err(err).Str("queue", queue).Msg("跳过无法解析的死信记录")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// DLQLength 死信数量
func (m *Manager) DLQLength(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		var err error
		n, err = conn.LLen(ctx, dlqKey(queue))
		return err
	})
	return n, err
}

// PurgeDLQ 清空死信队列，返回删除前的条数
func (m *Manager) PurgeDLQ(ctx context.Context, queue string) (int64, error) {
	var n int64
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		var err error
		if n, err = conn.LLen(ctx, dlqKey(queue)); err != nil {
			return err
		}
		_, err = conn.Del(ctx, dlqKey(queue))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("清空死信队列失败 queue=%s: %w", queue, err)
	}
	m.logger.Info().Str("queue", queue).Int64("purged", n).Msg("死信队列已清空")
	return n, nil
}

// ArchiveDLQ 将超出 keep 条的最早死信写入 sink 后从列表裁剪，返回归档条数。
// sink 为 nil 时直接裁剪。
func (m *Manager) ArchiveDLQ(ctx context.Context, queue string, keep int, sink DLQSink) (int, error) {
	if keep < 0 {
		keep = 0
	}

	var archived int
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		length, err := conn.LLen(ctx, dlqKey(queue))
		if err != nil {
			return err
		}
		overflow := length - int64(keep)
		if overflow <= 0 {
			return nil
		}

		items, err := conn.LRange(ctx, dlqKey(queue), 0, overflow-1)
		if err != nil {
			return err
		}
		if sink != nil {
			batch := make([]json.RawMessage, 0, len(items))
			for _, item := range items {
				batch = append(batch, json.RawMessage(item))
			}
			if err := sink.ArchiveDLQ(ctx, queue, batch); err != nil {
				return fmt.Errorf("归档死信失败: %w", err)
			}
		}
		if err := conn.LTrim(ctx, dlqKey(queue), int64(len(items)), -1); err != nil {
			return err
		}
		archived = len(items)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if archived > 0 {
		m.logger.Info().Str("queue", queue).Int("archived", archived).Msg("死信已归档")
	}
	return archived, nil
}
