package queue

import (
	"context"
	"fmt"
	"strconv"

	"finq-go/internal/constants"
	"finq-go/internal/storage"
)

// ProcessDelayedMessages 将 score<=now 的延迟消息（每次最多 delayedBatch 条）移入就绪列表。
// 消息哈希缺失的成员直接从集合中移除。返回提升的条数。
func (m *Manager) ProcessDelayedMessages(ctx context.Context) (int, error) {
	now := m.now()
	maxScore := strconv.FormatFloat(epochSeconds(now), 'f', 3, 64)

	promoted := 0
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		due, err := conn.ZRangeByScore(ctx, constants.KeyDelayedSet, "-inf", maxScore, 0, int64(m.delayedBatch))
		if err != nil {
			return err
		}

		for _, id := range due {
			h, err := conn.HGetAll(ctx, messageKey(id))
			if err != nil {
				return err
			}
			msg, err := messageFromHash(h)
			if err != nil || msg == nil {
				if err != nil {
					m.logger.Warn().Err(err).Str("message_id", id).Msg("延迟消息无法解析，已移除")
				}
				if _, err := conn.ZRem(ctx, constants.KeyDelayedSet, id); err != nil {
					return err
				}
				continue
			}

			res, err := conn.Eval(ctx, promoteScript,
				[]string{constants.KeyDelayedSet, messageKey(id), readyListKey(msg)}, id)
			if err != nil {
				return fmt.Errorf("提升延迟消息 %s 失败: %w", id, err)
			}
			if n, _ := res.(int64); n == 1 {
				promoted++
				m.logger.Debug().Str("queue", msg.Queue).Str("message_id", id).Msg("延迟消息已到期")
			}
		}
		return nil
	})

	m.metrics.DelayedPromoted(promoted)
	if err != nil {
		return promoted, fmt.Errorf("处理延迟消息失败: %w", err)
	}
	return promoted, nil
}

// DelayedCount 延迟集合大小（所有队列共享）
func (m *Manager) DelayedCount(ctx context.Context) (int64, error) {
	var n int64
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		var err error
		n, err = conn.ZCard(ctx, constants.KeyDelayedSet)
		return err
	})
	return n, err
}
