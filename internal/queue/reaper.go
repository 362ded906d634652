package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"finq-go/internal/constants"
	"finq-go/internal/storage"
)

// processingRecord mq:processing:{queue}:{id} 的内容
type processingRecord struct {
	ID         string
	Queue      string
	Consumer   string
	StartedRaw string
	StartedAt  time.Time
	Visibility time.Duration
	Bucket     int // 非分区消息为 -1
}

func (r processingRecord) expired(now time.Time) bool {
	return now.After(r.StartedAt.Add(r.Visibility))
}

func parseProcessingRecord(key string, h map[string]string) (processingRecord, bool) {
	if len(h) == 0 {
		return processingRecord{}, false
	}
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return processingRecord{}, false
	}
	rec := processingRecord{
		ID:         key[idx+1:],
		Queue:      h["queue"],
		Consumer:   h["consumer"],
		StartedRaw: h["started_at"],
		Bucket:     -1,
	}
	if b, err := strconv.Atoi(h["bucket"]); err == nil {
		rec.Bucket = b
	}
	started, err := time.Parse(time.RFC3339Nano, rec.StartedRaw)
	if err != nil {
		return rec, false
	}
	rec.StartedAt = started
	secs, err := strconv.ParseFloat(h["visibility_timeout"], 64)
	if err != nil {
		return rec, false
	}
	rec.Visibility = time.Duration(secs * float64(time.Second))
	return rec, true
}

// ReclaimExpired 扫描所有处理记录，把可见性超时已过的消息按 nack 语义放回就绪列表：
// 首次回收不增加 retry_count，之后每次回收加一；超过 max_retries 时进入死信。
func (m *Manager) ReclaimExpired(ctx context.Context) (int, error) {
	now := m.now()
	reclaimed := 0

	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		keys, err := conn.Scan(ctx, constants.KeyProcessingPattern, 200)
		if err != nil {
			return err
		}

		for _, key := range keys {
			h, err := conn.HGetAll(ctx, key)
			if err != nil {
				return err
			}
			rec, ok := parseProcessingRecord(key, h)
			if !ok {
				if len(h) > 0 {
					m.logger.Warn().Str("key", key).Msg("处理记录格式错误，已删除")
					_, _ = conn.Del(ctx, key)
				}
				continue
			}
			if !rec.expired(now) {
				continue
			}

			done, err := m.reclaim(ctx, conn, rec)
			if err != nil {
				m.logger.Error().Err(err).Str("queue", rec.Queue).Str("message_id", rec.ID).
					Str("consumer", rec.Consumer).Msg("回收处理记录失败")
				continue
			}
			if done {
				reclaimed++
				m.metrics.Reclaimed(rec.Queue)
			}
		}
		return nil
	})
	if err != nil {
		return reclaimed, fmt.Errorf("回收过期处理记录失败: %w", err)
	}
	return reclaimed, nil
}

// reclaim 读取消息后以处理记录的 started_at 为条件，在一个脚本内删除处理记录并重新入队或写入死信
func (m *Manager) reclaim(ctx context.Context, conn *storage.Conn, rec processingRecord) (bool, error) {
	h, err := conn.HGetAll(ctx, messageKey(rec.ID))
	if err != nil {
		return false, err
	}
	msg, err := messageFromHash(h)
	if err != nil {
		return false, err
	}

	claim := claimRef{consumer: rec.Consumer, startedAt: rec.StartedRaw}
	lockKey := ""
	if rec.Bucket >= 0 {
		lockKey = partitionLockKey(rec.Queue, rec.Bucket)
	}

	if msg == nil {
		n, err := m.settle(ctx, conn, &Message{ID: rec.ID, Queue: rec.Queue}, claim, settleDrop, nil, lockKey)
		return n == 1, err
	}

	msg.Reclaims++
	if msg.Reclaims > 1 {
		msg.RetryCount++
	}

	action := settleRetry
	var record []byte
	if msg.RetryCount > msg.MaxRetries {
		msg.RetryCount = msg.MaxRetries
		action = settleDLQ
		if record, err = m.dlqRecord(msg, rec.Consumer, "visibility timeout expired"); err != nil {
			return false, err
		}
	}
	if lockKey == "" {
		lockKey = bucketLockKey(msg)
	}

	n, err := m.settle(ctx, conn, msg, claim, action, record, lockKey)
	if err != nil {
		return false, err
	}
	if n != 1 {
		// 已被确认或被其他节点回收
		return false, nil
	}

	m.logger.Warn().
		Str("queue", msg.Queue).
		Str("message_id", msg.ID).
		Str("consumer", rec.Consumer).
		Int("retry_count", msg.RetryCount).
		Int("reclaims", msg.Reclaims).
		Str("action", action).
		Msg("消息可见性超时，已回收")
	return true, nil
}

// CollectOrphans 删除创建时间早于 orphanTTL 且从未提交（未进入任何列表或延迟集合）的消息哈希。
// 已提交的 id 同时从跟踪集合中移除。返回删除的孤儿数量。
func (m *Manager) CollectOrphans(ctx context.Context) (int, error) {
	cutoff := strconv.FormatInt(m.now().Add(-m.orphanTTL).Unix(), 10)
	removed := 0

	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		sets, err := conn.Scan(ctx, constants.KeyKnownPattern, 100)
		if err != nil {
			return err
		}
		for _, set := range sets {
			ids, err := conn.ZRangeByScore(ctx, set, "-inf", cutoff, 0, 500)
			if err != nil {
				return err
			}
			for _, id := range ids {
				committed, exists, err := conn.HGet(ctx, messageKey(id), fieldCommitted)
				if err != nil {
					return err
				}
				if exists && committed == "0" {
					if _, err := conn.Del(ctx, messageKey(id)); err != nil {
						return err
					}
					removed++
					m.logger.Warn().Str("message_id", id).Str("known_set", set).Msg("已回收孤儿消息")
				}
				if _, err := conn.ZRem(ctx, set, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("回收孤儿消息失败: %w", err)
	}
	return removed, nil
}
