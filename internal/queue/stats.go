package queue

import (
	"context"
	"fmt"

	"finq-go/internal/constants"
	"finq-go/internal/storage"
)

// QueueStats 单个队列的深度快照
type QueueStats struct {
	Queue            string           `json:"queue"`
	Priorities       map[string]int64 `json:"priorities"`
	PartitionBuckets map[int]int64    `json:"partition_buckets,omitempty"`
	Partitioned      int64            `json:"partitioned"`
	Ready            int64            `json:"ready"`
	Processing       int64            `json:"processing"`
	DLQ              int64            `json:"dlq"`
	// Delayed 延迟集合为所有队列共享，这里是集合总大小
	Delayed int64 `json:"delayed"`
}

// Stats 读取队列各列表长度、处理中数量、死信数量与延迟集合大小
func (m *Manager) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	stats := &QueueStats{
		Queue:            queue,
		Priorities:       make(map[string]int64, len(priorityOrder)),
		PartitionBuckets: make(map[int]int64),
	}

	err := m.pool.AcquireTraced(ctx, "queue.Stats", func(ctx context.Context, conn *storage.Conn) error {
		for _, p := range priorityOrder {
			n, err := conn.LLen(ctx, priorityKey(queue, p))
			if err != nil {
				return err
			}
			stats.Priorities[p.String()] = n
			stats.Ready += n
		}

		for b := 0; b < constants.PartitionBuckets; b++ {
			n, err := conn.LLen(ctx, partitionListKey(queue, b))
			if err != nil {
				return err
			}
			if n > 0 {
				stats.PartitionBuckets[b] = n
				stats.Partitioned += n
			}
		}
		stats.Ready += stats.Partitioned

		inflight, err := conn.Scan(ctx, processingPattern(queue), 200)
		if err != nil {
			return err
		}
		stats.Processing = int64(len(inflight))

		if stats.DLQ, err = conn.LLen(ctx, dlqKey(queue)); err != nil {
			return err
		}
		stats.Delayed, err = conn.ZCard(ctx, constants.KeyDelayedSet)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("读取队列统计失败 queue=%s: %w", queue, err)
	}

	m.metrics.SetQueueDepth(queue, "ready", stats.Ready)
	m.metrics.SetQueueDepth(queue, "processing", stats.Processing)
	m.metrics.SetQueueDepth(queue, "dlq", stats.DLQ)
	return stats, nil
}
