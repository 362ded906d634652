package constants

import "time"

const (
	// PartitionBuckets 分区桶数量，h = hash(partition_key) mod PartitionBuckets
	PartitionBuckets = 16

	// DefaultVisibilityTimeout 默认可见性超时
	DefaultVisibilityTimeout = 300 * time.Second

	// DefaultHistoryLimit 每种事件类型保留的历史条数
	DefaultHistoryLimit = 1000

	// EventSchemaVersion 事件默认版本号
	EventSchemaVersion = "1.0"

	// Well-known scheduler job ids
	JobProcessOutboxEvents = "process_outbox_events"
	JobMonitorQueues       = "monitor_queues"
	JobCleanupQueues       = "cleanup_queues"

	// Downstream queues fed by outbox handlers
	QueueRiskAnalysis    = "risk_analysis"
	QueueTradeSettlement = "trade_settlement"
)
