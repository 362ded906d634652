package constants

// Redis Key 前缀和格式常量
// 消息队列使用 mq:{entity}:..., 事件队列使用 eq:{entity}:...
const (
	// MessageQueuePrefix 消息队列模块
	MessageQueuePrefix = "mq"
	// EventQueuePrefix 事件队列模块
	EventQueuePrefix = "eq"
	// SchedulerPrefix 调度器锁
	SchedulerPrefix = "scheduler"

	// KeyMessage 消息体 (HASH)
	// 格式: mq:message:{id}
	KeyMessage = MessageQueuePrefix + ":message:%s"

	// KeyPriorityList 按优先级的就绪列表 (LIST)
	// 格式: mq:priority:{queue}:{p}
	KeyPriorityList = MessageQueuePrefix + ":priority:%s:%d"

	// KeyPartitionList 按分区桶的就绪列表 (LIST)
	// 格式: mq:partition:{queue}:{h}
	KeyPartitionList = MessageQueuePrefix + ":partition:%s:%d"

	// KeyPartitionLock 分区桶占用锁 (STRING)，值为在途消息 id
	// 格式: mq:partition_lock:{queue}:{h}
	KeyPartitionLock = MessageQueuePrefix + ":partition_lock:%s:%d"

	// KeyDelayedSet 延迟消息 (ZSET)，score 为 scheduled_at 秒级时间戳
	KeyDelayedSet = MessageQueuePrefix + ":delayed:messages"

	// KeyProcessing 处理中记录 (HASH)
	// 格式: mq:processing:{queue}:{id}
	KeyProcessing = MessageQueuePrefix + ":processing:%s:%s"

	// KeyProcessingPattern SCAN 使用的处理中记录匹配模式
	KeyProcessingPattern = MessageQueuePrefix + ":processing:*"

	// KeyDLQ 死信列表 (LIST)
	// 格式: mq:dlq:{queue}
	KeyDLQ = MessageQueuePrefix + ":dlq:%s"

	// KeyQueueConfig 队列配置 (HASH)
	// 格式: mq:config:{queue}
	KeyQueueConfig = MessageQueuePrefix + ":config:%s"

	// KeyKnownMessages 尚未确认入列的消息 (ZSET)，用于孤儿回收
	// 格式: mq:known:{queue}
	KeyKnownMessages = MessageQueuePrefix + ":known:%s"

	// KeyKnownPattern SCAN 使用的匹配模式
	KeyKnownPattern = MessageQueuePrefix + ":known:*"

	// KeySubscriptions 订阅记录 (HASH)
	KeySubscriptions = EventQueuePrefix + ":subscriptions"

	// KeySubscriberInbox 订阅收件箱 (LIST)
	// 格式: eq:subscriber:{subscription_id}
	KeySubscriberInbox = EventQueuePrefix + ":subscriber:%s"

	// KeyEventHistory 事件历史 (LIST)
	// 格式: eq:history:{type}
	KeyEventHistory = EventQueuePrefix + ":history:%s"

	// KeyEventNotify 发布通知频道 (PUB/SUB)，消息为事件 id
	// 格式: eq:notify:{type}
	KeyEventNotify = EventQueuePrefix + ":notify:%s"

	// LockOutboxEvents process_outbox_events 任务锁
	LockOutboxEvents = SchedulerPrefix + ":outbox_events"
	// LockCleanupQueues cleanup_queues 任务锁
	LockCleanupQueues = SchedulerPrefix + ":cleanup_queues"
)
