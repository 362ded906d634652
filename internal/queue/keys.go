package queue

import (
	"fmt"

	"finq-go/internal/constants"
)

func messageKey(id string) string {
	return fmt.Sprintf(constants.KeyMessage, id)
}

func priorityKey(queue string, p Priority) string {
	return fmt.Sprintf(constants.KeyPriorityList, queue, int(p))
}

func partitionListKey(queue string, bucket int) string {
	return fmt.Sprintf(constants.KeyPartitionList, queue, bucket)
}

func partitionLockKey(queue string, bucket int) string {
	return fmt.Sprintf(constants.KeyPartitionLock, queue, bucket)
}

func processingKey(queue, id string) string {
	return fmt.Sprintf(constants.KeyProcessing, queue, id)
}

func processingPrefix(queue string) string {
	return fmt.Sprintf(constants.KeyProcessing, queue, "")
}

func processingPattern(queue string) string {
	return fmt.Sprintf(constants.KeyProcessing, queue, "*")
}

func dlqKey(queue string) string {
	return fmt.Sprintf(constants.KeyDLQ, queue)
}

func configKey(queue string) string {
	return fmt.Sprintf(constants.KeyQueueConfig, queue)
}

func knownKey(queue string) string {
	return fmt.Sprintf(constants.KeyKnownMessages, queue)
}

// readyListKey 返回消息应进入的就绪列表
func readyListKey(msg *Message) string {
	if msg.Partitioned() {
		return partitionListKey(msg.Queue, msg.Bucket())
	}
	return priorityKey(msg.Queue, msg.Priority)
}

// messageKeyPrefix Lua 脚本中拼接消息 key 使用
var messageKeyPrefix = fmt.Sprintf(constants.KeyMessage, "")
