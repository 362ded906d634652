package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"finq-go/internal/constants"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
)

var (
	// ErrInvalidPriority 优先级不在 1..4 范围内
	ErrInvalidPriority = errors.New("queue: priority must be between LOW(1) and CRITICAL(4)")
	// ErrInvalidMessage 消息字段校验失败
	ErrInvalidMessage = errors.New("queue: invalid message")
	// ErrInvalidPayload 负载不是 JSON 对象
	ErrInvalidPayload = errors.New("queue: payload must be a JSON object")
	// ErrPayloadTooLarge 负载超过队列配置的上限
	ErrPayloadTooLarge = errors.New("queue: payload exceeds max_payload_bytes")
	// ErrQueueFull 就绪列表达到上限
	ErrQueueFull = errors.New("queue: ready list is at capacity")
	// ErrStaleClaim 处理记录已被回收或转交给其他消费者，本次 ack/nack 未生效
	ErrStaleClaim = errors.New("queue: processing claim no longer held by this consumer")
)

var validate = validator.New()

// Priority 消息优先级
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityCritical Priority = 4
)

// priorityOrder 出队时的扫描顺序
var priorityOrder = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityNormal:   "NORMAL",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

// Valid 判断优先级是否合法
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return strconv.Itoa(int(p))
}

// ParsePriority 解析名称（不区分大小写）或数字形式的优先级
func ParsePriority(s string) (Priority, error) {
	s = strings.TrimSpace(s)
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
	return Priority(n), nil
}

// MarshalJSON 使用名称形式，例如 "HIGH"
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON 接受名称或数字
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParsePriority(name)
		if err != nil {
			return err
		}
		*p = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidPriority, string(data))
	}
	if !Priority(n).Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, n)
	}
	*p = Priority(n)
	return nil
}

// Status 消息状态
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusRetry      Status = "RETRY"
)

// Message 队列消息。Payload 对队列核心是不透明的 JSON 对象，由处理器自行反序列化。
type Message struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue" validate:"required,max=128,excludesall=*?[]"`
	Payload      json.RawMessage `json:"payload"`
	MessageType  string          `json:"message_type" validate:"max=128"`
	Priority     Priority        `json:"priority" validate:"min=1,max=4"`
	Status       Status          `json:"status"`
	RetryCount   int             `json:"retry_count" validate:"gte=0,ltefield=MaxRetries"`
	MaxRetries   int             `json:"max_retries" validate:"gte=0"`
	CreatedAt    time.Time       `json:"created_at"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	PartitionKey string          `json:"partition_key,omitempty" validate:"max=256"`
	Reclaims     int             `json:"reclaims,omitempty"`

	// claimedAt 出队时写入处理记录的 started_at，ack/nack 时用于校验归属
	claimedAt string
}

// Decode 将负载反序列化到 v
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.Payload, v)
}

// Partitioned 是否绑定到分区桶
func (m *Message) Partitioned() bool {
	return m.PartitionKey != ""
}

// Bucket 返回分区桶编号
func (m *Message) Bucket() int {
	return PartitionBucket(m.PartitionKey)
}

// PartitionBucket 计算 hash(partition_key) mod 16，使用 FNV-1a 保证跨进程稳定
func PartitionBucket(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % constants.PartitionBuckets)
}

// NewMessageID 生成按时间有序的消息 id
func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// prepare 填充默认值并校验
func (m *Message) prepare(now time.Time) error {
	if !m.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, int(m.Priority))
	}
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("{}")
	}
	if !isJSONObject(m.Payload) {
		return ErrInvalidPayload
	}
	if m.ID == "" {
		id, err := NewMessageID()
		if err != nil {
			return fmt.Errorf("生成消息ID失败: %w", err)
		}
		m.ID = id
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now.UTC()
	}
	if m.ScheduledAt != nil {
		at := m.ScheduledAt.UTC()
		m.ScheduledAt = &at
	}
	m.Status = StatusPending
	return nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{") && json.Valid(raw)
}

// hash 字段名
const (
	fieldID           = "id"
	fieldQueue        = "queue"
	fieldPayload      = "payload"
	fieldType         = "message_type"
	fieldPriority     = "priority"
	fieldStatus       = "status"
	fieldRetryCount   = "retry_count"
	fieldMaxRetries   = "max_retries"
	fieldCreatedAt    = "created_at"
	fieldScheduledAt  = "scheduled_at"
	fieldProcessedAt  = "processed_at"
	fieldPartitionKey = "partition_key"
	fieldReclaims     = "reclaims"
	fieldCommitted    = "committed"
)

// toHash 序列化为 mq:message:{id} 的字段
func (m *Message) toHash() map[string]any {
	fields := map[string]any{
		fieldID:           m.ID,
		fieldQueue:        m.Queue,
		fieldPayload:      string(m.Payload),
		fieldType:         m.MessageType,
		fieldPriority:     m.Priority.String(),
		fieldStatus:       string(m.Status),
		fieldRetryCount:   m.RetryCount,
		fieldMaxRetries:   m.MaxRetries,
		fieldCreatedAt:    m.CreatedAt.Format(time.RFC3339Nano),
		fieldPartitionKey: m.PartitionKey,
		fieldReclaims:     m.Reclaims,
		fieldScheduledAt:  "",
		fieldProcessedAt:  "",
	}
	if m.ScheduledAt != nil {
		fields[fieldScheduledAt] = m.ScheduledAt.Format(time.RFC3339Nano)
	}
	if m.ProcessedAt != nil {
		fields[fieldProcessedAt] = m.ProcessedAt.Format(time.RFC3339Nano)
	}
	return fields
}

// messageFromHash 从哈希字段还原消息；空 map 返回 nil
func messageFromHash(h map[string]string) (*Message, error) {
	if len(h) == 0 || h[fieldID] == "" {
		return nil, nil
	}

	priority, err := ParsePriority(h[fieldPriority])
	if err != nil {
		return nil, err
	}
	msg := &Message{
		ID:           h[fieldID],
		Queue:        h[fieldQueue],
		Payload:      json.RawMessage(h[fieldPayload]),
		MessageType:  h[fieldType],
		Priority:     priority,
		Status:       Status(h[fieldStatus]),
		RetryCount:   atoi(h[fieldRetryCount]),
		MaxRetries:   atoi(h[fieldMaxRetries]),
		PartitionKey: h[fieldPartitionKey],
		Reclaims:     atoi(h[fieldReclaims]),
	}
	if msg.CreatedAt, err = time.Parse(time.RFC3339Nano, h[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("解析 created_at 失败: %w", err)
	}
	if msg.ScheduledAt, err = parseOptionalTime(h[fieldScheduledAt]); err != nil {
		return nil, err
	}
	if msg.ProcessedAt, err = parseOptionalTime(h[fieldProcessedAt]); err != nil {
		return nil, err
	}
	return msg, nil
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, fmt.Errorf("解析时间 %q 失败: %w", s, err)
	}
	return &t, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
