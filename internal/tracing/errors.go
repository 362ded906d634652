package tracing

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorType 定义错误类型，便于分类和过滤
type ErrorType string

const (
	// ErrorTypeRedis Redis错误
	ErrorTypeRedis ErrorType = "redis"
	// ErrorTypeDB 数据库错误
	ErrorTypeDB ErrorType = "db"
	// ErrorTypeQueue 消息队列错误
	ErrorTypeQueue ErrorType = "queue"
	// ErrorTypeEvent 事件队列错误
	ErrorTypeEvent ErrorType = "event"
	// ErrorTypeOutbox outbox 协调错误
	ErrorTypeOutbox ErrorType = "outbox"
	// ErrorTypeHandler 用户处理器失败
	ErrorTypeHandler ErrorType = "handler"
	// ErrorTypeLock 分布式锁错误
	ErrorTypeLock ErrorType = "lock"
	// ErrorTypeScheduler 调度任务错误
	ErrorTypeScheduler ErrorType = "scheduler"
	// ErrorTypeRabbitMQ RabbitMQ错误
	ErrorTypeRabbitMQ ErrorType = "rabbitmq"
	// ErrorTypeValidation 验证错误
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeTimeout 超时错误
	ErrorTypeTimeout ErrorType = "timeout"
)

// RecordError 记录错误，添加统一的错误类型和详情
func RecordError(span trace.Span, err error, errorType ErrorType) {
	RecordErrorWithInfo(span, err, errorType)
}

// RecordErrorWithInfo 记录错误并添加额外信息
func RecordErrorWithInfo(span trace.Span, err error, errorType ErrorType, attributes ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}

	// 超时单独归类，不论发生在哪一层
	if errors.Is(err, context.DeadlineExceeded) {
		errorType = ErrorTypeTimeout
	}

	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", string(errorType)),
		attribute.String("error.message", TruncateString(err.Error(), DefaultMaxLength)),
	)
	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}
	span.SetStatus(codes.Error, err.Error())
}

// RecordHandlerFailure 记录处理器返回 false 的情况（没有 error 值）
func RecordHandlerFailure(span trace.Span, messageID string, retryCount int) {
	if span == nil {
		return
	}

	span.SetAttributes(
		attribute.String("error.type", string(ErrorTypeHandler)),
		attribute.String("messaging.message_id", messageID),
		attribute.Int("messaging.retry_count", retryCount),
	)
	span.SetStatus(codes.Error, "handler reported failure")
}
