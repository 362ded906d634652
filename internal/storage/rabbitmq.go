package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"finq-go/internal/config"
	"finq-go/internal/tracing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var rabbitTracer = otel.Tracer("finq-go/storage/rabbitmq")

// RabbitMQ 事件镜像：把已发布的事件转发到 topic exchange，路由键为事件类型
type RabbitMQ struct {
	conn         *amqp.Connection
	channelPool  sync.Pool
	exchanges    map[string]bool
	exchangeMu   sync.Mutex
	publishMutex sync.Mutex
	cfg          *config.RabbitMQConfig
	logger       zerolog.Logger
}

// NewRabbitMQ 连接 RabbitMQ 并声明事件 exchange
func NewRabbitMQ(cfg *config.RabbitMQConfig, logger zerolog.Logger) (*RabbitMQ, error) {
	if cfg == nil {
		return nil, fmt.Errorf("RabbitMQ配置不能为空")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("RabbitMQ URL配置不能为空")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("无法连接到RabbitMQ服务器: %w", err)
	}

	mq := &RabbitMQ{
		conn:      conn,
		exchanges: make(map[string]bool),
		cfg:       cfg,
		logger:    logger,
	}
	mq.channelPool = sync.Pool{
		New: func() any {
			ch, err := conn.Channel()
			if err != nil {
				logger.Error().Err(err).Msg("创建RabbitMQ通道失败")
				return nil
			}
			return ch
		},
	}

	exchangeType := cfg.ExchangeType
	if exchangeType == "" {
		exchangeType = amqp.ExchangeTopic
	}
	if err := mq.EnsureExchange(cfg.EventsExchange, exchangeType, true); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info().Str("exchange", cfg.EventsExchange).Msg("已连接RabbitMQ事件镜像")
	return mq, nil
}

func (r *RabbitMQ) getChannel() (*amqp.Channel, error) {
	if v := r.channelPool.Get(); v != nil {
		if ch, ok := v.(*amqp.Channel); ok && !ch.IsClosed() {
			return ch, nil
		}
	}
	return r.conn.Channel()
}

func (r *RabbitMQ) putChannel(ch *amqp.Channel) {
	if ch != nil && !ch.IsClosed() {
		r.channelPool.Put(ch)
	}
}

// EnsureExchange 声明 exchange，已声明过的跳过
func (r *RabbitMQ) EnsureExchange(name, kind string, durable bool) error {
	if name == "" {
		return fmt.Errorf("exchange名称不能为空")
	}
	if name == "amq.default" || name == "default" {
		return fmt.Errorf("不能声明默认交换机 '%s'", name)
	}

	r.exchangeMu.Lock()
	defer r.exchangeMu.Unlock()
	if r.exchanges[name] {
		return nil
	}

	ch, err := r.getChannel()
	if err != nil {
		return fmt.Errorf("无法获取RabbitMQ通道: %w", err)
	}
	defer r.putChannel(ch)

	if err := ch.ExchangeDeclare(name, kind, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("声明exchange失败: %w", err)
	}
	r.exchanges[name] = true
	return nil
}

// PublishMessage 发布消息到 exchange
func (r *RabbitMQ) PublishMessage(ctx context.Context, exchange, routingKey string, body []byte, persistent bool) error {
	ctx, span := rabbitTracer.Start(ctx, "rabbitmq.Publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination", exchange),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
	)

	r.publishMutex.Lock()
	defer r.publishMutex.Unlock()

	ch, err := r.getChannel()
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
		return fmt.Errorf("无法获取RabbitMQ通道: %w", err)
	}
	defer r.putChannel(ch)

	deliveryMode := amqp.Transient
	if persistent {
		deliveryMode = amqp.Persistent
	}

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: deliveryMode,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeRabbitMQ)
		return fmt.Errorf("发布到exchange %s 失败: %w", exchange, err)
	}
	return nil
}

// PublishEvent 把事件发布到配置的事件 exchange
func (r *RabbitMQ) PublishEvent(ctx context.Context, routingKey string, body []byte) error {
	return r.PublishMessage(ctx, r.cfg.EventsExchange, routingKey, body, true)
}

// Close 关闭连接
func (r *RabbitMQ) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
