package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 队列子系统的 Prometheus 指标集合
type Metrics struct {
	queueOps        *prometheus.CounterVec
	handlerLatency  *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
	eventOps        *prometheus.CounterVec
	outboxDispatch  *prometheus.CounterVec
	outboxPending   prometheus.Gauge
	lockAcquire     *prometheus.CounterVec
	schedulerRuns   *prometheus.CounterVec
	reclaimed       *prometheus.CounterVec
	delayedPromoted prometheus.Counter
}

var metricsSingleton = sync.OnceValue(func() *Metrics {
	return &Metrics{
		queueOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finq",
			Subsystem: "mq",
			Name:      "operations_total",
			Help:      "Message queue operations by queue and kind (enqueue, dequeue, ack, nack, dlq, rejected, stale).",
		}, []string{"queue", "op"}),
		handlerLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "finq",
			Subsystem: "mq",
			Name:      "handler_latency_seconds",
			Help:      "Latency distribution for message handlers.",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05,
				0.1, 0.5, 1, 5, 30,
			},
		}, []string{"queue", "result"}),
		queueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "finq",
			Subsystem: "mq",
			Name:      "depth",
			Help:      "Queue depth by state (ready, processing, dlq) as of the last monitor run.",
		}, []string{"queue", "state"}),
		reclaimed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finq",
			Subsystem: "mq",
			Name:      "reclaimed_total",
			Help:      "Processing records reclaimed after visibility timeout expiry.",
		}, []string{"queue"}),
		delayedPromoted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "finq",
			Subsystem: "mq",
			Name:      "delayed_promoted_total",
			Help:      "Delayed messages promoted to ready lists.",
		}),
		eventOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finq",
			Subsystem: "eq",
			Name:      "operations_total",
			Help:      "Event queue operations by type and result (published, delivered, failed).",
		}, []string{"event_type", "result"}),
		outboxDispatch: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finq",
			Subsystem: "outbox",
			Name:      "dispatch_total",
			Help:      "Outbox dispatch attempts by event type and result.",
		}, []string{"event_type", "result"}),
		outboxPending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "finq",
			Subsystem: "outbox",
			Name:      "pending",
			Help:      "Pending outbox rows as of the last monitor run.",
		}),
		lockAcquire: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finq",
			Subsystem: "lock",
			Name:      "acquire_total",
			Help:      "Distributed lock acquisition attempts by result.",
		}, []string{"result"}),
		schedulerRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finq",
			Subsystem: "scheduler",
			Name:      "runs_total",
			Help:      "Scheduled job executions by job and result (ok, error, skipped).",
		}, []string{"job", "result"}),
	}
})

// Default 返回进程级指标单例
func Default() *Metrics {
	return metricsSingleton()
}

// QueueOp 计数一次消息队列操作
func (m *Metrics) QueueOp(queue, op string) {
	if m == nil {
		return
	}
	m.queueOps.WithLabelValues(queue, op).Inc()
}

// ObserveHandler 记录处理器耗时
func (m *Metrics) ObserveHandler(queue string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerLatency.WithLabelValues(queue, resultLabel(ok)).Observe(d.Seconds())
}

// SetQueueDepth 更新队列深度
func (m *Metrics) SetQueueDepth(queue, state string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue, state).Set(float64(n))
}

// Reclaimed 计数可见性超时回收
func (m *Metrics) Reclaimed(queue string) {
	if m == nil {
		return
	}
	m.reclaimed.WithLabelValues(queue).Inc()
}

// DelayedPromoted 计数延迟消息提升
func (m *Metrics) DelayedPromoted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.delayedPromoted.Add(float64(n))
}

// EventOp 计数事件发布/投递
func (m *Metrics) EventOp(eventType, result string) {
	if m == nil {
		return
	}
	m.eventOps.WithLabelValues(eventType, result).Inc()
}

// OutboxDispatch 计数 outbox 分发结果
func (m *Metrics) OutboxDispatch(eventType string, ok bool) {
	if m == nil {
		return
	}
	m.outboxDispatch.WithLabelValues(eventType, resultLabel(ok)).Inc()
}

// SetOutboxPending 更新待发布行数
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}

// LockAcquire 计数锁获取结果 (obtained, busy, error)
func (m *Metrics) LockAcquire(result string) {
	if m == nil {
		return
	}
	m.lockAcquire.WithLabelValues(result).Inc()
}

// SchedulerRun 计数任务执行结果
func (m *Metrics) SchedulerRun(job, result string) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(job, result).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
