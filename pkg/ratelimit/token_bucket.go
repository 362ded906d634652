// Package ratelimit 提供令牌桶限流与带指数退避的重试，用于消费者轮询限速和 Redis 建连重试。
package ratelimit

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"
)

// TokenBucket 令牌桶。rate 为每秒补充的令牌数，桶满时不再累积。
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time

	baseBackoff time.Duration // 首次重试等待，之后翻倍
	maxBackoff  time.Duration // 单次等待上限，0 为不限
	maxRetries  int
}

// NewTokenBucket 按每分钟次数创建令牌桶，capacity<=0 时取 qpm/2（至少为 1），初始为满桶
func NewTokenBucket(qpm int, capacity int) *TokenBucket {
	if qpm <= 0 {
		qpm = 1
	}
	if capacity <= 0 {
		capacity = max(qpm/2, 1)
	}
	return &TokenBucket{
		rate:        float64(qpm) / 60.0,
		capacity:    float64(capacity),
		tokens:      float64(capacity),
		last:        time.Now(),
		baseBackoff: time.Second,
		maxBackoff:  30 * time.Second,
		maxRetries:  3,
	}
}

// WithRetryPolicy 设置首次退避时间与最大重试次数
func (tb *TokenBucket) WithRetryPolicy(base time.Duration, maxRetries int) *TokenBucket {
	tb.baseBackoff = base
	tb.maxRetries = max(maxRetries, 0)
	return tb
}

// WithMaxBackoff 设置单次退避上限
func (tb *TokenBucket) WithMaxBackoff(d time.Duration) *TokenBucket {
	tb.maxBackoff = d
	return tb
}

// take 尝试取一个令牌；取不到时返回需要等待的时长
func (tb *TokenBucket) take(now time.Time) (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = min(tb.capacity, tb.tokens+now.Sub(tb.last).Seconds()*tb.rate)
	tb.last = now
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	return false, time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
}

// Allow 非阻塞地取一个令牌
func (tb *TokenBucket) Allow() bool {
	ok, _ := tb.take(time.Now())
	return ok
}

// Wait 阻塞直到取到令牌或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		ok, wait := tb.take(time.Now())
		if ok {
			return nil
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Backoff 第 attempt 次失败（从 0 开始）后的等待时长
func (tb *TokenBucket) Backoff(attempt int) time.Duration {
	d := tb.baseBackoff << uint(min(attempt, 30))
	if tb.maxBackoff > 0 && (d > tb.maxBackoff || d <= 0) {
		return tb.maxBackoff
	}
	return d
}

// RetryWithBackoff 每次尝试前先取令牌；可重试错误按指数退避重试，最多 maxRetries 次
func (tb *TokenBucket) RetryWithBackoff(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if werr := tb.Wait(ctx); werr != nil {
			return werr
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= tb.maxRetries || !IsRetryableError(err) {
			return err
		}
		if serr := sleep(ctx, tb.Backoff(attempt)); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

// redis 服务端在加载数据或集群迁移时返回的临时错误前缀，以及连接池耗尽
var retryableMessages = []string{
	"LOADING",
	"TRYAGAIN",
	"CLUSTERDOWN",
	"pool timeout",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"i/o timeout",
}

// IsRetryableError 判断是否为连接或服务端临时性错误
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, s := range retryableMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
