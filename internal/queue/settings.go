package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"finq-go/internal/storage"
)

// Settings 队列级配置，持久化在 mq:config:{queue}，缺省字段回落到全局配置
type Settings struct {
	MaxLength         int           `json:"max_length"`
	MaxRetries        int           `json:"max_retries"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	MaxPayloadBytes   int           `json:"max_payload_bytes"`
}

const (
	settingMaxLength  = "max_length"
	settingMaxRetries = "max_retries"
	settingVisibility = "visibility_timeout"
	settingMaxPayload = "max_payload_bytes"
)

// SetSettings 写入队列配置
func (m *Manager) SetSettings(ctx context.Context, queue string, s Settings) error {
	if queue == "" {
		return fmt.Errorf("%w: queue is required", ErrInvalidMessage)
	}
	if s.MaxLength < 0 || s.MaxRetries < 0 || s.MaxPayloadBytes < 0 || s.VisibilityTimeout < 0 {
		return fmt.Errorf("queue settings must not be negative")
	}

	return m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		return conn.HSet(ctx, configKey(queue), map[string]any{
			settingMaxLength:  s.MaxLength,
			settingMaxRetries: s.MaxRetries,
			settingVisibility: formatSeconds(s.VisibilityTimeout),
			settingMaxPayload: s.MaxPayloadBytes,
		})
	})
}

// GetSettings 读取队列配置并与全局默认值合并
func (m *Manager) GetSettings(ctx context.Context, queue string) (Settings, error) {
	settings := m.defaults

	var h map[string]string
	err := m.pool.Acquire(ctx, func(ctx context.Context, conn *storage.Conn) error {
		var err error
		h, err = conn.HGetAll(ctx, configKey(queue))
		return err
	})
	if err != nil {
		return settings, fmt.Errorf("读取队列配置失败 queue=%s: %w", queue, err)
	}

	if v, ok := parseIntField(h, settingMaxLength); ok {
		settings.MaxLength = v
	}
	if v, ok := parseIntField(h, settingMaxRetries); ok {
		settings.MaxRetries = v
	}
	if v, ok := parseIntField(h, settingMaxPayload); ok {
		settings.MaxPayloadBytes = v
	}
	if raw, ok := h[settingVisibility]; ok {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			settings.VisibilityTimeout = time.Duration(secs * float64(time.Second))
		}
	}
	return settings, nil
}

func parseIntField(h map[string]string, field string) (int, bool) {
	raw, ok := h[field]
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
