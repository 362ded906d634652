package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadConfigOverridesDefaults 验证 YAML 中的字段覆盖默认值，未出现的字段保留默认值
func TestLoadConfigOverridesDefaults(t *testing.T) {
	content := `
redis:
  address: "redis.internal:6380"
  pool_size: 32
queue:
  max_length: 500
  monitored_queues:
    - risk_analysis
    - trade_settlement
outbox:
  batch_size: 25
  procedures:
    insert: sp_outbox_insert
`
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644), "无法写入临时配置文件")

	cfg, err := LoadConfigFromFileOnly(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "redis.internal:6380", cfg.Redis.Address)
	assert.Equal(t, 32, cfg.Redis.PoolSize)
	assert.Equal(t, 2, cfg.Redis.MinIdleConns, "未配置的字段应保留默认值")
	assert.Equal(t, 500, cfg.Queue.MaxLength)
	assert.Equal(t, []string{"risk_analysis", "trade_settlement"}, cfg.Queue.MonitoredQueues)
	assert.Equal(t, 25, cfg.Outbox.BatchSize)
	assert.Equal(t, "sp_outbox_insert", cfg.Outbox.Procedures.Insert)
	assert.Empty(t, cfg.Outbox.Procedures.FetchPending)
	assert.Equal(t, 1000, cfg.Events.HistoryLimit)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logger:\n  level: info\n"), 0644))

	t.Setenv("REDIS_ADDRESS", "10.0.0.5:6379")
	t.Setenv("MYSQL_PORT", "3307")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("RABBITMQ_URL", "amqp://u:p@mq:5672/")

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:6379", cfg.Redis.Address)
	assert.Equal(t, 3307, cfg.MySQL.Port)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.True(t, cfg.RabbitMQ.Enabled)
}

func TestLoadConfigFromFileOnlyErrors(t *testing.T) {
	_, err := LoadConfigFromFileOnly("")
	assert.Error(t, err)

	_, err = LoadConfigFromFileOnly(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("redis: [unclosed"), 0644))
	_, err = LoadConfigFromFileOnly(bad)
	assert.Error(t, err)
}

func TestCreateSampleConfigDoesNotOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	require.NoError(t, CreateSampleConfig(path))

	cfg, err := LoadConfigFromFileOnly(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Scheduler.OutboxInterval, cfg.Scheduler.OutboxInterval)

	assert.Error(t, CreateSampleConfig(path), "已存在的文件不应被覆盖")
}

func TestGetDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, GetDuration("", 5*time.Second))
	assert.Equal(t, 5*time.Second, GetDuration("nope", 5*time.Second))
	assert.Equal(t, 5*time.Second, GetDuration("-1s", 5*time.Second))
	assert.Equal(t, 1500*time.Millisecond, GetDuration("1.5s", time.Second))
}
