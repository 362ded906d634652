package storage

import (
	"context"
	"testing"
	"time"

	"finq-go/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig().Redis
	cfg.Address = mr.Addr()
	cfg.ConnectAttempts = 1

	r, err := NewRedisAdapter(&cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestNewRedisAdapterValidatesConfig(t *testing.T) {
	_, err := NewRedisAdapter(nil)
	assert.Error(t, err)

	_, err = NewRedisAdapter(&config.RedisConfig{})
	assert.Error(t, err)
}

func TestAcquireIsLazy(t *testing.T) {
	r, _ := newTestRedis(t)
	assert.False(t, r.IsInitialized(), "创建后不应立即连接")

	err := r.Acquire(context.Background(), func(ctx context.Context, conn *Conn) error {
		return conn.Set(ctx, "k", "v", 0)
	})
	require.NoError(t, err)
	assert.True(t, r.IsInitialized())
}

func TestConnectFailsAfterBoundedAttempts(t *testing.T) {
	cfg := config.DefaultConfig().Redis
	cfg.Address = "127.0.0.1:1"
	cfg.ConnectAttempts = 2
	cfg.ConnectBackoffMS = 1
	cfg.DialTimeoutSeconds = 1
	cfg.MaxRetries = -1

	r, err := NewRedisAdapter(&cfg)
	require.NoError(t, err)
	defer r.Close()

	err = r.Acquire(context.Background(), func(ctx context.Context, conn *Conn) error { return nil })
	assert.Error(t, err)
	assert.False(t, r.IsInitialized())

	status := r.HealthCheck(context.Background())
	assert.False(t, status.Healthy)
	assert.NotEmpty(t, status.Error)
}

func TestHealthCheck(t *testing.T) {
	r, _ := newTestRedis(t)
	status := r.HealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Error)
	assert.GreaterOrEqual(t, status.LatencyMS, 0.0)
}

func TestConnPrimitives(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()

	err := r.Acquire(ctx, func(ctx context.Context, c *Conn) error {
		// strings
		require.NoError(t, c.Set(ctx, "s", "1", time.Minute))
		v, ok, err := c.Get(ctx, "s")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "1", v)

		_, ok, err = c.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		set, err := c.SetNX(ctx, "s", "2", 0)
		require.NoError(t, err)
		assert.False(t, set)

		exists, err := c.Exists(ctx, "s")
		require.NoError(t, err)
		assert.True(t, exists)

		// lists
		_, err = c.RPush(ctx, "l", "a", "b")
		require.NoError(t, err)
		_, err = c.LPush(ctx, "l", "z")
		require.NoError(t, err)
		items, err := c.LRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"z", "a", "b"}, items)
		require.NoError(t, c.LTrim(ctx, "l", 1, -1))
		n, err := c.LLen(ctx, "l")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		head, ok, err := c.LPop(ctx, "l")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "a", head)
		tail, _, err := c.RPop(ctx, "l")
		require.NoError(t, err)
		assert.Equal(t, "b", tail)
		_, ok, err = c.LPop(ctx, "l")
		require.NoError(t, err)
		assert.False(t, ok)

		// sorted sets
		require.NoError(t, c.ZAdd(ctx, "z", 10, "m1"))
		require.NoError(t, c.ZAdd(ctx, "z", 20, "m2"))
		due, err := c.ZRangeByScore(ctx, "z", "-inf", "15", 0, 100)
		require.NoError(t, err)
		assert.Equal(t, []string{"m1"}, due)
		removed, err := c.ZRem(ctx, "z", "m1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		card, err := c.ZCard(ctx, "z")
		require.NoError(t, err)
		assert.Equal(t, int64(1), card)

		// hashes
		require.NoError(t, c.HSet(ctx, "h", map[string]any{"a": "1", "b": 2}))
		all, err := c.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)
		incr, err := c.HIncrBy(ctx, "h", "b", 3)
		require.NoError(t, err)
		assert.Equal(t, int64(5), incr)
		_, err = c.HDel(ctx, "h", "a")
		require.NoError(t, err)
		_, ok, err = c.HGet(ctx, "h", "a")
		require.NoError(t, err)
		assert.False(t, ok)

		// scan
		keys, err := c.Scan(ctx, "h*", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"h"}, keys)

		// expire + delete
		ok, err = c.Expire(ctx, "h", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		deleted, err := c.Del(ctx, "s", "z")
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)
		return nil
	})
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists("h"))
}

func TestConnEvalAndTx(t *testing.T) {
	r, mr := newTestRedis(t)
	ctx := context.Background()
	script := redis.NewScript(`return redis.call("INCRBY", KEYS[1], ARGV[1])`)

	err := r.Acquire(ctx, func(ctx context.Context, c *Conn) error {
		res, err := c.Eval(ctx, script, []string{"counter"}, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), res)

		return c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, "tx1", "a", 0)
			pipe.Set(ctx, "tx2", "b", 0)
			return nil
		})
	})
	require.NoError(t, err)

	v, err := mr.Get("tx2")
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestConnPublish(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	sub := r.Client.Subscribe(ctx, "eq:notify:test")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = r.Acquire(ctx, func(ctx context.Context, c *Conn) error {
		n, err := c.Publish(ctx, "eq:notify:test", "e-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)

	recvCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := sub.ReceiveMessage(recvCtx)
	require.NoError(t, err)
	assert.Equal(t, "e-1", msg.Payload)
}
