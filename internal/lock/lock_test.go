package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"finq-go/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	pool := storage.NewRedisFromClient(client, nil)
	t.Cleanup(func() { _ = pool.Close() })
	return New(pool, WithPollInterval(10*time.Millisecond)), mr
}

func TestAcquireIsExclusive(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		tokens []string
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := l.Acquire(ctx, "scheduler:outbox_events", 120*time.Second, 0)
			assert.NoError(t, err)
			mu.Lock()
			tokens = append(tokens, token)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var winner string
	nonEmpty := 0
	for _, tk := range tokens {
		if tk != "" {
			nonEmpty++
			winner = tk
		}
	}
	require.Equal(t, 1, nonEmpty, "只有一个进程能拿到锁")

	released, err := l.Release(ctx, "scheduler:outbox_events", winner)
	require.NoError(t, err)
	assert.True(t, released)

	again, err := l.Acquire(ctx, "scheduler:outbox_events", 120*time.Second, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, again)
}

func TestReleaseWithWrongTokenLeavesLock(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "k", time.Minute, 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	released, err := l.Release(ctx, "k", "not-the-token")
	require.NoError(t, err)
	assert.False(t, released)

	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, token, v)

	released, err = l.Release(ctx, "k", "")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestLockExpiresByTTL(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "k", time.Second, 0)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	mr.FastForward(2 * time.Second)

	other, err := l.Acquire(ctx, "k", time.Second, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, other)

	released, err := l.Release(ctx, "k", token)
	require.NoError(t, err)
	assert.False(t, released, "过期的旧 token 不能释放新持有者的锁")
}

func TestAcquireWaitsUntilReleased(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	token, err := l.Acquire(ctx, "k", time.Minute, 0)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = l.Release(ctx, "k", token)
	}()

	second, err := l.Acquire(ctx, "k", time.Minute, 2*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, second)
}

func TestAcquireWaitTimesOut(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	_, err := l.Acquire(ctx, "k", time.Minute, 0)
	require.NoError(t, err)

	start := time.Now()
	token, err := l.Acquire(ctx, "k", time.Minute, 80*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithLock(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	ran := false
	ok, err := l.WithLock(ctx, "job", time.Minute, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists("job"))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, ran)
	assert.False(t, mr.Exists("job"), "执行后应释放锁")
}

func TestAcquireValidatesArguments(t *testing.T) {
	l, _ := newTestLocker(t)
	_, err := l.Acquire(context.Background(), "", time.Second, 0)
	assert.Error(t, err)
	_, err = l.Acquire(context.Background(), "k", 0, 0)
	assert.Error(t, err)
}
