package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerProcessesPriorityAndPartitionMessages(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	var (
		mu   sync.Mutex
		seen []string
	)
	c, err := m.NewConsumer("Q", "worker-1", func(ctx context.Context, msg *Message) bool {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.ID)
		return true
	}, ConsumerOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	a := enqueue(t, m, &Message{Queue: "Q", Priority: PriorityNormal})
	b := enqueue(t, m, &Message{Queue: "Q", Priority: PriorityNormal, PartitionKey: "u1"})
	cMsg := enqueue(t, m, &Message{Queue: "Q", Priority: PriorityNormal, PartitionKey: "u1"})

	c.Start(ctx)
	defer c.Stop()

	assert.Eventually(t, func() bool {
		return c.Stats().Processed == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{a.ID, b.ID, cMsg.ID}, seen)
	mu.Unlock()

	for _, id := range []string{a.ID, b.ID, cMsg.ID} {
		assert.False(t, mr.Exists(messageKey(id)))
	}

	c.Stop()
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, c.Wait(waitCtx))
	assert.False(t, c.Stats().Running)
}

func TestConsumerRecoversFromPanicAndDeadLetters(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var calls atomic.Int32
	c, err := m.NewConsumer("Q", "worker-1", func(ctx context.Context, msg *Message) bool {
		calls.Add(1)
		panic("handler exploded")
	}, ConsumerOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	enqueue(t, m, &Message{Queue: "Q", Priority: PriorityHigh, MaxRetries: 1})
	c.Start(ctx)
	defer c.Stop()

	assert.Eventually(t, func() bool {
		n, err := m.DLQLength(ctx, "Q")
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(2), c.Stats().Failed)

	records, err := m.DLQEntries(ctx, "Q", 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].Error, "handler exploded")
}

func TestConsumerHandlerContextSurvivesStop(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var handlerErr atomic.Value

	c, err := m.NewConsumer("Q", "worker-1", func(hctx context.Context, msg *Message) bool {
		close(started)
		<-release
		handlerErr.Store(hctx.Err() == nil)
		return true
	}, ConsumerOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	sent := enqueue(t, m, &Message{Queue: "Q", Priority: PriorityNormal})
	c.Start(ctx)

	<-started
	c.Stop()
	close(release)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, c.Wait(waitCtx))

	assert.Equal(t, true, handlerErr.Load())
	assert.False(t, mr.Exists(messageKey(sent.ID)), "停止期间在途消息仍应被确认")
}

func TestConsumerSurvivesDequeueErrors(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	var handled atomic.Int32
	c, err := m.NewConsumer("Q", "worker-1", func(context.Context, *Message) bool {
		handled.Add(1)
		return true
	}, ConsumerOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	mr.SetError("ERR server unavailable")
	c.Start(ctx)
	defer c.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.True(t, c.Stats().Running, "出队失败后轮询协程应继续运行")
	assert.Zero(t, handled.Load())

	mr.SetError("")
	sent := enqueue(t, m, &Message{Queue: "Q", Priority: PriorityNormal})

	assert.Eventually(t, func() bool {
		return handled.Load() == 1 && !mr.Exists(messageKey(sent.ID))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewConsumerValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ok := func(context.Context, *Message) bool { return true }

	_, err := m.NewConsumer("", "id", ok, ConsumerOptions{})
	assert.Error(t, err)
	_, err = m.NewConsumer("Q", "", ok, ConsumerOptions{})
	assert.Error(t, err)
	_, err = m.NewConsumer("Q", "id", nil, ConsumerOptions{})
	assert.Error(t, err)
}
