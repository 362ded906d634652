package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"finq-go/internal/lock"
	"finq-go/internal/storage"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func newRedisLocker(t *testing.T) (*lock.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool := storage.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil)
	t.Cleanup(func() { _ = pool.Close() })
	return lock.New(pool), mr
}

func TestAddJobIsIdempotent(t *testing.T) {
	s := New(nil)
	job := Job{ID: "a", Type: JobInterval, Interval: time.Minute, Func: func(context.Context) error { return nil }, Enabled: true}

	added, err := s.AddJob(job)
	require.NoError(t, err)
	assert.True(t, added)

	job.Interval = time.Hour
	added, err = s.AddJob(job)
	require.NoError(t, err)
	assert.False(t, added)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].Name)
}

func TestAddJobValidation(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) error { return nil }
	cases := []Job{
		{Type: JobInterval, Interval: time.Second, Func: noop},
		{ID: "x", Type: "WEEKLY", Func: noop},
		{ID: "x", Type: JobInterval, Func: noop},
		{ID: "x", Type: JobCron, CronExpr: "not a cron", Func: noop},
		{ID: "x", Type: JobOnce, Func: noop},
		{ID: "x", Type: JobInterval, Interval: time.Second},
	}
	for _, job := range cases {
		_, err := s.AddJob(job)
		assert.ErrorIs(t, err, ErrInvalidJob, "%+v", job)
	}
}

func TestIntervalJobRunsWhenDue(t *testing.T) {
	c := newClock()
	s := New(nil, WithClock(c.Now))
	var runs atomic.Int32
	_, err := s.AddJob(Job{ID: "tick", Type: JobInterval, Interval: 10 * time.Second, Enabled: true,
		Func: func(context.Context) error { runs.Add(1); return nil }})
	require.NoError(t, err)

	assert.Zero(t, s.runDue(context.Background(), c.Now()))

	c.Advance(10 * time.Second)
	assert.Equal(t, 1, s.runDue(context.Background(), c.Now()))
	require.NoError(t, s.Shutdown(time.Second))
	assert.Equal(t, int32(1), runs.Load())

	info := s.Jobs()[0]
	require.NotNil(t, info.NextRun)
	assert.Equal(t, c.Now().Add(10*time.Second), *info.NextRun)
	assert.Equal(t, int64(1), info.RunCount)
}

func TestDisabledJobDoesNotRun(t *testing.T) {
	c := newClock()
	s := New(nil, WithClock(c.Now))
	_, err := s.AddJob(Job{ID: "off", Type: JobInterval, Interval: time.Second,
		Func: func(context.Context) error { return nil }})
	require.NoError(t, err)

	c.Advance(time.Minute)
	assert.Zero(t, s.runDue(context.Background(), c.Now()))

	require.NoError(t, s.SetEnabled("off", true))
	assert.Equal(t, 1, s.runDue(context.Background(), c.Now()))
	assert.ErrorIs(t, s.SetEnabled("missing", true), ErrJobNotFound)
}

func TestOnceJobRunsOnce(t *testing.T) {
	c := newClock()
	s := New(nil, WithClock(c.Now))
	var runs atomic.Int32
	_, err := s.AddJob(Job{ID: "once", Type: JobOnce, RunAt: c.Now().Add(time.Second), Enabled: true,
		Func: func(context.Context) error { runs.Add(1); return nil }})
	require.NoError(t, err)

	c.Advance(2 * time.Second)
	assert.Equal(t, 1, s.runDue(context.Background(), c.Now()))
	require.NoError(t, s.Shutdown(time.Second))

	c.Advance(time.Hour)
	assert.Zero(t, s.runDue(context.Background(), c.Now()))
	assert.Equal(t, int32(1), runs.Load())
	assert.Nil(t, s.Jobs()[0].NextRun)
}

func TestCronJobSchedule(t *testing.T) {
	c := newClock()
	s := New(nil, WithClock(c.Now))
	_, err := s.AddJob(Job{ID: "cron", Type: JobCron, CronExpr: "*/5 * * * *", Enabled: true,
		Func: func(context.Context) error { return nil }})
	require.NoError(t, err)

	info := s.Jobs()[0]
	require.NotNil(t, info.NextRun)
	assert.Equal(t, c.Now().Add(5*time.Minute), *info.NextRun)
}

func TestInFlightJobIsNotStartedTwice(t *testing.T) {
	c := newClock()
	s := New(nil, WithClock(c.Now))
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	_, err := s.AddJob(Job{ID: "slow", Type: JobInterval, Interval: time.Second, Enabled: true,
		Func: func(context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		}})
	require.NoError(t, err)

	c.Advance(time.Second)
	assert.Equal(t, 1, s.runDue(context.Background(), c.Now()))
	<-started

	c.Advance(time.Second)
	assert.Zero(t, s.runDue(context.Background(), c.Now()))
	assert.ErrorIs(t, s.RunNow(context.Background(), "slow"), ErrJobRunning)

	close(release)
	require.NoError(t, s.Shutdown(time.Second))
}

func TestJobErrorsAndPanicsAreRecorded(t *testing.T) {
	s := New(nil)
	_, err := s.AddJob(Job{ID: "bad", Type: JobInterval, Interval: time.Hour, Enabled: true,
		Func: func(context.Context) error { return errors.New("boom") }})
	require.NoError(t, err)
	_, err = s.AddJob(Job{ID: "panic", Type: JobInterval, Interval: time.Hour, Enabled: true,
		Func: func(context.Context) error { panic("oops") }})
	require.NoError(t, err)

	assert.EqualError(t, s.RunNow(context.Background(), "bad"), "boom")
	err = s.RunNow(context.Background(), "panic")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job panic: oops")

	// 失败后任务仍然保留在调度中
	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "boom", jobs[0].LastError)
	assert.Equal(t, int64(1), jobs[0].ErrorCount)
	assert.NotNil(t, jobs[0].LastRun)

	assert.NoError(t, s.RemoveJob("bad"))
	assert.ErrorIs(t, s.RemoveJob("bad"), ErrJobNotFound)
	assert.ErrorIs(t, s.RunNow(context.Background(), "bad"), ErrJobNotFound)
}

func TestLockedJobRunsOnceAcrossSchedulers(t *testing.T) {
	locker, mr := newRedisLocker(t)
	release := make(chan struct{})
	var runs atomic.Int32

	job := Job{ID: "process_outbox_events", Type: JobInterval, Interval: time.Minute, Enabled: true,
		UseDistributedLock: true, LockTTL: 2 * time.Minute,
		Func: func(context.Context) error {
			runs.Add(1)
			<-release
			return nil
		}}

	a := New(locker)
	b := New(locker)
	_, err := a.AddJob(job)
	require.NoError(t, err)
	_, err = b.AddJob(job)
	require.NoError(t, err)

	errA := make(chan error, 1)
	go func() { errA <- a.RunNow(context.Background(), job.ID) }()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, mr.Exists("scheduler:process_outbox_events"))

	// 另一个节点拿不到锁，跳过
	require.NoError(t, b.RunNow(context.Background(), job.ID))
	assert.Equal(t, int64(1), b.Jobs()[0].SkipCount)

	close(release)
	require.NoError(t, <-errA)
	assert.False(t, mr.Exists("scheduler:process_outbox_events"))
	assert.Equal(t, int32(1), runs.Load())
}

func TestJobContextSurvivesShutdown(t *testing.T) {
	c := newClock()
	s := New(nil, WithClock(c.Now), WithTick(time.Millisecond))
	ctxErr := make(chan error, 1)
	started := make(chan struct{})
	_, err := s.AddJob(Job{ID: "drain", Type: JobInterval, Interval: time.Second, Enabled: true,
		Func: func(ctx context.Context) error {
			close(started)
			time.Sleep(20 * time.Millisecond)
			ctxErr <- ctx.Err()
			return nil
		}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	c.Advance(time.Second)
	<-started
	cancel()

	require.NoError(t, s.Shutdown(time.Second))
	assert.NoError(t, <-ctxErr)
}

func TestShutdownTimesOut(t *testing.T) {
	s := New(nil)
	block := make(chan struct{})
	defer close(block)
	_, err := s.AddJob(Job{ID: "stuck", Type: JobInterval, Interval: time.Hour, Enabled: true,
		Func: func(context.Context) error { <-block; return nil }})
	require.NoError(t, err)

	go func() { _ = s.RunNow(context.Background(), "stuck") }()
	require.Eventually(t, func() bool { return s.Jobs()[0].Running }, time.Second, time.Millisecond)

	assert.Error(t, s.Shutdown(20*time.Millisecond))
}

func TestRunNowAfterShutdownIsRejected(t *testing.T) {
	s := New(nil)
	var runs atomic.Int32
	_, err := s.AddJob(Job{ID: "j", Type: JobInterval, Interval: time.Hour, Enabled: true,
		Func: func(context.Context) error { runs.Add(1); return nil }})
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(time.Second))
	assert.ErrorIs(t, s.RunNow(context.Background(), "j"), ErrStopped)
	assert.Zero(t, runs.Load())
}
