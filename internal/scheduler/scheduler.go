// Package scheduler 按秒节拍驱动具名周期任务，可选用分布式锁保证全集群单实例执行。
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"finq-go/internal/metrics"
	"finq-go/internal/tracing"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultTick = time.Second

var schedulerTracer = otel.Tracer("finq-go/scheduler")

// Locker 调度器所需的锁能力
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, waitTimeout time.Duration) (string, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

type entry struct {
	job   Job
	sched cron.Schedule

	next       time.Time
	running    bool
	lastRun    time.Time
	lastErr    string
	runCount   int64
	skipCount  int64
	errorCount int64
}

// Scheduler 任务调度器
type Scheduler struct {
	locker Locker
	tick   time.Duration

	mu      sync.Mutex
	jobs    map[string]*entry
	stopped bool
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	runWG   sync.WaitGroup

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option 配置 Scheduler
type Option func(*Scheduler)

// WithTick 设置节拍间隔
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithLogger 设置日志记录器
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New 创建调度器。locker 可为 nil，此时要求加锁的任务会被跳过。
func New(locker Locker, opts ...Option) *Scheduler {
	s := &Scheduler{
		locker: locker,
		tick:   defaultTick,
		jobs:   make(map[string]*entry),
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob 注册任务。同一 id 重复注册时保持原任务不变，返回 false。
func (s *Scheduler) AddJob(job Job) (bool, error) {
	sched, err := job.normalise()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		s.logger.Debug().Str("job_id", job.ID).Msg("任务已注册，忽略重复添加")
		return false, nil
	}
	s.jobs[job.ID] = &entry{
		job:   job,
		sched: sched,
		next:  job.firstRun(s.now(), sched),
	}
	s.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Bool("locked", job.UseDistributedLock).
		Msg("已注册调度任务")
	return true, nil
}

// RemoveJob 移除任务，正在执行的回调不受影响
func (s *Scheduler) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// SetEnabled 启用或停用任务
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	e.job.Enabled = enabled
	return nil
}

// Jobs 返回按 id 排序的任务快照
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.jobs))
	for _, e := range s.jobs {
		info := JobInfo{
			ID:         e.job.ID,
			Name:       e.job.Name,
			Type:       e.job.Type,
			Enabled:    e.job.Enabled,
			Locked:     e.job.UseDistributedLock,
			Running:    e.running,
			LastError:  e.lastErr,
			RunCount:   e.runCount,
			SkipCount:  e.skipCount,
			ErrorCount: e.errorCount,
		}
		if !e.lastRun.IsZero() {
			t := e.lastRun
			info.LastRun = &t
		}
		if !e.next.IsZero() {
			t := e.next
			info.NextRun = &t
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start 启动节拍循环
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.loopWG.Add(1)
	go func() {
		defer s.loopWG.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		s.logger.Info().Dur("tick", s.tick).Msg("调度器已启动")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx, s.now())
			}
		}
	}()
}

// runDue 启动所有到期且未在执行中的任务
func (s *Scheduler) runDue(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return 0
	}
	var due []*entry
	for _, e := range s.jobs {
		if !e.job.Enabled || e.running || e.next.IsZero() || now.Before(e.next) {
			continue
		}
		e.running = true
		e.next = e.job.nextAfter(now, e.sched)
		due = append(due, e)
	}
	s.runWG.Add(len(due))
	s.mu.Unlock()

	for _, e := range due {
		go func(e *entry) {
			defer s.runWG.Done()
			s.execute(ctx, e)
		}(e)
	}
	return len(due)
}

// RunNow 立即同步执行一次任务，仍遵循分布式锁与在途保护。Shutdown 之后返回 ErrStopped。
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	if e.running {
		s.mu.Unlock()
		return ErrJobRunning
	}
	e.running = true
	s.runWG.Add(1)
	s.mu.Unlock()

	defer s.runWG.Done()
	return s.execute(ctx, e)
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (err error) {
	job := e.job
	ctx, span := schedulerTracer.Start(ctx, "scheduler.RunJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Bool("job.locked", job.UseDistributedLock),
	)

	skipped := false
	defer func() {
		s.finish(e, skipped, err)
	}()

	if job.UseDistributedLock {
		if s.locker == nil {
			skipped = true
			return nil
		}
		token, lerr := s.locker.Acquire(ctx, job.LockKey, job.LockTTL, 0)
		if lerr != nil {
			tracing.RecordError(span, lerr, tracing.ErrorTypeLock)
			skipped = true
			s.logger.Warn().Err(lerr).Str("job_id", job.ID).Msg("获取任务锁失败，跳过本次执行")
			return nil
		}
		if token == "" {
			skipped = true
			s.logger.Debug().Str("job_id", job.ID).Str("lock_key", job.LockKey).Msg("任务锁被占用，跳过本次执行")
			return nil
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if ok, rerr := s.locker.Release(releaseCtx, job.LockKey, token); rerr != nil || !ok {
				s.logger.Warn().Err(rerr).Str("job_id", job.ID).Msg("任务锁释放失败或已过期")
			}
		}()
	}

	err = s.invoke(context.WithoutCancel(ctx), job)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeScheduler)
	}
	return err
}

func (s *Scheduler) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return job.Func(ctx)
}

func (s *Scheduler) finish(e *entry, skipped bool, err error) {
	s.mu.Lock()
	e.running = false
	switch {
	case skipped:
		e.skipCount++
	case err != nil:
		e.lastRun = s.now()
		e.lastErr = err.Error()
		e.runCount++
		e.errorCount++
	default:
		e.lastRun = s.now()
		e.lastErr = ""
		e.runCount++
	}
	s.mu.Unlock()

	switch {
	case skipped:
		s.metrics.SchedulerRun(e.job.ID, "skipped")
	case err != nil:
		s.metrics.SchedulerRun(e.job.ID, "error")
		s.logger.Error().Err(err).Str("job_id", e.job.ID).Msg("调度任务执行失败")
	default:
		s.metrics.SchedulerRun(e.job.ID, "ok")
	}
}

// Shutdown 停止节拍并在 timeout 内等待在途任务完成
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("调度器已停止")
		return nil
	case <-time.After(timeout):
		s.logger.Warn().Dur("timeout", timeout).Msg("等待在途任务超时")
		return fmt.Errorf("scheduler: in-flight jobs did not finish within %s", timeout)
	}
}
