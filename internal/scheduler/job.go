package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finq-go/internal/constants"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var (
	// ErrJobNotFound 任务不存在
	ErrJobNotFound = errors.New("scheduler: job not found")
	// ErrJobRunning 任务正在执行
	ErrJobRunning = errors.New("scheduler: job is already running")
	// ErrInvalidJob 任务定义不合法
	ErrInvalidJob = errors.New("scheduler: invalid job")
	// ErrStopped 调度器已关闭
	ErrStopped = errors.New("scheduler: stopped")
)

var validate = validator.New()

// JobType 调度方式
type JobType string

const (
	JobInterval JobType = "INTERVAL"
	JobCron     JobType = "CRON"
	JobOnce     JobType = "ONCE"
)

// JobFunc 任务回调
type JobFunc func(ctx context.Context) error

// Job 任务定义
type Job struct {
	ID       string  `validate:"required,max=128"`
	Name     string  `validate:"max=256"`
	Type     JobType `validate:"oneof=INTERVAL CRON ONCE"`
	Interval time.Duration
	CronExpr string
	RunAt    time.Time
	Func     JobFunc `validate:"required"`
	Enabled  bool

	// UseDistributedLock 为 true 时全集群同一时刻最多执行一次
	UseDistributedLock bool
	LockKey            string
	LockTTL            time.Duration
}

// JobInfo 任务运行状态快照
type JobInfo struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Type       JobType    `json:"type"`
	Enabled    bool       `json:"enabled"`
	Locked     bool       `json:"use_distributed_lock"`
	Running    bool       `json:"running"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	RunCount   int64      `json:"run_count"`
	SkipCount  int64      `json:"skip_count"`
	ErrorCount int64      `json:"error_count"`
}

// normalise 校验并填充默认值，返回 CRON 任务的解析结果
func (j *Job) normalise() (cron.Schedule, error) {
	if err := validate.Struct(j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if j.Name == "" {
		j.Name = j.ID
	}

	var sched cron.Schedule
	switch j.Type {
	case JobInterval:
		if j.Interval <= 0 {
			return nil, fmt.Errorf("%w: interval must be positive", ErrInvalidJob)
		}
	case JobCron:
		s, err := cron.ParseStandard(j.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidJob, j.CronExpr, err)
		}
		sched = s
	case JobOnce:
		if j.RunAt.IsZero() {
			return nil, fmt.Errorf("%w: run_at is required", ErrInvalidJob)
		}
	}

	if j.UseDistributedLock {
		if j.LockKey == "" {
			j.LockKey = constants.SchedulerPrefix + ":" + j.ID
		}
		if j.LockTTL <= 0 {
			j.LockTTL = 2 * j.Interval
			if j.LockTTL <= 0 {
				j.LockTTL = time.Minute
			}
		}
	}
	return sched, nil
}

// firstRun 计算注册后的首次执行时间
func (j *Job) firstRun(now time.Time, sched cron.Schedule) time.Time {
	switch j.Type {
	case JobInterval:
		return now.Add(j.Interval)
	case JobCron:
		return sched.Next(now)
	default:
		return j.RunAt
	}
}

// nextAfter 计算一次执行之后的下次时间，ONCE 返回零值
func (j *Job) nextAfter(now time.Time, sched cron.Schedule) time.Time {
	switch j.Type {
	case JobInterval:
		return now.Add(j.Interval)
	case JobCron:
		return sched.Next(now)
	default:
		return time.Time{}
	}
}
