package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"finq-go/internal/config"
	"finq-go/internal/constants"
	"finq-go/internal/scheduler"
)

// registerJobs 注册内置调度任务
func (s *Service) registerJobs() error {
	sc := s.cfg.Scheduler
	jobs := []scheduler.Job{
		{
			ID:       constants.JobMonitorQueues,
			Name:     "Monitor queue depths",
			Type:     scheduler.JobInterval,
			Interval: config.GetDuration(sc.MonitorInterval, 300*time.Second),
			Func:     s.monitorQueues,
			Enabled:  true,
		},
		{
			ID:                 constants.JobCleanupQueues,
			Name:               "Archive dead letters and collect orphans",
			Type:               scheduler.JobInterval,
			Interval:           config.GetDuration(sc.CleanupInterval, time.Hour),
			Func:               s.cleanupQueues,
			Enabled:            true,
			UseDistributedLock: true,
			LockKey:            constants.LockCleanupQueues,
			LockTTL:            config.GetDuration(sc.CleanupLockTTL, 600*time.Second),
		},
	}
	if s.outbox != nil {
		jobs = append(jobs, scheduler.Job{
			ID:                 constants.JobProcessOutboxEvents,
			Name:               "Process outbox events",
			Type:               scheduler.JobInterval,
			Interval:           config.GetDuration(sc.OutboxInterval, 60*time.Second),
			Func:               s.processOutbox,
			Enabled:            true,
			UseDistributedLock: true,
			LockKey:            constants.LockOutboxEvents,
			LockTTL:            config.GetDuration(sc.OutboxLockTTL, 120*time.Second),
		})
	}

	for _, job := range jobs {
		if _, err := s.scheduler.AddJob(job); err != nil {
			return fmt.Errorf("service: register job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (s *Service) processOutbox(ctx context.Context) error {
	res, err := s.outbox.ProcessOutboxEvents(ctx)
	if err != nil {
		return err
	}
	if res.Failed > 0 {
		s.logger.Warn().Int("failed", res.Failed).Int("published", res.Published).Msg("部分outbox事件处理失败")
	}
	return nil
}

// monitorQueues 刷新队列深度指标并对积压的死信告警
func (s *Service) monitorQueues(ctx context.Context) error {
	var errs []error
	for _, q := range s.Queues() {
		st, err := s.queues.Stats(ctx, q)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		log := s.logger.Debug()
		if st.DLQ > 0 {
			log = s.logger.Warn()
		}
		log.Str("queue", q).
			Int64("ready", st.Ready).
			Int64("partitioned", st.Partitioned).
			Int64("processing", st.Processing).
			Int64("dlq", st.DLQ).
			Msg("队列状态")
	}

	if s.outbox != nil {
		n, err := s.outbox.PendingCount(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			s.metrics.SetOutboxPending(n)
		}
	}
	return errors.Join(errs...)
}

// cleanupQueues 清理过期 outbox 行，归档超出保留条数的死信，回收孤儿消息哈希
func (s *Service) cleanupQueues(ctx context.Context) error {
	var errs []error

	if s.outbox != nil {
		if _, err := s.outbox.CleanupOldEvents(ctx, s.cfg.Outbox.RetentionDays); err != nil {
			errs = append(errs, err)
		}
	}

	keep := s.cfg.Queue.DLQRetain
	for _, q := range s.Queues() {
		n, err := s.queues.ArchiveDLQ(ctx, q, keep, s.dlqSink)
		if err != nil {
			errs = append(errs, fmt.Errorf("archive dlq %s: %w", q, err))
			continue
		}
		if n > 0 {
			s.logger.Info().Str("queue", q).Int("archived", n).Bool("sink", s.dlqSink != nil).Msg("死信已归档")
		}
	}

	if n, err := s.queues.CollectOrphans(ctx); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		s.logger.Info().Int("collected", n).Msg("已回收孤儿消息")
	}
	return errors.Join(errs...)
}
