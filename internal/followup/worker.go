package followup

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/telepix/telepix/internal/registry"
)

const (
	promoteEvery = time.Second
	sweepEvery   = time.Minute
	jobTimeout   = time.Minute
)

// Start launches the promoter, the sweeper and the worker pool. Calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(cron.Every(promoteEvery), cron.FuncJob(func() { s.promote(runCtx) }))
	c.Schedule(cron.Every(sweepEvery), cron.FuncJob(func() { s.sweep(runCtx) }))
	c.Start()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, i)
	}
	s.cron, s.cancel, s.running = c, cancel, true
	s.logger.Info("follow-up workers started", slog.Int("workers", s.cfg.Workers))
	return nil
}

// Stop halts the drivers and waits for in-flight jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cronDone := s.cron.Stop()
	s.cancel()
	s.running = false
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("follow-up workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) promote(ctx context.Context) {
	n, err := s.queue.promote(ctx, s.now(), s.cfg.PromoteBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("promote due follow-ups failed", slog.Any("error", err))
		}
		return
	}
	if n > 0 {
		s.logger.Debug("follow-ups due", slog.Int64("count", n))
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now()
	n, err := s.queue.sweep(ctx, now.Add(-s.cfg.StuckTimeout), now)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("sweep stuck follow-ups failed", slog.Any("error", err))
		}
		return
	}
	if n > 0 {
		s.logger.Warn("recovered stuck follow-ups", slog.Int("count", n))
	}
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for ctx.Err() == nil {
		key, err := s.queue.claim(ctx, claimBlock, s.now())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("claim follow-up failed", slog.Int("worker", id), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if key == "" {
			continue
		}
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jobTimeout)
		s.process(jobCtx, key)
		cancel()
	}
}

// process runs one claimed job. A job that cannot be loaded stays in processing for the sweeper.
func (s *Scheduler) process(ctx context.Context, key string) {
	job, err := s.queue.load(ctx, key)
	if err != nil {
		s.logger.Error("load follow-up failed", slog.String("job_key", key), slog.Any("error", err))
		return
	}
	defer func() {
		if err := s.queue.finish(ctx, key); err != nil {
			s.logger.Error("release follow-up failed", slog.String("job_key", key), slog.Any("error", err))
		}
	}()
	if job == nil {
		return
	}
	// Rescheduled after it was claimed; the new generation already sits on the due set.
	if job.FireAt.After(s.now().Add(promoteEvery)) {
		return
	}
	log := s.logger.With(
		slog.String("job_key", key),
		slog.String("bot_id", job.TenantID),
		slog.String("chat_id", job.RecipientID),
	)

	ok, reason, err := s.eligible(ctx, job.TenantID, job.RecipientID)
	if err != nil {
		s.retry(ctx, job, err, log)
		return
	}
	if !ok {
		log.Info("follow-up no longer needed", slog.String("reason", reason))
		if err := s.Cancel(ctx, job.TenantID, job.RecipientID); err != nil {
			log.Warn("cancel after failed check", slog.Any("error", err))
		}
		s.queue.incr(ctx, statSkipped)
		return
	}
	// Cancelled or rescheduled while the checks ran.
	if cur, err := s.queue.current(ctx, key, job.Generation); err != nil || !cur {
		s.queue.incr(ctx, statSkipped)
		return
	}

	err = s.send(ctx, job.TenantID, job.RecipientID)
	switch {
	case err == nil:
		s.queue.incr(ctx, statCompleted)
		log.Info("follow-up sent", slog.String("kind", string(job.Kind)))
		s.advance(ctx, job, log)
	case errors.Is(err, ErrNoSession):
		s.queue.incr(ctx, statFailed)
		log.Warn("no session for follow-up, cancelling", slog.Any("error", err))
		if err := s.Cancel(ctx, job.TenantID, job.RecipientID); err != nil {
			log.Warn("cancel follow-ups", slog.Any("error", err))
		}
	default:
		s.retry(ctx, job, err, log)
	}
}

// advance deletes a finished one-shot or moves a recurring job to its next interval.
func (s *Scheduler) advance(ctx context.Context, job *Job, log *slog.Logger) {
	now := s.now()
	_, err := s.queue.update(ctx, job.Key, job.Generation, func(j *Job) bool {
		if j.Kind != registry.KindRecurring {
			return false
		}
		j.Attempts = 0
		j.Status = JobStatusScheduled
		j.LastError = ""
		j.FireAt = nextFire(j.Interval, now)
		j.UpdatedAt = now
		return true
	})
	if err != nil {
		log.Error("advance follow-up failed", slog.Any("error", err))
	}
}

// retry re-arms a failed job with exponential backoff. Once attempts are exhausted the one-shot
// is dropped and the recurring job keeps its normal cadence.
func (s *Scheduler) retry(ctx context.Context, job *Job, cause error, log *slog.Logger) {
	now := s.now()
	exhausted := false
	applied, err := s.queue.update(ctx, job.Key, job.Generation, func(j *Job) bool {
		j.Attempts++
		j.LastError = cause.Error()
		j.UpdatedAt = now
		if j.Attempts < s.cfg.MaxAttempts {
			j.Status = JobStatusRetrying
			j.FireAt = now.Add(s.backoff(j.Attempts))
			return true
		}
		exhausted = true
		if j.Kind != registry.KindRecurring {
			return false
		}
		j.Attempts = 0
		j.Status = JobStatusScheduled
		j.FireAt = nextFire(j.Interval, now)
		return true
	})
	if err != nil {
		log.Error("re-arm follow-up failed", slog.Any("error", err))
		return
	}
	if !applied {
		return
	}
	if exhausted {
		s.queue.incr(ctx, statFailed)
		log.Error("follow-up failed permanently", slog.Int("max_attempts", s.cfg.MaxAttempts), slog.Any("error", cause))
		return
	}
	s.queue.incr(ctx, statRetried)
	log.Warn("follow-up failed, retrying", slog.Int("attempt", job.Attempts+1), slog.Any("error", cause))
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	return s.cfg.BackoffBase << (attempt - 1)
}

func nextFire(interval time.Duration, now time.Time) time.Time {
	if interval < time.Second {
		return now.Add(interval)
	}
	return cron.Every(interval).Next(now)
}
