package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/infrastructure/queue"
)

// Scheduler enqueues the recurring CLEANUP job once a day at the configured
// hour (UTC). The job itself runs through the queue like any other, so
// retries and the failed list apply to scheduled cleanups too.
type Scheduler struct {
	queue      queue.Queue
	logger     *zap.Logger
	hour       int
	daysToKeep int

	now func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler wires the daily cleanup schedule. hour is 0..23 UTC.
func NewScheduler(q queue.Queue, logger *zap.Logger, hour, daysToKeep int) *Scheduler {
	if hour < 0 || hour > 23 {
		hour = 2
	}
	return &Scheduler{
		queue:      q,
		logger:     logger,
		hour:       hour,
		daysToKeep: daysToKeep,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// Start launches the schedule loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	s.logger.Info("cleanup scheduler started",
		zap.Int("hour_utc", s.hour), zap.Int("days_to_keep", s.daysToKeep))
}

// Stop ends the schedule loop.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		now := s.now().UTC()
		timer := time.NewTimer(s.nextRun(now).Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		jobID, err := s.queue.EnqueueCleanup(ctx, s.daysToKeep)
		if err != nil {
			s.logger.Error("failed to enqueue scheduled cleanup", zap.Error(err))
			continue
		}
		s.logger.Info("scheduled cleanup enqueued",
			zap.String("job_id", jobID), zap.Int("days_to_keep", s.daysToKeep))
	}
}

// nextRun is the next instant at the configured hour strictly after now.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
