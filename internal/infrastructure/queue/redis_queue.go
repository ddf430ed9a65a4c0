package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// Queue is the durable ingestion queue contract the writer consumes from
// and producers enqueue into. Enqueue returns once the job is durably
// stored; producers never block on consumers.
type Queue interface {
	// EnqueueEvent queues one LOG_EVENT job.
	EnqueueEvent(ctx context.Context, event *audit.SecurityEvent, opts EnqueueOptions) (string, error)

	// EnqueueCritical queues an event at priority 0 on the LIFO lane.
	EnqueueCritical(ctx context.Context, event *audit.SecurityEvent) (string, error)

	// EnqueueBatch queues one BATCH_LOG job covering all events.
	EnqueueBatch(ctx context.Context, events []*audit.SecurityEvent) (string, error)

	// EnqueueCleanup queues a CLEANUP job.
	EnqueueCleanup(ctx context.Context, daysToKeep int) (string, error)

	// EnqueueVerify queues a VERIFY_INTEGRITY job at elevated priority.
	// Zero bounds verify the whole chain.
	EnqueueVerify(ctx context.Context, startSeq, endSeq uint64) (string, error)

	// Dequeue claims the next ready job, critical lane first, or returns
	// nil when both lanes are empty. Claimed jobs sit in the active set
	// until acked or nacked.
	Dequeue(ctx context.Context) (*Job, error)

	// Ack completes a job: removed from active, counted as completed.
	Ack(ctx context.Context, job *Job) error

	// Nack records a failed attempt. The job is re-queued with exponential
	// backoff until its retries are exhausted, then retained on the failed
	// list for inspection.
	Nack(ctx context.Context, job *Job, cause error) (retrying bool, err error)

	// Counts reports per-state queue depths.
	Counts(ctx context.Context) (*Counts, error)
}

// Config tunes the Redis queue.
type Config struct {
	// Namespace prefixes every key.
	Namespace string
	// MaxRetries bounds delivery attempts per job.
	MaxRetries int
	// BackoffDelay is the first retry delay; it doubles per attempt.
	BackoffDelay time.Duration
}

// DefaultConfig mirrors the documented queue defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:    "aegis",
		MaxRetries:   3,
		BackoffDelay: 2 * time.Second,
	}
}

// RedisQueue is a durable multi-lane queue on Redis primitives: a FIFO list
// for normal work, a LIFO list for critical work, a sorted set for delayed
// jobs keyed by ready time, a hash of active jobs, and a retained failed
// list. Completed jobs are removed and only counted.
type RedisQueue struct {
	client *redis.Client
	logger *zap.Logger
	cfg    Config

	normalKey    string
	criticalKey  string
	delayedKey   string
	activeKey    string
	failedKey    string
	completedKey string
}

// NewRedisQueue creates a queue over the given client.
func NewRedisQueue(client *redis.Client, logger *zap.Logger, cfg Config) *RedisQueue {
	if cfg.Namespace == "" {
		cfg.Namespace = "aegis"
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffDelay <= 0 {
		cfg.BackoffDelay = 2 * time.Second
	}

	prefix := cfg.Namespace + ":queue:"
	return &RedisQueue{
		client:       client,
		logger:       logger,
		cfg:          cfg,
		normalKey:    prefix + "normal",
		criticalKey:  prefix + "critical",
		delayedKey:   prefix + "delayed",
		activeKey:    prefix + "active",
		failedKey:    prefix + "failed",
		completedKey: prefix + "completed",
	}
}

func (q *RedisQueue) EnqueueEvent(ctx context.Context, event *audit.SecurityEvent, opts EnqueueOptions) (string, error) {
	if event == nil {
		return "", errors.NewValidationError("NIL_EVENT", "event cannot be nil")
	}
	if err := event.Validate(); err != nil {
		return "", err
	}

	clone := event.Clone()
	clone.Normalize()

	job := NewJob(JobLogEvent, q.retries(opts.MaxRetries))
	job.Event = clone
	if opts.Priority != nil {
		job.Priority = *opts.Priority
	}
	// Critical-severity events always take the priority-0 LIFO lane.
	if clone.Severity == audit.SeverityCritical {
		job.Priority = PriorityCritical
	}
	return q.push(ctx, job, opts.Delay)
}

func (q *RedisQueue) EnqueueCritical(ctx context.Context, event *audit.SecurityEvent) (string, error) {
	return q.EnqueueEvent(ctx, event, EnqueueOptions{Priority: Priority(PriorityCritical)})
}

func (q *RedisQueue) EnqueueBatch(ctx context.Context, events []*audit.SecurityEvent) (string, error) {
	if len(events) == 0 {
		return "", errors.ErrEmptyBatch
	}

	job := NewJob(JobBatchLog, q.cfg.MaxRetries)
	job.Events = make([]*audit.SecurityEvent, 0, len(events))
	for _, event := range events {
		if event == nil {
			return "", errors.NewValidationError("NIL_EVENT", "batch contains a nil event")
		}
		if err := event.Validate(); err != nil {
			return "", err
		}
		clone := event.Clone()
		clone.Normalize()
		job.Events = append(job.Events, clone)
	}
	return q.push(ctx, job, 0)
}

func (q *RedisQueue) EnqueueCleanup(ctx context.Context, daysToKeep int) (string, error) {
	if daysToKeep < 1 {
		return "", errors.NewValidationError("INVALID_RETENTION",
			"days to keep must be at least 1")
	}
	job := NewJob(JobCleanup, q.cfg.MaxRetries)
	job.DaysToKeep = daysToKeep
	return q.push(ctx, job, 0)
}

func (q *RedisQueue) EnqueueVerify(ctx context.Context, startSeq, endSeq uint64) (string, error) {
	if endSeq > 0 && startSeq > endSeq {
		return "", errors.NewValidationError("INVALID_RANGE",
			"start sequence must not exceed end sequence")
	}
	job := NewJob(JobVerifyIntegrity, q.cfg.MaxRetries)
	job.Priority = PriorityCritical
	job.StartSeq = startSeq
	job.EndSeq = endSeq
	return q.push(ctx, job, 0)
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	// Critical lane first. LPush+LPop makes it LIFO; the normal lane pops
	// from the opposite end for FIFO.
	payload, err := q.client.LPop(ctx, q.criticalKey).Result()
	if err == redis.Nil {
		payload, err = q.client.RPop(ctx, q.normalKey).Result()
	}
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewExternalError("redis", "dequeue failed").WithCause(err)
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, errors.NewInternalError("failed to decode queued job").WithCause(err)
	}
	job.Attempt++

	data, err := json.Marshal(&job)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode active job").WithCause(err)
	}
	if err := q.client.HSet(ctx, q.activeKey, job.ID, data).Err(); err != nil {
		return nil, errors.NewExternalError("redis", "failed to mark job active").WithCause(err)
	}
	return &job, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.activeKey, job.ID)
		pipe.Incr(ctx, q.completedKey)
		return nil
	})
	if err != nil {
		return errors.NewExternalError("redis", "failed to ack job").WithCause(err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, job *Job, cause error) (bool, error) {
	if cause != nil {
		job.LastError = cause.Error()
	}

	if job.AttemptsExhausted() {
		data, err := json.Marshal(job)
		if err != nil {
			return false, errors.NewInternalError("failed to encode failed job").WithCause(err)
		}
		_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, q.activeKey, job.ID)
			pipe.LPush(ctx, q.failedKey, data)
			return nil
		})
		if err != nil {
			return false, errors.NewExternalError("redis", "failed to retain job").WithCause(err)
		}
		q.logger.Error("job failed terminally",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind.String()),
			zap.Int("attempts", job.Attempt),
			zap.String("last_error", job.LastError))
		return false, nil
	}

	delay := q.backoff(job.Attempt)
	job.ReadyAt = time.Now().UTC().Add(delay)

	data, err := json.Marshal(job)
	if err != nil {
		return false, errors.NewInternalError("failed to encode retry job").WithCause(err)
	}
	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.activeKey, job.ID)
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(job.ReadyAt.UnixMilli()),
			Member: data,
		})
		return nil
	})
	if err != nil {
		return false, errors.NewExternalError("redis", "failed to schedule retry").WithCause(err)
	}

	q.logger.Warn("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind.String()),
		zap.Int("attempt", job.Attempt),
		zap.Duration("backoff", delay),
		zap.String("error", job.LastError))
	return true, nil
}

func (q *RedisQueue) Counts(ctx context.Context) (*Counts, error) {
	var normal, critical, failed *redis.IntCmd
	var delayed *redis.IntCmd
	var active *redis.IntCmd
	var completed *redis.StringCmd

	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		normal = pipe.LLen(ctx, q.normalKey)
		critical = pipe.LLen(ctx, q.criticalKey)
		delayed = pipe.ZCard(ctx, q.delayedKey)
		active = pipe.HLen(ctx, q.activeKey)
		failed = pipe.LLen(ctx, q.failedKey)
		completed = pipe.Get(ctx, q.completedKey)
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, errors.NewExternalError("redis", "failed to read queue counts").WithCause(err)
	}

	counts := &Counts{
		Waiting: normal.Val() + critical.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
		Delayed: delayed.Val(),
	}
	if raw, err := completed.Result(); err == nil {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			counts.Completed = n
		}
	}
	return counts, nil
}

// FailedJobs returns up to limit retained failed jobs, newest first.
func (q *RedisQueue) FailedJobs(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	payloads, err := q.client.LRange(ctx, q.failedKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.NewExternalError("redis", "failed to read failed jobs").WithCause(err)
	}

	jobs := make([]*Job, 0, len(payloads))
	for _, payload := range payloads {
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.Warn("skipping undecodable failed job", zap.Error(err))
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (q *RedisQueue) push(ctx context.Context, job *Job, delay time.Duration) (string, error) {
	if delay > 0 {
		job.ReadyAt = time.Now().UTC().Add(delay)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", errors.NewInternalError("failed to encode job").WithCause(err)
	}

	switch {
	case delay > 0:
		err = q.client.ZAdd(ctx, q.delayedKey, redis.Z{
			Score:  float64(job.ReadyAt.UnixMilli()),
			Member: data,
		}).Err()
	case job.IsCritical():
		err = q.client.LPush(ctx, q.criticalKey, data).Err()
	default:
		err = q.client.LPush(ctx, q.normalKey, data).Err()
	}
	if err != nil {
		return "", errors.NewEnqueueFailedError(err)
	}
	return job.ID, nil
}

// promoteDue moves delayed jobs whose ready time has passed onto their lane.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	payloads, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return errors.NewExternalError("redis", "failed to read delayed jobs").WithCause(err)
	}

	for _, payload := range payloads {
		// ZRem is the claim: concurrent consumers can read the same due
		// payload, but only the one that removes it may push it onto a
		// lane. Losers see a removed count of zero and move on.
		removed, err := q.client.ZRem(ctx, q.delayedKey, payload).Result()
		if err != nil {
			return errors.NewExternalError("redis", "failed to claim delayed job").WithCause(err)
		}
		if removed == 0 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			q.logger.Warn("dropping undecodable delayed job", zap.Error(err))
			continue
		}

		lane := q.normalKey
		if job.IsCritical() {
			lane = q.criticalKey
		}
		if err := q.client.LPush(ctx, lane, payload).Err(); err != nil {
			return errors.NewExternalError("redis", "failed to promote delayed job").WithCause(err)
		}
	}
	return nil
}

func (q *RedisQueue) backoff(attempt int) time.Duration {
	delay := q.cfg.BackoffDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (q *RedisQueue) retries(override int) int {
	if override > 0 {
		return override
	}
	return q.cfg.MaxRetries
}
