package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisQueue(client, zaptest.NewLogger(t), Config{
		Namespace:    "aegis-test",
		MaxRetries:   3,
		BackoffDelay: 2 * time.Second,
	}), mr
}

func testEvent(eventType audit.EventType) *audit.SecurityEvent {
	event, _ := audit.NewSecurityEvent(eventType)
	event.IPAddress = "10.0.0.1"
	return event
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginFailed), EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, JobLogEvent, job.Kind)
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.Event)
	assert.Equal(t, audit.EventLoginFailed, job.Event.EventType)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(1), counts.Active)

	require.NoError(t, q.Ack(ctx, job))

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Active)
	assert.Equal(t, int64(1), counts.Completed)
}

func TestRedisQueue_NormalLaneIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginFailed), EnqueueOptions{})
	require.NoError(t, err)
	second, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginSuccess), EnqueueOptions{})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, job.ID)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, job.ID)
}

func TestRedisQueue_DefaultEnqueueStaysOnNormalLane(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginFailed), EnqueueOptions{})
	require.NoError(t, err)

	normal, err := mr.List("aegis-test:queue:normal")
	require.NoError(t, err)
	assert.Len(t, normal, 1)
	assert.False(t, mr.Exists("aegis-test:queue:critical"),
		"default enqueue must not touch the critical lane")

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.False(t, job.IsCritical())
}

func TestRedisQueue_CriticalLaneIsLIFOAndOvertakes(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginFailed), EnqueueOptions{})
	require.NoError(t, err)

	firstCritical, err := q.EnqueueCritical(ctx, testEvent(audit.EventSuspiciousActivity))
	require.NoError(t, err)
	lastCritical, err := q.EnqueueCritical(ctx, testEvent(audit.EventSuspiciousActivity))
	require.NoError(t, err)

	// Most recent critical job first, then the older critical one, then
	// the normal lane.
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, lastCritical, job.ID)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstCritical, job.ID)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobLogEvent, job.Kind)
	assert.False(t, job.IsCritical())
}

func TestRedisQueue_CriticalSeverityForcedToPriorityZero(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	event := testEvent(audit.EventLoginFailed)
	event.Severity = audit.SeverityCritical

	_, err := q.EnqueueEvent(ctx, event, EnqueueOptions{Priority: Priority(5)})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.True(t, job.IsCritical())
}

func TestRedisQueue_DelayedJobPromotion(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventPageView), EnqueueOptions{Delay: 30 * time.Second})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job must not be visible before its ready time")

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	mr.FastForward(time.Minute)

	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobLogEvent, job.Kind)
}

func TestRedisQueue_ConcurrentDequeueDeliversDelayedJobOnce(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventPageView), EnqueueOptions{Delay: time.Second})
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	// Racing consumers all see the same due payload; the claim on the
	// delayed set must let exactly one copy onto a lane.
	const workers = 8
	delivered := make(chan *Job, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.Dequeue(ctx)
			assert.NoError(t, err)
			if job != nil {
				delivered <- job
			}
		}()
	}
	wg.Wait()
	close(delivered)

	var jobs []*Job
	for job := range delivered {
		jobs = append(jobs, job)
	}
	require.Len(t, jobs, 1)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Waiting)
	assert.Equal(t, int64(0), counts.Delayed)
	assert.Equal(t, int64(1), counts.Active)
}

func TestRedisQueue_NackBackoffAndTerminalFailure(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginFailed), EnqueueOptions{})
	require.NoError(t, err)

	// Attempt 1 fails: retried after the base backoff.
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	retrying, err := q.Nack(ctx, job, assert.AnError)
	require.NoError(t, err)
	assert.True(t, retrying)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	mr.FastForward(3 * time.Second)

	// Attempt 2 fails: backoff doubles.
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempt)
	retrying, err = q.Nack(ctx, job, assert.AnError)
	require.NoError(t, err)
	assert.True(t, retrying)

	mr.FastForward(3 * time.Second)
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, job, "second retry waits for the doubled backoff")

	mr.FastForward(2 * time.Second)

	// Attempt 3 fails: retries exhausted, job retained for inspection.
	job, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Attempt)
	retrying, err = q.Nack(ctx, job, assert.AnError)
	require.NoError(t, err)
	assert.False(t, retrying)

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Equal(t, int64(0), counts.Active)

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, assert.AnError.Error(), failed[0].LastError)
}

func TestRedisQueue_EnqueueBatchPreservesOrder(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	events := []*audit.SecurityEvent{
		testEvent(audit.EventLoginFailed),
		testEvent(audit.EventLoginFailed),
		testEvent(audit.EventLoginSuccess),
	}

	jobID, err := q.EnqueueBatch(ctx, events)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobBatchLog, job.Kind)
	require.Len(t, job.Events, 3)
	assert.Equal(t, audit.EventLoginFailed, job.Events[0].EventType)
	assert.Equal(t, audit.EventLoginSuccess, job.Events[2].EventType)
}

func TestRedisQueue_EnqueueBatchRejectsEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	_, err := q.EnqueueBatch(context.Background(), nil)
	require.Error(t, err)
}

func TestRedisQueue_VerifyJobTakesCriticalLane(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventPageView), EnqueueOptions{})
	require.NoError(t, err)

	verifyID, err := q.EnqueueVerify(ctx, 1, 100)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, verifyID, job.ID)
	assert.Equal(t, JobVerifyIntegrity, job.Kind)
	assert.Equal(t, uint64(1), job.StartSeq)
	assert.Equal(t, uint64(100), job.EndSeq)
}

func TestRedisQueue_CleanupJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueCleanup(ctx, 90)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobCleanup, job.Kind)
	assert.Equal(t, 90, job.DaysToKeep)

	_, err = q.EnqueueCleanup(ctx, 0)
	require.Error(t, err)
}

func TestRedisQueue_DequeueEmptyReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}
