package audit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/infrastructure/queue"
)

func testQueue(t *testing.T, maxRetries int) *queue.RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return queue.NewRedisQueue(client, zaptest.NewLogger(t), queue.Config{
		Namespace:    "writertest",
		MaxRetries:   maxRetries,
		BackoffDelay: time.Millisecond,
	})
}

func newTestWriter(t *testing.T, q queue.Queue, store *memoryLogStore, engine Evaluator) (*Writer, *memoryChainCache) {
	t.Helper()
	cache := &memoryChainCache{}
	logger := zaptest.NewLogger(t)
	w := NewWriter(q, store, cache, engine, nil, nil,
		NewCircuitBreaker(5, time.Minute, logger),
		testRegistry(t), logger, DefaultWriterConfig())
	return w, cache
}

func dequeueOne(t *testing.T, q queue.Queue) *queue.Job {
	t.Helper()
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestWriterAppendsAndEnrichesEvent(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 3)
	store := &memoryLogStore{}
	engine := &engineStub{}
	w, cache := newTestWriter(t, q, store, engine)

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginFailed, "alice", time.Now()), queue.EnqueueOptions{})
	require.NoError(t, err)

	job := dequeueOne(t, q)
	w.process(ctx, job)

	require.Len(t, store.entries, 1)
	entry := store.entries[0]
	assert.Equal(t, uint64(1), entry.SequenceNumber)
	assert.Empty(t, entry.PreviousHash)
	assert.Equal(t, job.ID, entry.Metadata.GetString("jobId"))
	assert.NotEmpty(t, entry.Metadata.GetString("queuedAt"))
	assert.NotEmpty(t, entry.Metadata.GetString("processedAt"))

	head, _ := cache.GetHead(ctx)
	require.NotNil(t, head)
	assert.Equal(t, entry.SequenceNumber, head.SequenceNumber)
	assert.Equal(t, entry.CurrentHash, head.Hash)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)
	assert.Zero(t, counts.Active)
}

func TestWriterEvaluatesWithRecentWindow(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 3)
	store := &memoryLogStore{}
	engine := &engineStub{}
	w, _ := newTestWriter(t, q, store, engine)

	// Two prior entries already on the chain.
	now := time.Now()
	_, err := store.Append(ctx, testEvent(audit.EventLoginFailed, "alice", now), now.Add(-2*time.Minute))
	require.NoError(t, err)
	_, err = store.Append(ctx, testEvent(audit.EventLoginFailed, "alice", now), now.Add(-time.Minute))
	require.NoError(t, err)

	_, err = q.EnqueueEvent(ctx, testEvent(audit.EventLoginFailed, "alice", now), queue.EnqueueOptions{})
	require.NoError(t, err)
	w.process(ctx, dequeueOne(t, q))

	calls := engine.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, audit.EventLoginFailed, calls[0].Event.EventType)
	// The appended entry itself never appears in its own context window.
	assert.Len(t, calls[0].RecentEvents, 2)
	for _, prior := range calls[0].RecentEvents {
		assert.NotEqual(t, calls[0].Event.ID, prior.ID)
	}
}

func TestWriterSkipsEngineForSuspiciousActivity(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 3)
	store := &memoryLogStore{}
	engine := &engineStub{}
	w, _ := newTestWriter(t, q, store, engine)

	event := testEvent(audit.EventSuspiciousActivity, "alice", time.Now())
	event.Severity = audit.SeverityHigh
	_, err := q.EnqueueEvent(ctx, event, queue.EnqueueOptions{})
	require.NoError(t, err)
	w.process(ctx, dequeueOne(t, q))

	require.Len(t, store.entries, 1)
	assert.Empty(t, engine.calls())
}

func TestWriterBatchPreservesOrder(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 3)
	store := &memoryLogStore{}
	w, cache := newTestWriter(t, q, store, &engineStub{})

	events := []*audit.SecurityEvent{
		testEvent(audit.EventLoginFailed, "a", time.Now()),
		testEvent(audit.EventLoginFailed, "b", time.Now()),
		testEvent(audit.EventLoginSuccess, "c", time.Now()),
	}
	_, err := q.EnqueueBatch(ctx, events)
	require.NoError(t, err)
	w.process(ctx, dequeueOne(t, q))

	require.Len(t, store.entries, 3)
	assert.Equal(t, "a", store.entries[0].UserID)
	assert.Equal(t, "b", store.entries[1].UserID)
	assert.Equal(t, "c", store.entries[2].UserID)
	for i := 1; i < 3; i++ {
		assert.Equal(t, store.entries[i-1].CurrentHash, store.entries[i].PreviousHash)
	}

	head, _ := cache.GetHead(ctx)
	require.NotNil(t, head)
	assert.Equal(t, uint64(3), head.SequenceNumber)
}

func TestWriterRetriesThenPreservesFailedJob(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 2)
	store := &memoryLogStore{}
	store.failWith(errors.NewExternalError("postgres", "connection refused"))
	w, _ := newTestWriter(t, q, store, &engineStub{})

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginFailed, "alice", time.Now()), queue.EnqueueOptions{})
	require.NoError(t, err)

	// First attempt fails and is re-queued with backoff.
	w.process(ctx, dequeueOne(t, q))
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Delayed)

	// Second attempt exhausts retries; the job lands on the failed list.
	time.Sleep(5 * time.Millisecond)
	w.process(ctx, dequeueOne(t, q))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Failed)
	assert.Zero(t, counts.Completed)
	assert.Empty(t, store.entries)
}

func TestWriterStoreRecoversAfterRetry(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 3)
	store := &memoryLogStore{}
	store.failWith(errors.NewExternalError("postgres", "connection refused"))
	w, _ := newTestWriter(t, q, store, &engineStub{})

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginFailed, "alice", time.Now()), queue.EnqueueOptions{})
	require.NoError(t, err)

	w.process(ctx, dequeueOne(t, q))
	require.Empty(t, store.entries)

	store.failWith(nil)
	time.Sleep(5 * time.Millisecond)
	w.process(ctx, dequeueOne(t, q))

	require.Len(t, store.entries, 1)
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Completed)
}

func TestWriterStartStopDrains(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := testQueue(t, 3)
	store := &memoryLogStore{}
	w, _ := newTestWriter(t, q, store, &engineStub{})
	w.cfg.PollInterval = 5 * time.Millisecond

	_, err := q.EnqueueEvent(ctx, testEvent(audit.EventLoginSuccess, "alice", time.Now()), queue.EnqueueOptions{})
	require.NoError(t, err)

	w.Start(ctx)
	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
	w.Stop()
}
