package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(nil, zaptest.NewLogger(t), 2, 90)

	beforeHour := time.Date(2026, 8, 25, 1, 30, 0, 0, time.UTC)
	assert.Equal(t,
		time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC),
		s.nextRun(beforeHour))

	afterHour := time.Date(2026, 8, 25, 14, 0, 0, 0, time.UTC)
	assert.Equal(t,
		time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC),
		s.nextRun(afterHour))

	exactlyAtHour := time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC)
	assert.Equal(t,
		time.Date(2026, 8, 26, 2, 0, 0, 0, time.UTC),
		s.nextRun(exactlyAtHour))
}

func TestSchedulerClampsBadHour(t *testing.T) {
	s := NewScheduler(nil, zaptest.NewLogger(t), 99, 90)
	assert.Equal(t, 2, s.hour)
}

func TestSchedulerEnqueuesCleanup(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t, 3)
	s := NewScheduler(q, zaptest.NewLogger(t), 2, 30)

	// Pin the clock just before the scheduled hour so the first tick is
	// near-immediate.
	s.now = func() time.Time {
		return time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC).Add(-20 * time.Millisecond)
	}

	s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts.Waiting >= 1
	}, 2*time.Second, 10*time.Millisecond)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "CLEANUP", job.Kind.String())
	assert.Equal(t, 30, job.DaysToKeep)
}
