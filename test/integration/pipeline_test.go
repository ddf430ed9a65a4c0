//go:build integration

package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/infrastructure/archive"
	"github.com/bluelight-hub/aegis/internal/infrastructure/cache"
	"github.com/bluelight-hub/aegis/internal/infrastructure/database"
	"github.com/bluelight-hub/aegis/internal/infrastructure/events"
	"github.com/bluelight-hub/aegis/internal/infrastructure/queue"
	"github.com/bluelight-hub/aegis/internal/metrics"
	auditsvc "github.com/bluelight-hub/aegis/internal/service/audit"
	threatsvc "github.com/bluelight-hub/aegis/internal/service/threat"
	"github.com/bluelight-hub/aegis/internal/testutil/containers"
	"github.com/bluelight-hub/aegis/internal/testutil/fixtures"
)

type pipeline struct {
	pool       *pgxpool.Pool
	store      *database.LogStore
	chainCache *cache.ChainCache
	queue      *queue.RedisQueue
	bus        *events.Bus
	engine     *threatsvc.Engine
	writer     *auditsvc.Writer
	integrity  *auditsvc.IntegrityService
	retention  *auditsvc.RetentionService
}

func setupPipeline(t *testing.T, ctx context.Context) *pipeline {
	t.Helper()
	logger := zaptest.NewLogger(t)

	pg, err := containers.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	rd, err := containers.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rd.Terminate(context.Background()) })

	pool, err := pg.MigratedPool(ctx, "../../migrations")
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	client, err := rd.Client()
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	reg, err := metrics.NewRegistry("integration-test")
	require.NoError(t, err)

	store := database.NewLogStore(pool)
	chainCache := cache.NewChainCache(client, logger, "itest")
	q := queue.NewRedisQueue(client, logger, queue.Config{
		Namespace:    "itest",
		MaxRetries:   3,
		BackoffDelay: 100 * time.Millisecond,
	})
	bus := events.NewBus(logger)

	engine := threatsvc.NewEngine(logger, bus, q, 500*time.Millisecond)
	rule, err := threatsvc.NewRule(fixtures.BruteForceRule(3, 15))
	require.NoError(t, err)
	require.NoError(t, engine.Register(rule))

	storage, err := archive.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	archiver := auditsvc.NewArchiver(store, storage, reg, logger, 100)
	retention := auditsvc.NewRetentionService(store, archiver, reg, logger)
	integrity := auditsvc.NewIntegrityService(store, chainCache, bus, reg, logger, 100)
	breaker := auditsvc.NewCircuitBreaker(5, 30*time.Second, logger)

	writer := auditsvc.NewWriter(q, store, chainCache, engine, retention, integrity,
		breaker, reg, logger, auditsvc.WriterConfig{
			Workers:      1,
			PollInterval: 50 * time.Millisecond,
			JobTimeout:   30 * time.Second,
			RecentWindow: 60 * time.Minute,
			RecentLimit:  500,
		})

	return &pipeline{
		pool:       pool,
		store:      store,
		chainCache: chainCache,
		queue:      q,
		bus:        bus,
		engine:     engine,
		writer:     writer,
		integrity:  integrity,
		retention:  retention,
	}
}

func TestAuditPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	ctx := context.Background()
	p := setupPipeline(t, ctx)

	detections, unsubscribe := p.bus.Subscribe(events.TopicThreatDetected, 16)
	defer unsubscribe()

	p.writer.Start(ctx)
	stopped := false
	defer func() {
		if !stopped {
			p.writer.Stop()
		}
	}()

	t.Run("events flow through queue to chain", func(t *testing.T) {
		burst := fixtures.FailedLoginBurst("mallory", "203.0.113.7", 5, time.Now().UTC())
		for _, event := range burst {
			_, err := p.queue.EnqueueEvent(ctx, event, queue.EnqueueOptions{})
			require.NoError(t, err)
		}

		// Five failed logins plus at least one SUSPICIOUS_ACTIVITY entry
		// once the threshold trips.
		require.Eventually(t, func() bool {
			count, err := p.store.Count(ctx, audit.EntryFilter{})
			return err == nil && count >= 6
		}, 30*time.Second, 200*time.Millisecond)

		select {
		case msg := <-detections:
			assert.Equal(t, events.TopicThreatDetected, msg.Topic)
		case <-time.After(10 * time.Second):
			t.Fatal("no threat detection published")
		}

		entries, err := p.store.Range(ctx, 1, 5, 0)
		require.NoError(t, err)
		require.Len(t, entries, 5)
		for i, entry := range entries {
			assert.Equal(t, uint64(i+1), entry.SequenceNumber)
			assert.Equal(t, audit.EventLoginFailed, entry.EventType)
			assert.Equal(t, "mallory", entry.UserID)
			assert.Contains(t, entry.Metadata, "jobId")
			assert.Contains(t, entry.Metadata, "processedAt")
			if i > 0 {
				assert.Equal(t, entries[i-1].CurrentHash, entry.PreviousHash)
			}
		}

		suspicious, err := p.store.Count(ctx, audit.EntryFilter{
			EventTypes: []audit.EventType{audit.EventSuspiciousActivity},
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, suspicious, int64(1))
	})

	t.Run("chain verifies and checkpoints", func(t *testing.T) {
		total, err := p.store.Count(ctx, audit.EntryFilter{})
		require.NoError(t, err)

		result, err := p.integrity.VerifyRange(ctx, 0, 0)
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.EqualValues(t, total, result.EntriesVerified)

		cp, err := p.chainCache.GetCheckpoint(ctx)
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, uint64(total), cp.SequenceNumber)
		assert.NotEmpty(t, cp.MerkleRoot)

		head, err := p.chainCache.GetHead(ctx)
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, uint64(total), head.SequenceNumber)
	})

	t.Run("cleanup archives then deletes", func(t *testing.T) {
		p.writer.Stop()
		stopped = true

		before, err := p.store.Count(ctx, audit.EntryFilter{})
		require.NoError(t, err)

		// Entries past retention get appended at the tail of the chain but
		// dated in the past, so DeleteBefore targets exactly them.
		old := time.Now().UTC().AddDate(0, 0, -120)
		for i := 0; i < 8; i++ {
			at := old.Add(time.Duration(i) * time.Minute)
			event := fixtures.NewEvent(audit.EventPageView,
				fixtures.WithUser(fmt.Sprintf("archived-%d", i)),
				fixtures.WithTimestamp(at))
			_, err := p.store.Append(ctx, event, at)
			require.NoError(t, err)
		}

		report, err := p.retention.Cleanup(ctx, 90)
		require.NoError(t, err)
		assert.Equal(t, int64(8), report.Archived)
		assert.Equal(t, int64(8), report.Deleted)
		assert.NotEmpty(t, report.ArchiveFile)

		after, err := p.store.Count(ctx, audit.EntryFilter{})
		require.NoError(t, err)
		assert.Equal(t, before, after)

		result, err := p.integrity.VerifyRange(ctx, 0, 0)
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})
}
