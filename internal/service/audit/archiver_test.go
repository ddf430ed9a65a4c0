package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/infrastructure/archive"
)

func newTestArchiver(t *testing.T, store *memoryLogStore) (*Archiver, archive.Storage) {
	t.Helper()
	storage, err := archive.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewArchiver(store, storage, testRegistry(t), zaptest.NewLogger(t), 4), storage
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &memoryLogStore{}
	seedChain(t, store, 10)
	archiver, storage := newTestArchiver(t, store)

	cutoff := time.Now().UTC()
	report, err := archiver.Archive(ctx, cutoff)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, int64(10), report.Entries)
	assert.True(t, report.ChainIntact)
	assert.NotEmpty(t, report.Checksum)

	// Archive object and checksum sidecar both exist.
	names, err := storage.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, names, report.FileName)
	assert.Contains(t, names, report.FileName+archive.ChecksumSuffix)

	sidecar, err := storage.Get(ctx, report.FileName+archive.ChecksumSuffix)
	require.NoError(t, err)
	assert.Equal(t, report.Checksum, string(sidecar))

	// Restore yields the identical chain segment.
	restored, err := archiver.Restore(ctx, report.FileName)
	require.NoError(t, err)
	require.Len(t, restored, 10)
	for i, entry := range restored {
		assert.Equal(t, store.entries[i].SequenceNumber, entry.SequenceNumber)
		assert.Equal(t, store.entries[i].CurrentHash, entry.CurrentHash)
	}

	result, err := archiver.Verify(ctx, report.FileName)
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestArchiveNothingToDo(t *testing.T) {
	store := &memoryLogStore{}
	archiver, _ := newTestArchiver(t, store)

	report, err := archiver.Archive(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestArchiveFlagsBrokenSegment(t *testing.T) {
	store := &memoryLogStore{}
	seedChain(t, store, 6)
	store.tamper(t, 3)
	archiver, _ := newTestArchiver(t, store)

	report, err := archiver.Archive(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.False(t, report.ChainIntact)
}

func TestArchiveListSkipsSidecars(t *testing.T) {
	ctx := context.Background()
	store := &memoryLogStore{}
	seedChain(t, store, 3)
	archiver, _ := newTestArchiver(t, store)

	report, err := archiver.Archive(ctx, time.Now().UTC())
	require.NoError(t, err)

	infos, err := archiver.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, report.FileName, infos[0].FileName)
	assert.Equal(t, int64(3), infos[0].Entries)
	assert.True(t, infos[0].Intact)
}

func TestCleanupArchivesThenDeletes(t *testing.T) {
	ctx := context.Background()
	store := &memoryLogStore{}
	seedChainAt(t, store, 8, time.Now().UTC().AddDate(0, 0, -3))
	archiver, _ := newTestArchiver(t, store)
	retention := NewRetentionService(store, archiver, testRegistry(t), zaptest.NewLogger(t))

	report, err := retention.Cleanup(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(8), report.Archived)
	assert.Equal(t, int64(8), report.Deleted)
	assert.NotEmpty(t, report.ArchiveFile)
	assert.Empty(t, store.entries)

	// Second run is a no-op.
	again, err := retention.Cleanup(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, again.Archived)
	assert.Zero(t, again.Deleted)
}

func TestCleanupHaltsOnBrokenChain(t *testing.T) {
	ctx := context.Background()
	store := &memoryLogStore{}
	seedChainAt(t, store, 5, time.Now().UTC().AddDate(0, 0, -3))
	store.tamper(t, 2)
	archiver, _ := newTestArchiver(t, store)
	retention := NewRetentionService(store, archiver, testRegistry(t), zaptest.NewLogger(t))

	_, err := retention.Cleanup(ctx, 1)
	require.Error(t, err)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "CHAIN_BROKEN", appErr.Code)
	// Nothing deleted: the evidence stays.
	assert.Len(t, store.entries, 5)
}

func TestCleanupRejectsInvalidRetention(t *testing.T) {
	store := &memoryLogStore{}
	archiver, _ := newTestArchiver(t, store)
	retention := NewRetentionService(store, archiver, testRegistry(t), zaptest.NewLogger(t))

	_, err := retention.Cleanup(context.Background(), 0)
	require.Error(t, err)
}
