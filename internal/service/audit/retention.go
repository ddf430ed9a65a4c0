package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/values"
	"github.com/bluelight-hub/aegis/internal/metrics"
)

// CleanupReport describes one retention run.
type CleanupReport struct {
	Cutoff      time.Time `json:"cutoff"`
	Archived    int64     `json:"archived"`
	Deleted     int64     `json:"deleted"`
	ArchiveFile string    `json:"archive_file,omitempty"`
}

// RetentionService deletes entries past retention, but only after they are
// covered by a verified archive. A chain break halts cleanup entirely; an
// archive failure aborts this run and the next cycle retries.
type RetentionService struct {
	store    audit.LogStore
	archiver *Archiver
	metrics  *metrics.Registry
	logger   *zap.Logger
}

// NewRetentionService wires retention cleanup.
func NewRetentionService(store audit.LogStore, archiver *Archiver, reg *metrics.Registry, logger *zap.Logger) *RetentionService {
	return &RetentionService{
		store:    store,
		archiver: archiver,
		metrics:  reg,
		logger:   logger,
	}
}

// Cleanup archives and then deletes entries older than daysToKeep. Running
// it twice with no new expired entries is a no-op.
func (r *RetentionService) Cleanup(ctx context.Context, daysToKeep int) (*CleanupReport, error) {
	period, err := values.NewRetentionPeriod(daysToKeep)
	if err != nil {
		return nil, err
	}

	cutoff := period.Cutoff(time.Now())
	report := &CleanupReport{Cutoff: cutoff}

	archived, err := r.archiver.Archive(ctx, cutoff)
	if err != nil {
		return nil, errors.NewArchiveFailedError("cleanup aborted, archival failed").WithCause(err)
	}
	if archived == nil {
		r.logger.Info("retention cleanup: nothing past cutoff",
			zap.Time("cutoff", cutoff), zap.Int("days_to_keep", daysToKeep))
		return report, nil
	}

	report.Archived = archived.Entries
	report.ArchiveFile = archived.FileName

	if !archived.ChainIntact {
		// Tampering within the segment: never delete the evidence.
		return nil, errors.NewChainBrokenError(
			"cleanup halted, archived segment failed chain verification", 0)
	}

	deleted, err := r.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	report.Deleted = deleted
	r.metrics.RecordCleanup(ctx, deleted)

	r.logger.Info("retention cleanup finished",
		zap.Time("cutoff", cutoff),
		zap.Int64("archived", report.Archived),
		zap.Int64("deleted", report.Deleted),
		zap.String("archive_file", report.ArchiveFile))
	return report, nil
}
