package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/infrastructure/events"
	"github.com/bluelight-hub/aegis/internal/infrastructure/telemetry"
	"github.com/bluelight-hub/aegis/internal/metrics"
)

// DefaultVerifyBatchSize bounds one verification batch.
const DefaultVerifyBatchSize = 1000

// DefaultVerifyConcurrency bounds how many batches verify at once.
const DefaultVerifyConcurrency = 4

// IntegrityService verifies hash chain segments in parallel batches. Each
// batch includes its predecessor entry so cross-batch linkage is checked
// too. A broken chain invalidates the cached chain state and escalates a
// critical alert; an intact run records a fresh checkpoint.
type IntegrityService struct {
	store       audit.LogStore
	cache       audit.ChainStateCache
	bus         *events.Bus
	metrics     *metrics.Registry
	tracer      *telemetry.AppTracer
	logger      *zap.Logger
	batchSize   int
	concurrency int
}

// NewIntegrityService wires the verifier. batchSize <= 0 uses the default.
func NewIntegrityService(
	store audit.LogStore,
	cache audit.ChainStateCache,
	bus *events.Bus,
	reg *metrics.Registry,
	logger *zap.Logger,
	batchSize int,
) *IntegrityService {
	if batchSize <= 0 {
		batchSize = DefaultVerifyBatchSize
	}
	return &IntegrityService{
		store:       store,
		cache:       cache,
		bus:         bus,
		metrics:     reg,
		tracer:      telemetry.NewTracer("aegis.audit.integrity"),
		logger:      logger,
		batchSize:   batchSize,
		concurrency: DefaultVerifyConcurrency,
	}
}

// VerifyRange walks the chain over [startSeq, endSeq]. Zero bounds widen to
// the full chain. The returned result reports the first violation in
// sequence order; a detected break is not an error return.
func (s *IntegrityService) VerifyRange(ctx context.Context, startSeq, endSeq uint64) (*audit.ChainVerificationResult, error) {
	ctx, span := s.tracer.StartWithAttributes(ctx, "chain.verify_range", map[string]interface{}{
		"start_seq": int64(startSeq),
		"end_seq":   int64(endSeq),
	})
	defer span.End()

	started := time.Now()

	if startSeq == 0 {
		startSeq = 1
	}
	if endSeq == 0 {
		latest, err := s.store.Latest(ctx)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return &audit.ChainVerificationResult{Valid: true, BrokenAtIndex: -1}, nil
		}
		endSeq = latest.SequenceNumber
	}
	if startSeq > endSeq {
		return &audit.ChainVerificationResult{Valid: true, BrokenAtIndex: -1}, nil
	}

	batches := s.splitBatches(startSeq, endSeq)
	results := make([]*audit.ChainVerificationResult, len(batches))
	tails := make([][]*audit.LogEntry, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, b := range batches {
		g.Go(func() error {
			result, entries, err := s.verifyBatch(gctx, b.start, b.end, b.start > startSeq)
			if err != nil {
				return err
			}
			results[i] = result
			if i == len(batches)-1 {
				tails[i] = entries
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := s.merge(results, startSeq, endSeq, time.Since(started))
	s.metrics.RecordVerification(ctx, merged.VerificationTime, merged.Valid)

	if !merged.Valid {
		s.escalate(ctx, merged)
		return merged, nil
	}

	if tail := tails[len(tails)-1]; len(tail) > 0 {
		s.checkpoint(ctx, tail)
	}
	s.logger.Info("chain verification passed",
		zap.Uint64("start_seq", merged.StartSequence),
		zap.Uint64("end_seq", merged.EndSequence),
		zap.Int("entries_verified", merged.EntriesVerified),
		zap.Duration("took", merged.VerificationTime))
	return merged, nil
}

type batchBounds struct {
	start, end uint64
}

func (s *IntegrityService) splitBatches(startSeq, endSeq uint64) []batchBounds {
	var batches []batchBounds
	for start := startSeq; start <= endSeq; {
		end := start + uint64(s.batchSize) - 1
		if end > endSeq {
			end = endSeq
		}
		batches = append(batches, batchBounds{start: start, end: end})
		if end == endSeq {
			break
		}
		start = end + 1
	}
	return batches
}

// verifyBatch verifies [start, end]. withLink additionally fetches start-1
// so the boundary linkage is part of the walk. The verified count and any
// break index are adjusted to exclude the borrowed predecessor.
func (s *IntegrityService) verifyBatch(ctx context.Context, start, end uint64, withLink bool) (*audit.ChainVerificationResult, []*audit.LogEntry, error) {
	fetchStart := start
	if withLink && start > 1 {
		fetchStart = start - 1
	}

	entries, err := s.store.Range(ctx, fetchStart, end, 0)
	if err != nil {
		return nil, nil, err
	}

	result, err := audit.VerifyChain(entries)
	if err != nil {
		return nil, nil, err
	}

	if fetchStart < start {
		if result.Valid || result.BrokenAtSeq >= start {
			result.EntriesVerified--
			result.StartSequence = start
		}
	}
	return result, entries, nil
}

// merge folds per-batch results into one report. The earliest break wins;
// counts of batches before the break accumulate.
func (s *IntegrityService) merge(results []*audit.ChainVerificationResult, startSeq, endSeq uint64, took time.Duration) *audit.ChainVerificationResult {
	merged := &audit.ChainVerificationResult{
		Valid:            true,
		BrokenAtIndex:    -1,
		StartSequence:    startSeq,
		EndSequence:      endSeq,
		VerificationTime: took,
	}

	for _, r := range results {
		merged.EntriesVerified += r.EntriesVerified
		if !r.Valid {
			merged.Valid = false
			merged.BrokenAtSeq = r.BrokenAtSeq
			merged.BrokenAtIndex = int(r.BrokenAtSeq - startSeq)
			merged.BreakType = r.BreakType
			merged.Error = r.Error
			break
		}
	}
	return merged
}

func (s *IntegrityService) escalate(ctx context.Context, result *audit.ChainVerificationResult) {
	telemetry.WithTrace(ctx, s.logger).Error("chain verification failed",
		zap.Uint64("broken_at_seq", result.BrokenAtSeq),
		zap.String("break_type", result.BreakType.String()),
		zap.String("error", result.Error))

	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("failed to invalidate chain cache", zap.Error(err))
	}

	if s.bus != nil {
		s.bus.Publish(events.TopicAlert, events.Alert{
			AlertType: "CHAIN_BROKEN",
			Severity:  string(audit.SeverityCritical),
			Details:   result.Error,
			AdditionalInfo: map[string]interface{}{
				"broken_at_seq": result.BrokenAtSeq,
				"break_type":    result.BreakType.String(),
			},
		})
	}
}

func (s *IntegrityService) checkpoint(ctx context.Context, entries []*audit.LogEntry) {
	cp, err := audit.Checkpoint(entries)
	if err != nil {
		s.logger.Warn("failed to build chain checkpoint", zap.Error(err))
		return
	}
	if err := s.cache.SetCheckpoint(ctx, cp); err != nil {
		s.logger.Warn("failed to store chain checkpoint",
			zap.Uint64("sequence", cp.SequenceNumber), zap.Error(err))
		return
	}
	s.logger.Debug("chain checkpoint recorded",
		zap.Uint64("sequence", cp.SequenceNumber),
		zap.String("merkle_root", cp.MerkleRoot))
}

// Status summarizes the verifier for the statistics facade.
func (s *IntegrityService) Status(ctx context.Context) (string, error) {
	cp, err := s.cache.GetCheckpoint(ctx)
	if err != nil || cp == nil {
		return "unverified", err
	}
	return fmt.Sprintf("checkpoint at seq %d (%s)",
		cp.SequenceNumber, cp.Timestamp.Format(time.RFC3339)), nil
}
