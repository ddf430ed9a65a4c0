package audit

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/infrastructure/queue"
	threatsvc "github.com/bluelight-hub/aegis/internal/service/threat"
)

// Statistics merges store totals, queue job counts and engine metrics into
// one read model.
type Statistics struct {
	Total       int64                     `json:"total"`
	BySeverity  map[audit.Severity]int64  `json:"by_severity"`
	ByEventType map[audit.EventType]int64 `json:"by_event_type"`
	ByStatus    *queue.Counts             `json:"by_status"`
	Engine      threatsvc.EngineMetrics   `json:"engine_metrics"`
	OldestEntry string                    `json:"oldest_entry,omitempty"`
	NewestEntry string                    `json:"newest_entry,omitempty"`
}

// EngineReader exposes the engine metrics snapshot to the facade.
type EngineReader interface {
	Metrics() threatsvc.EngineMetrics
}

// QueryService is the read facade over the log.
type QueryService struct {
	store  audit.LogStore
	queue  queue.Queue
	engine EngineReader
	logger *zap.Logger
}

// NewQueryService wires the read facade. queue and engine may be nil in
// tools that only read the store.
func NewQueryService(store audit.LogStore, q queue.Queue, engine EngineReader, logger *zap.Logger) *QueryService {
	return &QueryService{store: store, queue: q, engine: engine, logger: logger}
}

// GetEntries returns one page of entries matching the filter.
func (s *QueryService) GetEntries(ctx context.Context, filter audit.EntryFilter, page, pageSize int) (*audit.EntryPage, error) {
	return s.store.Find(ctx, filter, page, pageSize)
}

// GetEntry returns a single entry by id.
func (s *QueryService) GetEntry(ctx context.Context, id uuid.UUID) (*audit.LogEntry, error) {
	return s.store.GetByID(ctx, id)
}

// Count returns how many entries match the filter.
func (s *QueryService) Count(ctx context.Context, filter audit.EntryFilter) (int64, error) {
	return s.store.Count(ctx, filter)
}

// GetStatistics merges the store, queue and engine views. Queue or engine
// portions degrade to empty when their backend is unavailable; the store
// portion is authoritative and its failure fails the call.
func (s *QueryService) GetStatistics(ctx context.Context) (*Statistics, error) {
	stored, err := s.store.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Total:       stored.Total,
		BySeverity:  stored.BySeverity,
		ByEventType: stored.ByEventType,
	}
	if !stored.OldestEntry.IsZero() {
		stats.OldestEntry = audit.FormatTimestamp(stored.OldestEntry)
	}
	if !stored.NewestEntry.IsZero() {
		stats.NewestEntry = audit.FormatTimestamp(stored.NewestEntry)
	}

	if s.queue != nil {
		counts, countErr := s.queue.Counts(ctx)
		if countErr != nil {
			s.logger.Warn("queue counts unavailable for statistics", zap.Error(countErr))
		} else {
			stats.ByStatus = counts
		}
	}

	if s.engine != nil {
		stats.Engine = s.engine.Metrics()
	}
	return stats, nil
}
