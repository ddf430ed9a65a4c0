package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
	"github.com/bluelight-hub/aegis/internal/metrics"
)

func testRegistry(t *testing.T) *metrics.Registry {
	t.Helper()
	reg, err := metrics.NewRegistry("test")
	require.NoError(t, err)
	return reg
}

// memoryLogStore is an in-memory chain-appending LogStore.
type memoryLogStore struct {
	mu      sync.Mutex
	entries []*audit.LogEntry
	fail    error
}

func (s *memoryLogStore) failWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *memoryLogStore) Append(ctx context.Context, event *audit.SecurityEvent, createdAt time.Time) (*audit.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(event, createdAt)
}

func (s *memoryLogStore) appendLocked(event *audit.SecurityEvent, createdAt time.Time) (*audit.LogEntry, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	seq := uint64(len(s.entries) + 1)
	prev := ""
	if seq > 1 {
		prev = s.entries[len(s.entries)-1].CurrentHash
	}
	entry, err := audit.BuildEntry(event, seq, prev, createdAt)
	if err != nil {
		return nil, err
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *memoryLogStore) AppendBatch(ctx context.Context, events []*audit.SecurityEvent, createdAt time.Time) ([]*audit.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*audit.LogEntry, 0, len(events))
	for _, event := range events {
		entry, err := s.appendLocked(event, createdAt)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *memoryLogStore) GetByID(ctx context.Context, id uuid.UUID) (*audit.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, errors.NewNotFoundError("log entry")
}

func (s *memoryLogStore) GetBySequence(ctx context.Context, seq uint64) (*audit.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.SequenceNumber == seq {
			return e, nil
		}
	}
	return nil, errors.NewNotFoundError("log entry")
}

func (s *memoryLogStore) Latest(ctx context.Context) (*audit.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	return s.entries[len(s.entries)-1], nil
}

func (s *memoryLogStore) Range(ctx context.Context, start, end uint64, limit int) ([]*audit.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*audit.LogEntry
	for _, e := range s.entries {
		if e.SequenceNumber < start || e.SequenceNumber > end {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memoryLogStore) Find(ctx context.Context, filter audit.EntryFilter, page, pageSize int) (*audit.EntryPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	var matched []*audit.LogEntry
	for _, e := range s.entries {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		matched = append(matched, e)
	}

	startIdx := (page - 1) * pageSize
	endIdx := startIdx + pageSize
	if startIdx > len(matched) {
		startIdx = len(matched)
	}
	if endIdx > len(matched) {
		endIdx = len(matched)
	}

	totalPages := (len(matched) + pageSize - 1) / pageSize
	return &audit.EntryPage{
		Entries:    matched[startIdx:endIdx],
		Total:      int64(len(matched)),
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

func (s *memoryLogStore) Count(ctx context.Context, filter audit.EntryFilter) (int64, error) {
	page, err := s.Find(ctx, filter, 1, 1)
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

func (s *memoryLogStore) Recent(ctx context.Context, since time.Time, limit int) ([]*audit.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*audit.LogEntry
	for _, e := range s.entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memoryLogStore) CountBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (s *memoryLogStore) StreamBefore(ctx context.Context, cutoff time.Time, chunkSize int, fn func(entries []*audit.LogEntry) error) error {
	s.mu.Lock()
	var selected []*audit.LogEntry
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			selected = append(selected, e)
		}
	}
	s.mu.Unlock()

	for start := 0; start < len(selected); start += chunkSize {
		end := start + chunkSize
		if end > len(selected) {
			end = len(selected)
		}
		if err := fn(selected[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *memoryLogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*audit.LogEntry
	var deleted int64
	for _, e := range s.entries {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return deleted, nil
}

func (s *memoryLogStore) Statistics(ctx context.Context) (*audit.StoreStatistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &audit.StoreStatistics{
		Total:       int64(len(s.entries)),
		BySeverity:  map[audit.Severity]int64{},
		ByEventType: map[audit.EventType]int64{},
	}
	for _, e := range s.entries {
		stats.BySeverity[e.Severity]++
		stats.ByEventType[e.EventType]++
		if stats.OldestEntry.IsZero() || e.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.CreatedAt
		}
		if e.CreatedAt.After(stats.NewestEntry) {
			stats.NewestEntry = e.CreatedAt
		}
	}
	return stats, nil
}

func (s *memoryLogStore) tamper(t *testing.T, seq uint64) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.SequenceNumber == seq {
			e.Message = e.Message + " [tampered]"
			return
		}
	}
	t.Fatalf("no entry at sequence %d", seq)
}

// memoryChainCache records head/checkpoint writes.
type memoryChainCache struct {
	mu          sync.Mutex
	head        *audit.ChainState
	checkpoint  *audit.ChainCheckpoint
	invalidated bool
}

func (c *memoryChainCache) GetHead(ctx context.Context) (*audit.ChainState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *memoryChainCache) SetHead(ctx context.Context, state *audit.ChainState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = state
	return nil
}

func (c *memoryChainCache) GetCheckpoint(ctx context.Context) (*audit.ChainCheckpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint, nil
}

func (c *memoryChainCache) SetCheckpoint(ctx context.Context, cp *audit.ChainCheckpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkpoint = cp
	return nil
}

func (c *memoryChainCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = nil
	c.checkpoint = nil
	c.invalidated = true
	return nil
}

// engineStub captures evaluation contexts.
type engineStub struct {
	mu       sync.Mutex
	contexts []*threat.Context
}

func (e *engineStub) Evaluate(ctx context.Context, ec *threat.Context) []*threat.EvaluationResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.contexts = append(e.contexts, ec)
	return nil
}

func (e *engineStub) calls() []*threat.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*threat.Context, len(e.contexts))
	copy(out, e.contexts)
	return out
}

func testEvent(eventType audit.EventType, userID string, at time.Time) *audit.SecurityEvent {
	return &audit.SecurityEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Timestamp: at,
		UserID:    userID,
		Email:     userID + "@example.com",
		IPAddress: "10.0.0.1",
		Severity:  audit.SeverityInfo,
		Message:   "test event",
	}
}
