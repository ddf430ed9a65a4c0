package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LogStore defines persistence for the tamper-evident log. Append is the
// only write path for rows; DeleteBefore is the only delete path and callers
// must hold a verified archive first.
type LogStore interface {
	// Append assigns the next sequence number, links the previous hash, and
	// persists the entry, all under the chain serialization lock. It returns
	// the persisted entry including its computed hash.
	Append(ctx context.Context, event *SecurityEvent, createdAt time.Time) (*LogEntry, error)

	// AppendBatch appends events in order within one lock acquisition.
	// Entries are returned in input order.
	AppendBatch(ctx context.Context, events []*SecurityEvent, createdAt time.Time) ([]*LogEntry, error)

	// GetByID retrieves one entry.
	GetByID(ctx context.Context, id uuid.UUID) (*LogEntry, error)

	// GetBySequence retrieves one entry by chain position.
	GetBySequence(ctx context.Context, seq uint64) (*LogEntry, error)

	// Latest returns the entry with the highest sequence number, or nil on
	// an empty log.
	Latest(ctx context.Context) (*LogEntry, error)

	// Range returns entries with sequence in [start, end], ascending,
	// capped at limit when limit > 0.
	Range(ctx context.Context, start, end uint64, limit int) ([]*LogEntry, error)

	// Find returns a page of entries matching the filter.
	Find(ctx context.Context, filter EntryFilter, page, pageSize int) (*EntryPage, error)

	// Count returns how many entries match the filter.
	Count(ctx context.Context, filter EntryFilter) (int64, error)

	// Recent returns entries created within the window, newest last, capped
	// at limit. Rule evaluation context windows come from here.
	Recent(ctx context.Context, since time.Time, limit int) ([]*LogEntry, error)

	// CountBefore returns how many entries were created before cutoff.
	CountBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// StreamBefore walks entries created before cutoff in sequence order,
	// invoking fn per chunk of at most chunkSize. Archival streams through
	// here without loading the whole range.
	StreamBefore(ctx context.Context, cutoff time.Time, chunkSize int, fn func(entries []*LogEntry) error) error

	// DeleteBefore removes entries created before cutoff and reports the
	// number deleted. Callers gate this behind verified archival.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Statistics returns entry totals grouped for the statistics facade.
	Statistics(ctx context.Context) (*StoreStatistics, error)
}

// EntryFilter narrows log queries. Zero values mean "any".
type EntryFilter struct {
	EventTypes []EventType `json:"event_types,omitempty"`
	Severities []Severity  `json:"severities,omitempty"`
	UserID     string      `json:"user_id,omitempty"`
	Email      string      `json:"email,omitempty"`
	IPAddress  string      `json:"ip_address,omitempty"`
	SessionID  string      `json:"session_id,omitempty"`
	From       time.Time   `json:"from,omitempty"`
	To         time.Time   `json:"to,omitempty"`
}

// EntryPage is one page of filtered results.
type EntryPage struct {
	Entries    []*LogEntry `json:"entries"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalPages int         `json:"total_pages"`
}

// StoreStatistics summarizes stored entries.
type StoreStatistics struct {
	Total       int64               `json:"total"`
	BySeverity  map[Severity]int64  `json:"by_severity"`
	ByEventType map[EventType]int64 `json:"by_event_type"`
	OldestEntry time.Time           `json:"oldest_entry,omitempty"`
	NewestEntry time.Time           `json:"newest_entry,omitempty"`
}

// ChainState is the cached chain head: the last persisted position and hash.
type ChainState struct {
	SequenceNumber uint64    `json:"sequence_number"`
	Hash           string    `json:"hash"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ChainStateCache keeps the chain head and verification checkpoints warm so
// the writer avoids a table scan on start and repeated verifications
// short-circuit. A cache miss is never an error, only a slower path.
type ChainStateCache interface {
	// GetHead returns the cached chain head, or nil when absent.
	GetHead(ctx context.Context) (*ChainState, error)

	// SetHead replaces the cached chain head.
	SetHead(ctx context.Context, state *ChainState) error

	// GetCheckpoint returns the latest verification checkpoint, or nil.
	GetCheckpoint(ctx context.Context) (*ChainCheckpoint, error)

	// SetCheckpoint records a verification checkpoint.
	SetCheckpoint(ctx context.Context, cp *ChainCheckpoint) error

	// Invalidate drops cached chain state after integrity failures.
	Invalidate(ctx context.Context) error
}
