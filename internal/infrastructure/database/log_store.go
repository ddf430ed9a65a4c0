package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/infrastructure/telemetry"
)

// chainAppendLockID keys the pg_advisory_xact_lock serializing appends.
// Replicated writers queue on this lock, so sequence assignment and the
// previous-hash read are race-free across processes.
const chainAppendLockID = 0x5EC10C

// LogStore is the PostgreSQL implementation of audit.LogStore.
type LogStore struct {
	db     *pgxpool.Pool
	tracer *telemetry.AppTracer
}

// NewLogStore creates a store over the pool.
func NewLogStore(db *pgxpool.Pool) *LogStore {
	return &LogStore{db: db, tracer: telemetry.NewTracer("aegis.database.log_store")}
}

const entryColumns = `
	id, sequence_number, event_type, severity, user_id, email, ip_address,
	user_agent, session_id, message, metadata, created_at, previous_hash,
	current_hash`

func (s *LogStore) Append(ctx context.Context, event *audit.SecurityEvent, createdAt time.Time) (*audit.LogEntry, error) {
	ctx, span := s.tracer.StartStoreSpan(ctx, "insert", "security_log_entries")
	defer span.End()

	var entry *audit.LogEntry
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		entry, err = s.appendTx(ctx, tx, event, createdAt)
		return err
	})
	if err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}
	return entry, nil
}

func (s *LogStore) AppendBatch(ctx context.Context, events []*audit.SecurityEvent, createdAt time.Time) ([]*audit.LogEntry, error) {
	if len(events) == 0 {
		return nil, errors.ErrEmptyBatch
	}

	ctx, span := s.tracer.StartStoreSpan(ctx, "insert_batch", "security_log_entries")
	defer span.End()

	entries := make([]*audit.LogEntry, 0, len(events))
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, event := range events {
			entry, err := s.appendTx(ctx, tx, event, createdAt)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		telemetry.WithSpanError(span, err)
		return nil, err
	}
	return entries, nil
}

// appendTx performs one chained insert under the advisory lock. The lock is
// transaction-scoped; AppendBatch holds it for the whole batch, keeping the
// batch contiguous in the chain.
func (s *LogStore) appendTx(ctx context.Context, tx pgx.Tx, event *audit.SecurityEvent, createdAt time.Time) (*audit.LogEntry, error) {
	if event == nil {
		return nil, errors.NewValidationError("NIL_EVENT", "event cannot be nil")
	}

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainAppendLockID); err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}

	var prevSeq int64
	var prevHash string
	err := tx.QueryRow(ctx, `
		SELECT sequence_number, current_hash
		FROM security_log_entries
		ORDER BY sequence_number DESC
		LIMIT 1`).Scan(&prevSeq, &prevHash)
	if err != nil && err != pgx.ErrNoRows {
		return nil, errors.NewStoreUnavailableError(err)
	}

	entry, err := audit.BuildEntry(event, uint64(prevSeq)+1, prevHash, createdAt)
	if err != nil {
		return nil, err
	}

	metaJSON, err := entry.Metadata.CanonicalJSON()
	if err != nil {
		return nil, errors.NewInternalError("failed to marshal metadata").WithCause(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO security_log_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), $14)`,
		entry.ID,
		int64(entry.SequenceNumber),
		string(entry.EventType),
		string(entry.Severity),
		entry.UserID,
		entry.Email,
		entry.IPAddress,
		entry.UserAgent,
		entry.SessionID,
		entry.Message,
		metaJSON,
		entry.CreatedAt,
		entry.PreviousHash,
		entry.CurrentHash,
	)
	if err != nil {
		return nil, errors.NewInternalError("failed to insert log entry").WithCause(err)
	}
	return entry, nil
}

func (s *LogStore) GetByID(ctx context.Context, id uuid.UUID) (*audit.LogEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM security_log_entries
		WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrEntryNotFound
	}
	return entry, err
}

func (s *LogStore) GetBySequence(ctx context.Context, seq uint64) (*audit.LogEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM security_log_entries
		WHERE sequence_number = $1`, int64(seq))
	entry, err := scanEntry(row)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrEntryNotFound
	}
	return entry, err
}

func (s *LogStore) Latest(ctx context.Context) (*audit.LogEntry, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM security_log_entries
		ORDER BY sequence_number DESC
		LIMIT 1`)
	entry, err := scanEntry(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

func (s *LogStore) Range(ctx context.Context, start, end uint64, limit int) ([]*audit.LogEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM security_log_entries
		WHERE sequence_number >= $1 AND sequence_number <= $2
		ORDER BY sequence_number ASC`
	args := []interface{}{int64(start), int64(end)}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *LogStore) Find(ctx context.Context, filter audit.EntryFilter, page, pageSize int) (*audit.EntryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}

	where, args := buildEntryFilter(filter)

	total, err := s.countWhere(ctx, where, args)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM security_log_entries
		%s
		ORDER BY sequence_number DESC
		LIMIT $%d OFFSET $%d`, entryColumns, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return &audit.EntryPage{
		Entries:    entries,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

func (s *LogStore) Count(ctx context.Context, filter audit.EntryFilter) (int64, error) {
	where, args := buildEntryFilter(filter)
	return s.countWhere(ctx, where, args)
}

func (s *LogStore) Recent(ctx context.Context, since time.Time, limit int) ([]*audit.LogEntry, error) {
	if limit < 1 {
		limit = 500
	}

	// Newest first under the cap, then flipped so callers see
	// chronological order.
	rows, err := s.db.Query(ctx, `
		SELECT `+entryColumns+`
		FROM security_log_entries
		WHERE created_at >= $1
		ORDER BY sequence_number DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *LogStore) CountBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM security_log_entries WHERE created_at < $1`, cutoff).Scan(&count)
	if err != nil {
		return 0, errors.NewStoreUnavailableError(err)
	}
	return count, nil
}

func (s *LogStore) StreamBefore(ctx context.Context, cutoff time.Time, chunkSize int, fn func(entries []*audit.LogEntry) error) error {
	if chunkSize < 1 {
		chunkSize = 10000
	}

	var afterSeq int64
	for {
		rows, err := s.db.Query(ctx, `
			SELECT `+entryColumns+`
			FROM security_log_entries
			WHERE created_at < $1 AND sequence_number > $2
			ORDER BY sequence_number ASC
			LIMIT $3`, cutoff, afterSeq, chunkSize)
		if err != nil {
			return errors.NewStoreUnavailableError(err)
		}

		chunk, err := scanEntries(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}

		if err := fn(chunk); err != nil {
			return err
		}
		afterSeq = int64(chunk[len(chunk)-1].SequenceNumber)

		if len(chunk) < chunkSize {
			return nil
		}
	}
}

func (s *LogStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM security_log_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.NewStoreUnavailableError(err)
	}
	return tag.RowsAffected(), nil
}

func (s *LogStore) Statistics(ctx context.Context) (*audit.StoreStatistics, error) {
	stats := &audit.StoreStatistics{
		BySeverity:  make(map[audit.Severity]int64),
		ByEventType: make(map[audit.EventType]int64),
	}

	var oldest, newest *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), MIN(created_at), MAX(created_at)
		FROM security_log_entries`).Scan(&stats.Total, &oldest, &newest)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}
	if oldest != nil {
		stats.OldestEntry = *oldest
	}
	if newest != nil {
		stats.NewestEntry = *newest
	}

	rows, err := s.db.Query(ctx, `
		SELECT severity, COUNT(*) FROM security_log_entries GROUP BY severity`)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, errors.NewInternalError("failed to scan severity counts").WithCause(err)
		}
		stats.BySeverity[audit.Severity(severity)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}

	typeRows, err := s.db.Query(ctx, `
		SELECT event_type, COUNT(*) FROM security_log_entries GROUP BY event_type`)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var eventType string
		var count int64
		if err := typeRows.Scan(&eventType, &count); err != nil {
			return nil, errors.NewInternalError("failed to scan event type counts").WithCause(err)
		}
		stats.ByEventType[audit.EventType(eventType)] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}

	return stats, nil
}

func (s *LogStore) countWhere(ctx context.Context, where string, args []interface{}) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM security_log_entries `+where, args...).Scan(&count)
	if err != nil {
		return 0, errors.NewStoreUnavailableError(err)
	}
	return count, nil
}

// buildEntryFilter renders the filter as a WHERE clause with positional args.
func buildEntryFilter(filter audit.EntryFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, t := range filter.EventTypes {
			types[i] = string(t)
		}
		clauses = append(clauses, "event_type = ANY("+arg(types)+")")
	}
	if len(filter.Severities) > 0 {
		severities := make([]string, len(filter.Severities))
		for i, sev := range filter.Severities {
			severities[i] = string(sev)
		}
		clauses = append(clauses, "severity = ANY("+arg(severities)+")")
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = "+arg(filter.UserID))
	}
	if filter.Email != "" {
		clauses = append(clauses, "email = "+arg(filter.Email))
	}
	if filter.IPAddress != "" {
		clauses = append(clauses, "ip_address = "+arg(filter.IPAddress))
	}
	if filter.SessionID != "" {
		clauses = append(clauses, "session_id = "+arg(filter.SessionID))
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "created_at >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "created_at < "+arg(filter.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntry(row pgx.Row) (*audit.LogEntry, error) {
	var entry audit.LogEntry
	var seq int64
	var metaJSON []byte
	var prevHash *string

	err := row.Scan(
		&entry.ID,
		&seq,
		&entry.EventType,
		&entry.Severity,
		&entry.UserID,
		&entry.Email,
		&entry.IPAddress,
		&entry.UserAgent,
		&entry.SessionID,
		&entry.Message,
		&metaJSON,
		&entry.CreatedAt,
		&prevHash,
		&entry.CurrentHash,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to scan log entry").WithCause(err)
	}

	entry.SequenceNumber = uint64(seq)
	if prevHash != nil {
		entry.PreviousHash = *prevHash
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &entry.Metadata); err != nil {
			return nil, errors.NewInternalError("failed to decode entry metadata").WithCause(err)
		}
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}

func scanEntries(rows pgx.Rows) ([]*audit.LogEntry, error) {
	var entries []*audit.LogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}
	return entries, nil
}
