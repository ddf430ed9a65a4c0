package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/values"
)

// timestampLayout is the canonical ISO-8601 form hashed into the chain:
// millisecond precision, Z suffix.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the canonical chain timestamp form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses the canonical chain timestamp form.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// LogEntry is one persisted, append-only row of the tamper-evident log.
// PreviousHash is empty only for sequence 1. Entries are never updated in
// place; bulk deletion happens only through verified archival.
type LogEntry struct {
	ID             uuid.UUID `json:"id"`
	SequenceNumber uint64    `json:"sequence_number"`
	EventType      EventType `json:"event_type"`
	Severity       Severity  `json:"severity"`
	UserID         string    `json:"user_id,omitempty"`
	Email          string    `json:"email,omitempty"`
	IPAddress      string    `json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	Message        string    `json:"message,omitempty"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	PreviousHash   string    `json:"previous_hash,omitempty"`
	CurrentHash    string    `json:"current_hash"`
}

// BuildEntry derives the persisted entry for an event at the given chain
// position and computes its hash. createdAt is the write-time stamp, not the
// event's own timestamp.
func BuildEntry(event *SecurityEvent, seq uint64, previousHash string, createdAt time.Time) (*LogEntry, error) {
	if event == nil {
		return nil, errors.NewValidationError("NIL_EVENT", "event cannot be nil")
	}
	if seq == 0 {
		return nil, errors.NewValidationError("ZERO_SEQUENCE", "sequence number starts at 1")
	}
	if seq == 1 && previousHash != "" {
		return nil, errors.NewValidationError("INVALID_GENESIS",
			"first entry must not carry a previous hash")
	}
	if seq > 1 && previousHash == "" {
		return nil, errors.NewValidationError("MISSING_PREVIOUS_HASH",
			"non-genesis entry requires the previous hash")
	}

	id := event.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	entry := &LogEntry{
		ID:             id,
		SequenceNumber: seq,
		EventType:      event.EventType,
		Severity:       event.Severity,
		UserID:         event.UserID,
		Email:          event.Email,
		IPAddress:      event.IPAddress,
		UserAgent:      event.UserAgent,
		SessionID:      event.SessionID,
		Message:        event.Message,
		Metadata:       event.Metadata.Clone(),
		CreatedAt:      createdAt.UTC().Truncate(time.Millisecond),
		PreviousHash:   previousHash,
	}

	hash, err := entry.ComputeHash()
	if err != nil {
		return nil, err
	}
	entry.CurrentHash = hash
	return entry, nil
}

// CanonicalString builds the exact byte sequence that is hashed:
// pipe-joined [seq, event_type, severity, user_id, ip, user_agent,
// session_id, metadata JSON, message, created_at, previous_hash].
// Missing fields contribute the empty string.
func (e *LogEntry) CanonicalString() (string, error) {
	metaJSON, err := e.Metadata.CanonicalJSON()
	if err != nil {
		return "", errors.NewInternalError("failed to serialize metadata").WithCause(err)
	}

	fields := []string{
		strconv.FormatUint(e.SequenceNumber, 10),
		string(e.EventType),
		string(e.Severity),
		e.UserID,
		e.IPAddress,
		e.UserAgent,
		e.SessionID,
		string(metaJSON),
		e.Message,
		FormatTimestamp(e.CreatedAt),
		e.PreviousHash,
	}

	return strings.Join(fields, "|"), nil
}

// ComputeHash returns the SHA-256 hex digest of the canonical string.
func (e *LogEntry) ComputeHash() (string, error) {
	canonical, err := e.CanonicalString()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the entry hash and compares it to the stored one.
func (e *LogEntry) VerifyHash() (bool, error) {
	computed, err := e.ComputeHash()
	if err != nil {
		return false, err
	}
	return computed == e.CurrentHash, nil
}

// ToEvent converts the entry back into event form for rule context windows.
func (e *LogEntry) ToEvent() *SecurityEvent {
	return &SecurityEvent{
		ID:        e.ID,
		EventType: e.EventType,
		Timestamp: e.CreatedAt,
		UserID:    e.UserID,
		Email:     e.Email,
		IPAddress: e.IPAddress,
		UserAgent: e.UserAgent,
		SessionID: e.SessionID,
		Message:   e.Message,
		Severity:  e.Severity,
		Metadata:  e.Metadata.Clone(),
	}
}

// ArchiveRecord is the archive file representation of an entry. Sequence
// numbers travel as decimal strings so 64-bit values survive JSON readers
// limited to 53-bit integers.
type ArchiveRecord struct {
	ID             string    `json:"id"`
	SequenceNumber string    `json:"sequenceNumber"`
	EventType      string    `json:"eventType"`
	Severity       string    `json:"severity"`
	UserID         string    `json:"userId,omitempty"`
	Email          string    `json:"email,omitempty"`
	IPAddress      string    `json:"ipAddress,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	Message        string    `json:"message,omitempty"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	CreatedAt      string    `json:"createdAt"`
	PreviousHash   string    `json:"previousHash,omitempty"`
	CurrentHash    string    `json:"currentHash"`
}

// ToArchiveRecord converts the entry to its archive form.
func (e *LogEntry) ToArchiveRecord() ArchiveRecord {
	return ArchiveRecord{
		ID:             e.ID.String(),
		SequenceNumber: strconv.FormatUint(e.SequenceNumber, 10),
		EventType:      string(e.EventType),
		Severity:       string(e.Severity),
		UserID:         e.UserID,
		Email:          e.Email,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		SessionID:      e.SessionID,
		Message:        e.Message,
		Metadata:       e.Metadata,
		CreatedAt:      FormatTimestamp(e.CreatedAt),
		PreviousHash:   e.PreviousHash,
		CurrentHash:    e.CurrentHash,
	}
}

// FromArchiveRecord restores an entry from its archive form.
func FromArchiveRecord(rec ArchiveRecord) (*LogEntry, error) {
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_ENTRY_ID",
			"archive record carries a malformed id").WithCause(err)
	}

	seq, err := values.NewSequenceNumberFromString(rec.SequenceNumber)
	if err != nil {
		return nil, err
	}

	createdAt, err := ParseTimestamp(rec.CreatedAt)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_TIMESTAMP",
			"archive record carries a malformed timestamp").WithCause(err)
	}

	if !values.IsValidHashString(rec.CurrentHash) {
		return nil, errors.NewValidationError("INVALID_HASH_FORMAT",
			"archive record carries a malformed current hash")
	}

	return &LogEntry{
		ID:             id,
		SequenceNumber: seq.Value(),
		EventType:      EventType(rec.EventType),
		Severity:       Severity(rec.Severity),
		UserID:         rec.UserID,
		Email:          rec.Email,
		IPAddress:      rec.IPAddress,
		UserAgent:      rec.UserAgent,
		SessionID:      rec.SessionID,
		Message:        rec.Message,
		Metadata:       rec.Metadata,
		CreatedAt:      createdAt,
		PreviousHash:   rec.PreviousHash,
		CurrentHash:    rec.CurrentHash,
	}, nil
}
