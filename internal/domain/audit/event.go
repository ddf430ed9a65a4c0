package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// EventType classifies a security event. The set is open: unknown types are
// logged as-is so new sources never drop events.
type EventType string

const (
	EventLoginSuccess       EventType = "LOGIN_SUCCESS"
	EventLoginFailed        EventType = "LOGIN_FAILED"
	EventLogout             EventType = "LOGOUT"
	EventSessionActivity    EventType = "SESSION_ACTIVITY"
	EventPageView           EventType = "PAGE_VIEW"
	EventAPICall            EventType = "API_CALL"
	EventTokenRefresh       EventType = "TOKEN_REFRESH"
	EventSuspiciousActivity EventType = "SUSPICIOUS_ACTIVITY"
	EventPasswordChanged    EventType = "PASSWORD_CHANGED"
	EventAccountLocked      EventType = "ACCOUNT_LOCKED"
	EventPermissionChanged  EventType = "PERMISSION_CHANGED"
)

func (t EventType) String() string {
	return string(t)
}

// Severity grades an event or a rule verdict.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRanks = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) String() string {
	return string(s)
}

// Rank returns the ordering position, INFO lowest. Unknown severities rank
// below INFO so they never trigger threshold behavior.
func (s Severity) Rank() int {
	if rank, ok := severityRanks[s]; ok {
		return rank
	}
	return -1
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Escalate returns the next severity up, capped at CRITICAL.
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityInfo:
		return SeverityLow
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// IsValid reports whether the severity is one of the known grades.
func (s Severity) IsValid() bool {
	_, ok := severityRanks[s]
	return ok
}

// SecurityEvent is the immutable ingestion input. Optional identity fields
// stay empty when unknown; rules skip events missing their correlation field.
type SecurityEvent struct {
	ID        uuid.UUID `json:"id"`
	EventType EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	Email     string    `json:"email,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Severity  Severity  `json:"severity"`
	Metadata  Metadata  `json:"metadata,omitempty"`
}

// NewSecurityEvent creates an event stamped now with INFO severity.
func NewSecurityEvent(eventType EventType) (*SecurityEvent, error) {
	if eventType == "" {
		return nil, errors.NewValidationError("MISSING_EVENT_TYPE",
			"event type is required")
	}

	return &SecurityEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Severity:  SeverityInfo,
		Metadata:  make(Metadata),
	}, nil
}

// Validate checks structural requirements before the event enters the queue.
func (e *SecurityEvent) Validate() error {
	if e.EventType == "" {
		return errors.NewValidationError("MISSING_EVENT_TYPE", "event type is required")
	}
	if e.Timestamp.IsZero() {
		return errors.NewValidationError("MISSING_TIMESTAMP", "timestamp is required")
	}
	if e.Severity != "" && !e.Severity.IsValid() {
		return errors.NewValidationError("INVALID_SEVERITY",
			"severity must be one of INFO, LOW, MEDIUM, HIGH, CRITICAL")
	}
	return nil
}

// Normalize fills defaults the queue and writer rely on: an ID for job
// correlation, UTC millisecond timestamps, INFO severity.
func (e *SecurityEvent) Normalize() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Metadata == nil {
		e.Metadata = make(Metadata)
	}
}

// SessionKey returns the session correlation value: the session_id field
// first, the conventional metadata key as fallback.
func (e *SecurityEvent) SessionKey() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.Metadata.GetString(MetaKeySessionID)
}

// EmailKey returns the email field or its metadata fallback.
func (e *SecurityEvent) EmailKey() string {
	if e.Email != "" {
		return e.Email
	}
	return e.Metadata.GetString(MetaKeyEmail)
}

// Location returns the conventional pre-resolved location string, e.g.
// "Berlin, Germany".
func (e *SecurityEvent) Location() string {
	return e.Metadata.GetString(MetaKeyLocation)
}

// Clone returns a deep-enough copy: metadata map duplicated, scalars shared.
func (e *SecurityEvent) Clone() *SecurityEvent {
	clone := *e
	clone.Metadata = e.Metadata.Clone()
	return &clone
}
