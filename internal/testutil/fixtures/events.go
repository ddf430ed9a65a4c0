// Package fixtures provides builders for test data shared across packages.
package fixtures

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// EventOption mutates an event under construction.
type EventOption func(*audit.SecurityEvent)

// NewEvent builds a valid security event with sensible defaults.
func NewEvent(eventType audit.EventType, opts ...EventOption) *audit.SecurityEvent {
	event := &audit.SecurityEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		UserID:    "user-1",
		Email:     "user-1@example.com",
		IPAddress: "10.0.0.1",
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/128.0",
		SessionID: "session-1",
		Message:   string(eventType),
		Severity:  audit.SeverityInfo,
		Metadata:  audit.Metadata{},
	}
	for _, opt := range opts {
		opt(event)
	}
	return event
}

// WithUser sets user_id and a matching email.
func WithUser(userID string) EventOption {
	return func(e *audit.SecurityEvent) {
		e.UserID = userID
		e.Email = userID + "@example.com"
	}
}

// WithIP sets the source address.
func WithIP(ip string) EventOption {
	return func(e *audit.SecurityEvent) { e.IPAddress = ip }
}

// WithTimestamp pins the event time.
func WithTimestamp(at time.Time) EventOption {
	return func(e *audit.SecurityEvent) { e.Timestamp = at }
}

// WithSeverity overrides the default INFO severity.
func WithSeverity(sev audit.Severity) EventOption {
	return func(e *audit.SecurityEvent) { e.Severity = sev }
}

// WithMetadata merges extra metadata keys.
func WithMetadata(meta map[string]interface{}) EventOption {
	return func(e *audit.SecurityEvent) {
		for k, v := range meta {
			e.Metadata[k] = v
		}
	}
}

// FailedLoginBurst builds count failed logins for one user from one address,
// spaced a second apart starting at base.
func FailedLoginBurst(userID, ip string, count int, base time.Time) []*audit.SecurityEvent {
	events := make([]*audit.SecurityEvent, count)
	for i := range events {
		events[i] = NewEvent(audit.EventLoginFailed,
			WithUser(userID),
			WithIP(ip),
			WithTimestamp(base.Add(time.Duration(i)*time.Second)),
		)
	}
	return events
}

// BruteForceRule builds an active THRESHOLD rule definition.
func BruteForceRule(threshold, windowMinutes int) *threat.RuleDefinition {
	now := time.Now().UTC()
	return &threat.RuleDefinition{
		ID:            uuid.New(),
		Name:          fmt.Sprintf("brute-force-%d-in-%dm", threshold, windowMinutes),
		Description:   "flags repeated failed logins",
		Version:       "1.0.0",
		Status:        threat.RuleStatusActive,
		Severity:      audit.SeverityHigh,
		ConditionType: threat.ConditionThreshold,
		Config: json.RawMessage(fmt.Sprintf(
			`{"threshold":%d,"time_window_minutes":%d}`, threshold, windowMinutes)),
		Tags:      []string{"authentication"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
