package threat

import (
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
)

// Action is a mitigation a rule recommends. Enforcement happens in external
// collaborators subscribed to the action broadcast topics.
type Action string

const (
	ActionBlockIP            Action = "BLOCK_IP"
	ActionRequire2FA         Action = "REQUIRE_2FA"
	ActionInvalidateSessions Action = "INVALIDATE_SESSIONS"
	ActionIncreaseMonitoring Action = "INCREASE_MONITORING"
)

func (a Action) String() string {
	return string(a)
}

// Evidence carries rule-specific supporting facts for a verdict.
type Evidence map[string]interface{}

// EvaluationResult is a rule verdict. Matched results always carry a
// severity, a score in [0, 100] and a non-empty reason.
type EvaluationResult struct {
	Matched          bool           `json:"matched"`
	Severity         audit.Severity `json:"severity,omitempty"`
	Score            int            `json:"score,omitempty"`
	Reason           string         `json:"reason,omitempty"`
	Evidence         Evidence       `json:"evidence,omitempty"`
	SuggestedActions []Action       `json:"suggested_actions,omitempty"`
	RuleID           string         `json:"rule_id,omitempty"`
	RuleName         string         `json:"rule_name,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
}

// NoMatch is the verdict for a rule whose conditions did not hold.
func NoMatch() *EvaluationResult {
	return &EvaluationResult{Matched: false}
}

// ClampScore bounds a raw score contribution sum to [0, 100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// HasAction reports whether the verdict recommends the action.
func (r *EvaluationResult) HasAction(action Action) bool {
	for _, a := range r.SuggestedActions {
		if a == action {
			return true
		}
	}
	return false
}

// Context is the evaluation input: the current event plus a bounded,
// chronologically ordered window of prior events.
type Context struct {
	Event        *audit.SecurityEvent   `json:"event"`
	RecentEvents []*audit.SecurityEvent `json:"recent_events,omitempty"`
}

// EventsWithin returns recent events whose timestamp falls inside the
// lookback window ending at the current event's timestamp. Events at or
// after the current event are excluded.
func (c *Context) EventsWithin(lookback time.Duration) []*audit.SecurityEvent {
	if c.Event == nil {
		return nil
	}
	cutoff := c.Event.Timestamp.Add(-lookback)

	var window []*audit.SecurityEvent
	for _, e := range c.RecentEvents {
		if e == nil {
			continue
		}
		if e.Timestamp.Before(cutoff) || e.Timestamp.After(c.Event.Timestamp) {
			continue
		}
		window = append(window, e)
	}
	return window
}
