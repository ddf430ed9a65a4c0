package threat

import (
	"context"
	"fmt"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// BruteForceConfig tunes the THRESHOLD variant.
type BruteForceConfig struct {
	Threshold         int `json:"threshold"`
	TimeWindowMinutes int `json:"time_window_minutes"`
}

// BruteForceRule flags repeated failed logins against one target. The target
// is correlated by user_id, falling back to email, then ip_address.
type BruteForceRule struct {
	baseRule
	cfg BruteForceConfig
}

// NewBruteForceRule builds the rule with defaults threshold=5, window=15m.
func NewBruteForceRule(def *threat.RuleDefinition) (*BruteForceRule, error) {
	cfg := BruteForceConfig{
		Threshold:         5,
		TimeWindowMinutes: 15,
	}
	if err := parseRuleConfig(def.Name, def.Config, &cfg); err != nil {
		return nil, err
	}

	rule := &BruteForceRule{baseRule: newBaseRule(def), cfg: cfg}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *BruteForceRule) Validate() error {
	if r.cfg.Threshold < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "threshold must be at least 1")
	}
	if r.cfg.TimeWindowMinutes < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "time_window_minutes must be at least 1")
	}
	return nil
}

func (r *BruteForceRule) Evaluate(_ context.Context, ec *threat.Context) (*threat.EvaluationResult, error) {
	event := ec.Event
	if event == nil || event.EventType != audit.EventLoginFailed {
		return threat.NoMatch(), nil
	}
	if targetKey(event) == "" {
		return threat.NoMatch(), nil
	}

	window := time.Duration(r.cfg.TimeWindowMinutes) * time.Minute
	attempts := []*audit.SecurityEvent{event}
	for _, prior := range eventsOfType(ec.EventsWithin(window), audit.EventLoginFailed) {
		if sameTarget(event, prior) {
			attempts = append(attempts, prior)
		}
	}

	n := len(attempts)
	if n < r.cfg.Threshold {
		return threat.NoMatch(), nil
	}

	uniqueIPs := distinctIPs(attempts)
	uniqueUAs := distinctUserAgents(attempts)
	distributed := len(uniqueIPs) > 1
	automated := avgIntervalBelow(attempts, time.Second)

	severity := r.severity
	switch {
	case n >= 20:
		severity = audit.SeverityCritical
	case n > 10:
		severity = audit.SeverityHigh
	case n >= 7:
		severity = audit.SeverityMedium
	}
	if distributed {
		severity = severity.Escalate()
	}

	score := n * 10
	if score > 50 {
		score = 50
	}
	if distributed {
		score += 20
	}
	if automated {
		score += 15
	}
	if len(uniqueUAs) > 3 {
		score += 10
	}
	if n > 15 {
		score += 5
	}

	actions := []threat.Action{threat.ActionBlockIP}
	if n > 10 || distributed {
		actions = append(actions, threat.ActionInvalidateSessions)
	}
	if n > 15 || distributed {
		actions = append(actions, threat.ActionRequire2FA)
	}
	if automated {
		actions = append(actions, threat.ActionIncreaseMonitoring)
	}

	evidence := threat.Evidence{
		"failedAttempts":   n,
		"target":           targetKey(event),
		"uniqueIPs":        len(uniqueIPs),
		"uniqueUserAgents": len(uniqueUAs),
		"isDistributed":    distributed,
		"isAutomated":      automated,
		"windowMinutes":    r.cfg.TimeWindowMinutes,
	}

	reason := fmt.Sprintf("%d failed login attempts for %q within %d minutes",
		n, targetKey(event), r.cfg.TimeWindowMinutes)
	if distributed {
		reason += fmt.Sprintf(" from %d distinct IPs", len(uniqueIPs))
	}

	return r.match(severity, score, reason, evidence, actions), nil
}
