package threat

import (
	"context"
	"fmt"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// TimeAnomalyConfig tunes the TIME_BASED variant. Hours are 0-23, days are
// weekday numbers 0-6 with Sunday as 0. Empty allowed lists disable the
// corresponding check.
type TimeAnomalyConfig struct {
	AllowedHours         []int `json:"allowed_hours"`
	AllowedDays          []int `json:"allowed_days"`
	SuspiciousHoursStart int   `json:"suspicious_hours_start"`
	SuspiciousHoursEnd   int   `json:"suspicious_hours_end"`
	CheckUserPattern     bool  `json:"check_user_pattern"`
	PatternLookbackDays  int   `json:"pattern_lookback_days"`
}

// TimeAnomalyRule flags logins outside allowed hours or days, and logins in
// the small hours when they break the user's established pattern.
type TimeAnomalyRule struct {
	baseRule
	cfg TimeAnomalyConfig
}

// NewTimeAnomalyRule builds the rule with suspicious hours defaulting to
// 00:00-06:00 and pattern lookback 30 days.
func NewTimeAnomalyRule(def *threat.RuleDefinition) (*TimeAnomalyRule, error) {
	cfg := TimeAnomalyConfig{
		SuspiciousHoursStart: 0,
		SuspiciousHoursEnd:   6,
		PatternLookbackDays:  30,
	}
	if err := parseRuleConfig(def.Name, def.Config, &cfg); err != nil {
		return nil, err
	}

	rule := &TimeAnomalyRule{baseRule: newBaseRule(def), cfg: cfg}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *TimeAnomalyRule) Validate() error {
	for _, h := range append(append([]int{}, r.cfg.AllowedHours...),
		r.cfg.SuspiciousHoursStart, r.cfg.SuspiciousHoursEnd) {
		if h < 0 || h > 23 {
			return errors.NewInvalidRuleConfigError(r.name, "hours must be in 0-23")
		}
	}
	for _, d := range r.cfg.AllowedDays {
		if d < 0 || d > 6 {
			return errors.NewInvalidRuleConfigError(r.name, "days must be in 0-6")
		}
	}
	if r.cfg.PatternLookbackDays < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "pattern_lookback_days must be at least 1")
	}
	return nil
}

func (r *TimeAnomalyRule) Evaluate(_ context.Context, ec *threat.Context) (*threat.EvaluationResult, error) {
	event := ec.Event
	if event == nil || event.EventType != audit.EventLoginSuccess {
		return threat.NoMatch(), nil
	}

	hour := event.Timestamp.UTC().Hour()
	day := int(event.Timestamp.UTC().Weekday())

	if len(r.cfg.AllowedHours) > 0 && !containsInt(r.cfg.AllowedHours, hour) {
		evidence := threat.Evidence{"hour": hour, "allowedHours": r.cfg.AllowedHours}
		reason := fmt.Sprintf("login at hour %02d outside the allowed hours", hour)
		return r.match(audit.SeverityHigh, 75, reason, evidence, r.actionsFor(audit.SeverityHigh)), nil
	}

	if len(r.cfg.AllowedDays) > 0 && !containsInt(r.cfg.AllowedDays, day) {
		evidence := threat.Evidence{"weekday": day, "allowedDays": r.cfg.AllowedDays}
		reason := fmt.Sprintf("login on weekday %d outside the allowed days", day)
		return r.match(audit.SeverityMedium, 60, reason, evidence, r.actionsFor(audit.SeverityMedium)), nil
	}

	if r.inSuspiciousHours(hour) {
		if r.cfg.CheckUserPattern && event.UserID != "" {
			seen, hasData := r.userSeenAtHour(ec, hour)
			if seen {
				return threat.NoMatch(), nil
			}
			severity := audit.SeverityMedium
			if !hasData {
				severity = audit.SeverityLow
			}
			evidence := threat.Evidence{
				"hour":           hour,
				"hasPatternData": hasData,
			}
			reason := fmt.Sprintf("login at hour %02d is unusual for user %q", hour, event.UserID)
			return r.match(severity, 55, reason, evidence, r.actionsFor(severity)), nil
		}

		evidence := threat.Evidence{"hour": hour}
		reason := fmt.Sprintf("login during suspicious hours (%02d:00-%02d:00)",
			r.cfg.SuspiciousHoursStart, r.cfg.SuspiciousHoursEnd)
		return r.match(audit.SeverityMedium, 55, reason, evidence, r.actionsFor(audit.SeverityMedium)), nil
	}

	return threat.NoMatch(), nil
}

func (r *TimeAnomalyRule) inSuspiciousHours(hour int) bool {
	start, end := r.cfg.SuspiciousHoursStart, r.cfg.SuspiciousHoursEnd
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	// Range wraps midnight, e.g. 22-06.
	return hour >= start || hour < end
}

// userSeenAtHour reports whether prior logins of the user include the hour,
// and whether any pattern data exists at all.
func (r *TimeAnomalyRule) userSeenAtHour(ec *threat.Context, hour int) (seen, hasData bool) {
	lookback := time.Duration(r.cfg.PatternLookbackDays) * 24 * time.Hour
	for _, prior := range eventsOfType(ec.EventsWithin(lookback), audit.EventLoginSuccess) {
		if prior.UserID != ec.Event.UserID {
			continue
		}
		hasData = true
		if prior.Timestamp.UTC().Hour() == hour {
			return true, true
		}
	}
	return false, hasData
}

func (r *TimeAnomalyRule) actionsFor(severity audit.Severity) []threat.Action {
	if severity.AtLeast(audit.SeverityHigh) {
		return []threat.Action{threat.ActionRequire2FA, threat.ActionIncreaseMonitoring}
	}
	return []threat.Action{threat.ActionIncreaseMonitoring}
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
