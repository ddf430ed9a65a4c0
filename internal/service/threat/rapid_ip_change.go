package threat

import (
	"context"
	"fmt"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// RapidIPChangeConfig tunes the IP hop detector. Whitelist entries are exact
// IPs or prefix ranges ("10.0.0." or "10.0.0.*").
type RapidIPChangeConfig struct {
	LookbackMinutes              int      `json:"lookback_minutes"`
	MaxIPChanges                 int      `json:"max_ip_changes"`
	MinTimeBetweenChangesSeconds int      `json:"min_time_between_changes_seconds"`
	Whitelist                    []string `json:"whitelist"`
}

// RapidIPChangeRule flags one user whose session activity hops between IPs:
// too many distinct addresses, hops faster than a human would roam, or
// ping-pong alternation between two addresses.
type RapidIPChangeRule struct {
	baseRule
	cfg RapidIPChangeConfig
}

// NewRapidIPChangeRule builds the rule with defaults lookback=30m,
// max_ip_changes=3, min gap 60s.
func NewRapidIPChangeRule(def *threat.RuleDefinition) (*RapidIPChangeRule, error) {
	cfg := RapidIPChangeConfig{
		LookbackMinutes:              30,
		MaxIPChanges:                 3,
		MinTimeBetweenChangesSeconds: 60,
	}
	if err := parseRuleConfig(def.Name, def.Config, &cfg); err != nil {
		return nil, err
	}

	rule := &RapidIPChangeRule{baseRule: newBaseRule(def), cfg: cfg}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *RapidIPChangeRule) Validate() error {
	if r.cfg.LookbackMinutes < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "lookback_minutes must be at least 1")
	}
	if r.cfg.MaxIPChanges < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "max_ip_changes must be at least 1")
	}
	if r.cfg.MinTimeBetweenChangesSeconds < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "min_time_between_changes_seconds must be at least 1")
	}
	return nil
}

func (r *RapidIPChangeRule) Evaluate(_ context.Context, ec *threat.Context) (*threat.EvaluationResult, error) {
	event := ec.Event
	if event == nil || event.UserID == "" || event.IPAddress == "" {
		return threat.NoMatch(), nil
	}
	if event.EventType != audit.EventLoginSuccess && event.EventType != audit.EventSessionActivity {
		return threat.NoMatch(), nil
	}

	lookback := time.Duration(r.cfg.LookbackMinutes) * time.Minute
	activity := []*audit.SecurityEvent{event}
	for _, prior := range eventsOfType(ec.EventsWithin(lookback), audit.EventLoginSuccess, audit.EventSessionActivity) {
		if prior.UserID == event.UserID && prior.IPAddress != "" {
			activity = append(activity, prior)
		}
	}
	activity = sortByTime(activity)

	// Collapse the timeline into a change sequence, dropping whitelisted
	// addresses and consecutive repeats.
	var ips []string
	var changeTimes []time.Time
	for _, e := range activity {
		if ipWhitelisted(e.IPAddress, r.cfg.Whitelist) {
			continue
		}
		if len(ips) > 0 && ips[len(ips)-1] == e.IPAddress {
			continue
		}
		ips = append(ips, e.IPAddress)
		changeTimes = append(changeTimes, e.Timestamp)
	}
	if len(ips) < 2 {
		return threat.NoMatch(), nil
	}

	distinct := len(distinctValues(activity, func(e *audit.SecurityEvent) string {
		if ipWhitelisted(e.IPAddress, r.cfg.Whitelist) {
			return ""
		}
		return e.IPAddress
	}))

	minGap := time.Duration(r.cfg.MinTimeBetweenChangesSeconds) * time.Second
	rapidCount := 0
	for i := 1; i < len(changeTimes); i++ {
		if changeTimes[i].Sub(changeTimes[i-1]) < minGap {
			rapidCount++
		}
	}
	rapid := rapidCount > 0

	pingPong := false
	for i := 0; i+3 < len(ips); i++ {
		if ips[i] == ips[i+2] && ips[i+1] == ips[i+3] && ips[i] != ips[i+1] {
			pingPong = true
			break
		}
	}

	tooMany := distinct > r.cfg.MaxIPChanges

	patterns := 0
	for _, hit := range []bool{tooMany, rapid, pingPong} {
		if hit {
			patterns++
		}
	}
	if patterns == 0 {
		return threat.NoMatch(), nil
	}

	severity := audit.SeverityMedium
	switch {
	case patterns >= 3:
		severity = audit.SeverityCritical
	case rapid || pingPong:
		severity = audit.SeverityHigh
	case distinct > 5:
		severity = audit.SeverityHigh
	}

	score := 15 * distinct
	if score > 45 {
		score = 45
	}
	if rapid {
		score += 25
	}
	if pingPong {
		score += 20
	}
	if tooMany {
		score += 10
	}
	if rapidCount > 2 {
		score += 10
	}

	actions := []threat.Action{threat.ActionRequire2FA, threat.ActionIncreaseMonitoring}
	if patterns > 1 || distinct > 4 {
		actions = append(actions, threat.ActionInvalidateSessions)
	}
	if rapid && rapidCount > 2 {
		actions = append(actions, threat.ActionBlockIP)
	}

	evidence := threat.Evidence{
		"userId":       event.UserID,
		"distinctIPs":  distinct,
		"ipSequence":   ips,
		"rapidChanges": rapid,
		"rapidCount":   rapidCount,
		"pingPong":     pingPong,
		"tooManyIPs":   tooMany,
	}
	reason := fmt.Sprintf("user %q switched between %d IPs within %d minutes",
		event.UserID, distinct, r.cfg.LookbackMinutes)

	return r.match(severity, score, reason, evidence, actions), nil
}
