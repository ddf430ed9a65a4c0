package threat

import (
	"context"
	"fmt"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// SessionHijackingConfig tunes the hijack detector.
type SessionHijackingConfig struct {
	LookbackMinutes     int `json:"lookback_minutes"`
	MaxSessionIPChanges int `json:"max_session_ip_changes"`
}

// SessionHijackingRule flags one session id appearing from shifting IPs,
// user agents or countries. Checks run in order of confidence; the first
// hit wins.
type SessionHijackingRule struct {
	baseRule
	cfg SessionHijackingConfig
}

// NewSessionHijackingRule builds the rule with defaults lookback=60m,
// max_session_ip_changes=2.
func NewSessionHijackingRule(def *threat.RuleDefinition) (*SessionHijackingRule, error) {
	cfg := SessionHijackingConfig{
		LookbackMinutes:     60,
		MaxSessionIPChanges: 2,
	}
	if err := parseRuleConfig(def.Name, def.Config, &cfg); err != nil {
		return nil, err
	}

	rule := &SessionHijackingRule{baseRule: newBaseRule(def), cfg: cfg}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *SessionHijackingRule) Validate() error {
	if r.cfg.LookbackMinutes < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "lookback_minutes must be at least 1")
	}
	if r.cfg.MaxSessionIPChanges < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "max_session_ip_changes must be at least 1")
	}
	return nil
}

func (r *SessionHijackingRule) Evaluate(_ context.Context, ec *threat.Context) (*threat.EvaluationResult, error) {
	event := ec.Event
	if event == nil {
		return threat.NoMatch(), nil
	}
	sessionID := event.SessionKey()
	if sessionID == "" {
		return threat.NoMatch(), nil
	}

	lookback := time.Duration(r.cfg.LookbackMinutes) * time.Minute
	session := []*audit.SecurityEvent{event}
	for _, prior := range ec.EventsWithin(lookback) {
		if prior.SessionKey() == sessionID {
			session = append(session, prior)
		}
	}
	if len(session) < 2 {
		return threat.NoMatch(), nil
	}
	session = sortByTime(session)

	ips := distinctIPs(session)
	if len(ips)-1 >= r.cfg.MaxSessionIPChanges {
		evidence := threat.Evidence{
			"sessionId": sessionID,
			"uniqueIPs": len(ips),
			"ipChanges": len(ips) - 1,
			"ips":       ips,
		}
		reason := fmt.Sprintf("session %q changed IP %d times", sessionID, len(ips)-1)
		actions := []threat.Action{
			threat.ActionInvalidateSessions,
			threat.ActionRequire2FA,
			threat.ActionBlockIP,
		}
		return r.match(audit.SeverityCritical, 95, reason, evidence, actions), nil
	}

	agents := distinctUserAgents(session)
	if len(agents) > 1 {
		evidence := threat.Evidence{
			"sessionId":        sessionID,
			"uniqueUserAgents": len(agents),
			"userAgents":       agents,
		}
		reason := fmt.Sprintf("session %q used %d distinct user agents", sessionID, len(agents))
		actions := []threat.Action{threat.ActionInvalidateSessions, threat.ActionRequire2FA}
		return r.match(audit.SeverityHigh, 90, reason, evidence, actions), nil
	}

	countries := distinctValues(session, eventCountry)
	if len(countries) > 1 {
		evidence := threat.Evidence{
			"sessionId":       sessionID,
			"uniqueCountries": len(countries),
			"countries":       countries,
		}
		reason := fmt.Sprintf("session %q spanned %d countries", sessionID, len(countries))
		actions := []threat.Action{threat.ActionInvalidateSessions, threat.ActionRequire2FA}
		return r.match(audit.SeverityHigh, 85, reason, evidence, actions), nil
	}

	return threat.NoMatch(), nil
}
