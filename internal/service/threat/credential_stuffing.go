package threat

import (
	"context"
	"fmt"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// CredentialStuffingConfig tunes the stuffing detector.
type CredentialStuffingConfig struct {
	LookbackMinutes          int `json:"lookback_minutes"`
	MinUniqueUsers           int `json:"min_unique_users"`
	MaxTimeBetweenAttemptsMs int `json:"max_time_between_attempts_ms"`
}

// CredentialStuffingRule flags one IP cycling through many accounts, the
// signature of a leaked credential list being replayed.
type CredentialStuffingRule struct {
	baseRule
	cfg CredentialStuffingConfig
}

// NewCredentialStuffingRule builds the rule with defaults lookback=10m,
// min_unique_users=5, max gap 2000ms.
func NewCredentialStuffingRule(def *threat.RuleDefinition) (*CredentialStuffingRule, error) {
	cfg := CredentialStuffingConfig{
		LookbackMinutes:          10,
		MinUniqueUsers:           5,
		MaxTimeBetweenAttemptsMs: 2000,
	}
	if err := parseRuleConfig(def.Name, def.Config, &cfg); err != nil {
		return nil, err
	}

	rule := &CredentialStuffingRule{baseRule: newBaseRule(def), cfg: cfg}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *CredentialStuffingRule) Validate() error {
	if r.cfg.LookbackMinutes < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "lookback_minutes must be at least 1")
	}
	if r.cfg.MinUniqueUsers < 2 {
		return errors.NewInvalidRuleConfigError(r.name, "min_unique_users must be at least 2")
	}
	if r.cfg.MaxTimeBetweenAttemptsMs < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "max_time_between_attempts_ms must be at least 1")
	}
	return nil
}

func (r *CredentialStuffingRule) Evaluate(_ context.Context, ec *threat.Context) (*threat.EvaluationResult, error) {
	event := ec.Event
	if event == nil || event.IPAddress == "" {
		return threat.NoMatch(), nil
	}
	if event.EventType != audit.EventLoginFailed && event.EventType != audit.EventLoginSuccess {
		return threat.NoMatch(), nil
	}

	lookback := time.Duration(r.cfg.LookbackMinutes) * time.Minute
	attempts := []*audit.SecurityEvent{event}
	prior := eventsOfType(ec.EventsWithin(lookback), audit.EventLoginFailed, audit.EventLoginSuccess)
	for _, e := range prior {
		if e.IPAddress == event.IPAddress {
			attempts = append(attempts, e)
		}
	}
	attempts = sortByTime(attempts)

	uniqueUsers := distinctValues(attempts, func(e *audit.SecurityEvent) string { return e.EmailKey() })
	if len(uniqueUsers) < r.cfg.MinUniqueUsers {
		return threat.NoMatch(), nil
	}

	maxGap := time.Duration(r.cfg.MaxTimeBetweenAttemptsMs) * time.Millisecond
	rapidSequential := 0
	for i := 1; i < len(attempts); i++ {
		if attempts[i].Timestamp.Sub(attempts[i-1].Timestamp) < maxGap {
			rapidSequential++
		}
	}

	total := len(attempts)
	score := int(float64(len(uniqueUsers))/10*50 + float64(rapidSequential)/float64(total)*50)

	evidence := threat.Evidence{
		"uniqueUsers":     len(uniqueUsers),
		"totalAttempts":   total,
		"rapidSequential": rapidSequential,
		"ipAddress":       event.IPAddress,
		"windowMinutes":   r.cfg.LookbackMinutes,
	}

	reason := fmt.Sprintf("%d distinct accounts tried from %s within %d minutes",
		len(uniqueUsers), event.IPAddress, r.cfg.LookbackMinutes)

	actions := []threat.Action{threat.ActionBlockIP, threat.ActionIncreaseMonitoring}
	return r.match(audit.SeverityCritical, score, reason, evidence, actions), nil
}
