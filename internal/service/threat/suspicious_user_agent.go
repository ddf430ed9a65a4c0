package threat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// SuspiciousUserAgentConfig tunes the UA heuristics. Signature and whitelist
// matching folds case unless CaseSensitive is set.
type SuspiciousUserAgentConfig struct {
	LookbackMinutes int      `json:"lookback_minutes"`
	TooShort        int      `json:"too_short"`
	TooLong         int      `json:"too_long"`
	CaseSensitive   bool     `json:"case_sensitive"`
	Whitelist       []string `json:"whitelist"`
}

var (
	scannerTokens = []string{
		"nikto", "nmap", "sqlmap", "burp", "zap", "acunetix", "nessus",
		"metasploit", "hydra", "dirbuster", "gobuster", "wfuzz", "masscan",
	}
	botTokens = []string{"bot", "crawler", "spider", "scraper"}
	toolTokens = []string{
		"curl", "wget", "python", "java/", "go-http-client", "okhttp",
		"postman", "headless", "puppeteer", "selenium", "phantomjs", "axios",
	}
	browserTokens = []string{"mozilla", "chrome", "safari", "firefox", "edge", "opera"}
)

// SuspiciousUserAgentRule scores user-agent strings against scanner, bot and
// tool signatures plus character-shape heuristics, then folds in the agent's
// recent behavior from the same IP.
type SuspiciousUserAgentRule struct {
	baseRule
	cfg SuspiciousUserAgentConfig
}

// NewSuspiciousUserAgentRule builds the rule with defaults lookback=10m,
// too_short=10, too_long=512.
func NewSuspiciousUserAgentRule(def *threat.RuleDefinition) (*SuspiciousUserAgentRule, error) {
	cfg := SuspiciousUserAgentConfig{
		LookbackMinutes: 10,
		TooShort:        10,
		TooLong:         512,
	}
	if err := parseRuleConfig(def.Name, def.Config, &cfg); err != nil {
		return nil, err
	}

	rule := &SuspiciousUserAgentRule{baseRule: newBaseRule(def), cfg: cfg}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *SuspiciousUserAgentRule) Validate() error {
	if r.cfg.LookbackMinutes < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "lookback_minutes must be at least 1")
	}
	if r.cfg.TooShort < 1 || r.cfg.TooLong <= r.cfg.TooShort {
		return errors.NewInvalidRuleConfigError(r.name, "too_short and too_long must satisfy 0 < too_short < too_long")
	}
	return nil
}

func (r *SuspiciousUserAgentRule) Evaluate(_ context.Context, ec *threat.Context) (*threat.EvaluationResult, error) {
	event := ec.Event
	if event == nil {
		return threat.NoMatch(), nil
	}
	switch event.EventType {
	case audit.EventLoginSuccess, audit.EventLoginFailed, audit.EventSessionActivity:
	default:
		return threat.NoMatch(), nil
	}

	ua := event.UserAgent
	for _, entry := range r.cfg.Whitelist {
		entry = strings.TrimSpace(entry)
		if entry == ua || (!r.cfg.CaseSensitive && strings.EqualFold(entry, ua)) {
			return threat.NoMatch(), nil
		}
	}

	score := 0
	var signals []string
	scanner := false

	if ua == "" {
		score = 40
		signals = append(signals, "missing user agent")
	} else {
		haystack := ua
		if !r.cfg.CaseSensitive {
			haystack = strings.ToLower(ua)
		}
		if token := firstToken(haystack, scannerTokens); token != "" {
			score += 50
			scanner = true
			signals = append(signals, "security scanner signature: "+token)
		} else if token := firstToken(haystack, botTokens); token != "" {
			score += 30
			signals = append(signals, "bot signature: "+token)
		} else if token := firstToken(haystack, toolTokens); token != "" {
			score += 20
			signals = append(signals, "tool signature: "+token)
		}

		if len(ua) < r.cfg.TooShort {
			score += 15
			signals = append(signals, "unusually short")
		}
		if len(ua) > r.cfg.TooLong {
			score += 10
			signals = append(signals, "unusually long")
		}
		if !strings.Contains(ua, " ") {
			score += 20
			signals = append(signals, "no spaces")
		}
		if firstToken(haystack, browserTokens) == "" {
			score += 25
			signals = append(signals, "no browser token")
		}
	}

	// Behavior from the same IP over the lookback window.
	lookback := time.Duration(r.cfg.LookbackMinutes) * time.Minute
	window := ec.EventsWithin(lookback)
	failed, successful, total := 0, 0, 1
	for _, prior := range window {
		if prior.IPAddress != event.IPAddress || prior.UserAgent != ua {
			continue
		}
		total++
		switch prior.EventType {
		case audit.EventLoginFailed:
			failed++
		case audit.EventLoginSuccess:
			successful++
		}
	}
	if event.EventType == audit.EventLoginFailed {
		failed++
	}
	if event.EventType == audit.EventLoginSuccess {
		successful++
	}

	if failed >= 6 {
		score += 30
		signals = append(signals, "repeated login failures with this agent")
	}
	if total > 10 && r.cfg.LookbackMinutes <= 5 {
		score += 25
		signals = append(signals, "burst activity")
	}
	if failed >= 4 && successful == 0 {
		score += 20
		signals = append(signals, "failures without a single success")
	}

	if score == 0 {
		return threat.NoMatch(), nil
	}

	severity := audit.SeverityLow
	switch {
	case scanner:
		severity = audit.SeverityCritical
	case score > 80:
		severity = audit.SeverityHigh
	case score > 50:
		severity = audit.SeverityMedium
	}

	var actions []threat.Action
	switch {
	case scanner:
		actions = []threat.Action{threat.ActionBlockIP, threat.ActionInvalidateSessions}
	case failed > 5:
		actions = []threat.Action{threat.ActionBlockIP}
	default:
		actions = []threat.Action{threat.ActionIncreaseMonitoring}
		perMinute := float64(total) / float64(r.cfg.LookbackMinutes)
		if perMinute > 2 {
			actions = append(actions, threat.ActionRequire2FA)
		}
	}

	evidence := threat.Evidence{
		"userAgent":        ua,
		"signals":          signals,
		"isScanner":        scanner,
		"failedLogins":     failed,
		"successfulLogins": successful,
		"totalActivity":    total,
	}
	reason := fmt.Sprintf("suspicious user agent: %s", strings.Join(signals, ", "))

	return r.match(severity, score, reason, evidence, actions), nil
}

func firstToken(haystack string, tokens []string) string {
	for _, token := range tokens {
		if strings.Contains(haystack, token) {
			return token
		}
	}
	return ""
}
