package threat

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// AccountEnumerationConfig tunes the enumeration detector.
type AccountEnumerationConfig struct {
	LookbackMinutes     int     `json:"lookback_minutes"`
	SequentialThreshold int     `json:"sequential_threshold"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	MinAttempts         int     `json:"min_attempts"`
}

// AccountEnumerationRule flags failed-login bursts from one IP probing
// usernames that are sequential (user1, user2, ...) or mutually similar.
// The username is the email local part, with the conventional metadata key
// as fallback.
type AccountEnumerationRule struct {
	baseRule
	cfg AccountEnumerationConfig
}

// NewAccountEnumerationRule builds the rule with defaults lookback=10m,
// sequential_threshold=3, similarity_threshold=0.8, min_attempts=5.
func NewAccountEnumerationRule(def *threat.RuleDefinition) (*AccountEnumerationRule, error) {
	cfg := AccountEnumerationConfig{
		LookbackMinutes:     10,
		SequentialThreshold: 3,
		SimilarityThreshold: 0.8,
		MinAttempts:         5,
	}
	if err := parseRuleConfig(def.Name, def.Config, &cfg); err != nil {
		return nil, err
	}

	rule := &AccountEnumerationRule{baseRule: newBaseRule(def), cfg: cfg}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *AccountEnumerationRule) Validate() error {
	if r.cfg.LookbackMinutes < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "lookback_minutes must be at least 1")
	}
	if r.cfg.SequentialThreshold < 2 {
		return errors.NewInvalidRuleConfigError(r.name, "sequential_threshold must be at least 2")
	}
	if r.cfg.SimilarityThreshold <= 0 || r.cfg.SimilarityThreshold > 1 {
		return errors.NewInvalidRuleConfigError(r.name, "similarity_threshold must be in (0, 1]")
	}
	if r.cfg.MinAttempts < 2 {
		return errors.NewInvalidRuleConfigError(r.name, "min_attempts must be at least 2")
	}
	return nil
}

func (r *AccountEnumerationRule) Evaluate(_ context.Context, ec *threat.Context) (*threat.EvaluationResult, error) {
	event := ec.Event
	if event == nil || event.EventType != audit.EventLoginFailed || event.IPAddress == "" {
		return threat.NoMatch(), nil
	}

	lookback := time.Duration(r.cfg.LookbackMinutes) * time.Minute
	attempts := []*audit.SecurityEvent{event}
	for _, prior := range eventsOfType(ec.EventsWithin(lookback), audit.EventLoginFailed) {
		if prior.IPAddress == event.IPAddress {
			attempts = append(attempts, prior)
		}
	}

	usernames := distinctValues(attempts, eventUsername)
	if len(usernames) < 2 {
		return threat.NoMatch(), nil
	}

	sequential := longestSequentialRun(usernames)
	if sequential >= r.cfg.SequentialThreshold {
		evidence := threat.Evidence{
			"ipAddress":       event.IPAddress,
			"usernames":       usernames,
			"sequentialCount": sequential,
			"totalAttempts":   len(attempts),
		}
		reason := fmt.Sprintf("%d sequential usernames probed from %s", sequential, event.IPAddress)
		actions := []threat.Action{threat.ActionBlockIP, threat.ActionIncreaseMonitoring}
		return r.match(audit.SeverityHigh, 85, reason, evidence, actions), nil
	}

	if len(attempts) >= r.cfg.MinAttempts {
		similarity := meanPairwiseSimilarity(usernames)
		if similarity >= r.cfg.SimilarityThreshold {
			evidence := threat.Evidence{
				"ipAddress":      event.IPAddress,
				"usernames":      usernames,
				"meanSimilarity": similarity,
				"totalAttempts":  len(attempts),
			}
			reason := fmt.Sprintf("%d similar usernames probed from %s (mean similarity %.2f)",
				len(usernames), event.IPAddress, similarity)
			actions := []threat.Action{threat.ActionBlockIP, threat.ActionIncreaseMonitoring}
			return r.match(audit.SeverityHigh, 80, reason, evidence, actions), nil
		}
	}

	return threat.NoMatch(), nil
}

func eventUsername(e *audit.SecurityEvent) string {
	if email := e.EmailKey(); email != "" {
		if at := strings.Index(email, "@"); at > 0 {
			return email[:at]
		}
		return email
	}
	return e.Metadata.GetString(audit.MetaKeyUsername)
}

// splitStem separates a username into its non-numeric stem and trailing
// integer: "user12" yields ("user", 12, true).
func splitStem(username string) (string, int, bool) {
	i := len(username)
	for i > 0 && username[i-1] >= '0' && username[i-1] <= '9' {
		i--
	}
	if i == len(username) {
		return username, 0, false
	}
	n, err := strconv.Atoi(username[i:])
	if err != nil {
		return username, 0, false
	}
	return username[:i], n, true
}

// longestSequentialRun finds the longest run of consecutive integers among
// usernames sharing a stem.
func longestSequentialRun(usernames []string) int {
	stems := make(map[string][]int)
	for _, u := range usernames {
		stem, n, ok := splitStem(u)
		if !ok {
			continue
		}
		stems[stem] = append(stems[stem], n)
	}

	longest := 0
	for _, numbers := range stems {
		sort.Ints(numbers)
		run := 1
		if run > longest {
			longest = run
		}
		for i := 1; i < len(numbers); i++ {
			switch {
			case numbers[i] == numbers[i-1]:
				continue
			case numbers[i] == numbers[i-1]+1:
				run++
			default:
				run = 1
			}
			if run > longest {
				longest = run
			}
		}
	}
	return longest
}

// meanPairwiseSimilarity averages 1 - distance/maxLen over all username
// pairs.
func meanPairwiseSimilarity(usernames []string) float64 {
	if len(usernames) < 2 {
		return 0
	}
	var total float64
	pairs := 0
	for i := 0; i < len(usernames); i++ {
		for j := i + 1; j < len(usernames); j++ {
			a, b := usernames[i], usernames[j]
			maxLen := len(a)
			if len(b) > maxLen {
				maxLen = len(b)
			}
			if maxLen == 0 {
				continue
			}
			distance := levenshtein.ComputeDistance(a, b)
			total += 1 - float64(distance)/float64(maxLen)
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}
