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

// GeoAnomalyConfig tunes the GEO_BASED variant. Country lists match
// case-insensitively against the country component of the location string.
type GeoAnomalyConfig struct {
	TimeWindowMinutes   int      `json:"time_window_minutes"`
	MaxVelocityKmh      float64  `json:"max_velocity_kmh"`
	BlockedCountries    []string `json:"blocked_countries"`
	AllowedCountries    []string `json:"allowed_countries"`
	SuspiciousCountries []string `json:"suspicious_countries"`
}

// GeoAnomalyRule flags logins from blocked or unexpected countries and
// physically impossible travel between consecutive logins.
type GeoAnomalyRule struct {
	baseRule
	cfg GeoAnomalyConfig
}

// NewGeoAnomalyRule builds the rule with defaults window=60m, max velocity
// 1000 km/h.
func NewGeoAnomalyRule(def *threat.RuleDefinition) (*GeoAnomalyRule, error) {
	cfg := GeoAnomalyConfig{
		TimeWindowMinutes: 60,
		MaxVelocityKmh:    1000,
	}
	if err := parseRuleConfig(def.Name, def.Config, &cfg); err != nil {
		return nil, err
	}

	rule := &GeoAnomalyRule{baseRule: newBaseRule(def), cfg: cfg}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

func (r *GeoAnomalyRule) Validate() error {
	if r.cfg.TimeWindowMinutes < 1 {
		return errors.NewInvalidRuleConfigError(r.name, "time_window_minutes must be at least 1")
	}
	if r.cfg.MaxVelocityKmh <= 0 {
		return errors.NewInvalidRuleConfigError(r.name, "max_velocity_kmh must be positive")
	}
	return nil
}

func (r *GeoAnomalyRule) Evaluate(_ context.Context, ec *threat.Context) (*threat.EvaluationResult, error) {
	event := ec.Event
	if event == nil || event.EventType != audit.EventLoginSuccess {
		return threat.NoMatch(), nil
	}
	location := event.Location()
	if location == "" {
		return threat.NoMatch(), nil
	}
	_, country := parseLocation(location)
	if country == "" {
		return threat.NoMatch(), nil
	}

	if countryListed(country, r.cfg.BlockedCountries) {
		evidence := threat.Evidence{"country": country, "location": location}
		reason := fmt.Sprintf("login from blocked country %q", country)
		actions := []threat.Action{threat.ActionBlockIP, threat.ActionInvalidateSessions}
		return r.match(audit.SeverityCritical, 100, reason, evidence, actions), nil
	}

	if len(r.cfg.AllowedCountries) > 0 && !countryListed(country, r.cfg.AllowedCountries) {
		evidence := threat.Evidence{"country": country, "location": location}
		reason := fmt.Sprintf("login from country %q outside the allowed list", country)
		actions := []threat.Action{threat.ActionBlockIP, threat.ActionInvalidateSessions}
		return r.match(audit.SeverityCritical, 90, reason, evidence, actions), nil
	}

	if result := r.checkImpossibleTravel(ec, location); result != nil {
		return result, nil
	}

	if countryListed(country, r.cfg.SuspiciousCountries) {
		evidence := threat.Evidence{"country": country, "location": location}
		reason := fmt.Sprintf("login from suspicious country %q", country)
		actions := []threat.Action{threat.ActionRequire2FA, threat.ActionIncreaseMonitoring}
		return r.match(audit.SeverityMedium, 60, reason, evidence, actions), nil
	}

	return threat.NoMatch(), nil
}

// checkImpossibleTravel compares the current login location against prior
// logins inside the window. Pairs with an unresolvable city are skipped.
// The fastest violating pair decides severity and score.
func (r *GeoAnomalyRule) checkImpossibleTravel(ec *threat.Context, location string) *threat.EvaluationResult {
	event := ec.Event
	window := time.Duration(r.cfg.TimeWindowMinutes) * time.Minute

	var (
		topVelocity float64
		topDistance float64
		topFrom     string
	)
	for _, prior := range eventsOfType(ec.EventsWithin(window), audit.EventLoginSuccess) {
		priorLocation := prior.Location()
		if priorLocation == "" || priorLocation == location {
			continue
		}
		distance, ok := locationDistanceKm(priorLocation, location)
		if !ok {
			continue
		}
		hours := event.Timestamp.Sub(prior.Timestamp).Hours()
		if hours <= 0 {
			continue
		}
		velocity := distance / hours
		if velocity > r.cfg.MaxVelocityKmh && velocity > topVelocity {
			topVelocity = velocity
			topDistance = distance
			topFrom = priorLocation
		}
	}
	if topVelocity == 0 {
		return nil
	}

	severity := audit.SeverityMedium
	switch {
	case topVelocity > 2000:
		severity = audit.SeverityCritical
	case topVelocity > 1500:
		severity = audit.SeverityHigh
	}

	score := int(50 + (topVelocity-r.cfg.MaxVelocityKmh)/20)

	var actions []threat.Action
	switch {
	case topVelocity > 2000:
		actions = []threat.Action{threat.ActionInvalidateSessions, threat.ActionBlockIP}
	case topVelocity > 1000:
		actions = []threat.Action{threat.ActionRequire2FA, threat.ActionIncreaseMonitoring}
	default:
		actions = []threat.Action{threat.ActionRequire2FA}
	}

	evidence := threat.Evidence{
		"velocityKmh":  topVelocity,
		"distanceKm":   topDistance,
		"fromLocation": topFrom,
		"toLocation":   location,
	}
	reason := fmt.Sprintf("travel from %q to %q implies %.0f km/h, above the %.0f km/h limit",
		topFrom, location, topVelocity, r.cfg.MaxVelocityKmh)

	return r.match(severity, score, reason, evidence, actions)
}

func countryListed(country string, list []string) bool {
	for _, entry := range list {
		if strings.EqualFold(strings.TrimSpace(entry), country) {
			return true
		}
	}
	return false
}
