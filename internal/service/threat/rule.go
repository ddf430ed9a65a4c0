package threat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// Rule is the behavior contract every detection rule implements. Metadata
// accessors mirror the rule's stored definition; Evaluate must be safe for
// concurrent use and honor context cancellation.
type Rule interface {
	ID() string
	Name() string
	Description() string
	Version() string
	Status() threat.RuleStatus
	Severity() audit.Severity
	ConditionType() threat.ConditionType
	Tags() []string

	// Evaluate judges the context and returns a verdict. Matched verdicts
	// carry severity, a score in [0, 100] and a non-empty reason.
	Evaluate(ctx context.Context, ec *threat.Context) (*threat.EvaluationResult, error)

	// Validate reports whether the rule's configuration is usable.
	// Registration refuses rules that fail validation.
	Validate() error

	// Describe renders a one-line human summary.
	Describe() string
}

// Tags selecting the PATTERN rule implementation for a definition.
const (
	TagCredentialStuffing  = "credential-stuffing"
	TagSessionHijacking    = "session-hijacking"
	TagRapidIPChange       = "rapid-ip-change"
	TagSuspiciousUserAgent = "suspicious-user-agent"
	TagAccountEnumeration  = "account-enumeration"
)

// NewRule constructs the implementation for a definition. THRESHOLD,
// TIME_BASED and GEO_BASED map to single implementations; PATTERN selects by
// tag first, then by id/name substring. Unrecognizable PATTERN definitions
// are refused rather than silently defaulted.
func NewRule(def *threat.RuleDefinition) (Rule, error) {
	if def == nil {
		return nil, errors.NewValidationError("NIL_RULE", "rule definition cannot be nil")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	switch def.ConditionType {
	case threat.ConditionThreshold:
		return NewBruteForceRule(def)
	case threat.ConditionTimeBased:
		return NewTimeAnomalyRule(def)
	case threat.ConditionGeoBased:
		return NewGeoAnomalyRule(def)
	case threat.ConditionPattern:
		return newPatternRule(def)
	}
	return nil, errors.NewInvalidRuleConfigError(def.Name,
		fmt.Sprintf("unsupported condition type %q", def.ConditionType))
}

func newPatternRule(def *threat.RuleDefinition) (Rule, error) {
	switch {
	case def.HasTag(TagCredentialStuffing):
		return NewCredentialStuffingRule(def)
	case def.HasTag(TagSessionHijacking):
		return NewSessionHijackingRule(def)
	case def.HasTag(TagRapidIPChange):
		return NewRapidIPChangeRule(def)
	case def.HasTag(TagSuspiciousUserAgent):
		return NewSuspiciousUserAgentRule(def)
	case def.HasTag(TagAccountEnumeration):
		return NewAccountEnumerationRule(def)
	}

	// Tag missing: fall back to id/name hints.
	hint := strings.ToLower(def.Name + " " + def.ID.String())
	switch {
	case strings.Contains(hint, "stuffing"):
		return NewCredentialStuffingRule(def)
	case strings.Contains(hint, "hijack"):
		return NewSessionHijackingRule(def)
	case strings.Contains(hint, "rapid"):
		return NewRapidIPChangeRule(def)
	case strings.Contains(hint, "agent"):
		return NewSuspiciousUserAgentRule(def)
	case strings.Contains(hint, "enum"):
		return NewAccountEnumerationRule(def)
	}
	return nil, errors.NewInvalidRuleConfigError(def.Name,
		"PATTERN rule needs a recognizable tag or name to select an implementation")
}

// baseRule carries definition metadata shared by every implementation.
type baseRule struct {
	id            string
	name          string
	description   string
	version       string
	status        threat.RuleStatus
	severity      audit.Severity
	conditionType threat.ConditionType
	tags          []string
}

func newBaseRule(def *threat.RuleDefinition) baseRule {
	tags := make([]string, len(def.Tags))
	copy(tags, def.Tags)
	return baseRule{
		id:            def.ID.String(),
		name:          def.Name,
		description:   def.Description,
		version:       def.Version,
		status:        def.Status,
		severity:      def.Severity,
		conditionType: def.ConditionType,
		tags:          tags,
	}
}

func (r *baseRule) ID() string                          { return r.id }
func (r *baseRule) Name() string                        { return r.name }
func (r *baseRule) Description() string                 { return r.description }
func (r *baseRule) Version() string                     { return r.version }
func (r *baseRule) Status() threat.RuleStatus           { return r.status }
func (r *baseRule) Severity() audit.Severity            { return r.severity }
func (r *baseRule) ConditionType() threat.ConditionType { return r.conditionType }

func (r *baseRule) Tags() []string {
	tags := make([]string, len(r.tags))
	copy(tags, r.tags)
	return tags
}

func (r *baseRule) Describe() string {
	return fmt.Sprintf("%s v%s [%s/%s] %s", r.name, r.version, r.conditionType, r.status, r.description)
}

// match builds a matched verdict stamped with the rule's identity. The score
// is clamped to [0, 100].
func (r *baseRule) match(severity audit.Severity, score int, reason string, evidence threat.Evidence, actions []threat.Action) *threat.EvaluationResult {
	return &threat.EvaluationResult{
		Matched:          true,
		Severity:         severity,
		Score:            threat.ClampScore(score),
		Reason:           reason,
		Evidence:         evidence,
		SuggestedActions: actions,
		RuleID:           r.id,
		RuleName:         r.name,
		Tags:             r.Tags(),
	}
}

// parseRuleConfig decodes a variant config, leaving defaults for absent
// fields. Empty config means "all defaults".
func parseRuleConfig(ruleName string, raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.NewInvalidRuleConfigError(ruleName,
			"rule config is not valid JSON for its condition type").WithCause(err)
	}
	return nil
}
