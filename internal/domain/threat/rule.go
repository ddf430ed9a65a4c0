package threat

import (
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
)

// RuleStatus tracks the lifecycle of a rule configuration. Only ACTIVE and
// TESTING rules are loaded into the engine.
type RuleStatus string

const (
	RuleStatusActive     RuleStatus = "ACTIVE"
	RuleStatusTesting    RuleStatus = "TESTING"
	RuleStatusInactive   RuleStatus = "INACTIVE"
	RuleStatusDeprecated RuleStatus = "DEPRECATED"
)

func (s RuleStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is one of the known lifecycle states.
func (s RuleStatus) IsValid() bool {
	switch s {
	case RuleStatusActive, RuleStatusTesting, RuleStatusInactive, RuleStatusDeprecated:
		return true
	}
	return false
}

// IsLoadable reports whether rules in this status enter the engine.
func (s RuleStatus) IsLoadable() bool {
	return s == RuleStatusActive || s == RuleStatusTesting
}

// ConditionType selects the rule implementation variant. The config shape is
// variant-specific and part of each variant's public contract.
type ConditionType string

const (
	ConditionThreshold ConditionType = "THRESHOLD"
	ConditionPattern   ConditionType = "PATTERN"
	ConditionTimeBased ConditionType = "TIME_BASED"
	ConditionGeoBased  ConditionType = "GEO_BASED"
)

func (c ConditionType) String() string {
	return string(c)
}

// IsValid reports whether the condition type is a known variant.
func (c ConditionType) IsValid() bool {
	switch c {
	case ConditionThreshold, ConditionPattern, ConditionTimeBased, ConditionGeoBased:
		return true
	}
	return false
}

// InitialVersion is assigned to newly created rules.
const InitialVersion = "1.0.0"

// RuleDefinition is the mutable configuration row a rule implementation is
// constructed from. Config updates bump the semver patch component.
type RuleDefinition struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Version       string          `json:"version"`
	Status        RuleStatus      `json:"status"`
	Severity      audit.Severity  `json:"severity"`
	ConditionType ConditionType   `json:"condition_type"`
	Config        json.RawMessage `json:"config"`
	Tags          []string        `json:"tags,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Validate checks structural requirements before persistence.
func (d *RuleDefinition) Validate() error {
	if d.Name == "" {
		return errors.NewValidationError("MISSING_RULE_NAME", "rule name is required")
	}
	if !d.Status.IsValid() {
		return errors.NewValidationError("INVALID_RULE_STATUS",
			"status must be one of ACTIVE, TESTING, INACTIVE, DEPRECATED")
	}
	if !d.ConditionType.IsValid() {
		return errors.NewValidationError("INVALID_CONDITION_TYPE",
			"condition type must be one of THRESHOLD, PATTERN, TIME_BASED, GEO_BASED")
	}
	if !d.Severity.IsValid() {
		return errors.NewValidationError("INVALID_SEVERITY",
			"severity must be one of INFO, LOW, MEDIUM, HIGH, CRITICAL")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return errors.NewValidationError("INVALID_RULE_VERSION",
			"version must be valid semver").WithCause(err)
	}
	return nil
}

// HasTag reports whether the definition carries the tag.
func (d *RuleDefinition) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// BumpPatch increments the semver patch component, e.g. 1.0.0 -> 1.0.1.
func (d *RuleDefinition) BumpPatch() error {
	v, err := semver.NewVersion(d.Version)
	if err != nil {
		return errors.NewValidationError("INVALID_RULE_VERSION",
			"version must be valid semver").WithCause(err)
	}
	next := v.IncPatch()
	d.Version = next.String()
	return nil
}

// VersionKey identifies one revision of a rule for reload diffing.
func (d *RuleDefinition) VersionKey() string {
	return d.ID.String() + "@" + d.Version
}
