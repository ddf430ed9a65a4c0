package threat

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/audit"
	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// CreateRuleInput is the admin payload for a new rule. New rules start in
// TESTING status at version 1.0.0.
type CreateRuleInput struct {
	Name          string          `json:"name" validate:"required,min=3,max=200"`
	Description   string          `json:"description" validate:"max=2000"`
	Severity      string          `json:"severity" validate:"required,oneof=INFO LOW MEDIUM HIGH CRITICAL"`
	ConditionType string          `json:"condition_type" validate:"required,oneof=THRESHOLD PATTERN TIME_BASED GEO_BASED"`
	Config        json.RawMessage `json:"config"`
	Tags          []string        `json:"tags" validate:"max=20,dive,min=1,max=64"`
}

// UpdateRuleInput is a partial update. Nil fields stay unchanged; a nil Tags
// slice is "keep", an empty one clears. Config changes bump the patch
// version. An update that changes nothing leaves the version alone.
type UpdateRuleInput struct {
	Name        *string         `json:"name,omitempty" validate:"omitempty,min=3,max=200"`
	Description *string         `json:"description,omitempty" validate:"omitempty,max=2000"`
	Status      *string         `json:"status,omitempty" validate:"omitempty,oneof=ACTIVE TESTING INACTIVE DEPRECATED"`
	Severity    *string         `json:"severity,omitempty" validate:"omitempty,oneof=INFO LOW MEDIUM HIGH CRITICAL"`
	Config      json.RawMessage `json:"config,omitempty"`
	Tags        []string        `json:"tags,omitempty" validate:"omitempty,max=20,dive,min=1,max=64"`
}

// Admin manages the rule store. Every write is checked by constructing the
// rule implementation first, so a definition the engine cannot load never
// reaches the database. The loader picks changes up on its next sync.
type Admin struct {
	store    threat.RuleStore
	logger   *zap.Logger
	validate *validator.Validate
}

// NewAdmin creates the admin service.
func NewAdmin(store threat.RuleStore, logger *zap.Logger) *Admin {
	return &Admin{
		store:    store,
		logger:   logger,
		validate: validator.New(),
	}
}

// CreateRule validates and persists a new rule in TESTING status.
func (a *Admin) CreateRule(ctx context.Context, input CreateRuleInput) (*threat.RuleDefinition, error) {
	if err := a.validate.Struct(input); err != nil {
		return nil, errors.NewValidationError("INVALID_RULE_INPUT", err.Error())
	}

	now := time.Now().UTC()
	def := &threat.RuleDefinition{
		ID:            uuid.New(),
		Name:          input.Name,
		Description:   input.Description,
		Version:       threat.InitialVersion,
		Status:        threat.RuleStatusTesting,
		Severity:      audit.Severity(input.Severity),
		ConditionType: threat.ConditionType(input.ConditionType),
		Config:        input.Config,
		Tags:          input.Tags,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Construction proves the config is loadable for its variant.
	if _, err := NewRule(def); err != nil {
		return nil, err
	}

	if err := a.store.Create(ctx, def); err != nil {
		return nil, err
	}
	a.logger.Info("rule created",
		zap.String("rule_id", def.ID.String()),
		zap.String("rule_name", def.Name),
		zap.String("condition_type", string(def.ConditionType)))
	return def, nil
}

// UpdateRule applies a partial update. The patch version is bumped only when
// the config actually changes; an empty update returns the rule untouched.
func (a *Admin) UpdateRule(ctx context.Context, id uuid.UUID, input UpdateRuleInput) (*threat.RuleDefinition, error) {
	if err := a.validate.Struct(input); err != nil {
		return nil, errors.NewValidationError("INVALID_RULE_INPUT", err.Error())
	}

	def, err := a.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := false
	if input.Name != nil && *input.Name != def.Name {
		def.Name = *input.Name
		changed = true
	}
	if input.Description != nil && *input.Description != def.Description {
		def.Description = *input.Description
		changed = true
	}
	if input.Status != nil && threat.RuleStatus(*input.Status) != def.Status {
		def.Status = threat.RuleStatus(*input.Status)
		changed = true
	}
	if input.Severity != nil && audit.Severity(*input.Severity) != def.Severity {
		def.Severity = audit.Severity(*input.Severity)
		changed = true
	}
	if input.Tags != nil && !equalTags(input.Tags, def.Tags) {
		def.Tags = input.Tags
		changed = true
	}

	configChanged := len(input.Config) > 0 && !bytes.Equal(compactJSON(input.Config), compactJSON(def.Config))
	if configChanged {
		def.Config = input.Config
		changed = true
	}

	if !changed {
		return def, nil
	}

	if configChanged {
		if err := def.BumpPatch(); err != nil {
			return nil, err
		}
	}
	def.UpdatedAt = time.Now().UTC()

	if _, err := NewRule(def); err != nil {
		return nil, err
	}
	if err := a.store.Update(ctx, def); err != nil {
		return nil, err
	}
	a.logger.Info("rule updated",
		zap.String("rule_id", def.ID.String()),
		zap.String("version", def.Version),
		zap.Bool("config_changed", configChanged))
	return def, nil
}

// DeleteRule removes a rule. The loader unregisters it on its next sync.
func (a *Admin) DeleteRule(ctx context.Context, id uuid.UUID) error {
	if err := a.store.Delete(ctx, id); err != nil {
		return err
	}
	a.logger.Info("rule deleted", zap.String("rule_id", id.String()))
	return nil
}

// GetRule fetches one rule definition.
func (a *Admin) GetRule(ctx context.Context, id uuid.UUID) (*threat.RuleDefinition, error) {
	return a.store.GetByID(ctx, id)
}

// ListRules fetches definitions matching the filter.
func (a *Admin) ListRules(ctx context.Context, filter threat.RuleFilter) ([]*threat.RuleDefinition, error) {
	return a.store.List(ctx, filter)
}

func equalTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// compactJSON normalizes raw JSON for comparison; invalid input is compared
// byte-for-byte.
func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
