package threat

import (
	"context"

	"github.com/google/uuid"
)

// RuleStore persists rule definitions. Implementations back the admin API
// and the hot-reload loop.
type RuleStore interface {
	// Create persists a new definition.
	Create(ctx context.Context, def *RuleDefinition) error

	// Update replaces a definition's mutable fields.
	Update(ctx context.Context, def *RuleDefinition) error

	// Delete removes a definition.
	Delete(ctx context.Context, id uuid.UUID) error

	// GetByID retrieves one definition.
	GetByID(ctx context.Context, id uuid.UUID) (*RuleDefinition, error)

	// List returns definitions matching the filter, name-ordered.
	List(ctx context.Context, filter RuleFilter) ([]*RuleDefinition, error)

	// ListLoadable returns definitions with status ACTIVE or TESTING.
	ListLoadable(ctx context.Context) ([]*RuleDefinition, error)
}

// RuleFilter narrows rule listings. Zero values mean "any".
type RuleFilter struct {
	Statuses       []RuleStatus    `json:"statuses,omitempty"`
	ConditionTypes []ConditionType `json:"condition_types,omitempty"`
	Tag            string          `json:"tag,omitempty"`
	NameContains   string          `json:"name_contains,omitempty"`
}
