package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bluelight-hub/aegis/internal/domain/errors"
	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// RuleStore is the PostgreSQL implementation of threat.RuleStore.
type RuleStore struct {
	db *pgxpool.Pool
}

// NewRuleStore creates a store over the pool.
func NewRuleStore(db *pgxpool.Pool) *RuleStore {
	return &RuleStore{db: db}
}

const ruleColumns = `
	id, name, description, version, status, severity, condition_type,
	config, tags, created_at, updated_at`

func (s *RuleStore) Create(ctx context.Context, def *threat.RuleDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO threat_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		def.ID,
		def.Name,
		def.Description,
		def.Version,
		string(def.Status),
		string(def.Severity),
		string(def.ConditionType),
		[]byte(def.Config),
		def.Tags,
		def.CreatedAt,
		def.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "23505") {
			return errors.NewConflictError("a rule with this id already exists")
		}
		return errors.NewStoreUnavailableError(err)
	}
	return nil
}

func (s *RuleStore) Update(ctx context.Context, def *threat.RuleDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE threat_rules
		SET name = $2, description = $3, version = $4, status = $5,
		    severity = $6, condition_type = $7, config = $8, tags = $9,
		    updated_at = $10
		WHERE id = $1`,
		def.ID,
		def.Name,
		def.Description,
		def.Version,
		string(def.Status),
		string(def.Severity),
		string(def.ConditionType),
		[]byte(def.Config),
		def.Tags,
		def.UpdatedAt,
	)
	if err != nil {
		return errors.NewStoreUnavailableError(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrRuleNotFound
	}
	return nil
}

func (s *RuleStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM threat_rules WHERE id = $1`, id)
	if err != nil {
		return errors.NewStoreUnavailableError(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrRuleNotFound
	}
	return nil
}

func (s *RuleStore) GetByID(ctx context.Context, id uuid.UUID) (*threat.RuleDefinition, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM threat_rules
		WHERE id = $1`, id)
	def, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, errors.ErrRuleNotFound
	}
	return def, err
}

func (s *RuleStore) List(ctx context.Context, filter threat.RuleFilter) ([]*threat.RuleDefinition, error) {
	var clauses []string
	var args []interface{}

	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		clauses = append(clauses, "status = ANY("+arg(statuses)+")")
	}
	if len(filter.ConditionTypes) > 0 {
		conditionTypes := make([]string, len(filter.ConditionTypes))
		for i, ct := range filter.ConditionTypes {
			conditionTypes[i] = string(ct)
		}
		clauses = append(clauses, "condition_type = ANY("+arg(conditionTypes)+")")
	}
	if filter.Tag != "" {
		clauses = append(clauses, arg(filter.Tag)+" = ANY(tags)")
	}
	if filter.NameContains != "" {
		clauses = append(clauses, "name ILIKE "+arg("%"+filter.NameContains+"%"))
	}

	query := `SELECT ` + ruleColumns + ` FROM threat_rules`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *RuleStore) ListLoadable(ctx context.Context) ([]*threat.RuleDefinition, error) {
	return s.List(ctx, threat.RuleFilter{
		Statuses: []threat.RuleStatus{threat.RuleStatusActive, threat.RuleStatusTesting},
	})
}

func scanRule(row pgx.Row) (*threat.RuleDefinition, error) {
	var def threat.RuleDefinition
	var config []byte

	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.Description,
		&def.Version,
		&def.Status,
		&def.Severity,
		&def.ConditionType,
		&config,
		&def.Tags,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to scan rule").WithCause(err)
	}

	def.Config = config
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = def.UpdatedAt.UTC()
	return &def, nil
}

func scanRules(rows pgx.Rows) ([]*threat.RuleDefinition, error) {
	var defs []*threat.RuleDefinition
	for rows.Next() {
		def, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStoreUnavailableError(err)
	}
	return defs, nil
}
