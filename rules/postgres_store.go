package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresRuleSetStore implements RuleSetStore backed by PostgreSQL. All
// queries are tenant-scoped; rule documents live in JSONB columns and are
// decoded into the strict condition and action model on read.
type PostgresRuleSetStore struct {
	db *sql.DB
}

// NewPostgresRuleSetStore creates a PostgreSQL-backed rule set store.
func NewPostgresRuleSetStore(db *sql.DB) *PostgresRuleSetStore {
	return &PostgresRuleSetStore{db: db}
}

func (s *PostgresRuleSetStore) Create(ctx context.Context, rs *RuleSet) error {
	if rs.TenantID == "" {
		return fmt.Errorf("rule set needs a tenant")
	}
	if rs.ID == "" {
		rs.ID = uuid.New().String()
	}
	now := time.Now()
	rs.Version = 1
	rs.CreatedAt = now
	rs.UpdatedAt = now
	stampRules(rs, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rs.Default {
		if _, err := tx.ExecContext(ctx, `
			UPDATE rule_sets SET is_default = false, updated_at = $1
			WHERE tenant_id = $2 AND is_default = true
		`, now, rs.TenantID); err != nil {
			return fmt.Errorf("failed to clear default rule set: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rule_sets (id, tenant_id, name, description, version, active, is_default, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rs.ID, rs.TenantID, rs.Name, rs.Description, rs.Version, rs.Active, rs.Default,
		rs.CreatedAt, rs.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert rule set: %w", err)
	}

	if err := insertRules(ctx, tx, rs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rule set: %w", err)
	}
	return nil
}

func (s *PostgresRuleSetStore) Get(ctx context.Context, tenantID, id string) (*RuleSet, error) {
	rs, err := s.getHeader(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	rules, err := s.loadRules(ctx, id)
	if err != nil {
		return nil, err
	}
	rs.Rules = rules
	return rs, nil
}

func (s *PostgresRuleSetStore) GetDefault(ctx context.Context, tenantID string) (*RuleSet, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM rule_sets
		WHERE tenant_id = $1 AND is_default = true
	`, tenantID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("default rule set for tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find default rule set: %w", err)
	}
	return s.Get(ctx, tenantID, id)
}

func (s *PostgresRuleSetStore) GetVersion(ctx context.Context, tenantID, id string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM rule_sets
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get rule set version: %w", err)
	}
	return version, nil
}

func (s *PostgresRuleSetStore) List(ctx context.Context, tenantID string) ([]*RuleSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, version, active, is_default, created_at, updated_at
		FROM rule_sets
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rule sets: %w", err)
	}
	defer rows.Close()

	var sets []*RuleSet
	for rows.Next() {
		var rs RuleSet
		if err := rows.Scan(&rs.ID, &rs.TenantID, &rs.Name, &rs.Description, &rs.Version,
			&rs.Active, &rs.Default, &rs.CreatedAt, &rs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule set: %w", err)
		}
		sets = append(sets, &rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule sets: %w", err)
	}
	return sets, nil
}

func (s *PostgresRuleSetStore) ReplaceRules(ctx context.Context, tenantID, id string, rules []*Rule) (*RuleSet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rs := &RuleSet{ID: id, TenantID: tenantID, Rules: rules}
	now := time.Now()

	// Lock the header row so concurrent edits serialize and each gets its
	// own version number.
	err = tx.QueryRowContext(ctx, `
		SELECT version FROM rule_sets
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, id, tenantID).Scan(&rs.Version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock rule set: %w", err)
	}

	rs.Version++
	stampRules(rs, now)

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM rules WHERE rule_set_id = $1
	`, id); err != nil {
		return nil, fmt.Errorf("failed to clear rules: %w", err)
	}
	if err := insertRules(ctx, tx, rs); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE rule_sets SET version = $1, updated_at = $2
		WHERE id = $3 AND tenant_id = $4
	`, rs.Version, now, id, tenantID); err != nil {
		return nil, fmt.Errorf("failed to bump rule set version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit rules: %w", err)
	}

	return s.Get(ctx, tenantID, id)
}

func (s *PostgresRuleSetStore) SetDefault(ctx context.Context, tenantID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE rule_sets SET is_default = false, updated_at = $1
		WHERE tenant_id = $2 AND is_default = true AND id <> $3
	`, now, tenantID, id); err != nil {
		return fmt.Errorf("failed to clear default rule set: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE rule_sets SET is_default = true, updated_at = $1
		WHERE id = $2 AND tenant_id = $3
	`, now, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to set default rule set: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

func (s *PostgresRuleSetStore) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE rule_sets SET active = $1, updated_at = $2
		WHERE id = $3 AND tenant_id = $4
	`, active, time.Now(), id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to update rule set: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresRuleSetStore) Delete(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rule_sets
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete rule set: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresRuleSetStore) getHeader(ctx context.Context, tenantID, id string) (*RuleSet, error) {
	var rs RuleSet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, version, active, is_default, created_at, updated_at
		FROM rule_sets
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(
		&rs.ID,
		&rs.TenantID,
		&rs.Name,
		&rs.Description,
		&rs.Version,
		&rs.Active,
		&rs.Default,
		&rs.CreatedAt,
		&rs.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rule set %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule set: %w", err)
	}
	return &rs, nil
}

// loadRules returns the set's rules ordered by their stored position, which
// is creation order. Priority ties resolve by this order everywhere.
func (s *PostgresRuleSetStore) loadRules(ctx context.Context, ruleSetID string) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_set_id, name, description, rule_type, priority, active,
		       conditions, actions, effective_date, expiry_date, created_at, updated_at
		FROM rules
		WHERE rule_set_id = $1
		ORDER BY position ASC
	`, ruleSetID)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		var r Rule
		var conditions, actions []byte
		if err := rows.Scan(&r.ID, &r.RuleSetID, &r.Name, &r.Description, &r.RuleType,
			&r.Priority, &r.Active, &conditions, &actions,
			&r.EffectiveDate, &r.ExpiryDate, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		// Decode without validating. Compile revalidates per rule so one
		// legacy document cannot make the whole set unreadable.
		node, err := decodeConditions(conditions)
		if err != nil {
			return nil, fmt.Errorf("failed to decode conditions for rule %s: %w", r.ID, err)
		}
		r.Conditions = node
		if err := json.Unmarshal(actions, &r.Actions); err != nil {
			return nil, fmt.Errorf("failed to decode actions for rule %s: %w", r.ID, err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

func insertRules(ctx context.Context, tx *sql.Tx, rs *RuleSet) error {
	for i, r := range rs.Rules {
		conditions, err := json.Marshal(r.Conditions)
		if err != nil {
			return fmt.Errorf("failed to encode conditions for rule %s: %w", r.ID, err)
		}
		actions, err := json.Marshal(r.Actions)
		if err != nil {
			return fmt.Errorf("failed to encode actions for rule %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rules (id, rule_set_id, position, name, description, rule_type, priority, active,
			                   conditions, actions, effective_date, expiry_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		`, r.ID, rs.ID, i, r.Name, r.Description, r.RuleType, r.Priority, r.Active,
			conditions, actions, r.EffectiveDate, r.ExpiryDate, r.CreatedAt, r.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", r.ID, err)
		}
	}
	return nil
}
