package scenario

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresScenarioStore implements ScenarioStore backed by PostgreSQL. The
// calculation lease is a guarded UPDATE on the status column, so two
// concurrent calculation requests can never both win it.
type PostgresScenarioStore struct {
	db *sql.DB
}

// NewPostgresScenarioStore creates a PostgreSQL-backed scenario store.
func NewPostgresScenarioStore(db *sql.DB) *PostgresScenarioStore {
	return &PostgresScenarioStore{db: db}
}

func (s *PostgresScenarioStore) Create(ctx context.Context, sc *Scenario) error {
	if sc.TenantID == "" {
		return fmt.Errorf("scenario needs a tenant")
	}
	if sc.ID == "" {
		sc.ID = uuid.New().String()
	}
	if sc.Status == "" {
		sc.Status = StatusDraft
	}
	now := time.Now()
	sc.CreatedAt = now
	sc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (id, tenant_id, name, description, rule_set_id, rule_set_version,
		                       dataset_version, as_of_date, status, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sc.ID, sc.TenantID, sc.Name, sc.Description, sc.RuleSetID, sc.RuleSetVersion,
		sc.DatasetVersion, sc.AsOfDate, sc.Status, sc.ErrorMessage, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert scenario: %w", err)
	}
	return nil
}

func (s *PostgresScenarioStore) Get(ctx context.Context, tenantID, id string) (*Scenario, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, rule_set_id, rule_set_version,
		       dataset_version, as_of_date, status, summary, error_message,
		       created_at, updated_at, calculated_at
		FROM scenarios
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	sc, err := scanScenario(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scenario: %w", err)
	}
	return sc, nil
}

func (s *PostgresScenarioStore) List(ctx context.Context, tenantID string) ([]*Scenario, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, rule_set_id, rule_set_version,
		       dataset_version, as_of_date, status, summary, error_message,
		       created_at, updated_at, calculated_at
		FROM scenarios
		WHERE tenant_id = $1
		ORDER BY created_at ASC, id ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	defer rows.Close()

	var out []*Scenario
	for rows.Next() {
		sc, err := scanScenario(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scenario: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenarios: %w", err)
	}
	return out, nil
}

func (s *PostgresScenarioStore) TryMarkCalculating(ctx context.Context, tenantID, id string) (*Scenario, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scenarios SET status = $1, error_message = '', updated_at = $2
		WHERE id = $3 AND tenant_id = $4 AND status IN ($5, $6)
	`, StatusCalculating, time.Now(), id, tenantID, StatusDraft, StatusCalculated)
	if err != nil {
		return nil, fmt.Errorf("failed to take calculation lease: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 1 {
		return s.Get(ctx, tenantID, id)
	}

	// Lost the lease race or the scenario is in a state that refuses
	// calculation; read the status to say which.
	var status Status
	err = s.db.QueryRowContext(ctx, `
		SELECT status FROM scenarios
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario status: %w", err)
	}
	if status == StatusCalculating {
		return nil, fmt.Errorf("scenario %s: %w", id, ErrCalculationInProgress)
	}
	return nil, fmt.Errorf("scenario %s is %s: %w", id, status, ErrInvalidState)
}

func (s *PostgresScenarioStore) FinishCalculation(ctx context.Context, tenantID, id string, ruleSetVersion int, summary *Summary, at time.Time) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE scenarios
		SET status = $1, rule_set_version = $2, summary = $3, error_message = '',
		    calculated_at = $4, updated_at = $4
		WHERE id = $5 AND tenant_id = $6 AND status = $7
	`, StatusCalculated, ruleSetVersion, data, at, id, tenantID, StatusCalculating)
	if err != nil {
		return fmt.Errorf("failed to finish calculation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("scenario %s is not calculating: %w", id, ErrInvalidState)
	}
	return nil
}

func (s *PostgresScenarioStore) FailCalculation(ctx context.Context, tenantID, id string, reason string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scenarios SET status = $1, error_message = $2, updated_at = $3
		WHERE id = $4 AND tenant_id = $5 AND status = $6
	`, StatusDraft, reason, time.Now(), id, tenantID, StatusCalculating)
	if err != nil {
		return fmt.Errorf("failed to record calculation failure: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("scenario %s is not calculating: %w", id, ErrInvalidState)
	}
	return nil
}

func (s *PostgresScenarioStore) UpdateStatus(ctx context.Context, tenantID, id string, next Status) error {
	if next == StatusCalculating {
		return fmt.Errorf("calculating is entered through the calculation lease: %w", ErrInvalidState)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current Status
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM scenarios
		WHERE id = $1 AND tenant_id = $2
		FOR UPDATE
	`, id, tenantID).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("scenario %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read scenario status: %w", err)
	}
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("cannot move scenario %s from %s to %s: %w", id, current, next, ErrInvalidState)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE scenarios SET status = $1, updated_at = $2
		WHERE id = $3 AND tenant_id = $4
	`, next, time.Now(), id, tenantID); err != nil {
		return fmt.Errorf("failed to update scenario status: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScenario(row rowScanner) (*Scenario, error) {
	var sc Scenario
	var summary []byte
	var calculatedAt sql.NullTime
	err := row.Scan(
		&sc.ID,
		&sc.TenantID,
		&sc.Name,
		&sc.Description,
		&sc.RuleSetID,
		&sc.RuleSetVersion,
		&sc.DatasetVersion,
		&sc.AsOfDate,
		&sc.Status,
		&summary,
		&sc.ErrorMessage,
		&sc.CreatedAt,
		&sc.UpdatedAt,
		&calculatedAt,
	)
	if err != nil {
		return nil, err
	}
	if summary != nil {
		sc.Summary = &Summary{}
		if err := json.Unmarshal(summary, sc.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode summary for scenario %s: %w", sc.ID, err)
		}
	}
	if calculatedAt.Valid {
		sc.CalculatedAt = &calculatedAt.Time
	}
	return &sc, nil
}

// PostgresSnapshotStore implements SnapshotStore backed by PostgreSQL.
// Snapshot rows store the flattened facts document as JSONB.
type PostgresSnapshotStore struct {
	db *sql.DB
}

// NewPostgresSnapshotStore creates a PostgreSQL-backed snapshot store.
func NewPostgresSnapshotStore(db *sql.DB) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{db: db}
}

func (s *PostgresSnapshotStore) Import(ctx context.Context, snapshots []*EmployeeSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, snap := range snapshots {
		if snap.TenantID == "" || snap.DatasetVersion == "" || snap.EmployeeID == "" {
			return fmt.Errorf("snapshot needs tenant, dataset version and employee ID")
		}
		facts, err := snap.MarshalFacts()
		if err != nil {
			return err
		}
		importedAt := snap.ImportedAt
		if importedAt.IsZero() {
			importedAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO employee_snapshots (tenant_id, dataset_version, employee_id, facts, imported_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, dataset_version, employee_id)
			DO UPDATE SET facts = EXCLUDED.facts, imported_at = EXCLUDED.imported_at
		`, snap.TenantID, snap.DatasetVersion, snap.EmployeeID, facts, importedAt); err != nil {
			return fmt.Errorf("failed to import snapshot for employee %s: %w", snap.EmployeeID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresSnapshotStore) ListByDataset(ctx context.Context, tenantID, datasetVersion string) ([]*EmployeeSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT facts, imported_at
		FROM employee_snapshots
		WHERE tenant_id = $1 AND dataset_version = $2
		ORDER BY employee_id ASC
	`, tenantID, datasetVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*EmployeeSnapshot
	for rows.Next() {
		var facts []byte
		var importedAt time.Time
		if err := rows.Scan(&facts, &importedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snap, err := ParseSnapshotFacts(tenantID, datasetVersion, facts)
		if err != nil {
			return nil, err
		}
		snap.ImportedAt = importedAt
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

func (s *PostgresSnapshotStore) CountByDataset(ctx context.Context, tenantID, datasetVersion string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM employee_snapshots
		WHERE tenant_id = $1 AND dataset_version = $2
	`, tenantID, datasetVersion).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

// PostgresResultStore implements ResultStore backed by PostgreSQL.
type PostgresResultStore struct {
	db *sql.DB
}

// NewPostgresResultStore creates a PostgreSQL-backed result store.
func NewPostgresResultStore(db *sql.DB) *PostgresResultStore {
	return &PostgresResultStore{db: db}
}

func (s *PostgresResultStore) ReplaceForScenario(ctx context.Context, scenarioID string, results []*Result) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM scenario_results WHERE scenario_id = $1
	`, scenarioID); err != nil {
		return fmt.Errorf("failed to clear scenario results: %w", err)
	}

	for _, res := range results {
		recommendation, err := json.Marshal(res.Recommendation)
		if err != nil {
			return fmt.Errorf("failed to encode recommendation for employee %s: %w", res.EmployeeID, err)
		}
		trace, err := json.Marshal(res.Trace)
		if err != nil {
			return fmt.Errorf("failed to encode trace for employee %s: %w", res.EmployeeID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scenario_results (id, scenario_id, employee_id, recommendation, trace, error_count, calculated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, res.ID, scenarioID, res.EmployeeID, recommendation, trace, res.ErrorCount, res.CalculatedAt); err != nil {
			return fmt.Errorf("failed to insert result for employee %s: %w", res.EmployeeID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresResultStore) ListByScenario(ctx context.Context, scenarioID string, offset, limit int) ([]*Result, error) {
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, scenario_id, employee_id, recommendation, trace, error_count, calculated_at
		FROM scenario_results
		WHERE scenario_id = $1
		ORDER BY employee_id ASC
		OFFSET $2
	`
	args := []any{scenarioID, offset}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenario results: %w", err)
	}
	defer rows.Close()

	var out []*Result
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scenario results: %w", err)
	}
	return out, nil
}

func (s *PostgresResultStore) GetByEmployee(ctx context.Context, scenarioID, employeeID string) (*Result, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scenario_id, employee_id, recommendation, trace, error_count, calculated_at
		FROM scenario_results
		WHERE scenario_id = $1 AND employee_id = $2
	`, scenarioID, employeeID)
	res, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("result for employee %s in scenario %s: %w", employeeID, scenarioID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scenario result: %w", err)
	}
	return res, nil
}

func scanResult(row rowScanner) (*Result, error) {
	var res Result
	var recommendation, trace []byte
	err := row.Scan(
		&res.ID,
		&res.ScenarioID,
		&res.EmployeeID,
		&recommendation,
		&trace,
		&res.ErrorCount,
		&res.CalculatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(recommendation, &res.Recommendation); err != nil {
		return nil, fmt.Errorf("failed to decode recommendation for employee %s: %w", res.EmployeeID, err)
	}
	if err := json.Unmarshal(trace, &res.Trace); err != nil {
		return nil, fmt.Errorf("failed to decode trace for employee %s: %w", res.EmployeeID, err)
	}
	return &res, nil
}
