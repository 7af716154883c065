package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

//go:embed migrations/*.sql
var postgresFS embed.FS

// PostgresStore implements Store interface using PostgreSQL
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore opens dsn, checks connectivity and applies the schema
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewPostgresStoreFromDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// NewPostgresStoreFromDB wraps an open handle without migrating it
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func (s *PostgresStore) migrate() error {
	schema, err := postgresFS.ReadFile("migrations/001_postgres_schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}

	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

const recommendationColumns = `id, action, instance_type, current_instances, recommended_instances,
			predicted_cpu, predicted_memory, reason,
			hourly_cost_usd, daily_cost_usd, monthly_cost_usd, created_at`

// SaveRecommendation saves a recommendation, assigning an ID and timestamp when missing
func (s *PostgresStore) SaveRecommendation(ctx context.Context, rec *models.Recommendation) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}

	query := `
		INSERT INTO recommendations (` + recommendationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, string(rec.Action), rec.InstanceType,
		rec.CurrentInstances, rec.RecommendedInstances,
		rec.PredictedCPU, rec.PredictedMemory, rec.Reason,
		rec.EstimatedCost.Hourly, rec.EstimatedCost.Daily, rec.EstimatedCost.Monthly,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save recommendation %s: %w", rec.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecommendation(row rowScanner) (*models.Recommendation, error) {
	var rec models.Recommendation
	var action string
	err := row.Scan(
		&rec.ID, &action, &rec.InstanceType,
		&rec.CurrentInstances, &rec.RecommendedInstances,
		&rec.PredictedCPU, &rec.PredictedMemory, &rec.Reason,
		&rec.EstimatedCost.Hourly, &rec.EstimatedCost.Daily, &rec.EstimatedCost.Monthly,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Action = models.Action(action)
	return &rec, nil
}

// GetRecommendation retrieves a recommendation by ID
func (s *PostgresStore) GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error) {
	query := `SELECT ` + recommendationColumns + ` FROM recommendations WHERE id = $1`

	rec, err := scanRecommendation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recommendation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListRecommendations retrieves recent recommendations, newest first
func (s *PostgresStore) ListRecommendations(ctx context.Context, instanceType string, limit int) ([]*models.Recommendation, error) {
	query := `
		SELECT ` + recommendationColumns + `
		FROM recommendations
		WHERE ($1 = '' OR instance_type = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, instanceType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recommendations []*models.Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		recommendations = append(recommendations, rec)
	}

	return recommendations, rows.Err()
}

// SaveReport stores a convergence report; operations are kept as JSON
func (s *PostgresStore) SaveReport(ctx context.Context, report *models.ConvergenceReport) error {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}

	operations, err := json.Marshal(report.Operations)
	if err != nil {
		return fmt.Errorf("failed to encode operations: %w", err)
	}

	query := `
		INSERT INTO convergence_reports (
			id, recommendation_id, status, target, active_before, active_after,
			launched, terminated, operations, verification_error,
			started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = s.db.ExecContext(ctx, query,
		report.ID, report.RecommendationID, string(report.Status),
		report.Target, report.ActiveBefore, report.ActiveAfter,
		pq.Array(nonNil(report.Launched)), pq.Array(nonNil(report.Terminated)), operations,
		nullString(report.VerificationError),
		report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", report.ID, err)
	}
	return nil
}

// ListReports retrieves recent convergence reports, newest first
func (s *PostgresStore) ListReports(ctx context.Context, limit int) ([]*models.ConvergenceReport, error) {
	query := `
		SELECT id, recommendation_id, status, target, active_before, active_after,
			launched, terminated, operations, verification_error,
			started_at, finished_at
		FROM convergence_reports
		ORDER BY started_at DESC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*models.ConvergenceReport
	for rows.Next() {
		var report models.ConvergenceReport
		var status string
		var launched, terminated pq.StringArray
		var operations []byte
		var verificationError sql.NullString

		err := rows.Scan(
			&report.ID, &report.RecommendationID, &status,
			&report.Target, &report.ActiveBefore, &report.ActiveAfter,
			&launched, &terminated, &operations, &verificationError,
			&report.StartedAt, &report.FinishedAt,
		)
		if err != nil {
			return nil, err
		}

		if len(operations) > 0 {
			if err := json.Unmarshal(operations, &report.Operations); err != nil {
				return nil, fmt.Errorf("report %s: invalid operations: %w", report.ID, err)
			}
		}
		report.Status = models.ConvergenceStatus(status)
		report.Launched = []string(launched)
		report.Terminated = []string(terminated)
		report.VerificationError = verificationError.String

		reports = append(reports, &report)
	}

	return reports, rows.Err()
}

// SaveAllocation upserts the allocation of pool
func (s *PostgresStore) SaveAllocation(ctx context.Context, pool string, state models.AllocationState) error {
	instances, err := json.Marshal(nonNilInstances(state.Instances))
	if err != nil {
		return fmt.Errorf("failed to encode instances: %w", err)
	}

	query := `
		INSERT INTO allocations (pool, instance_type, desired_count, instances, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pool) DO UPDATE SET
			instance_type = EXCLUDED.instance_type,
			desired_count = EXCLUDED.desired_count,
			instances = EXCLUDED.instances,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query, pool, state.InstanceType, state.DesiredCount, instances, s.now())
	if err != nil {
		return fmt.Errorf("failed to save allocation for %s: %w", pool, err)
	}
	return nil
}

// LoadAllocation returns the last saved allocation of pool or ErrNotFound
func (s *PostgresStore) LoadAllocation(ctx context.Context, pool string) (models.AllocationState, error) {
	query := `SELECT instance_type, desired_count, instances FROM allocations WHERE pool = $1`

	var state models.AllocationState
	var instances []byte
	err := s.db.QueryRowContext(ctx, query, pool).Scan(&state.InstanceType, &state.DesiredCount, &instances)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AllocationState{}, fmt.Errorf("allocation %s: %w", pool, ErrNotFound)
	}
	if err != nil {
		return models.AllocationState{}, err
	}

	if err := json.Unmarshal(instances, &state.Instances); err != nil {
		return models.AllocationState{}, fmt.Errorf("allocation %s: invalid instances: %w", pool, err)
	}
	return state, nil
}

// LogAction logs an action to the audit trail
func (s *PostgresStore) LogAction(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.ExecutedAt.IsZero() {
		entry.ExecutedAt = s.now()
	}

	query := `
		INSERT INTO audit_log (
			id, recommendation_id, action, status,
			error_message, executed_by, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.RecommendationID, entry.Action, entry.Status,
		nullString(entry.ErrorMessage), nullString(entry.ExecutedBy), entry.ExecutedAt,
	)

	return err
}

// GetAuditLog retrieves audit log entries for a recommendation
func (s *PostgresStore) GetAuditLog(ctx context.Context, recommendationID string) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, recommendation_id, action, status,
			error_message, executed_by, executed_at
		FROM audit_log
		WHERE recommendation_id = $1
		ORDER BY executed_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, recommendationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var errorMessage, executedBy sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.RecommendationID, &entry.Action, &entry.Status,
			&errorMessage, &executedBy, &entry.ExecutedAt,
		)
		if err != nil {
			return nil, err
		}

		entry.ErrorMessage = errorMessage.String
		entry.ExecutedBy = executedBy.String

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

// GetCycleStats aggregates the cycles of the last days
func (s *PostgresStore) GetCycleStats(ctx context.Context, days int) (*models.CycleStats, error) {
	if days <= 0 {
		return nil, &models.ValidationError{Field: "days", Reason: fmt.Sprintf("must be positive, got %d", days)}
	}

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE r.action = 'scale_up'),
			COUNT(*) FILTER (WHERE r.action = 'scale_down'),
			COUNT(*) FILTER (WHERE r.action = 'maintain'),
			COUNT(c.id) FILTER (WHERE c.status = 'converged'),
			COUNT(c.id) FILTER (WHERE c.status = 'partially_converged'),
			COUNT(c.id) FILTER (WHERE c.status = 'failed'),
			COALESCE(AVG(r.monthly_cost_usd), 0),
			MAX(r.created_at)
		FROM recommendations r
		LEFT JOIN convergence_reports c ON c.recommendation_id = r.id
		WHERE r.created_at > NOW() - make_interval(days => $1)
	`

	stats := &models.CycleStats{PeriodDays: days}
	var lastCycle sql.NullTime

	err := s.db.QueryRowContext(ctx, query, days).Scan(
		&stats.TotalCycles, &stats.ScaleUps, &stats.ScaleDowns, &stats.Maintains,
		&stats.Converged, &stats.PartiallyConverged, &stats.Failed,
		&stats.AvgMonthlyCost, &lastCycle,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate cycle stats: %w", err)
	}

	if lastCycle.Valid {
		stats.LastCycleAt = &lastCycle.Time
	}
	return stats, nil
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func nonNilInstances(instances []models.InstanceRecord) []models.InstanceRecord {
	if instances == nil {
		return []models.InstanceRecord{}
	}
	return instances
}
