package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rbaliyan/event/v3/health"
)

/*
PostgreSQL Schema:

CREATE TABLE saga_instances (
    id              VARCHAR(64) PRIMARY KEY,
    name            VARCHAR(255) NOT NULL,
    status          VARCHAR(50) NOT NULL,
    current_step    INT NOT NULL DEFAULT 0,
    input           JSONB,
    failure_reason  TEXT,
    started_at      TIMESTAMPTZ NOT NULL,
    ended_at        TIMESTAMPTZ,
    last_updated_at TIMESTAMPTZ NOT NULL,
    version         BIGINT NOT NULL DEFAULT 0
);

CREATE INDEX idx_saga_instances_name ON saga_instances(name);
CREATE INDEX idx_saga_instances_status ON saga_instances(status, last_updated_at);

CREATE TABLE saga_steps (
    saga_id            VARCHAR(64) NOT NULL,
    step_name          VARCHAR(255) NOT NULL,
    step_index         INT NOT NULL,
    succeeded          BOOLEAN NOT NULL,
    output             JSONB,
    compensated        BOOLEAN NOT NULL DEFAULT FALSE,
    compensation_error TEXT,
    completed_at       TIMESTAMPTZ NOT NULL,
    compensated_at     TIMESTAMPTZ,
    PRIMARY KEY (saga_id, step_name)
);
*/

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore is a PostgreSQL-based saga log and instance store.
//
// The saga log is one row per (saga, step); appends are upserts so a
// retried write or a compensation outcome replaces the row in place.
type PostgresStore struct {
	db         *sql.DB
	table      string
	stepsTable string
}

// PostgresStoreOption configures a PostgresStore.
type PostgresStoreOption func(*postgresStoreOptions)

type postgresStoreOptions struct {
	table      string
	stepsTable string
}

// WithTable sets a custom table name for saga instances.
func WithTable(table string) PostgresStoreOption {
	return func(o *postgresStoreOptions) {
		if table != "" {
			o.table = table
		}
	}
}

// WithStepsTable sets a custom table name for the saga log.
func WithStepsTable(table string) PostgresStoreOption {
	return func(o *postgresStoreOptions) {
		if table != "" {
			o.stepsTable = table
		}
	}
}

// NewPostgresStore creates a new PostgreSQL saga store.
//
// The default table names are "saga_instances" and "saga_steps".
func NewPostgresStore(db *sql.DB, opts ...PostgresStoreOption) *PostgresStore {
	o := &postgresStoreOptions{
		table:      "saga_instances",
		stepsTable: "saga_steps",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &PostgresStore{
		db:         db,
		table:      o.table,
		stepsTable: o.stepsTable,
	}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id              VARCHAR(64) PRIMARY KEY,
			name            VARCHAR(255) NOT NULL,
			status          VARCHAR(50) NOT NULL,
			current_step    INT NOT NULL DEFAULT 0,
			input           JSONB,
			failure_reason  TEXT,
			started_at      TIMESTAMPTZ NOT NULL,
			ended_at        TIMESTAMPTZ,
			last_updated_at TIMESTAMPTZ NOT NULL,
			version         BIGINT NOT NULL DEFAULT 0
		)`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_name ON %s(name)`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status, last_updated_at)`, s.table, s.table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			saga_id            VARCHAR(64) NOT NULL,
			step_name          VARCHAR(255) NOT NULL,
			step_index         INT NOT NULL,
			succeeded          BOOLEAN NOT NULL,
			output             JSONB,
			compensated        BOOLEAN NOT NULL DEFAULT FALSE,
			compensation_error TEXT,
			completed_at       TIMESTAMPTZ NOT NULL,
			compensated_at     TIMESTAMPTZ,
			PRIMARY KEY (saga_id, step_name)
		)`, s.stepsTable),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Append records a step result, replacing any entry for the same step.
func (s *PostgresStore) Append(ctx context.Context, sagaID string, result StepResult) error {
	if sagaID == "" || result.StepName == "" {
		return fmt.Errorf("saga ID and step name are required")
	}

	output, err := json.Marshal(result.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (saga_id, step_name, step_index, succeeded, output, compensated, compensation_error, completed_at, compensated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (saga_id, step_name) DO UPDATE
		SET step_index = EXCLUDED.step_index, succeeded = EXCLUDED.succeeded, output = EXCLUDED.output,
			compensated = EXCLUDED.compensated, compensation_error = EXCLUDED.compensation_error,
			completed_at = EXCLUDED.completed_at, compensated_at = EXCLUDED.compensated_at
	`, s.stepsTable)

	_, err = s.db.ExecContext(ctx, query,
		sagaID,
		result.StepName,
		result.Index,
		result.Succeeded,
		string(output),
		result.Compensated,
		result.CompensationError,
		result.CompletedAt,
		result.CompensatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert step: %w", err)
	}
	return nil
}

// Read returns the step results of a saga ordered by step index.
func (s *PostgresStore) Read(ctx context.Context, sagaID string) ([]StepResult, error) {
	query := fmt.Sprintf(`
		SELECT step_name, step_index, succeeded, output, compensated, compensation_error, completed_at, compensated_at
		FROM %s
		WHERE saga_id = $1
		ORDER BY step_index
	`, s.stepsTable)

	rows, err := s.db.QueryContext(ctx, query, sagaID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]StepResult, 0)
	for rows.Next() {
		var r StepResult
		var output []byte
		var compErr sql.NullString
		var compensatedAt sql.NullTime

		if err := rows.Scan(
			&r.StepName,
			&r.Index,
			&r.Succeeded,
			&output,
			&r.Compensated,
			&compErr,
			&r.CompletedAt,
			&compensatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		if len(output) > 0 {
			if err := json.Unmarshal(output, &r.Output); err != nil {
				return nil, fmt.Errorf("unmarshal output of %s: %w", r.StepName, err)
			}
		}
		r.CompensationError = compErr.String
		if compensatedAt.Valid {
			t := compensatedAt.Time
			r.CompensatedAt = &t
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return results, nil
}

// Create creates a new saga instance
func (s *PostgresStore) Create(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	input, err := json.Marshal(inst.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, status, current_step, input, failure_reason, started_at, ended_at, last_updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.Name,
		string(inst.Status),
		inst.CurrentStep,
		string(input),
		inst.FailureReason,
		inst.StartedAt,
		inst.EndedAt,
		inst.LastUpdatedAt,
		inst.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, inst.ID)
		}
		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

const instanceColumns = "id, name, status, current_step, input, failure_reason, started_at, ended_at, last_updated_at, version"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var inst Instance
	var input []byte
	var status string
	var reason sql.NullString
	var endedAt sql.NullTime

	if err := row.Scan(
		&inst.ID,
		&inst.Name,
		&status,
		&inst.CurrentStep,
		&input,
		&reason,
		&inst.StartedAt,
		&endedAt,
		&inst.LastUpdatedAt,
		&inst.Version,
	); err != nil {
		return nil, err
	}

	inst.Status = Status(status)
	inst.FailureReason = reason.String
	if len(input) > 0 {
		if err := json.Unmarshal(input, &inst.Input); err != nil {
			return nil, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if endedAt.Valid {
		t := endedAt.Time
		inst.EndedAt = &t
	}
	return &inst, nil
}

// Get retrieves a saga instance by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, instanceColumns, s.table)

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return inst, nil
}

// Update updates a saga instance with optimistic locking.
//
// The update uses the Version field for optimistic locking. If the version
// in PostgreSQL doesn't match the expected version, ErrVersionConflict is returned.
// On successful update, the instance's Version is incremented.
func (s *PostgresStore) Update(ctx context.Context, inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("instance is nil")
	}
	if inst.ID == "" {
		return fmt.Errorf("instance ID is required")
	}

	newVersion := inst.Version + 1

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, current_step = $2, failure_reason = $3, ended_at = $4, last_updated_at = $5, version = $6
		WHERE id = $7 AND version = $8
	`, s.table)

	result, err := s.db.ExecContext(ctx, query,
		string(inst.Status),
		inst.CurrentStep,
		inst.FailureReason,
		inst.EndedAt,
		inst.LastUpdatedAt,
		newVersion,
		inst.ID,
		inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish between not found and version conflict
		var actual int64
		checkQuery := fmt.Sprintf("SELECT version FROM %s WHERE id = $1", s.table)
		err := s.db.QueryRowContext(ctx, checkQuery, inst.ID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, inst.ID)
		}
		if err != nil {
			return fmt.Errorf("check version: %w", err)
		}
		return NewVersionConflictError(inst.ID, inst.Version, actual)
	}

	inst.Version = newVersion
	return nil
}

// List lists instances matching the filter, oldest first.
func (s *PostgresStore) List(ctx context.Context, filter StoreFilter) ([]*Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, instanceColumns, s.table)

	var args []any
	argIndex := 1

	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argIndex)
		args = append(args, filter.Name)
		argIndex++
	}

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIndex)
			args = append(args, string(status))
			argIndex++
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ", "))
	}

	if !filter.UpdatedBefore.IsZero() {
		query += fmt.Sprintf(" AND last_updated_at < $%d", argIndex)
		args = append(args, filter.UpdatedBefore)
		argIndex++
	}

	query += " ORDER BY started_at ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]*Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		results = append(results, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return results, nil
}

// DeleteOlderThan removes terminal sagas that ended before now minus age,
// together with their logs.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-age)
	terminal := []any{cutoff, string(StatusCompleted), string(StatusCompensated), string(StatusPartiallyCompensated)}

	stepsQuery := fmt.Sprintf(`
		DELETE FROM %s WHERE saga_id IN (
			SELECT id FROM %s WHERE ended_at < $1 AND status IN ($2, $3, $4)
		)`, s.stepsTable, s.table)
	if _, err := tx.ExecContext(ctx, stepsQuery, terminal...); err != nil {
		return 0, fmt.Errorf("delete steps: %w", err)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE ended_at < $1 AND status IN ($2, $3, $4)", s.table)
	result, err := tx.ExecContext(ctx, query, terminal...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return result.RowsAffected()
}

// Health performs a health check on the PostgreSQL saga store.
func (s *PostgresStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.db.PingContext(ctx); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("postgres ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count sagas: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var running, compensating, logFailures int64
	statusQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE status = $1", s.table)
	_ = s.db.QueryRowContext(ctx, statusQuery, string(StatusRunning)).Scan(&running)
	_ = s.db.QueryRowContext(ctx, statusQuery, string(StatusCompensating)).Scan(&compensating)
	_ = s.db.QueryRowContext(ctx, statusQuery, string(StatusLogWriteFailure)).Scan(&logFailures)

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"total_sagas":             count,
			"running_sagas":           running,
			"compensating_sagas":      compensating,
			"log_write_failure_sagas": logFailures,
			"table":                   s.table,
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*PostgresStore)(nil)
	_ health.Checker = (*PostgresStore)(nil)
)
