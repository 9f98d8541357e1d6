package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seiforesti/data-wave-sub007/model"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_executions (
		id               TEXT        PRIMARY KEY,
		type             TEXT        NOT NULL,
		status           TEXT        NOT NULL,
		params           JSONB,
		result           JSONB,
		error            TEXT        NOT NULL DEFAULT '',
		triggered_by     TEXT        NOT NULL DEFAULT '',
		cancel_requested BOOLEAN     NOT NULL DEFAULT FALSE,
		started_at       TIMESTAMPTZ NOT NULL,
		ended_at         TIMESTAMPTZ,
		version          INTEGER     NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_executions_type ON workflow_executions (type, status, started_at DESC)`,
	`CREATE TABLE IF NOT EXISTS workflow_transitions (
		id           TEXT        PRIMARY KEY,
		execution_id TEXT        NOT NULL REFERENCES workflow_executions (id),
		from_status  TEXT        NOT NULL DEFAULT '',
		to_status    TEXT        NOT NULL,
		actor        TEXT        NOT NULL DEFAULT '',
		detail       TEXT        NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_transitions_execution ON workflow_transitions (execution_id, created_at)`,
}

const executionColumns = `id, type, status, params, result, error, triggered_by,
	cancel_requested, started_at, ended_at, version`

// PgExecutionStore is a PostgreSQL-backed ExecutionStore using pgx/v5.
type PgExecutionStore struct {
	pool *pgxpool.Pool
}

// NewPgExecutionStore creates a new PostgreSQL execution store.
func NewPgExecutionStore(pool *pgxpool.Pool) *PgExecutionStore {
	return &PgExecutionStore{pool: pool}
}

// EnsureSchema creates the workflow tables if they do not exist.
func (s *PgExecutionStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure workflow schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new execution.
func (s *PgExecutionStore) Create(ctx context.Context, exec model.WorkflowExecution) error {
	paramsJSON, resultJSON, err := marshalMaps(exec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.Type, exec.Status, paramsJSON, resultJSON, exec.Error, exec.TriggeredBy,
		exec.CancelRequested, exec.StartedAt, exec.EndedAt, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("insert workflow execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("workflow execution %q already exists", exec.ID),
		)
	}
	return nil
}

// Get retrieves an execution by ID.
func (s *PgExecutionStore) Get(ctx context.Context, id string) (model.WorkflowExecution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowExecution{}, model.NewNotFoundError(
			fmt.Sprintf("workflow execution %q not found", id),
		)
	}
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("query workflow execution: %w", err)
	}
	return exec, nil
}

// Update persists an execution with optimistic locking.
func (s *PgExecutionStore) Update(ctx context.Context, exec model.WorkflowExecution) (model.WorkflowExecution, error) {
	paramsJSON, resultJSON, err := marshalMaps(exec)
	if err != nil {
		return model.WorkflowExecution{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			status = $1,
			params = $2,
			result = $3,
			error = $4,
			cancel_requested = $5,
			ended_at = $6,
			version = $7
		WHERE id = $8 AND version = $9`,
		exec.Status, paramsJSON, resultJSON, exec.Error,
		exec.CancelRequested, exec.EndedAt, exec.Version+1,
		exec.ID, exec.Version,
	)
	if err != nil {
		return model.WorkflowExecution{}, fmt.Errorf("update workflow execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, exec.ID); getErr != nil {
			return model.WorkflowExecution{}, getErr
		}
		return model.WorkflowExecution{}, model.NewConflictError(
			fmt.Sprintf("workflow execution %q version conflict (expected %d)", exec.ID, exec.Version),
		)
	}
	exec.Version++
	return exec, nil
}

// AppendTransition adds a record to the execution's audit trail.
func (s *PgExecutionStore) AppendTransition(ctx context.Context, t model.ExecutionTransition) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_transitions (
			id, execution_id, from_status, to_status, actor, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.ExecutionID, t.From, t.To, t.Actor, t.Detail, t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow transition: %w", err)
	}
	return nil
}

// Transitions returns the audit trail of an execution.
func (s *PgExecutionStore) Transitions(ctx context.Context, id string) ([]model.ExecutionTransition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, from_status, to_status, actor, detail, created_at
		FROM workflow_transitions
		WHERE execution_id = $1
		ORDER BY created_at ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow transitions: %w", err)
	}
	defer rows.Close()

	var result []model.ExecutionTransition
	for rows.Next() {
		var t model.ExecutionTransition
		if err := rows.Scan(&t.ID, &t.ExecutionID, &t.From, &t.To, &t.Actor, &t.Detail, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan workflow transition: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// List returns executions matching filters, newest first.
func (s *PgExecutionStore) List(ctx context.Context, filters model.ExecutionFilters) ([]model.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filters.Type)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY started_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow executions: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow execution: %w", err)
		}
		result = append(result, exec)
	}
	return result, rows.Err()
}

// HealthCheck pings the database.
func (s *PgExecutionStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanExecution(row pgx.Row) (model.WorkflowExecution, error) {
	var exec model.WorkflowExecution
	var paramsJSON, resultJSON []byte
	err := row.Scan(
		&exec.ID, &exec.Type, &exec.Status, &paramsJSON, &resultJSON, &exec.Error, &exec.TriggeredBy,
		&exec.CancelRequested, &exec.StartedAt, &exec.EndedAt, &exec.Version,
	)
	if err != nil {
		return model.WorkflowExecution{}, err
	}
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &exec.Params); err != nil {
			return model.WorkflowExecution{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &exec.Result); err != nil {
			return model.WorkflowExecution{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return exec, nil
}

func marshalMaps(exec model.WorkflowExecution) ([]byte, []byte, error) {
	var paramsJSON, resultJSON []byte
	var err error
	if exec.Params != nil {
		if paramsJSON, err = json.Marshal(exec.Params); err != nil {
			return nil, nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	if exec.Result != nil {
		if resultJSON, err = json.Marshal(exec.Result); err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return paramsJSON, resultJSON, nil
}
