// Package orchestration implements the workflow engine: the durable store,
// the Redis task queue, the task handlers, the per-execution orchestrator,
// and the worker/sweeper/dispatcher daemons that drive executions to
// completion.
package orchestration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/mhalbert/flowline/core"
)

// Column lists are spelled out so NULL idempotency keys scan into a plain
// string field.
const executionColumns = `id, workflow_id, COALESCE(idempotency_key, '') AS idempotency_key,
	status, current_step_order, retry_count, max_retries, input_data, output_data,
	COALESCE(error_message, '') AS error_message, scheduled_at, started_at, completed_at,
	created_at, updated_at`

const stepExecutionColumns = `id, execution_id, step_id, step_order, status, attempt_number,
	input_data, output_data, COALESCE(error_message, '') AS error_message, error_details,
	started_at, completed_at, created_at`

// pqUniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const pqUniqueViolation = "23505"

// PostgresStore implements core.Store on PostgreSQL. Every status change is
// a single guarded UPDATE; a zero-row result means a concurrent transition
// won, reported as (false, nil) so callers re-read and decide.
type PostgresStore struct {
	db     *sqlx.DB
	logger core.Logger
}

// NewPostgresStore wraps an existing database handle. Use OpenPostgresStore
// to connect from configuration.
func NewPostgresStore(db *sqlx.DB, logger core.Logger) *PostgresStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &PostgresStore{db: db, logger: logger}
}

// OpenPostgresStore connects to PostgreSQL and verifies the connection.
func OpenPostgresStore(ctx context.Context, cfg core.StoreConfig, logger core.Logger) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, &core.EngineError{
			Op:   "store.Open",
			Kind: "store",
			Err:  fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err),
		}
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &core.EngineError{
			Op:   "store.Open",
			Kind: "store",
			Err:  fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err),
		}
	}

	return NewPostgresStore(db, logger), nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity for health checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Workflows
// ═══════════════════════════════════════════════════════════════════════════

func (s *PostgresStore) CreateWorkflow(ctx context.Context, w *core.Workflow) error {
	const query = `
		INSERT INTO workflows (id, name, version, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		w.ID, w.Name, w.Version, w.Status, w.Metadata, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &core.EngineError{
				Op:   "store.CreateWorkflow",
				Kind: "workflow",
				ID:   w.Name,
				Err:  core.ErrDuplicateWorkflow,
			}
		}
		return storeErr("store.CreateWorkflow", "workflow", w.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	const query = `
		SELECT id, name, version, status, metadata, created_at, updated_at
		FROM workflows WHERE id = $1`

	var w core.Workflow
	if err := s.db.GetContext(ctx, &w, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &core.EngineError{
				Op:   "store.GetWorkflow",
				Kind: "workflow",
				ID:   id,
				Err:  core.ErrWorkflowNotFound,
			}
		}
		return nil, storeErr("store.GetWorkflow", "workflow", id, err)
	}
	return &w, nil
}

func (s *PostgresStore) GetWorkflowByName(ctx context.Context, name string, version int) (*core.Workflow, error) {
	const query = `
		SELECT id, name, version, status, metadata, created_at, updated_at
		FROM workflows WHERE name = $1 AND version = $2`

	var w core.Workflow
	if err := s.db.GetContext(ctx, &w, query, name, version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &core.EngineError{
				Op:   "store.GetWorkflowByName",
				Kind: "workflow",
				ID:   name,
				Err:  core.ErrWorkflowNotFound,
			}
		}
		return nil, storeErr("store.GetWorkflowByName", "workflow", name, err)
	}
	return &w, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, status *core.WorkflowStatus, limit int) ([]*core.Workflow, error) {
	query := `
		SELECT id, name, version, status, metadata, created_at, updated_at
		FROM workflows`
	args := []interface{}{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, *status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	workflows := []*core.Workflow{}
	if err := s.db.SelectContext(ctx, &workflows, query, args...); err != nil {
		return nil, storeErr("store.ListWorkflows", "workflow", "", err)
	}
	return workflows, nil
}

func (s *PostgresStore) TransitionWorkflow(ctx context.Context, id string, from []core.WorkflowStatus, to core.WorkflowStatus) (bool, error) {
	const query = `
		UPDATE workflows SET status = $1, updated_at = $2
		WHERE id = $3 AND status = ANY($4)`

	res, err := s.db.ExecContext(ctx, query, to, time.Now().UTC(), id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, storeErr("store.TransitionWorkflow", "workflow", id, err)
	}
	return oneRow(res)
}

// ═══════════════════════════════════════════════════════════════════════════
// Workflow steps
// ═══════════════════════════════════════════════════════════════════════════

func (s *PostgresStore) CreateStep(ctx context.Context, step *core.WorkflowStep) error {
	const query = `
		INSERT INTO workflow_steps
			(id, workflow_id, name, task_type, step_order, config, timeout_seconds, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		step.ID, step.WorkflowID, step.Name, step.TaskType, step.StepOrder,
		step.Config, step.TimeoutSeconds, step.MaxRetries, step.CreatedAt, step.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &core.EngineError{
				Op:   "store.CreateStep",
				Kind: "step",
				ID:   step.WorkflowID,
				Err:  core.ErrDuplicateStep,
			}
		}
		return storeErr("store.CreateStep", "step", step.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, workflowID string) ([]*core.WorkflowStep, error) {
	const query = `
		SELECT id, workflow_id, name, task_type, step_order, config, timeout_seconds, max_retries, created_at, updated_at
		FROM workflow_steps WHERE workflow_id = $1 ORDER BY step_order ASC`

	steps := []*core.WorkflowStep{}
	if err := s.db.SelectContext(ctx, &steps, query, workflowID); err != nil {
		return nil, storeErr("store.ListSteps", "step", workflowID, err)
	}
	return steps, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Executions
// ═══════════════════════════════════════════════════════════════════════════

func (s *PostgresStore) CreateExecution(ctx context.Context, e *core.Execution) error {
	const query = `
		INSERT INTO executions
			(id, workflow_id, idempotency_key, status, current_step_order, retry_count, max_retries,
			 input_data, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.WorkflowID, e.IdempotencyKey, e.Status, e.CurrentStepOrder,
		e.RetryCount, e.MaxRetries, e.Input, e.ScheduledAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &core.EngineError{
				Op:   "store.CreateExecution",
				Kind: "execution",
				ID:   e.IdempotencyKey,
				Err:  core.ErrDuplicateExecution,
			}
		}
		return storeErr("store.CreateExecution", "execution", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*core.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE id = $1`

	var e core.Execution
	if err := s.db.GetContext(ctx, &e, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &core.EngineError{
				Op:   "store.GetExecution",
				Kind: "execution",
				ID:   id,
				Err:  core.ErrExecutionNotFound,
			}
		}
		return nil, storeErr("store.GetExecution", "execution", id, err)
	}
	return &e, nil
}

func (s *PostgresStore) GetExecutionByKey(ctx context.Context, workflowID, idempotencyKey string) (*core.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE workflow_id = $1 AND idempotency_key = $2`

	var e core.Execution
	if err := s.db.GetContext(ctx, &e, query, workflowID, idempotencyKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &core.EngineError{
				Op:   "store.GetExecutionByKey",
				Kind: "execution",
				ID:   idempotencyKey,
				Err:  core.ErrExecutionNotFound,
			}
		}
		return nil, storeErr("store.GetExecutionByKey", "execution", idempotencyKey, err)
	}
	return &e, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID string, status *core.ExecutionStatus, limit int) ([]*core.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	args := []interface{}{}
	where := ""

	if workflowID != "" {
		args = append(args, workflowID)
		where = fmt.Sprintf(" WHERE workflow_id = $%d", len(args))
	}
	if status != nil {
		args = append(args, *status)
		if where == "" {
			where = fmt.Sprintf(" WHERE status = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND status = $%d", len(args))
		}
	}

	args = append(args, limit)
	query += where + fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	executions := []*core.Execution{}
	if err := s.db.SelectContext(ctx, &executions, query, args...); err != nil {
		return nil, storeErr("store.ListExecutions", "execution", workflowID, err)
	}
	return executions, nil
}

func (s *PostgresStore) StartExecution(ctx context.Context, id string) (bool, error) {
	const query = `
		UPDATE executions
		SET status = 'running', started_at = COALESCE(started_at, $2), updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'retrying')`

	res, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, storeErr("store.StartExecution", "execution", id, err)
	}
	return oneRow(res)
}

func (s *PostgresStore) CompleteExecution(ctx context.Context, id string, output core.JSONMap) (bool, error) {
	const query = `
		UPDATE executions
		SET status = 'completed', output_data = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'running'`

	res, err := s.db.ExecContext(ctx, query, id, output, time.Now().UTC())
	if err != nil {
		return false, storeErr("store.CompleteExecution", "execution", id, err)
	}
	return oneRow(res)
}

func (s *PostgresStore) FailExecution(ctx context.Context, id, errMsg string, final bool) (bool, error) {
	now := time.Now().UTC()

	if final {
		const query = `
			UPDATE executions
			SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
			WHERE id = $1 AND status IN ('running', 'retrying')`
		res, err := s.db.ExecContext(ctx, query, id, errMsg, now)
		if err != nil {
			return false, storeErr("store.FailExecution", "execution", id, err)
		}
		return oneRow(res)
	}

	const query = `
		UPDATE executions
		SET status = 'failed', error_message = $2, updated_at = $3
		WHERE id = $1 AND status IN ('running', 'retrying')`
	res, err := s.db.ExecContext(ctx, query, id, errMsg, now)
	if err != nil {
		return false, storeErr("store.FailExecution", "execution", id, err)
	}
	return oneRow(res)
}

func (s *PostgresStore) ScheduleRetry(ctx context.Context, id, errMsg string, scheduledAt time.Time) (bool, error) {
	const query = `
		UPDATE executions
		SET status = 'retrying', retry_count = retry_count + 1, error_message = $2,
		    scheduled_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'running' AND retry_count < max_retries`

	res, err := s.db.ExecContext(ctx, query, id, errMsg, scheduledAt, time.Now().UTC())
	if err != nil {
		return false, storeErr("store.ScheduleRetry", "execution", id, err)
	}
	return oneRow(res)
}

func (s *PostgresStore) RetryExecution(ctx context.Context, id string, scheduledAt time.Time) (bool, error) {
	const query = `
		UPDATE executions
		SET status = 'retrying', retry_count = retry_count + 1, scheduled_at = $2, updated_at = $3
		WHERE id = $1 AND status = 'failed' AND retry_count < max_retries`

	res, err := s.db.ExecContext(ctx, query, id, scheduledAt, time.Now().UTC())
	if err != nil {
		return false, storeErr("store.RetryExecution", "execution", id, err)
	}
	return oneRow(res)
}

func (s *PostgresStore) CancelExecution(ctx context.Context, id string) (bool, error) {
	const query = `
		UPDATE executions
		SET status = 'cancelled', completed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('pending', 'running', 'failed', 'retrying')`

	res, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, storeErr("store.CancelExecution", "execution", id, err)
	}
	return oneRow(res)
}

func (s *PostgresStore) RecoverExecution(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	const query = `
		UPDATE executions
		SET status = 'retrying', updated_at = $3
		WHERE id = $1 AND status = 'running' AND updated_at < $2`

	res, err := s.db.ExecContext(ctx, query, id, staleBefore, time.Now().UTC())
	if err != nil {
		return false, storeErr("store.RecoverExecution", "execution", id, err)
	}
	return oneRow(res)
}

// ═══════════════════════════════════════════════════════════════════════════
// Step executions
// ═══════════════════════════════════════════════════════════════════════════

func (s *PostgresStore) CreateStepExecution(ctx context.Context, se *core.StepExecution) error {
	const query = `
		INSERT INTO step_executions
			(id, execution_id, step_id, step_order, status, attempt_number, input_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		se.ID, se.ExecutionID, se.StepID, se.StepOrder, se.Status, se.AttemptNumber, se.Input, se.CreatedAt)
	if err != nil {
		return storeErr("store.CreateStepExecution", "step_execution", se.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListStepExecutions(ctx context.Context, executionID string) ([]*core.StepExecution, error) {
	query := `SELECT ` + stepExecutionColumns + `
		FROM step_executions WHERE execution_id = $1
		ORDER BY step_order ASC, attempt_number ASC`

	steps := []*core.StepExecution{}
	if err := s.db.SelectContext(ctx, &steps, query, executionID); err != nil {
		return nil, storeErr("store.ListStepExecutions", "step_execution", executionID, err)
	}
	return steps, nil
}

func (s *PostgresStore) CountStepAttempts(ctx context.Context, executionID string, stepOrder int) (int, error) {
	const query = `
		SELECT COUNT(*) FROM step_executions WHERE execution_id = $1 AND step_order = $2`

	var count int
	if err := s.db.GetContext(ctx, &count, query, executionID, stepOrder); err != nil {
		return 0, storeErr("store.CountStepAttempts", "step_execution", executionID, err)
	}
	return count, nil
}

func (s *PostgresStore) LastCompletedStep(ctx context.Context, executionID string) (*core.StepExecution, error) {
	query := `SELECT ` + stepExecutionColumns + `
		FROM step_executions WHERE execution_id = $1 AND status = 'completed'
		ORDER BY step_order DESC, attempt_number DESC LIMIT 1`

	var se core.StepExecution
	if err := s.db.GetContext(ctx, &se, query, executionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("store.LastCompletedStep", "step_execution", executionID, err)
	}
	return &se, nil
}

func (s *PostgresStore) StartStepExecution(ctx context.Context, id string) (bool, error) {
	const query = `
		UPDATE step_executions SET status = 'running', started_at = $2
		WHERE id = $1 AND status = 'pending'`

	res, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return false, storeErr("store.StartStepExecution", "step_execution", id, err)
	}
	return oneRow(res)
}

func (s *PostgresStore) FailStepExecution(ctx context.Context, id, errMsg string, details core.JSONMap) (bool, error) {
	const query = `
		UPDATE step_executions
		SET status = 'failed', error_message = $2, error_details = $3, completed_at = $4
		WHERE id = $1 AND status = 'running'`

	res, err := s.db.ExecContext(ctx, query, id, errMsg, details, time.Now().UTC())
	if err != nil {
		return false, storeErr("store.FailStepExecution", "step_execution", id, err)
	}
	return oneRow(res)
}

func (s *PostgresStore) SkipStepExecution(ctx context.Context, id, reason string) (bool, error) {
	const query = `
		UPDATE step_executions
		SET status = 'skipped', error_message = $2, completed_at = $3
		WHERE id = $1 AND status IN ('pending', 'running')`

	res, err := s.db.ExecContext(ctx, query, id, reason, time.Now().UTC())
	if err != nil {
		return false, storeErr("store.SkipStepExecution", "step_execution", id, err)
	}
	return oneRow(res)
}

// CheckpointStep completes a step attempt and advances the execution cursor
// in one transaction, so a crash between the two writes cannot leave a
// completed step behind a stale cursor. Either guard failing rolls the
// transaction back and returns ErrInvalidTransition; the caller re-reads the
// execution and decides.
func (s *PostgresStore) CheckpointStep(ctx context.Context, stepExecutionID string, output core.JSONMap, executionID string, nextStepOrder int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("store.CheckpointStep", "step_execution", stepExecutionID, err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	const stepQuery = `
		UPDATE step_executions
		SET status = 'completed', output_data = $2, completed_at = $3
		WHERE id = $1 AND status = 'running'`
	res, err := tx.ExecContext(ctx, stepQuery, stepExecutionID, output, now)
	if err != nil {
		return storeErr("store.CheckpointStep", "step_execution", stepExecutionID, err)
	}
	if ok, err := oneRow(res); err != nil || !ok {
		if err != nil {
			return storeErr("store.CheckpointStep", "step_execution", stepExecutionID, err)
		}
		return &core.EngineError{
			Op:   "store.CheckpointStep",
			Kind: "step_execution",
			ID:   stepExecutionID,
			Err:  core.ErrInvalidTransition,
		}
	}

	const execQuery = `
		UPDATE executions SET current_step_order = $2, updated_at = $3
		WHERE id = $1 AND status = 'running'`
	res, err = tx.ExecContext(ctx, execQuery, executionID, nextStepOrder, now)
	if err != nil {
		return storeErr("store.CheckpointStep", "execution", executionID, err)
	}
	if ok, err := oneRow(res); err != nil || !ok {
		if err != nil {
			return storeErr("store.CheckpointStep", "execution", executionID, err)
		}
		return &core.EngineError{
			Op:   "store.CheckpointStep",
			Kind: "execution",
			ID:   executionID,
			Err:  core.ErrInvalidTransition,
		}
	}

	if err := tx.Commit(); err != nil {
		return storeErr("store.CheckpointStep", "execution", executionID, err)
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Execution logs
// ═══════════════════════════════════════════════════════════════════════════

func (s *PostgresStore) AppendLog(ctx context.Context, l *core.ExecutionLog) error {
	const query = `
		INSERT INTO execution_logs (execution_id, step_execution_id, level, message, details, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := s.db.QueryRowContext(ctx, query,
		l.ExecutionID, l.StepExecutionID, l.Level, l.Message, l.Details, l.Timestamp).Scan(&l.ID)
	if err != nil {
		return storeErr("store.AppendLog", "execution_log", l.ExecutionID, err)
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, executionID string, level *core.LogLevel) ([]*core.ExecutionLog, error) {
	query := `
		SELECT id, execution_id, step_execution_id, level, message, details, timestamp
		FROM execution_logs WHERE execution_id = $1`
	args := []interface{}{executionID}
	if level != nil {
		query += ` AND level = $2`
		args = append(args, *level)
	}
	query += ` ORDER BY timestamp ASC, id ASC`

	logs := []*core.ExecutionLog{}
	if err := s.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, storeErr("store.ListLogs", "execution_log", executionID, err)
	}
	return logs, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Recovery scans
// ═══════════════════════════════════════════════════════════════════════════

func (s *PostgresStore) StaleRunningExecutions(ctx context.Context, staleBefore time.Time, limit int) ([]*core.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`

	executions := []*core.Execution{}
	if err := s.db.SelectContext(ctx, &executions, query, staleBefore, limit); err != nil {
		return nil, storeErr("store.StaleRunningExecutions", "execution", "", err)
	}
	return executions, nil
}

func (s *PostgresStore) DuePendingExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*core.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions WHERE status = 'pending' AND COALESCE(scheduled_at, created_at) <= $1
		ORDER BY created_at ASC LIMIT $2`

	executions := []*core.Execution{}
	if err := s.db.SelectContext(ctx, &executions, query, cutoff, limit); err != nil {
		return nil, storeErr("store.DuePendingExecutions", "execution", "", err)
	}
	return executions, nil
}

func (s *PostgresStore) DueRetryingExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*core.Execution, error) {
	query := `SELECT ` + executionColumns + `
		FROM executions WHERE status = 'retrying' AND COALESCE(scheduled_at, updated_at) <= $1
		ORDER BY updated_at ASC LIMIT $2`

	executions := []*core.Execution{}
	if err := s.db.SelectContext(ctx, &executions, query, cutoff, limit); err != nil {
		return nil, storeErr("store.DueRetryingExecutions", "execution", "", err)
	}
	return executions, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Helpers
// ═══════════════════════════════════════════════════════════════════════════

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func storeErr(op, kind, id string, err error) error {
	return &core.EngineError{
		Op:   op,
		Kind: kind,
		ID:   id,
		Err:  fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err),
	}
}

func statusStrings(statuses []core.WorkflowStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
