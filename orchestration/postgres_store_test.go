package orchestration

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhalbert/flowline/core"
)

func setupTestStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewPostgresStore(sqlx.NewDb(db, "sqlmock"), nil), mock
}

func uniqueViolation() *pq.Error {
	return &pq.Error{Code: pqUniqueViolation}
}

// TestPostgresStoreCreateWorkflow verifies the insert and the mapping of
// unique violations to the duplicate sentinel.
func TestPostgresStoreCreateWorkflow(t *testing.T) {
	store, mock := setupTestStore(t)
	workflow := core.NewWorkflow("pipeline", 1, nil)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflows")).
		WithArgs(workflow.ID, "pipeline", 1, core.WorkflowStatusDraft, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.CreateWorkflow(context.Background(), workflow))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflows")).
		WillReturnError(uniqueViolation())
	err := store.CreateWorkflow(context.Background(), workflow)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDuplicateWorkflow))

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreCreateStepDuplicateOrder verifies that the (workflow_id,
// step_order) unique index surfaces as ErrDuplicateStep.
func TestPostgresStoreCreateStepDuplicateOrder(t *testing.T) {
	store, mock := setupTestStore(t)
	step := core.NewWorkflowStep("wf-1", "fetch", "http_request", 0, nil)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO workflow_steps")).
		WillReturnError(uniqueViolation())

	err := store.CreateStep(context.Background(), step)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDuplicateStep))
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreCreateExecutionIdempotency verifies that the idempotency
// key collision surfaces as ErrDuplicateExecution and that an empty key is
// stored as NULL rather than colliding with other empty keys.
func TestPostgresStoreCreateExecutionIdempotency(t *testing.T) {
	store, mock := setupTestStore(t)
	exec := core.NewExecution("wf-1", "order-42", nil, 3)

	mock.ExpectExec(regexp.QuoteMeta("NULLIF($3, '')")).
		WithArgs(exec.ID, "wf-1", "order-42", core.ExecutionStatusPending, 0, 0, 3,
			sqlmock.AnyArg(), nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.CreateExecution(context.Background(), exec))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO executions")).
		WillReturnError(uniqueViolation())
	err := store.CreateExecution(context.Background(), exec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDuplicateExecution))

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreGetExecution verifies row scanning including the JSONB
// payloads and NULL-able columns, plus the not-found mapping.
func TestPostgresStoreGetExecution(t *testing.T) {
	store, mock := setupTestStore(t)
	now := time.Now().UTC()

	columns := []string{
		"id", "workflow_id", "idempotency_key", "status", "current_step_order",
		"retry_count", "max_retries", "input_data", "output_data", "error_message",
		"scheduled_at", "started_at", "completed_at", "created_at", "updated_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta("FROM executions WHERE id = $1")).
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"exec-1", "wf-1", "order-42", "running", 2,
			1, 3, []byte(`{"order_id": "ord-1"}`), nil, "",
			nil, now, nil, now, now,
		))

	exec, err := store.GetExecution(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", exec.ID)
	assert.Equal(t, core.ExecutionStatusRunning, exec.Status)
	assert.Equal(t, 2, exec.CurrentStepOrder)
	assert.Equal(t, 1, exec.RetryCount)
	assert.Equal(t, "ord-1", exec.Input["order_id"])
	assert.Nil(t, exec.Output)
	assert.NotNil(t, exec.StartedAt)
	assert.Nil(t, exec.CompletedAt)

	mock.ExpectQuery(regexp.QuoteMeta("FROM executions WHERE id = $1")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = store.GetExecution(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrExecutionNotFound))

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreGuardedUpdates verifies the won/lost contract of every
// guarded transition: one affected row reports true, zero reports false with
// no error, and each statement carries its status guard.
func TestPostgresStoreGuardedUpdates(t *testing.T) {
	tests := []struct {
		name  string
		guard string
		call  func(ctx context.Context, s *PostgresStore) (bool, error)
	}{
		{
			name:  "start execution",
			guard: "status IN ('pending', 'retrying')",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.StartExecution(ctx, "exec-1")
			},
		},
		{
			name:  "complete execution",
			guard: "status = 'running'",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.CompleteExecution(ctx, "exec-1", core.JSONMap{"done": true})
			},
		},
		{
			name:  "fail execution final",
			guard: "status IN ('running', 'retrying')",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.FailExecution(ctx, "exec-1", "boom", true)
			},
		},
		{
			name:  "schedule retry respects budget",
			guard: "status = 'running' AND retry_count < max_retries",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.ScheduleRetry(ctx, "exec-1", "boom", time.Now())
			},
		},
		{
			name:  "manual retry from failed",
			guard: "status = 'failed' AND retry_count < max_retries",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.RetryExecution(ctx, "exec-1", time.Now())
			},
		},
		{
			name:  "cancel non-terminal",
			guard: "status IN ('pending', 'running', 'failed', 'retrying')",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.CancelExecution(ctx, "exec-1")
			},
		},
		{
			name:  "recover stale running",
			guard: "status = 'running' AND updated_at < $2",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.RecoverExecution(ctx, "exec-1", time.Now())
			},
		},
		{
			name:  "start step attempt",
			guard: "status = 'pending'",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.StartStepExecution(ctx, "se-1")
			},
		},
		{
			name:  "fail step attempt",
			guard: "status = 'running'",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.FailStepExecution(ctx, "se-1", "boom", nil)
			},
		},
		{
			name:  "skip step attempt",
			guard: "status IN ('pending', 'running')",
			call: func(ctx context.Context, s *PostgresStore) (bool, error) {
				return s.SkipStepExecution(ctx, "se-1", "superseded")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := setupTestStore(t)

			mock.ExpectExec(regexp.QuoteMeta(tt.guard)).
				WillReturnResult(sqlmock.NewResult(0, 1))
			won, err := tt.call(context.Background(), store)
			require.NoError(t, err)
			assert.True(t, won)

			mock.ExpectExec(regexp.QuoteMeta(tt.guard)).
				WillReturnResult(sqlmock.NewResult(0, 0))
			won, err = tt.call(context.Background(), store)
			require.NoError(t, err, "a lost guard is not an error")
			assert.False(t, won)

			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// TestPostgresStoreFailExecutionFinality verifies that only the final
// failure stamps completed_at.
func TestPostgresStoreFailExecutionFinality(t *testing.T) {
	store, mock := setupTestStore(t)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed', error_message = $2, completed_at = $3")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err := store.FailExecution(context.Background(), "exec-1", "boom", true)
	require.NoError(t, err)
	assert.True(t, won)

	mock.ExpectExec(regexp.QuoteMeta("SET status = 'failed', error_message = $2, updated_at = $3")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err = store.FailExecution(context.Background(), "exec-1", "boom", false)
	require.NoError(t, err)
	assert.True(t, won)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreCheckpointStep verifies the transactional checkpoint:
// both writes commit together, and either guard failing rolls the whole
// thing back as ErrInvalidTransition.
func TestPostgresStoreCheckpointStep(t *testing.T) {
	stepUpdate := regexp.QuoteMeta("UPDATE step_executions SET status = 'completed'")
	execUpdate := regexp.QuoteMeta("UPDATE executions SET current_step_order = $2")

	t.Run("commits both writes", func(t *testing.T) {
		store, mock := setupTestStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(stepUpdate).
			WithArgs("se-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(execUpdate).
			WithArgs("exec-1", 3, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.CheckpointStep(context.Background(), "se-1", core.JSONMap{"ok": true}, "exec-1", 3)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("step guard lost rolls back", func(t *testing.T) {
		store, mock := setupTestStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(stepUpdate).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.CheckpointStep(context.Background(), "se-1", nil, "exec-1", 3)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInvalidTransition))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("execution guard lost rolls back", func(t *testing.T) {
		store, mock := setupTestStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(stepUpdate).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(execUpdate).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.CheckpointStep(context.Background(), "se-1", core.JSONMap{"ok": true}, "exec-1", 3)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrInvalidTransition))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestPostgresStoreAppendLog verifies the RETURNING id round trip.
func TestPostgresStoreAppendLog(t *testing.T) {
	store, mock := setupTestStore(t)
	log := core.NewExecutionLog("exec-1", nil, core.LogLevelInfo, "Execution created", nil)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO execution_logs")).
		WithArgs("exec-1", nil, core.LogLevelInfo, "Execution created", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	require.NoError(t, store.AppendLog(context.Background(), log))
	assert.Equal(t, int64(42), log.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreDueScans verifies the COALESCE-based due-time logic
// reaches the database in the expected shape.
func TestPostgresStoreDueScans(t *testing.T) {
	store, mock := setupTestStore(t)
	cutoff := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("status = 'pending' AND COALESCE(scheduled_at, created_at) <= $1")).
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err := store.DuePendingExecutions(context.Background(), cutoff, 100)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("status = 'retrying' AND COALESCE(scheduled_at, updated_at) <= $1")).
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.DueRetryingExecutions(context.Background(), cutoff, 100)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("status = 'running' AND updated_at < $1")).
		WithArgs(cutoff, 100).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.StaleRunningExecutions(context.Background(), cutoff, 100)
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

// TestPostgresStoreTransitionWorkflow verifies the ANY($4) guard syntax and
// the won/lost contract for workflow lifecycle moves.
func TestPostgresStoreTransitionWorkflow(t *testing.T) {
	store, mock := setupTestStore(t)
	from := []core.WorkflowStatus{core.WorkflowStatusDraft}

	mock.ExpectExec(regexp.QuoteMeta("status = ANY($4)")).
		WithArgs(core.WorkflowStatusActive, sqlmock.AnyArg(), "wf-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err := store.TransitionWorkflow(context.Background(), "wf-1", from, core.WorkflowStatusActive)
	require.NoError(t, err)
	assert.True(t, won)

	mock.ExpectExec(regexp.QuoteMeta("status = ANY($4)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	won, err = store.TransitionWorkflow(context.Background(), "wf-1", from, core.WorkflowStatusActive)
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, mock.ExpectationsWereMet())
}
