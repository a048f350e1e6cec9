package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/mhalbert/flowline/core"
)

// ExecutionService is the admission and operator surface for executions:
// trigger, cancel, retry, and the read paths the API serves. It owns no
// execution progress; the orchestrator does that on the worker side.
type ExecutionService struct {
	store  core.Store
	queue  core.Queue
	logger core.Logger
}

// NewExecutionService assembles the service.
func NewExecutionService(store core.Store, queue core.Queue, logger core.Logger) *ExecutionService {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &ExecutionService{store: store, queue: queue, logger: logger}
}

// TriggerRequest carries the admission parameters for a new execution.
// MaxRetries distinguishes unset (nil, default applies) from an explicit
// zero, which disables execution-level retries.
type TriggerRequest struct {
	WorkflowID     string
	IdempotencyKey string
	Input          core.JSONMap
	MaxRetries     *int
	ScheduledAt    *time.Time
}

// Trigger admits an execution for an active workflow. The boolean reports
// whether a new execution was created; false means an execution with the
// same idempotency key already existed and is returned unchanged.
//
// The queue write happens after the row is committed. If it fails the
// execution still runs: the dispatcher re-enqueues due pending rows.
func (s *ExecutionService) Trigger(ctx context.Context, req TriggerRequest) (*core.Execution, bool, error) {
	if req.WorkflowID == "" {
		return nil, false, validationErr("execution.Trigger", "workflow_id is required")
	}
	if req.IdempotencyKey == "" {
		return nil, false, validationErr("execution.Trigger", "idempotency_key is required")
	}

	workflow, err := s.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, false, err
	}
	if workflow.Status != core.WorkflowStatusActive {
		return nil, false, &core.EngineError{
			Op:      "execution.Trigger",
			Kind:    "workflow",
			ID:      req.WorkflowID,
			Message: fmt.Sprintf("cannot execute workflow in %s status", workflow.Status),
			Err:     core.ErrWorkflowNotActive,
		}
	}

	if existing, err := s.store.GetExecutionByKey(ctx, req.WorkflowID, req.IdempotencyKey); err == nil {
		s.logger.Info("Returning existing execution for idempotency key", map[string]interface{}{
			"execution_id":    existing.ID,
			"idempotency_key": req.IdempotencyKey,
		})
		return existing, false, nil
	} else if !core.IsNotFound(err) {
		return nil, false, err
	}

	maxRetries := core.DefaultExecutionRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, false, validationErr("execution.Trigger", "max_retries cannot be negative")
		}
		maxRetries = *req.MaxRetries
	}

	exec := core.NewExecution(req.WorkflowID, req.IdempotencyKey, req.Input, maxRetries)
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		exec.ScheduledAt = &at
	}

	if err := s.store.CreateExecution(ctx, exec); err != nil {
		if core.IsConflict(err) {
			// Lost the insert race; the winner's row is authoritative.
			winner, readErr := s.store.GetExecutionByKey(ctx, req.WorkflowID, req.IdempotencyKey)
			if readErr != nil {
				return nil, false, readErr
			}
			return winner, false, nil
		}
		return nil, false, err
	}

	s.appendLog(ctx, exec.ID, core.LogLevelInfo,
		fmt.Sprintf("Execution created for workflow %s", req.WorkflowID),
		core.JSONMap{"idempotency_key": req.IdempotencyKey})
	s.logger.Info("Execution created", map[string]interface{}{
		"execution_id":    exec.ID,
		"workflow_id":     req.WorkflowID,
		"idempotency_key": req.IdempotencyKey,
	})

	var deliverAt time.Time
	if exec.ScheduledAt != nil && exec.ScheduledAt.After(time.Now()) {
		deliverAt = *exec.ScheduledAt
	}
	if err := s.queue.Enqueue(ctx, exec.ID, deliverAt); err != nil {
		s.logger.Warn("Failed to enqueue execution, dispatcher will recover", map[string]interface{}{
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
	}

	return exec, true, nil
}

// Get returns an execution by ID.
func (s *ExecutionService) Get(ctx context.Context, executionID string) (*core.Execution, error) {
	return s.store.GetExecution(ctx, executionID)
}

// List returns executions, optionally filtered by workflow and status.
// A non-positive limit applies the default of 100.
func (s *ExecutionService) List(ctx context.Context, workflowID string, status *core.ExecutionStatus, limit int) ([]*core.Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListExecutions(ctx, workflowID, status, limit)
}

// Cancel moves an execution to cancelled from any non-terminal state. A
// running worker observes the change at its next step boundary and stops.
func (s *ExecutionService) Cancel(ctx context.Context, executionID string) (*core.Execution, error) {
	ok, err := s.store.CancelExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		exec, readErr := s.store.GetExecution(ctx, executionID)
		if readErr != nil {
			return nil, readErr
		}
		return nil, &core.EngineError{
			Op:      "execution.Cancel",
			Kind:    "execution",
			ID:      executionID,
			Message: fmt.Sprintf("cannot cancel execution in %s status", exec.Status),
			Err:     core.ErrExecutionNotCancellable,
		}
	}

	s.appendLog(ctx, executionID, core.LogLevelInfo, "Execution cancelled by operator", nil)
	s.logger.Info("Execution cancelled", map[string]interface{}{
		"execution_id": executionID,
	})
	return s.store.GetExecution(ctx, executionID)
}

// Retry re-admits a failed execution. It counts against the retry budget;
// the count is never reset, so a chronically failing execution cannot loop
// forever.
func (s *ExecutionService) Retry(ctx context.Context, executionID string) (*core.Execution, error) {
	ok, err := s.store.RetryExecution(ctx, executionID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		exec, readErr := s.store.GetExecution(ctx, executionID)
		if readErr != nil {
			return nil, readErr
		}
		msg := fmt.Sprintf("can only retry failed executions, current status: %s", exec.Status)
		if exec.Status == core.ExecutionStatusFailed {
			msg = fmt.Sprintf("maximum retries (%d) exceeded", exec.MaxRetries)
		}
		return nil, &core.EngineError{
			Op:      "execution.Retry",
			Kind:    "execution",
			ID:      executionID,
			Message: msg,
			Err:     core.ErrExecutionNotRetryable,
		}
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	s.appendLog(ctx, executionID, core.LogLevelInfo,
		fmt.Sprintf("Retry initiated (attempt %d of %d)", exec.RetryCount, exec.MaxRetries),
		core.JSONMap{"retry_count": exec.RetryCount, "max_retries": exec.MaxRetries})
	s.logger.Info("Execution retry initiated", map[string]interface{}{
		"execution_id": executionID,
		"retry_count":  exec.RetryCount,
	})

	if err := s.queue.Enqueue(ctx, executionID, time.Time{}); err != nil {
		s.logger.Warn("Failed to enqueue retry, dispatcher will recover", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
	return exec, nil
}

// Logs returns the audit log of an execution in timestamp-then-id order,
// optionally filtered by level. Unknown executions are an error, matching
// the read path.
func (s *ExecutionService) Logs(ctx context.Context, executionID string, level *core.LogLevel) ([]*core.ExecutionLog, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ListLogs(ctx, executionID, level)
}

// StepExecutions returns every step attempt of an execution in step-order,
// then attempt-number order.
func (s *ExecutionService) StepExecutions(ctx context.Context, executionID string) ([]*core.StepExecution, error) {
	if _, err := s.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return s.store.ListStepExecutions(ctx, executionID)
}

func (s *ExecutionService) appendLog(ctx context.Context, executionID string, level core.LogLevel, message string, details core.JSONMap) {
	entry := core.NewExecutionLog(executionID, nil, level, message, details)
	if err := s.store.AppendLog(ctx, entry); err != nil {
		s.logger.Warn("Failed to append execution log", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
}

func validationErr(op, format string, args ...interface{}) error {
	return &core.EngineError{
		Op:      op,
		Kind:    "validation",
		Message: fmt.Sprintf(format, args...),
	}
}
