package core

import (
	"context"
	"time"
)

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// Store is the durable source of truth for workflows, executions, step
// executions and logs. All status changes are single-statement guarded
// updates: the bool result reports whether the guard matched, and false means
// a concurrent transition won and the caller should re-read and decide.
//
// Implementations return ErrStoreUnavailable (wrapped) for infrastructure
// faults, and the lookup/uniqueness sentinels for domain conditions.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByName(ctx context.Context, name string, version int) (*Workflow, error)
	ListWorkflows(ctx context.Context, status *WorkflowStatus, limit int) ([]*Workflow, error)
	// TransitionWorkflow moves a workflow between lifecycle states.
	TransitionWorkflow(ctx context.Context, id string, from []WorkflowStatus, to WorkflowStatus) (bool, error)

	// Steps
	CreateStep(ctx context.Context, s *WorkflowStep) error
	ListSteps(ctx context.Context, workflowID string) ([]*WorkflowStep, error)

	// Executions. CreateExecution returns ErrDuplicateExecution when the
	// (workflow_id, idempotency_key) pair already exists.
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	GetExecutionByKey(ctx context.Context, workflowID, idempotencyKey string) (*Execution, error)
	ListExecutions(ctx context.Context, workflowID string, status *ExecutionStatus, limit int) ([]*Execution, error)

	// StartExecution: pending|retrying → running, stamping started_at on the
	// first start only.
	StartExecution(ctx context.Context, id string) (bool, error)
	// CompleteExecution: running → completed with the final output.
	CompleteExecution(ctx context.Context, id string, output JSONMap) (bool, error)
	// FailExecution: running|retrying → failed. final stamps completed_at,
	// settling the execution; a non-final failure precedes an operator
	// retry or cancellation.
	FailExecution(ctx context.Context, id, errMsg string, final bool) (bool, error)
	// ScheduleRetry: running → retrying after an execution-level failure.
	// Guarded on retry budget; increments retry_count and parks the
	// execution until scheduledAt.
	ScheduleRetry(ctx context.Context, id, errMsg string, scheduledAt time.Time) (bool, error)
	// RetryExecution: failed → retrying, the operator retry edge. Guarded on
	// retry budget; increments retry_count.
	RetryExecution(ctx context.Context, id string, scheduledAt time.Time) (bool, error)
	// CancelExecution: any non-terminal status → cancelled.
	CancelExecution(ctx context.Context, id string) (bool, error)
	// RecoverExecution: running → retrying, guarded on updated_at being
	// older than staleBefore. Taken by the sweeper for executions whose
	// worker died; does not consume retry budget.
	RecoverExecution(ctx context.Context, id string, staleBefore time.Time) (bool, error)

	// Step executions
	CreateStepExecution(ctx context.Context, se *StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)
	// CountStepAttempts returns the number of attempts recorded for one
	// step order of one execution.
	CountStepAttempts(ctx context.Context, executionID string, stepOrder int) (int, error)
	// LastCompletedStep returns the most recent completed attempt across all
	// step orders, or nil when no step has completed yet.
	LastCompletedStep(ctx context.Context, executionID string) (*StepExecution, error)
	// StartStepExecution: pending → running.
	StartStepExecution(ctx context.Context, id string) (bool, error)
	// FailStepExecution: running → failed with the handler's error.
	FailStepExecution(ctx context.Context, id, errMsg string, details JSONMap) (bool, error)
	// SkipStepExecution: pending|running → skipped. Settles attempts whose
	// outcome was discarded after a cancellation was observed.
	SkipStepExecution(ctx context.Context, id, reason string) (bool, error)
	// CheckpointStep atomically completes a step attempt and advances the
	// execution cursor to nextStepOrder in one transaction.
	CheckpointStep(ctx context.Context, stepExecutionID string, output JSONMap, executionID string, nextStepOrder int) error

	// Logs
	AppendLog(ctx context.Context, l *ExecutionLog) error
	ListLogs(ctx context.Context, executionID string, level *LogLevel) ([]*ExecutionLog, error)

	// Recovery scans
	// StaleRunningExecutions lists executions still marked running whose
	// updated_at is older than staleBefore.
	StaleRunningExecutions(ctx context.Context, staleBefore time.Time, limit int) ([]*Execution, error)
	// DuePendingExecutions lists pending executions due on or before cutoff
	// that may have missed their enqueue.
	DuePendingExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*Execution, error)
	// DueRetryingExecutions lists retrying executions whose scheduled_at
	// passed on or before cutoff. Covers retries whose delayed enqueue was
	// lost; duplicate delivery is tolerated.
	DueRetryingExecutions(ctx context.Context, cutoff time.Time, limit int) ([]*Execution, error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
}

// Message is one queue delivery. ID doubles as the lease token: the lease
// created at dequeue is keyed by it.
type Message struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`

	// raw is the wire form the broker holds; implementations use it to
	// remove the exact entry on acknowledge.
	raw string
}

// Raw returns the wire form of the message, if the queue set one.
func (m *Message) Raw() string { return m.raw }

// SetRaw records the wire form of the message. Queue implementations call
// this at dequeue time.
func (m *Message) SetRaw(raw string) { m.raw = raw }

// Queue delivers execution IDs to workers with at-least-once semantics.
// Duplicate delivery is tolerated: the execution state machine makes a second
// delivery observe a non-admissible starting state and no-op.
//
// Implementations return ErrQueueUnavailable (wrapped) for infrastructure
// faults.
type Queue interface {
	// Enqueue publishes an execution ID. A future deliverAt defers
	// visibility until that time; the zero time means immediately.
	Enqueue(ctx context.Context, executionID string, deliverAt time.Time) error

	// Dequeue blocks up to timeout for the next visible message and leases
	// it for the visibility window. Returns (nil, nil) when the timeout
	// expires with nothing to deliver. A message whose lease lapses without
	// acknowledgement becomes visible again.
	Dequeue(ctx context.Context, timeout, visibility time.Duration) (*Message, error)

	// Ack removes a leased message permanently.
	Ack(ctx context.Context, msg *Message) error

	// Extend lengthens the lease of an in-flight message.
	Extend(ctx context.Context, msg *Message, extra time.Duration) error

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error
}

// Handler performs the work of one step type. Execute receives the step's
// configuration and the carried input, bounded by the step timeout through
// ctx. It returns the step output, or an error classified by IsRetryable /
// IsFatal; plain errors count as retryable.
//
// Handlers must be pure with respect to engine state. Any external state is
// their own concern.
type Handler interface {
	TaskType() string
	Execute(ctx context.Context, config, input JSONMap) (JSONMap, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, config, input JSONMap) (JSONMap, error)

type funcHandler struct {
	taskType string
	fn       HandlerFunc
}

func (h *funcHandler) TaskType() string { return h.taskType }

func (h *funcHandler) Execute(ctx context.Context, config, input JSONMap) (JSONMap, error) {
	return h.fn(ctx, config, input)
}

// NewHandler wraps fn as a Handler for taskType.
func NewHandler(taskType string, fn HandlerFunc) Handler {
	return &funcHandler{taskType: taskType, fn: fn}
}
