// Package core defines the domain model and contracts of the flowline
// workflow engine.
//
// A Workflow is a versioned, ordered sequence of typed steps. An Execution is
// one durable attempt to run a workflow against an input, identified by a
// client-chosen idempotency key. Each visit to a step produces a
// StepExecution row (one per attempt), and every decision the engine makes is
// recorded as an ExecutionLog.
//
// The package holds no I/O. Persistence, queueing and orchestration live in
// the orchestration package; this package owns the types, the two state
// machines, the error taxonomy and the configuration.
package core

import (
	"time"

	"github.com/google/uuid"
)

// Default step limits applied by NewWorkflowStep when the caller does not
// override them.
const (
	DefaultStepTimeoutSeconds = 300
	DefaultStepMaxRetries     = 3
	DefaultExecutionRetries   = 3
)

// Workflow is a definition template: a named, versioned, ordered list of
// steps. Steps are mutable only while the workflow is in draft; only active
// workflows admit new executions.
type Workflow struct {
	// ID is the unique workflow identifier.
	ID string `json:"id" db:"id"`

	// Name is the human-readable workflow name. (Name, Version) is unique.
	Name string `json:"name" db:"name"`

	// Version is the definition version, starting at 1.
	Version int `json:"version" db:"version"`

	// Status is the lifecycle state (draft, active, deprecated, archived).
	Status WorkflowStatus `json:"status" db:"status"`

	// Metadata is free-form definition metadata.
	Metadata JSONMap `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Steps is populated by loads that join the step table; it is not a
	// column.
	Steps []*WorkflowStep `json:"steps,omitempty" db:"-"`
}

// WorkflowStep is one typed task in a workflow, identified by its StepOrder.
// Step orders form a dense prefix 0..n-1; the engine verifies density when it
// builds an execution plan.
type WorkflowStep struct {
	ID         string `json:"id" db:"id"`
	WorkflowID string `json:"workflow_id" db:"workflow_id"`

	// Name is the human-readable step name, used in logs and error messages.
	Name string `json:"name" db:"name"`

	// TaskType selects the handler that performs this step's work.
	TaskType string `json:"task_type" db:"task_type"`

	// StepOrder is the 0-based position of the step within the workflow.
	StepOrder int `json:"step_order" db:"step_order"`

	// Config is handler-specific configuration, validated by the handler.
	Config JSONMap `json:"config,omitempty" db:"config"`

	// TimeoutSeconds bounds a single handler invocation.
	TimeoutSeconds int `json:"timeout_seconds" db:"timeout_seconds"`

	// MaxRetries is the per-step retry budget. An attempt is retried while
	// its attempt number is at most MaxRetries, so the step runs at most
	// MaxRetries+1 times per execution pass.
	MaxRetries int `json:"max_retries" db:"max_retries"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Execution is one durable attempt to run a workflow against an input.
// (WorkflowID, IdempotencyKey) is globally unique: concurrent triggers with
// the same pair observe exactly one row.
type Execution struct {
	ID         string `json:"id" db:"id"`
	WorkflowID string `json:"workflow_id" db:"workflow_id"`

	// IdempotencyKey is the client-supplied key identifying this logical
	// execution request.
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	// Status is the current lifecycle state; transitions are validated by
	// the execution state machine.
	Status ExecutionStatus `json:"status" db:"status"`

	// CurrentStepOrder is the 0-based cursor of the next step to attempt.
	// It equals the step count once the execution has completed. The cursor
	// is monotonically non-decreasing and advances atomically with step
	// completion, so a resumed execution never re-runs a completed step.
	CurrentStepOrder int `json:"current_step_order" db:"current_step_order"`

	// RetryCount is the number of execution-level retry transitions taken.
	RetryCount int `json:"retry_count" db:"retry_count"`

	// MaxRetries is the execution-level retry budget. Operator retries count
	// against it too.
	MaxRetries int `json:"max_retries" db:"max_retries"`

	// Input is the trigger payload; the first step receives it as input.
	Input JSONMap `json:"input_data,omitempty" db:"input_data"`

	// Output is the final step's output, set when the execution completes.
	Output JSONMap `json:"output_data,omitempty" db:"output_data"`

	// ErrorMessage summarizes the most recent execution-level failure.
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`

	// ScheduledAt is when the execution becomes due: future-dated triggers
	// and retry backoff both park here. Nil means immediately due.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`

	// StartedAt is when a worker first began the execution.
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`

	// CompletedAt is when the execution reached a settled terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// StepExecution is one attempt at one step within one execution. Retries
// create a new row with AttemptNumber+1; the highest attempt number for a
// given (ExecutionID, StepOrder) reflects the authoritative outcome.
type StepExecution struct {
	ID          string `json:"id" db:"id"`
	ExecutionID string `json:"execution_id" db:"execution_id"`
	StepID      string `json:"step_id" db:"step_id"`

	StepOrder int `json:"step_order" db:"step_order"`

	Status StepStatus `json:"status" db:"status"`

	// AttemptNumber starts at 1 and increases strictly per (execution,
	// step_order).
	AttemptNumber int `json:"attempt_number" db:"attempt_number"`

	// Input is the data the handler was invoked with.
	Input JSONMap `json:"input_data,omitempty" db:"input_data"`

	// Output is the handler's result when the attempt completed.
	Output JSONMap `json:"output_data,omitempty" db:"output_data"`

	// ErrorMessage and ErrorDetails describe a failed attempt.
	ErrorMessage string  `json:"error_message,omitempty" db:"error_message"`
	ErrorDetails JSONMap `json:"error_details,omitempty" db:"error_details"`

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ExecutionLog is one append-only audit record. Logs are immutable once
// written and served per execution in (Timestamp, ID) order; ID is assigned
// by the store from a monotone sequence, so it breaks timestamp ties within
// an insert stream.
type ExecutionLog struct {
	ID          int64  `json:"id" db:"id"`
	ExecutionID string `json:"execution_id" db:"execution_id"`

	// StepExecutionID links the record to a step attempt when the event
	// happened inside one.
	StepExecutionID *string `json:"step_execution_id,omitempty" db:"step_execution_id"`

	Level   LogLevel `json:"level" db:"level"`
	Message string   `json:"message" db:"message"`
	Details JSONMap  `json:"details,omitempty" db:"details"`

	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// NewWorkflow creates a draft workflow with a generated ID.
func NewWorkflow(name string, version int, metadata JSONMap) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:        uuid.New().String(),
		Name:      name,
		Version:   version,
		Status:    WorkflowStatusDraft,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewWorkflowStep creates a step with the default timeout and retry budget.
func NewWorkflowStep(workflowID, name, taskType string, stepOrder int, config JSONMap) *WorkflowStep {
	now := time.Now().UTC()
	return &WorkflowStep{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		Name:           name,
		TaskType:       taskType,
		StepOrder:      stepOrder,
		Config:         config,
		TimeoutSeconds: DefaultStepTimeoutSeconds,
		MaxRetries:     DefaultStepMaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewExecution creates a pending execution at step 0.
func NewExecution(workflowID, idempotencyKey string, input JSONMap, maxRetries int) *Execution {
	now := time.Now().UTC()
	return &Execution{
		ID:             uuid.New().String(),
		WorkflowID:     workflowID,
		IdempotencyKey: idempotencyKey,
		Status:         ExecutionStatusPending,
		MaxRetries:     maxRetries,
		Input:          input,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// NewStepExecution creates a pending step attempt.
func NewStepExecution(executionID, stepID string, stepOrder, attemptNumber int, input JSONMap) *StepExecution {
	return &StepExecution{
		ID:            uuid.New().String(),
		ExecutionID:   executionID,
		StepID:        stepID,
		StepOrder:     stepOrder,
		Status:        StepStatusPending,
		AttemptNumber: attemptNumber,
		Input:         input,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewExecutionLog creates an audit record stamped with the current time. The
// ID is assigned on insert.
func NewExecutionLog(executionID string, stepExecutionID *string, level LogLevel, message string, details JSONMap) *ExecutionLog {
	return &ExecutionLog{
		ExecutionID:     executionID,
		StepExecutionID: stepExecutionID,
		Level:           level,
		Message:         message,
		Details:         details,
		Timestamp:       time.Now().UTC(),
	}
}
