package core

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	// WorkflowStatusDraft allows step mutation; executions are rejected.
	WorkflowStatusDraft WorkflowStatus = "draft"

	// WorkflowStatusActive admits new executions; steps are frozen.
	WorkflowStatusActive WorkflowStatus = "active"

	// WorkflowStatusDeprecated rejects new executions; existing executions
	// keep running.
	WorkflowStatusDeprecated WorkflowStatus = "deprecated"

	// WorkflowStatusArchived is the end of the definition lifecycle.
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusDraft, WorkflowStatusActive, WorkflowStatusDeprecated, WorkflowStatusArchived:
		return true
	}
	return false
}

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusRetrying  ExecutionStatus = "retrying"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// executionTransitions is the allowed transition set of the execution state
// machine. running → retrying is the retry edge taken by the orchestrator
// after an execution-level failure with budget remaining, and by the sweeper
// when it recovers an execution whose worker died; failed → retrying is the
// operator retry edge and is additionally gated on the retry budget.
var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending:   {ExecutionStatusRunning, ExecutionStatusCancelled},
	ExecutionStatusRunning:   {ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusRetrying, ExecutionStatusCancelled},
	ExecutionStatusFailed:    {ExecutionStatusRetrying, ExecutionStatusCancelled},
	ExecutionStatusRetrying:  {ExecutionStatusRunning, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusCompleted: {},
	ExecutionStatusCancelled: {},
}

// CanTransitionTo reports whether the execution state machine allows moving
// from s to next. It is pure; budget gates (retry_count < max_retries) are
// enforced by the guarded store updates.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	for _, allowed := range executionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a settled final state. failed is not
// terminal: executions with retry budget remaining can be retried.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusCancelled
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	_, ok := executionTransitions[s]
	return ok
}

// ValidateExecutionTransition returns ErrInvalidTransition (wrapped with the
// offending pair) when the execution state machine rejects from → to.
func ValidateExecutionTransition(from, to ExecutionStatus) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return &EngineError{
		Op:      "core.ValidateExecutionTransition",
		Kind:    "execution",
		Message: string(from) + " -> " + string(to),
		Err:     ErrInvalidTransition,
	}
}

// StepStatus is the lifecycle state of one step attempt.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// stepTransitions is the per-attempt step state machine. A step is retried by
// creating a new row with attempt_number+1, never by reopening a settled row.
// skipped settles attempts whose outcome was discarded after a cancellation
// was observed.
var stepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending:   {StepStatusRunning, StepStatusSkipped},
	StepStatusRunning:   {StepStatusCompleted, StepStatusFailed, StepStatusSkipped},
	StepStatusCompleted: {},
	StepStatusFailed:    {},
	StepStatusSkipped:   {},
}

// CanTransitionTo reports whether the step state machine allows moving from
// s to next.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	for _, allowed := range stepTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the attempt is settled.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// ValidateStepTransition returns ErrInvalidTransition when the step state
// machine rejects from → to.
func ValidateStepTransition(from, to StepStatus) error {
	if from.CanTransitionTo(to) {
		return nil
	}
	return &EngineError{
		Op:      "core.ValidateStepTransition",
		Kind:    "step_execution",
		Message: string(from) + " -> " + string(to),
		Err:     ErrInvalidTransition,
	}
}

// CanRetry reports whether the execution has retry budget remaining.
func (e *Execution) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// LogLevel is the severity of an execution log record.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Valid reports whether l is a known log level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	}
	return false
}
