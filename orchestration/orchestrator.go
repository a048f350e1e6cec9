package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mhalbert/flowline/core"
)

// Orchestrator drives a single execution from its checkpointed cursor to a
// settled state: completed, failed, cancelled, or parked as retrying with a
// deferred redelivery. It holds no state of its own; everything it decides is
// read from and written back to the store, so any worker can pick up any
// execution.
type Orchestrator struct {
	store     core.Store
	queue     core.Queue
	registry  *Registry
	logger    core.Logger
	stepRetry RetryPolicy
	execRetry RetryPolicy
}

// NewOrchestrator assembles an orchestrator. A nil logger disables process
// logging; execution logs are always written to the store.
func NewOrchestrator(store core.Store, queue core.Queue, registry *Registry, retry core.RetryConfig, logger core.Logger) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Orchestrator{
		store:    store,
		queue:    queue,
		registry: registry,
		logger:   logger,
		stepRetry: RetryPolicy{
			Base:      retry.StepBase,
			Cap:       retry.StepCap,
			JitterPct: retry.JitterPct,
		},
		execRetry: RetryPolicy{
			Base:      retry.ExecutionBase,
			Cap:       retry.ExecutionCap,
			JitterPct: retry.JitterPct,
		},
	}
}

// stepFailure reports a step that failed fatally or exhausted its attempts.
// It promotes the failure from step level to execution level.
type stepFailure struct {
	stepName string
	attempt  int
	err      error
}

func (f *stepFailure) Error() string {
	return fmt.Sprintf("step '%s' failed after %d attempt(s): %v", f.stepName, f.attempt, f.err)
}

func (f *stepFailure) Unwrap() error { return f.err }

// errYielded aborts a step loop after ownership was lost mid-step. The run
// treats it like a settled outcome: the authoritative state already changed.
var errYielded = errors.New("execution yielded")

// Run drives one execution until it settles. A nil return means the
// execution reached a settled state (or the message was a duplicate and the
// authoritative state needs no work); the caller should acknowledge the
// message. A non-nil return means an infrastructure fault interrupted the
// run with the execution possibly still `running`; the caller must not
// acknowledge, so the lease expires and the sweeper recovers the row.
func (o *Orchestrator) Run(ctx context.Context, executionID string) error {
	started, err := o.store.StartExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !started {
		return o.resolveNotStarted(ctx, executionID)
	}

	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	EmitExecutionStarted(ctx, exec, "")
	o.logger.Info("Execution started", map[string]interface{}{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"from_step":    exec.CurrentStepOrder,
		"retry_count":  exec.RetryCount,
	})
	o.appendLog(ctx, exec.ID, nil, core.LogLevelInfo,
		fmt.Sprintf("Execution started from step %d", exec.CurrentStepOrder),
		core.JSONMap{"retry_count": exec.RetryCount})

	steps, err := o.store.ListSteps(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	if err := validatePlan(steps); err != nil {
		// A corrupt definition cannot heal by retrying.
		return o.failFinal(ctx, exec, err.Error())
	}

	// Resume with the last checkpointed output; a fresh execution starts
	// from its input.
	data := exec.Input
	if exec.CurrentStepOrder > 0 {
		last, err := o.store.LastCompletedStep(ctx, exec.ID)
		if err != nil {
			return err
		}
		if last != nil {
			data = last.Output
		}
	}

	for i := exec.CurrentStepOrder; i < len(steps); i++ {
		proceed, err := o.ownsExecution(ctx, exec.ID)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}

		step := steps[i]
		handler, err := o.registry.Get(step.TaskType)
		if err != nil {
			// Nothing can run this step, now or on a retry.
			return o.failFinal(ctx, exec,
				fmt.Sprintf("no handler registered for task type: %s", step.TaskType))
		}

		output, err := o.runStep(ctx, exec, step, handler, data)
		if err != nil {
			if errors.Is(err, errYielded) {
				return nil
			}
			var sf *stepFailure
			if errors.As(err, &sf) {
				return o.promoteFailure(ctx, exec, sf)
			}
			return err
		}
		data = output
	}

	completed, err := o.store.CompleteExecution(ctx, exec.ID, data)
	if err != nil {
		return err
	}
	if !completed {
		// Cancelled between the last checkpoint and here.
		o.logger.Info("Execution settled elsewhere", map[string]interface{}{
			"execution_id": exec.ID,
		})
		return nil
	}

	EmitExecutionCompleted(ctx, exec)
	o.appendLog(ctx, exec.ID, nil, core.LogLevelInfo, "Execution completed successfully", nil)
	o.logger.Info("Execution completed", map[string]interface{}{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"steps":        len(steps),
	})
	return nil
}

// resolveNotStarted decides what a refused start means. Duplicate deliveries
// and already-settled executions are acknowledged without work; only a
// missing row is worth a warning.
func (o *Orchestrator) resolveNotStarted(ctx context.Context, executionID string) error {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		if core.IsNotFound(err) {
			o.logger.Warn("Dropping message for unknown execution", map[string]interface{}{
				"execution_id": executionID,
			})
			return nil
		}
		return err
	}

	o.logger.Info("Execution not admissible for start", map[string]interface{}{
		"execution_id": executionID,
		"status":       string(exec.Status),
	})
	return nil
}

// ownsExecution re-reads the execution before each step and between step
// attempts. It reports false when this worker should stop: the execution was
// cancelled, or ownership moved because the sweeper recovered the row.
func (o *Orchestrator) ownsExecution(ctx context.Context, executionID string) (bool, error) {
	exec, err := o.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}

	switch exec.Status {
	case core.ExecutionStatusRunning:
		return true, nil
	case core.ExecutionStatusCancelled:
		EmitExecutionCancelled(ctx, executionID, exec.CurrentStepOrder)
		o.logger.Info("Execution cancelled, stopping", map[string]interface{}{
			"execution_id": executionID,
		})
		o.appendLog(ctx, executionID, nil, core.LogLevelInfo,
			fmt.Sprintf("Cancellation observed at step %d, stopping", exec.CurrentStepOrder), nil)
		return false, nil
	default:
		o.logger.Warn("Execution no longer owned by this worker", map[string]interface{}{
			"execution_id": executionID,
			"status":       string(exec.Status),
		})
		return false, nil
	}
}

// runStep runs one step to its outcome, looping over attempts with backoff.
// It returns the checkpointed output on success, a *stepFailure when the
// step's budget is spent or the failure is permanent, errYielded when the
// execution settled under us, or the bare error on infrastructure faults.
func (o *Orchestrator) runStep(ctx context.Context, exec *core.Execution, step *core.WorkflowStep, handler core.Handler, data core.JSONMap) (core.JSONMap, error) {
	for {
		prior, err := o.store.CountStepAttempts(ctx, exec.ID, step.StepOrder)
		if err != nil {
			return nil, err
		}
		attempt := prior + 1

		se := core.NewStepExecution(exec.ID, step.ID, step.StepOrder, attempt, data)
		if err := o.store.CreateStepExecution(ctx, se); err != nil {
			return nil, err
		}
		if ok, err := o.store.StartStepExecution(ctx, se.ID); err != nil {
			return nil, err
		} else if !ok {
			// Someone touched the row before we could start it. Yield.
			_, _ = o.store.SkipStepExecution(ctx, se.ID, "superseded before start")
			return nil, errYielded
		}

		o.appendLog(ctx, exec.ID, &se.ID, core.LogLevelInfo,
			fmt.Sprintf("Starting step '%s' (attempt %d/%d)", step.Name, attempt, step.MaxRetries+1),
			core.JSONMap{"task_type": step.TaskType, "step_order": step.StepOrder})

		invokedAt := time.Now()
		output, hErr := o.invoke(ctx, handler, step, data)
		elapsed := time.Since(invokedAt)
		if hErr == nil {
			if err := o.checkpoint(ctx, exec.ID, se.ID, step, output); err != nil {
				return nil, err
			}
			EmitStepCompleted(ctx, step, attempt, elapsed)
			o.appendLog(ctx, exec.ID, &se.ID, core.LogLevelInfo,
				fmt.Sprintf("Step '%s' completed", step.Name), nil)
			return output, nil
		}

		// The parent context going away is the worker shutting down, not
		// the handler failing. Abort with no further writes; the lease
		// expires and the sweeper re-enqueues.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		msg := hErr.Error()
		if core.IsTimeout(hErr) {
			msg = fmt.Sprintf("step timed out after %ds", step.TimeoutSeconds)
		}
		details := core.ErrorDetails(hErr)
		if details == nil {
			details = core.JSONMap{}
		}
		details["attempt"] = attempt

		if _, err := o.store.FailStepExecution(ctx, se.ID, msg, details); err != nil {
			return nil, err
		}
		EmitStepFailed(ctx, step, attempt, elapsed, hErr)
		o.appendLog(ctx, exec.ID, &se.ID, core.LogLevelWarning,
			fmt.Sprintf("Step '%s' attempt %d failed: %s", step.Name, attempt, msg), details)

		if core.IsFatal(hErr) {
			// Permanent faults skip the remaining step budget.
			return nil, &stepFailure{stepName: step.Name, attempt: attempt, err: hErr}
		}
		if attempt > step.MaxRetries {
			return nil, &stepFailure{stepName: step.Name, attempt: attempt, err: hErr}
		}

		delay := o.stepRetry.Delay(attempt)
		o.logger.Info("Retrying step", map[string]interface{}{
			"execution_id": exec.ID,
			"step":         step.Name,
			"attempt":      attempt,
			"delay":        delay.String(),
		})
		if err := sleepContext(ctx, delay); err != nil {
			return nil, err
		}

		proceed, err := o.ownsExecution(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
		if !proceed {
			return nil, errYielded
		}
	}
}

// invoke calls the handler under the step's timeout, converting panics into
// retryable failures so one bad handler cannot take down the worker.
func (o *Orchestrator) invoke(ctx context.Context, handler core.Handler, step *core.WorkflowStep, input core.JSONMap) (output core.JSONMap, err error) {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = core.NewRetryableError("handler panicked: %v", r)
		}
	}()

	return handler.Execute(stepCtx, step.Config, input)
}

// checkpoint completes the step attempt and advances the cursor atomically.
// A conflict means the execution settled or moved under us; the dangling
// attempt row is skipped so it never reads as in flight.
func (o *Orchestrator) checkpoint(ctx context.Context, executionID, stepExecutionID string, step *core.WorkflowStep, output core.JSONMap) error {
	err := o.store.CheckpointStep(ctx, stepExecutionID, output, executionID, step.StepOrder+1)
	if err == nil {
		return nil
	}
	if !errors.Is(err, core.ErrInvalidTransition) {
		return err
	}

	_, _ = o.store.SkipStepExecution(ctx, stepExecutionID, "execution settled before checkpoint")
	proceed, oErr := o.ownsExecution(ctx, executionID)
	if oErr != nil {
		return oErr
	}
	if proceed {
		// Still running yet the checkpoint was refused: the attempt row is
		// in an unexpected state. Surface it rather than loop.
		return err
	}
	return errYielded
}

// promoteFailure applies the execution-level failure policy: schedule an
// automatic retry while budget remains, otherwise fail terminally.
func (o *Orchestrator) promoteFailure(ctx context.Context, exec *core.Execution, sf *stepFailure) error {
	retryNumber := exec.RetryCount + 1
	delay := o.execRetry.Delay(retryNumber)
	at := time.Now().UTC().Add(delay)

	scheduled, err := o.store.ScheduleRetry(ctx, exec.ID, sf.Error(), at)
	if err != nil {
		return err
	}
	if scheduled {
		EmitExecutionRetryScheduled(ctx, exec, retryNumber, delay)
		o.appendLog(ctx, exec.ID, nil, core.LogLevelWarning,
			fmt.Sprintf("Execution retry %d scheduled in %s", retryNumber, delay.Round(time.Millisecond)),
			core.JSONMap{"scheduled_at": at.Format(time.RFC3339), "error": sf.Error()})
		o.logger.Warn("Execution retry scheduled", map[string]interface{}{
			"execution_id": exec.ID,
			"retry":        retryNumber,
			"delay":        delay.String(),
		})

		if err := o.queue.Enqueue(ctx, exec.ID, at); err != nil {
			// The dispatcher re-enqueues due retrying rows, so a lost
			// deferred message delays the retry rather than dropping it.
			o.logger.Warn("Failed to enqueue retry, dispatcher will recover", map[string]interface{}{
				"execution_id": exec.ID,
				"error":        err.Error(),
			})
		}
		return nil
	}

	// The guard refused: budget exhausted, or the status moved under us.
	fresh, err := o.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	if fresh.Status != core.ExecutionStatusRunning {
		o.logger.Info("Execution settled elsewhere", map[string]interface{}{
			"execution_id": exec.ID,
			"status":       string(fresh.Status),
		})
		return nil
	}
	return o.failFinal(ctx, exec, sf.Error())
}

// failFinal moves the execution to its terminal failed state.
func (o *Orchestrator) failFinal(ctx context.Context, exec *core.Execution, msg string) error {
	failed, err := o.store.FailExecution(ctx, exec.ID, msg, true)
	if err != nil {
		return err
	}
	if !failed {
		o.logger.Info("Execution settled elsewhere", map[string]interface{}{
			"execution_id": exec.ID,
		})
		return nil
	}

	EmitExecutionFailed(ctx, exec, msg)
	o.appendLog(ctx, exec.ID, nil, core.LogLevelError,
		fmt.Sprintf("Execution failed: %s", msg), nil)
	o.logger.Error("Execution failed", map[string]interface{}{
		"execution_id": exec.ID,
		"error":        msg,
	})
	return nil
}

// appendLog writes an execution log entry, best effort. Losing an audit line
// is preferable to aborting a run that is otherwise making progress; a store
// that is truly down fails the next state write anyway.
func (o *Orchestrator) appendLog(ctx context.Context, executionID string, stepExecutionID *string, level core.LogLevel, message string, details core.JSONMap) {
	entry := core.NewExecutionLog(executionID, stepExecutionID, level, message, details)
	if err := o.store.AppendLog(ctx, entry); err != nil {
		o.logger.Warn("Failed to append execution log", map[string]interface{}{
			"execution_id": executionID,
			"error":        err.Error(),
		})
	}
}

// validatePlan verifies the step list is a dense 0-based sequence. The
// activation path enforces this, so a violation here means the stored
// definition is corrupt.
func validatePlan(steps []*core.WorkflowStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: workflow has no steps", core.ErrDefinitionCorrupt)
	}
	for i, step := range steps {
		if step.StepOrder != i {
			return fmt.Errorf("%w: step orders not dense at position %d (found %d)",
				core.ErrDefinitionCorrupt, i, step.StepOrder)
		}
	}
	return nil
}
