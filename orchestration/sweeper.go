package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/mhalbert/flowline/core"
)

// sweepBatchSize bounds how many stale executions one sweep pass claims.
const sweepBatchSize = 100

// Sweeper returns executions abandoned by dead workers to the queue.
//
// A worker that crashes mid-run leaves its execution in running with a step
// attempt possibly dangling. Every store write refreshes updated_at, so a
// running execution whose updated_at is older than the stuck threshold has
// lost its worker. The sweeper moves such rows to retrying through a guarded
// update (without consuming retry budget) and re-enqueues them.
type Sweeper struct {
	store     core.Store
	queue     core.Queue
	threshold time.Duration
	logger    core.Logger
}

// NewSweeper creates a sweeper. A zero or negative stuck threshold falls
// back to the default.
func NewSweeper(store core.Store, queue core.Queue, config core.SweeperConfig, logger core.Logger) *Sweeper {
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = 1800 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &Sweeper{
		store:     store,
		queue:     queue,
		threshold: config.StuckThreshold,
		logger:    logger,
	}
}

// Sweep performs one recovery pass and returns how many executions it
// recovered. Guard losses are not errors: an execution that made progress
// between the scan and the claim stays with its worker.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	staleBefore := time.Now().UTC().Add(-s.threshold)

	stale, err := s.store.StaleRunningExecutions(ctx, staleBefore, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, exec := range stale {
		won, err := s.store.RecoverExecution(ctx, exec.ID, staleBefore)
		if err != nil {
			s.logger.Error("Failed to recover stale execution", map[string]interface{}{
				"execution_id": exec.ID,
				"error":        err.Error(),
			})
			continue
		}
		if !won {
			// The worker wrote progress between the scan and the claim, or
			// another sweeper got here first.
			continue
		}

		recovered++
		s.logger.Warn("Recovered stale execution", map[string]interface{}{
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
			"step_order":   exec.CurrentStepOrder,
			"stale_since":  exec.UpdatedAt.Format(time.RFC3339),
		})

		log := core.NewExecutionLog(exec.ID, nil, core.LogLevelWarning,
			fmt.Sprintf("Execution recovered after worker went silent at step %d", exec.CurrentStepOrder),
			core.JSONMap{"stale_since": exec.UpdatedAt.Format(time.RFC3339)})
		if err := s.store.AppendLog(ctx, log); err != nil {
			s.logger.Warn("Failed to append execution log", map[string]interface{}{
				"execution_id": exec.ID,
				"error":        err.Error(),
			})
		}

		if err := s.queue.Enqueue(ctx, exec.ID, time.Time{}); err != nil {
			// The dispatcher's retrying scan picks it up on a later pass.
			s.logger.Warn("Failed to enqueue recovered execution", map[string]interface{}{
				"execution_id": exec.ID,
				"error":        err.Error(),
			})
		}
	}

	return recovered, nil
}
