package orchestration

import (
	"context"
	"time"

	"github.com/mhalbert/flowline/core"
)

// dispatchBatchSize bounds how many due executions one dispatch pass
// re-publishes per status.
const dispatchBatchSize = 100

// queueMaintainer is implemented by queues with background upkeep: promoting
// due delayed messages and reclaiming entries whose lease expired.
type queueMaintainer interface {
	Maintain(ctx context.Context) error
}

// Dispatcher re-publishes executions that are due but missing from the
// queue. Enqueues are deliberately non-transactional with store writes, so a
// queue outage at trigger or retry time can leave a due execution with no
// message; the dispatcher closes that gap by scanning for due pending and
// retrying rows and publishing them again. Duplicate deliveries are
// harmless: the admission guard turns them into no-ops.
type Dispatcher struct {
	store  core.Store
	queue  core.Queue
	grace  time.Duration
	logger core.Logger
}

// NewDispatcher creates a dispatcher. A zero or negative grace falls back to
// the default.
func NewDispatcher(store core.Store, queue core.Queue, config core.DispatcherConfig, logger core.Logger) *Dispatcher {
	if config.Grace <= 0 {
		config.Grace = 30 * time.Second
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &Dispatcher{
		store:  store,
		queue:  queue,
		grace:  config.Grace,
		logger: logger,
	}
}

// Dispatch performs one pass and returns how many executions it published.
//
// The pass first runs queue upkeep (delayed promotion, lease reclaim) when
// the queue supports it, then scans for executions due at least one grace
// period ago. The grace keeps the dispatcher from racing the normal enqueue
// path on executions that are due but already in flight to the queue.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	if m, ok := d.queue.(queueMaintainer); ok {
		if err := m.Maintain(ctx); err != nil {
			d.logger.Warn("Queue maintenance failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	cutoff := time.Now().UTC().Add(-d.grace)

	pending, err := d.store.DuePendingExecutions(ctx, cutoff, dispatchBatchSize)
	if err != nil {
		return 0, err
	}
	retrying, err := d.store.DueRetryingExecutions(ctx, cutoff, dispatchBatchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, exec := range append(pending, retrying...) {
		if err := d.queue.Enqueue(ctx, exec.ID, time.Time{}); err != nil {
			d.logger.Warn("Failed to dispatch due execution", map[string]interface{}{
				"execution_id": exec.ID,
				"status":       string(exec.Status),
				"error":        err.Error(),
			})
			continue
		}

		dispatched++
		d.logger.Info("Dispatched due execution", map[string]interface{}{
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
			"status":       string(exec.Status),
		})
	}

	return dispatched, nil
}
