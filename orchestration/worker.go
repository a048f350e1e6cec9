package orchestration

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mhalbert/flowline/core"
)

// Runner drives one execution to a settled state or yields ownership. A nil
// return means the delivery is done with (settled, yielded or a duplicate
// no-op) and the message can be acknowledged; an error means infrastructure
// interrupted the run and the message must stay leased for redelivery.
type Runner interface {
	Run(ctx context.Context, executionID string) error
}

// WorkerPoolConfig carries the pool's runtime settings, assembled from the
// worker and queue config sections.
type WorkerPoolConfig struct {
	// Concurrency is the number of worker goroutines.
	Concurrency int

	// DequeueTimeout bounds each blocking dequeue call.
	DequeueTimeout time.Duration

	// Visibility is the lease duration for dequeued messages. The pool
	// extends the lease at a third of this interval while a run is in
	// flight.
	Visibility time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight runs.
	ShutdownTimeout time.Duration
}

// DefaultWorkerPoolConfig returns the pool defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Concurrency:     4,
		DequeueTimeout:  5 * time.Second,
		Visibility:      600 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerPool consumes queue messages and hands each execution to the runner.
//
// Acknowledgement follows the runner's contract: a message is acked only when
// Run returns nil. On a run error or panic the message keeps its lease, and
// redelivery after lease expiry lets another worker pick the execution up.
type WorkerPool struct {
	queue  core.Queue
	runner Runner
	config WorkerPoolConfig
	logger core.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	running         atomic.Bool
	activeCount     atomic.Int32
	workerIDCounter atomic.Int32
}

// NewWorkerPool creates a worker pool. Zero or negative config values fall
// back to the defaults.
func NewWorkerPool(queue core.Queue, runner Runner, config WorkerPoolConfig, logger core.Logger) *WorkerPool {
	defaults := DefaultWorkerPoolConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = defaults.DequeueTimeout
	}
	if config.Visibility <= 0 {
		config.Visibility = defaults.Visibility
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	return &WorkerPool{
		queue:  queue,
		runner: runner,
		config: config,
		logger: logger,
	}
}

// Start begins consuming messages. Blocks until ctx is cancelled or Stop is
// called.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.running.Swap(true) {
		return fmt.Errorf("worker pool already running")
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info("Starting worker pool", map[string]interface{}{
		"concurrency": p.config.Concurrency,
		"visibility":  p.config.Visibility.String(),
	})

	for i := 0; i < p.config.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", p.workerIDCounter.Add(1))
		p.wg.Add(1)
		go p.runWorker(workerCtx, workerID)
	}

	p.wg.Wait()
	p.running.Store(false)

	p.logger.Info("Worker pool stopped", map[string]interface{}{
		"concurrency": p.config.Concurrency,
	})

	return nil
}

// Stop drains the pool, waiting up to ShutdownTimeout for in-flight runs.
func (p *WorkerPool) Stop(ctx context.Context) error {
	if !p.running.Load() {
		return nil
	}

	p.logger.Info("Stopping worker pool", map[string]interface{}{
		"active_workers": p.activeCount.Load(),
	})

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(p.config.ShutdownTimeout):
		return fmt.Errorf("shutdown timeout: some workers may still be running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runWorker is the main loop for each worker goroutine.
func (p *WorkerPool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()

	EmitWorkerStarted(ctx, workerID, int(p.activeCount.Add(1)))
	p.logger.Info("Worker started", map[string]interface{}{
		"worker_id": workerID,
	})

	defer func() {
		EmitWorkerStopped(ctx, workerID, int(p.activeCount.Add(-1)))
		p.logger.Info("Worker stopped", map[string]interface{}{
			"worker_id": workerID,
		})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := p.queue.Dequeue(ctx, p.config.DequeueTimeout, p.config.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Dequeue error", map[string]interface{}{
				"worker_id": workerID,
				"error":     err.Error(),
			})
			continue
		}

		if msg == nil {
			// Timeout, nothing queued.
			continue
		}

		p.processMessage(ctx, workerID, msg)
	}
}

// processMessage runs one delivery end to end: lease heartbeat, the run
// itself, and the acknowledgement decision.
func (p *WorkerPool) processMessage(ctx context.Context, workerID string, msg *core.Message) {
	ctx, span := tracer.Start(ctx, "execution.process", trace.WithAttributes(
		attribute.String("execution_id", msg.ExecutionID),
		attribute.String("worker_id", workerID),
	))
	defer span.End()

	start := time.Now()
	if !msg.EnqueuedAt.IsZero() {
		EmitQueueWaitTime(ctx, msg.ExecutionID, start.Sub(msg.EnqueuedAt))
	}

	stopHeartbeat := p.startHeartbeat(ctx, msg)
	err := p.runExecution(ctx, workerID, msg)
	stopHeartbeat()

	duration := time.Since(start)

	if err != nil {
		// No acknowledgement: the message stays in the processing list and
		// becomes visible again when its lease lapses.
		p.logger.Error("Execution run interrupted, message left leased", map[string]interface{}{
			"worker_id":    workerID,
			"execution_id": msg.ExecutionID,
			"error":        err.Error(),
			"duration_ms":  duration.Milliseconds(),
		})
		return
	}

	if err := p.queue.Ack(ctx, msg); err != nil {
		// Redelivery after lease expiry is a no-op through the admission
		// guard, so a failed ack costs one wasted delivery.
		p.logger.Warn("Failed to acknowledge message", map[string]interface{}{
			"worker_id":    workerID,
			"execution_id": msg.ExecutionID,
			"error":        err.Error(),
		})
	}

	p.logger.Info("Message processed", map[string]interface{}{
		"worker_id":    workerID,
		"execution_id": msg.ExecutionID,
		"duration_ms":  duration.Milliseconds(),
	})
}

// runExecution invokes the runner with panic recovery. A panic is reported
// as a run error so the message keeps its lease.
func (p *WorkerPool) runExecution(ctx context.Context, workerID string, msg *core.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			err = fmt.Errorf("runner panic: %v", r)

			EmitWorkerPanic(ctx, workerID, msg.ExecutionID)
			p.logger.Error("Runner panicked", map[string]interface{}{
				"worker_id":    workerID,
				"execution_id": msg.ExecutionID,
				"panic":        fmt.Sprintf("%v", r),
				"stack":        stack,
			})
		}
	}()

	return p.runner.Run(ctx, msg.ExecutionID)
}

// startHeartbeat extends the message lease at a third of the visibility
// window while the run is in flight, so executions longer than one window
// are not redelivered mid-run. The returned stop function blocks until the
// heartbeat goroutine exits.
func (p *WorkerPool) startHeartbeat(ctx context.Context, msg *core.Message) func() {
	interval := p.config.Visibility / 3
	if interval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Extend(hbCtx, msg, p.config.Visibility); err != nil {
					p.logger.Warn("Failed to extend message lease", map[string]interface{}{
						"execution_id": msg.ExecutionID,
						"error":        err.Error(),
					})
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
