package orchestration

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/mhalbert/flowline/core"
)

// Engine composes the worker daemon: durable store, task queue, handler
// registry, orchestrator, worker pool and the background sweeper and
// dispatcher schedules.
type Engine struct {
	config *core.Config
	logger core.Logger

	store      *PostgresStore
	queue      *RedisQueue
	registry   *Registry
	pool       *WorkerPool
	sweeper    *Sweeper
	dispatcher *Dispatcher
	schedules  *cron.Cron
}

// NewEngine connects to the store and queue and wires every engine
// component, including the built-in handlers and the recovery schedules.
// The caller owns the lifecycle through Start and Stop.
func NewEngine(ctx context.Context, config *core.Config, logger core.Logger) (*Engine, error) {
	if config == nil {
		config = core.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	store, err := OpenPostgresStore(ctx, config.Store, logger)
	if err != nil {
		return nil, err
	}

	queue, err := OpenRedisQueue(ctx, config.Queue, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := NewRegistry()
	for _, h := range []core.Handler{
		NewHTTPRequestHandler(nil),
		NewDataTransformHandler(),
		NewConditionalHandler(),
		NewDelayHandler(),
		NewLogHandler(logger),
	} {
		if err := registry.Register(h); err != nil {
			_ = queue.Close()
			_ = store.Close()
			return nil, fmt.Errorf("register built-in handler: %w", err)
		}
	}

	orchestrator := NewOrchestrator(store, queue, registry, config.Retry, logger)

	pool := NewWorkerPool(queue, orchestrator, WorkerPoolConfig{
		Concurrency:     config.Worker.Concurrency,
		DequeueTimeout:  config.Queue.DequeueTimeout,
		Visibility:      config.Queue.Visibility,
		ShutdownTimeout: config.Worker.ShutdownTimeout,
	}, logger)

	e := &Engine{
		config:     config,
		logger:     logger,
		store:      store,
		queue:      queue,
		registry:   registry,
		pool:       pool,
		sweeper:    NewSweeper(store, queue, config.Sweeper, logger),
		dispatcher: NewDispatcher(store, queue, config.Dispatcher, logger),
		schedules:  cron.New(),
	}

	if err := e.scheduleBackgroundPasses(); err != nil {
		_ = queue.Close()
		_ = store.Close()
		return nil, err
	}

	return e, nil
}

// Registry exposes the handler registry so embedders can add custom task
// types before Start.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start runs the recovery schedules and the worker pool. Blocks until ctx is
// cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Engine starting", map[string]interface{}{
		"concurrency":         e.config.Worker.Concurrency,
		"sweeper_interval":    e.config.Sweeper.Interval.String(),
		"dispatcher_interval": e.config.Dispatcher.Interval.String(),
		"task_types":          e.registry.Types(),
	})

	e.schedules.Start()
	defer func() { <-e.schedules.Stop().Done() }()

	return e.pool.Start(ctx)
}

// Stop drains the engine: halts the schedules, drains the worker pool up to
// its shutdown timeout, and closes the queue and store connections.
func (e *Engine) Stop(ctx context.Context) error {
	<-e.schedules.Stop().Done()

	err := e.pool.Stop(ctx)

	if cerr := e.queue.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := e.store.Close(); cerr != nil && err == nil {
		err = cerr
	}

	e.logger.Info("Engine stopped", nil)
	return err
}

// scheduleBackgroundPasses registers the sweeper and dispatcher cron
// entries. Each pass gets a fresh context bounded by its own interval so a
// hung pass cannot pile up behind the next one.
func (e *Engine) scheduleBackgroundPasses() error {
	sweepInterval := e.config.Sweeper.Interval
	if _, err := e.schedules.AddFunc("@every "+sweepInterval.String(), func() {
		passCtx, cancel := context.WithTimeout(context.Background(), sweepInterval)
		defer cancel()

		if _, err := e.sweeper.Sweep(passCtx); err != nil {
			e.logger.Error("Sweep pass failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	dispatchInterval := e.config.Dispatcher.Interval
	if _, err := e.schedules.AddFunc("@every "+dispatchInterval.String(), func() {
		passCtx, cancel := context.WithTimeout(context.Background(), dispatchInterval)
		defer cancel()

		if _, err := e.dispatcher.Dispatch(passCtx); err != nil {
			e.logger.Error("Dispatch pass failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}); err != nil {
		return fmt.Errorf("schedule dispatcher: %w", err)
	}

	return nil
}
