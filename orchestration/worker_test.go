package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRunner records deliveries and fails or panics on demand.
type testRunner struct {
	mu      sync.Mutex
	runs    []string
	errFor  map[string]error
	panicOn string
	delay   time.Duration
}

func newTestRunner() *testRunner {
	return &testRunner{errFor: make(map[string]error)}
}

func (r *testRunner) Run(_ context.Context, executionID string) error {
	r.mu.Lock()
	r.runs = append(r.runs, executionID)
	err := r.errFor[executionID]
	panicOn := r.panicOn
	delay := r.delay
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if executionID == panicOn {
		panic("runner exploded")
	}
	return err
}

func (r *testRunner) ranCount(executionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, id := range r.runs {
		if id == executionID {
			n++
		}
	}
	return n
}

func testPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Concurrency:     2,
		DequeueTimeout:  50 * time.Millisecond,
		Visibility:      time.Hour,
		ShutdownTimeout: 2 * time.Second,
	}
}

// startPool runs the pool in the background and returns its exit channel.
func startPool(ctx context.Context, pool *WorkerPool) chan error {
	done := make(chan error, 1)
	go func() { done <- pool.Start(ctx) }()
	return done
}

func waitPoolExit(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}
}

// TestWorkerPoolAcksOnSuccess verifies the happy path: the delivery reaches
// the runner and is acknowledged when the run settles.
func TestWorkerPoolAcksOnSuccess(t *testing.T) {
	queue := newTestQueue()
	runner := newTestRunner()
	pool := NewWorkerPool(queue, runner, testPoolConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := startPool(ctx, pool)

	require.NoError(t, queue.Enqueue(context.Background(), "exec-1", time.Time{}))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, runner.ranCount("exec-1"))
	assert.True(t, queue.ackedFor("exec-1"))

	cancel()
	waitPoolExit(t, done)
	require.NoError(t, pool.Stop(context.Background()))
}

// TestWorkerPoolLeavesLeaseOnRunError verifies that an infrastructure error
// from the runner leaves the message unacknowledged for redelivery.
func TestWorkerPoolLeavesLeaseOnRunError(t *testing.T) {
	queue := newTestQueue()
	runner := newTestRunner()
	runner.errFor["exec-broken"] = errors.New("store unavailable")
	pool := NewWorkerPool(queue, runner, testPoolConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := startPool(ctx, pool)

	require.NoError(t, queue.Enqueue(context.Background(), "exec-broken", time.Time{}))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, runner.ranCount("exec-broken"))
	assert.False(t, queue.ackedFor("exec-broken"))

	cancel()
	waitPoolExit(t, done)
}

// TestWorkerPoolSurvivesPanic verifies that a panicking run neither
// acknowledges the message nor kills the worker.
func TestWorkerPoolSurvivesPanic(t *testing.T) {
	queue := newTestQueue()
	runner := newTestRunner()
	runner.panicOn = "exec-panic"
	pool := NewWorkerPool(queue, runner, testPoolConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := startPool(ctx, pool)

	require.NoError(t, queue.Enqueue(context.Background(), "exec-panic", time.Time{}))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, 1, runner.ranCount("exec-panic"))
	assert.False(t, queue.ackedFor("exec-panic"))

	// The pool keeps consuming after the panic.
	require.NoError(t, queue.Enqueue(context.Background(), "exec-next", time.Time{}))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, runner.ranCount("exec-next"))
	assert.True(t, queue.ackedFor("exec-next"))

	cancel()
	waitPoolExit(t, done)
}

// TestWorkerPoolExtendsLease verifies the heartbeat keeps the lease alive
// while a run outlasts the visibility window.
func TestWorkerPoolExtendsLease(t *testing.T) {
	queue := newTestQueue()
	runner := newTestRunner()
	runner.delay = 350 * time.Millisecond

	config := testPoolConfig()
	config.Visibility = 150 * time.Millisecond // heartbeat every 50ms
	pool := NewWorkerPool(queue, runner, config, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := startPool(ctx, pool)

	require.NoError(t, queue.Enqueue(context.Background(), "exec-slow", time.Time{}))
	time.Sleep(500 * time.Millisecond)

	assert.True(t, queue.ackedFor("exec-slow"))
	assert.Greater(t, queue.extendCount(), 0)

	cancel()
	waitPoolExit(t, done)
}

// TestWorkerPoolStartTwice verifies the second Start is refused while the
// first is live.
func TestWorkerPoolStartTwice(t *testing.T) {
	queue := newTestQueue()
	pool := NewWorkerPool(queue, newTestRunner(), testPoolConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := startPool(ctx, pool)
	time.Sleep(100 * time.Millisecond)

	err := pool.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	cancel()
	waitPoolExit(t, done)
}

// TestWorkerPoolStopWithoutStart verifies Stop on an idle pool is a no-op.
func TestWorkerPoolStopWithoutStart(t *testing.T) {
	pool := NewWorkerPool(newTestQueue(), newTestRunner(), testPoolConfig(), nil)
	require.NoError(t, pool.Stop(context.Background()))
}
