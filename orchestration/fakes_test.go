package orchestration

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mhalbert/flowline/core"
)

// testStore implements core.Store in memory with the same guarded-update
// semantics as the PostgreSQL implementation: every transition checks the
// current status and reports false when the guard does not match.
type testStore struct {
	mu         sync.RWMutex
	workflows  map[string]*core.Workflow
	steps      map[string][]*core.WorkflowStep
	executions map[string]*core.Execution
	stepExecs  map[string]*core.StepExecution
	logs       []*core.ExecutionLog
	logSeq     int64

	// byKeyMisses makes the next N GetExecutionByKey calls miss, so tests
	// can force the insert race the trigger path resolves.
	byKeyMisses int
}

func newTestStore() *testStore {
	return &testStore{
		workflows:  make(map[string]*core.Workflow),
		steps:      make(map[string][]*core.WorkflowStep),
		executions: make(map[string]*core.Execution),
		stepExecs:  make(map[string]*core.StepExecution),
	}
}

func (s *testStore) CreateWorkflow(_ context.Context, w *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.workflows {
		if existing.Name == w.Name && existing.Version == w.Version {
			return &core.EngineError{Op: "store.CreateWorkflow", Kind: "workflow", ID: w.Name, Err: core.ErrDuplicateWorkflow}
		}
	}
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

func (s *testStore) GetWorkflow(_ context.Context, id string) (*core.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, &core.EngineError{Op: "store.GetWorkflow", Kind: "workflow", ID: id, Err: core.ErrWorkflowNotFound}
	}
	cp := *w
	return &cp, nil
}

func (s *testStore) GetWorkflowByName(_ context.Context, name string, version int) (*core.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workflows {
		if w.Name == name && w.Version == version {
			cp := *w
			return &cp, nil
		}
	}
	return nil, &core.EngineError{Op: "store.GetWorkflowByName", Kind: "workflow", ID: name, Err: core.ErrWorkflowNotFound}
}

func (s *testStore) ListWorkflows(_ context.Context, status *core.WorkflowStatus, limit int) ([]*core.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*core.Workflow{}
	for _, w := range s.workflows {
		if status != nil && w.Status != *status {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *testStore) TransitionWorkflow(_ context.Context, id string, from []core.WorkflowStatus, to core.WorkflowStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if w.Status == f {
			w.Status = to
			w.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (s *testStore) CreateStep(_ context.Context, step *core.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.steps[step.WorkflowID] {
		if existing.StepOrder == step.StepOrder {
			return &core.EngineError{Op: "store.CreateStep", Kind: "step", ID: step.WorkflowID, Err: core.ErrDuplicateStep}
		}
	}
	cp := *step
	s.steps[step.WorkflowID] = append(s.steps[step.WorkflowID], &cp)
	return nil
}

func (s *testStore) ListSteps(_ context.Context, workflowID string) ([]*core.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.WorkflowStep, 0, len(s.steps[workflowID]))
	for _, st := range s.steps[workflowID] {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (s *testStore) CreateExecution(_ context.Context, e *core.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.IdempotencyKey != "" {
		for _, existing := range s.executions {
			if existing.WorkflowID == e.WorkflowID && existing.IdempotencyKey == e.IdempotencyKey {
				return &core.EngineError{Op: "store.CreateExecution", Kind: "execution", ID: e.IdempotencyKey, Err: core.ErrDuplicateExecution}
			}
		}
	}
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (s *testStore) GetExecution(_ context.Context, id string) (*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, &core.EngineError{Op: "store.GetExecution", Kind: "execution", ID: id, Err: core.ErrExecutionNotFound}
	}
	cp := *e
	return &cp, nil
}

func (s *testStore) GetExecutionByKey(_ context.Context, workflowID, idempotencyKey string) (*core.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byKeyMisses > 0 {
		s.byKeyMisses--
		return nil, &core.EngineError{Op: "store.GetExecutionByKey", Kind: "execution", ID: idempotencyKey, Err: core.ErrExecutionNotFound}
	}
	for _, e := range s.executions {
		if e.WorkflowID == workflowID && e.IdempotencyKey == idempotencyKey {
			cp := *e
			return &cp, nil
		}
	}
	return nil, &core.EngineError{Op: "store.GetExecutionByKey", Kind: "execution", ID: idempotencyKey, Err: core.ErrExecutionNotFound}
}

func (s *testStore) ListExecutions(_ context.Context, workflowID string, status *core.ExecutionStatus, limit int) ([]*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*core.Execution{}
	for _, e := range s.executions {
		if workflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		if status != nil && e.Status != *status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *testStore) StartExecution(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || (e.Status != core.ExecutionStatusPending && e.Status != core.ExecutionStatusRetrying) {
		return false, nil
	}
	now := time.Now().UTC()
	e.Status = core.ExecutionStatusRunning
	if e.StartedAt == nil {
		e.StartedAt = &now
	}
	e.UpdatedAt = now
	return true, nil
}

func (s *testStore) CompleteExecution(_ context.Context, id string, output core.JSONMap) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != core.ExecutionStatusRunning {
		return false, nil
	}
	now := time.Now().UTC()
	e.Status = core.ExecutionStatusCompleted
	e.Output = output
	e.CompletedAt = &now
	e.UpdatedAt = now
	return true, nil
}

func (s *testStore) FailExecution(_ context.Context, id, errMsg string, final bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || (e.Status != core.ExecutionStatusRunning && e.Status != core.ExecutionStatusRetrying) {
		return false, nil
	}
	now := time.Now().UTC()
	e.Status = core.ExecutionStatusFailed
	e.ErrorMessage = errMsg
	if final {
		e.CompletedAt = &now
	}
	e.UpdatedAt = now
	return true, nil
}

func (s *testStore) ScheduleRetry(_ context.Context, id, errMsg string, scheduledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != core.ExecutionStatusRunning || e.RetryCount >= e.MaxRetries {
		return false, nil
	}
	e.Status = core.ExecutionStatusRetrying
	e.RetryCount++
	e.ErrorMessage = errMsg
	e.ScheduledAt = &scheduledAt
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *testStore) RetryExecution(_ context.Context, id string, scheduledAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != core.ExecutionStatusFailed || e.RetryCount >= e.MaxRetries {
		return false, nil
	}
	e.Status = core.ExecutionStatusRetrying
	e.RetryCount++
	e.ScheduledAt = &scheduledAt
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *testStore) CancelExecution(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now().UTC()
	e.Status = core.ExecutionStatusCancelled
	e.CompletedAt = &now
	e.UpdatedAt = now
	return true, nil
}

func (s *testStore) RecoverExecution(_ context.Context, id string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != core.ExecutionStatusRunning || !e.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	e.Status = core.ExecutionStatusRetrying
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *testStore) CreateStepExecution(_ context.Context, se *core.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *se
	s.stepExecs[se.ID] = &cp
	return nil
}

func (s *testStore) ListStepExecutions(_ context.Context, executionID string) ([]*core.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*core.StepExecution{}
	for _, se := range s.stepExecs {
		if se.ExecutionID == executionID {
			cp := *se
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepOrder != out[j].StepOrder {
			return out[i].StepOrder < out[j].StepOrder
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (s *testStore) CountStepAttempts(_ context.Context, executionID string, stepOrder int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, se := range s.stepExecs {
		if se.ExecutionID == executionID && se.StepOrder == stepOrder {
			count++
		}
	}
	return count, nil
}

func (s *testStore) LastCompletedStep(_ context.Context, executionID string) (*core.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *core.StepExecution
	for _, se := range s.stepExecs {
		if se.ExecutionID != executionID || se.Status != core.StepStatusCompleted {
			continue
		}
		if last == nil || se.StepOrder > last.StepOrder ||
			(se.StepOrder == last.StepOrder && se.AttemptNumber > last.AttemptNumber) {
			last = se
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (s *testStore) StartStepExecution(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok || se.Status != core.StepStatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	se.Status = core.StepStatusRunning
	se.StartedAt = &now
	return true, nil
}

func (s *testStore) FailStepExecution(_ context.Context, id, errMsg string, details core.JSONMap) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok || se.Status != core.StepStatusRunning {
		return false, nil
	}
	now := time.Now().UTC()
	se.Status = core.StepStatusFailed
	se.ErrorMessage = errMsg
	se.ErrorDetails = details
	se.CompletedAt = &now
	return true, nil
}

func (s *testStore) SkipStepExecution(_ context.Context, id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[id]
	if !ok || (se.Status != core.StepStatusPending && se.Status != core.StepStatusRunning) {
		return false, nil
	}
	now := time.Now().UTC()
	se.Status = core.StepStatusSkipped
	se.ErrorMessage = reason
	se.CompletedAt = &now
	return true, nil
}

func (s *testStore) CheckpointStep(_ context.Context, stepExecutionID string, output core.JSONMap, executionID string, nextStepOrder int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	se, ok := s.stepExecs[stepExecutionID]
	if !ok || se.Status != core.StepStatusRunning {
		return &core.EngineError{Op: "store.CheckpointStep", Kind: "step_execution", ID: stepExecutionID, Err: core.ErrInvalidTransition}
	}
	e, ok := s.executions[executionID]
	if !ok || e.Status != core.ExecutionStatusRunning {
		return &core.EngineError{Op: "store.CheckpointStep", Kind: "execution", ID: executionID, Err: core.ErrInvalidTransition}
	}
	now := time.Now().UTC()
	se.Status = core.StepStatusCompleted
	se.Output = output
	se.CompletedAt = &now
	e.CurrentStepOrder = nextStepOrder
	e.UpdatedAt = now
	return nil
}

func (s *testStore) AppendLog(_ context.Context, l *core.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	l.ID = s.logSeq
	cp := *l
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *testStore) ListLogs(_ context.Context, executionID string, level *core.LogLevel) ([]*core.ExecutionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*core.ExecutionLog{}
	for _, l := range s.logs {
		if l.ExecutionID != executionID {
			continue
		}
		if level != nil && l.Level != *level {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *testStore) StaleRunningExecutions(_ context.Context, staleBefore time.Time, limit int) ([]*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*core.Execution{}
	for _, e := range s.executions {
		if e.Status == core.ExecutionStatusRunning && e.UpdatedAt.Before(staleBefore) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *testStore) DuePendingExecutions(_ context.Context, cutoff time.Time, limit int) ([]*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*core.Execution{}
	for _, e := range s.executions {
		if e.Status != core.ExecutionStatusPending {
			continue
		}
		due := e.CreatedAt
		if e.ScheduledAt != nil {
			due = *e.ScheduledAt
		}
		if !due.After(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *testStore) DueRetryingExecutions(_ context.Context, cutoff time.Time, limit int) ([]*core.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*core.Execution{}
	for _, e := range s.executions {
		if e.Status != core.ExecutionStatusRetrying {
			continue
		}
		due := e.UpdatedAt
		if e.ScheduledAt != nil {
			due = *e.ScheduledAt
		}
		if !due.After(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *testStore) Ping(_ context.Context) error { return nil }

// touchExecution backdates an execution's updated_at, simulating a worker
// that stopped writing progress.
func (s *testStore) touchExecution(id string, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.executions[id]; ok {
		e.UpdatedAt = updatedAt
	}
}

// enqueueCall records one Enqueue invocation.
type enqueueCall struct {
	executionID string
	deliverAt   time.Time
}

// testQueue implements core.Queue for orchestration tests. Immediate
// messages are delivered through a channel; deferred ones are only recorded.
type testQueue struct {
	ready chan *core.Message

	mu         sync.Mutex
	calls      []enqueueCall
	acked      map[string]bool
	extends    int
	failNext   error
	maintained atomic.Int32
}

func newTestQueue() *testQueue {
	return &testQueue{
		ready: make(chan *core.Message, 100),
		acked: make(map[string]bool),
	}
}

func (q *testQueue) Enqueue(ctx context.Context, executionID string, deliverAt time.Time) error {
	q.mu.Lock()
	if q.failNext != nil {
		err := q.failNext
		q.failNext = nil
		q.mu.Unlock()
		return err
	}
	q.calls = append(q.calls, enqueueCall{executionID: executionID, deliverAt: deliverAt})
	q.mu.Unlock()

	if deliverAt.IsZero() || !deliverAt.After(time.Now()) {
		msg := &core.Message{ID: uuid.NewString(), ExecutionID: executionID, EnqueuedAt: time.Now().UTC()}
		select {
		case q.ready <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (q *testQueue) Dequeue(ctx context.Context, timeout, _ time.Duration) (*core.Message, error) {
	select {
	case msg := <-q.ready:
		return msg, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *testQueue) Ack(_ context.Context, msg *core.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked[msg.ExecutionID] = true
	return nil
}

func (q *testQueue) Extend(_ context.Context, _ *core.Message, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.extends++
	return nil
}

func (q *testQueue) Ping(_ context.Context) error { return nil }

func (q *testQueue) Maintain(_ context.Context) error {
	q.maintained.Add(1)
	return nil
}

func (q *testQueue) enqueued() []enqueueCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]enqueueCall, len(q.calls))
	copy(out, q.calls)
	return out
}

func (q *testQueue) ackedFor(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked[executionID]
}

func (q *testQueue) extendCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.extends
}

// seedWorkflow stores an active workflow with the given steps, assigning
// their workflow ID.
func seedWorkflow(t *testing.T, store *testStore, steps ...*core.WorkflowStep) *core.Workflow {
	t.Helper()
	w := core.NewWorkflow(uniqueName("pipeline"), 1, nil)
	w.Status = core.WorkflowStatusActive
	require.NoError(t, store.CreateWorkflow(context.Background(), w))
	for _, s := range steps {
		s.WorkflowID = w.ID
		require.NoError(t, store.CreateStep(context.Background(), s))
	}
	return w
}

// seedExecution stores an execution in the given status.
func seedExecution(t *testing.T, store *testStore, workflowID string, status core.ExecutionStatus, input core.JSONMap) *core.Execution {
	t.Helper()
	exec := core.NewExecution(workflowID, uniqueName("key"), input, core.DefaultExecutionRetries)
	exec.Status = status
	require.NoError(t, store.CreateExecution(context.Background(), exec))
	return exec
}

func uniqueName(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
