package orchestration

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhalbert/flowline/core"
)

// TestWorkflowServiceCreate verifies draft creation with version defaulting
// and name normalization.
func TestWorkflowServiceCreate(t *testing.T) {
	store := newTestStore()
	svc := NewWorkflowService(store, nil)

	workflow, err := svc.Create(context.Background(), CreateWorkflowRequest{
		Name:     "  order-pipeline  ",
		Metadata: core.JSONMap{"team": "payments"},
	})
	require.NoError(t, err)
	assert.Equal(t, "order-pipeline", workflow.Name)
	assert.Equal(t, 1, workflow.Version)
	assert.Equal(t, core.WorkflowStatusDraft, workflow.Status)
	assert.NotEmpty(t, workflow.ID)

	_, err = svc.Create(context.Background(), CreateWorkflowRequest{Name: "   "})
	requireValidationError(t, err)

	_, err = svc.Create(context.Background(), CreateWorkflowRequest{Name: "x", Version: -1})
	requireValidationError(t, err)
}

// TestWorkflowServiceCreateDuplicate verifies (name, version) uniqueness and
// that a new version of the same name is admitted.
func TestWorkflowServiceCreateDuplicate(t *testing.T) {
	store := newTestStore()
	svc := NewWorkflowService(store, nil)

	_, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "pipeline", Version: 1})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), CreateWorkflowRequest{Name: "pipeline", Version: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDuplicateWorkflow))

	v2, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "pipeline", Version: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
}

// TestWorkflowServiceAddStep verifies step composition on drafts: defaults,
// explicit overrides, and the validation set.
func TestWorkflowServiceAddStep(t *testing.T) {
	store := newTestStore()
	svc := NewWorkflowService(store, nil)

	workflow, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "pipeline"})
	require.NoError(t, err)

	step, err := svc.AddStep(context.Background(), workflow.ID, AddStepRequest{
		Name:      "fetch",
		TaskType:  "http_request",
		StepOrder: 0,
		Config:    core.JSONMap{"url": "https://example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, core.DefaultStepTimeoutSeconds, step.TimeoutSeconds)
	assert.Equal(t, core.DefaultStepMaxRetries, step.MaxRetries)

	timeout, retries := 30, 0
	custom, err := svc.AddStep(context.Background(), workflow.ID, AddStepRequest{
		Name:           "notify",
		TaskType:       "log",
		StepOrder:      1,
		TimeoutSeconds: &timeout,
		MaxRetries:     &retries,
	})
	require.NoError(t, err)
	assert.Equal(t, 30, custom.TimeoutSeconds)
	assert.Equal(t, 0, custom.MaxRetries, "explicit zero disables step retries")

	// Validation set.
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{TaskType: "log", StepOrder: 2})
	requireValidationError(t, err)
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{Name: "x", StepOrder: 2})
	requireValidationError(t, err)
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{Name: "x", TaskType: "log", StepOrder: -1})
	requireValidationError(t, err)

	badTimeout := 0
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{
		Name: "x", TaskType: "log", StepOrder: 2, TimeoutSeconds: &badTimeout,
	})
	requireValidationError(t, err)

	badRetries := -1
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{
		Name: "x", TaskType: "log", StepOrder: 2, MaxRetries: &badRetries,
	})
	requireValidationError(t, err)

	// Order collision maps to the uniqueness sentinel.
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{
		Name: "dup", TaskType: "log", StepOrder: 0,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrDuplicateStep))

	// Unknown workflow.
	_, err = svc.AddStep(context.Background(), "missing", AddStepRequest{
		Name: "x", TaskType: "log", StepOrder: 0,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrWorkflowNotFound))
}

// TestWorkflowServiceStepsImmutableAfterDraft verifies that steps cannot be
// added once the workflow leaves draft.
func TestWorkflowServiceStepsImmutableAfterDraft(t *testing.T) {
	store := newTestStore()
	svc := NewWorkflowService(store, nil)

	workflow, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "pipeline"})
	require.NoError(t, err)
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{Name: "a", TaskType: "log", StepOrder: 0})
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), workflow.ID)
	require.NoError(t, err)

	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{Name: "b", TaskType: "log", StepOrder: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrWorkflowNotDraft))
}

// TestWorkflowServiceActivate verifies the dense-order gate and the draft
// precondition.
func TestWorkflowServiceActivate(t *testing.T) {
	store := newTestStore()
	svc := NewWorkflowService(store, nil)

	// No steps.
	empty, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "empty"})
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), empty.ID)
	requireValidationError(t, err)

	// Orders 0 and 2: not dense.
	gapped, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "gapped"})
	require.NoError(t, err)
	_, err = svc.AddStep(context.Background(), gapped.ID, AddStepRequest{Name: "a", TaskType: "log", StepOrder: 0})
	require.NoError(t, err)
	_, err = svc.AddStep(context.Background(), gapped.ID, AddStepRequest{Name: "c", TaskType: "log", StepOrder: 2})
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), gapped.ID)
	requireValidationError(t, err)

	// Dense steps activate.
	good, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "good"})
	require.NoError(t, err)
	_, err = svc.AddStep(context.Background(), good.ID, AddStepRequest{Name: "a", TaskType: "log", StepOrder: 0})
	require.NoError(t, err)
	_, err = svc.AddStep(context.Background(), good.ID, AddStepRequest{Name: "b", TaskType: "log", StepOrder: 1})
	require.NoError(t, err)

	activated, err := svc.Activate(context.Background(), good.ID)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusActive, activated.Status)

	// Activation is one-way.
	_, err = svc.Activate(context.Background(), good.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrWorkflowNotDraft))
}

// TestWorkflowServiceLifecycle verifies the deprecate and archive edges.
func TestWorkflowServiceLifecycle(t *testing.T) {
	store := newTestStore()
	svc := NewWorkflowService(store, nil)

	workflow, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "pipeline"})
	require.NoError(t, err)
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{Name: "a", TaskType: "log", StepOrder: 0})
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), workflow.ID)
	require.NoError(t, err)

	deprecated, err := svc.Deprecate(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusDeprecated, deprecated.Status)

	// deprecated -> deprecated is refused.
	_, err = svc.Deprecate(context.Background(), workflow.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))

	archived, err := svc.Archive(context.Background(), workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusArchived, archived.Status)

	// Archived is terminal.
	_, err = svc.Archive(context.Background(), workflow.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
	_, err = svc.Deprecate(context.Background(), workflow.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidTransition))
}

// TestWorkflowServiceGet verifies step hydration on both read paths.
func TestWorkflowServiceGet(t *testing.T) {
	store := newTestStore()
	svc := NewWorkflowService(store, nil)

	workflow, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "pipeline", Version: 3})
	require.NoError(t, err)
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{Name: "a", TaskType: "log", StepOrder: 0})
	require.NoError(t, err)
	_, err = svc.AddStep(context.Background(), workflow.ID, AddStepRequest{Name: "b", TaskType: "delay", StepOrder: 1})
	require.NoError(t, err)

	byID, err := svc.Get(context.Background(), workflow.ID)
	require.NoError(t, err)
	require.Len(t, byID.Steps, 2)
	assert.Equal(t, "a", byID.Steps[0].Name)
	assert.Equal(t, "b", byID.Steps[1].Name)

	byName, err := svc.GetByName(context.Background(), "pipeline", 3)
	require.NoError(t, err)
	assert.Equal(t, workflow.ID, byName.ID)
	assert.Len(t, byName.Steps, 2)

	_, err = svc.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrWorkflowNotFound))

	_, err = svc.GetByName(context.Background(), "pipeline", 9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrWorkflowNotFound))
}

// TestWorkflowServiceList verifies the status filter.
func TestWorkflowServiceList(t *testing.T) {
	store := newTestStore()
	svc := NewWorkflowService(store, nil)

	draft, err := svc.Create(context.Background(), CreateWorkflowRequest{Name: "a"})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), CreateWorkflowRequest{Name: "b"})
	require.NoError(t, err)

	_, err = svc.AddStep(context.Background(), draft.ID, AddStepRequest{Name: "s", TaskType: "log", StepOrder: 0})
	require.NoError(t, err)
	_, err = svc.Activate(context.Background(), draft.ID)
	require.NoError(t, err)

	all, err := svc.List(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active := core.WorkflowStatusActive
	onlyActive, err := svc.List(context.Background(), &active, 0)
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	assert.Equal(t, draft.ID, onlyActive[0].ID)
}

// TestWorkflowServiceImport verifies definition import: list order becomes
// step order, per-step overrides apply, and the activate flag short-circuits
// the draft stage.
func TestWorkflowServiceImport(t *testing.T) {
	store := newTestStore()
	svc := NewWorkflowService(store, nil)

	timeout := 30
	def := &Definition{
		Name:    "imported",
		Version: 1,
		Steps: []StepDefinition{
			{Name: "fetch", Type: "http_request", Config: core.JSONMap{"url": "https://example.com"}, TimeoutSeconds: &timeout},
			{Name: "notify", Type: "log"},
		},
	}

	workflow, err := svc.Import(context.Background(), def, false)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusDraft, workflow.Status)
	require.Len(t, workflow.Steps, 2)
	assert.Equal(t, 0, workflow.Steps[0].StepOrder)
	assert.Equal(t, 30, workflow.Steps[0].TimeoutSeconds)
	assert.Equal(t, 1, workflow.Steps[1].StepOrder)

	def.Name = "imported-active"
	activated, err := svc.Import(context.Background(), def, true)
	require.NoError(t, err)
	assert.Equal(t, core.WorkflowStatusActive, activated.Status)

	_, err = svc.Import(context.Background(), &Definition{Name: "bad", Version: 1}, false)
	requireValidationError(t, err)
}
