package orchestration

import (
	"context"
	"fmt"
	"strings"

	"github.com/mhalbert/flowline/core"
)

// WorkflowService manages workflow definitions: creation, step composition
// while in draft, lifecycle transitions, and the read paths the API serves.
type WorkflowService struct {
	store  core.Store
	logger core.Logger
}

// NewWorkflowService assembles the service.
func NewWorkflowService(store core.Store, logger core.Logger) *WorkflowService {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &WorkflowService{store: store, logger: logger}
}

// CreateWorkflowRequest carries the parameters for a new draft workflow.
// Version defaults to 1.
type CreateWorkflowRequest struct {
	Name     string
	Version  int
	Metadata core.JSONMap
}

// Create registers a new workflow in draft status.
func (s *WorkflowService) Create(ctx context.Context, req CreateWorkflowRequest) (*core.Workflow, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, validationErr("workflow.Create", "workflow name is required")
	}
	version := req.Version
	if version == 0 {
		version = 1
	}
	if version < 1 {
		return nil, validationErr("workflow.Create", "workflow version must be at least 1")
	}

	workflow := core.NewWorkflow(name, version, req.Metadata)
	if err := s.store.CreateWorkflow(ctx, workflow); err != nil {
		return nil, err
	}

	s.logger.Info("Workflow created", map[string]interface{}{
		"workflow_id": workflow.ID,
		"name":        workflow.Name,
		"version":     workflow.Version,
	})
	return workflow, nil
}

// Get returns a workflow with its steps hydrated.
func (s *WorkflowService) Get(ctx context.Context, workflowID string) (*core.Workflow, error) {
	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	workflow.Steps = steps
	return workflow, nil
}

// GetByName returns a workflow by its unique (name, version) pair, with
// steps hydrated.
func (s *WorkflowService) GetByName(ctx context.Context, name string, version int) (*core.Workflow, error) {
	workflow, err := s.store.GetWorkflowByName(ctx, name, version)
	if err != nil {
		return nil, err
	}
	steps, err := s.store.ListSteps(ctx, workflow.ID)
	if err != nil {
		return nil, err
	}
	workflow.Steps = steps
	return workflow, nil
}

// List returns workflow summaries without steps, optionally filtered by
// status. A non-positive limit applies the default of 100.
func (s *WorkflowService) List(ctx context.Context, status *core.WorkflowStatus, limit int) ([]*core.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListWorkflows(ctx, status, limit)
}

// AddStepRequest carries the parameters for a new step. TimeoutSeconds and
// MaxRetries distinguish unset (nil, defaults apply) from explicit values;
// an explicit zero for MaxRetries disables step-level retries.
type AddStepRequest struct {
	Name           string
	TaskType       string
	StepOrder      int
	Config         core.JSONMap
	TimeoutSeconds *int
	MaxRetries     *int
}

// AddStep appends a step to a draft workflow. Steps are immutable once the
// workflow leaves draft.
func (s *WorkflowService) AddStep(ctx context.Context, workflowID string, req AddStepRequest) (*core.WorkflowStep, error) {
	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != core.WorkflowStatusDraft {
		return nil, &core.EngineError{
			Op:      "workflow.AddStep",
			Kind:    "workflow",
			ID:      workflowID,
			Message: fmt.Sprintf("cannot add steps to workflow in %s status", workflow.Status),
			Err:     core.ErrWorkflowNotDraft,
		}
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, validationErr("workflow.AddStep", "step name is required")
	}
	taskType := strings.TrimSpace(req.TaskType)
	if taskType == "" {
		return nil, validationErr("workflow.AddStep", "task type is required")
	}
	if req.StepOrder < 0 {
		return nil, validationErr("workflow.AddStep", "step order must be non-negative")
	}

	step := core.NewWorkflowStep(workflowID, name, taskType, req.StepOrder, req.Config)
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds <= 0 {
			return nil, validationErr("workflow.AddStep", "timeout_seconds must be positive")
		}
		step.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, validationErr("workflow.AddStep", "max_retries cannot be negative")
		}
		step.MaxRetries = *req.MaxRetries
	}

	if err := s.store.CreateStep(ctx, step); err != nil {
		return nil, err
	}

	s.logger.Info("Step added", map[string]interface{}{
		"workflow_id": workflowID,
		"step":        name,
		"task_type":   taskType,
		"step_order":  req.StepOrder,
	})
	return step, nil
}

// Activate moves a draft workflow to active, making it eligible for
// executions. The step list must be a dense 0-based sequence with at least
// one step; the orchestrator relies on that shape.
func (s *WorkflowService) Activate(ctx context.Context, workflowID string) (*core.Workflow, error) {
	workflow, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if workflow.Status != core.WorkflowStatusDraft {
		return nil, &core.EngineError{
			Op:      "workflow.Activate",
			Kind:    "workflow",
			ID:      workflowID,
			Message: fmt.Sprintf("can only activate draft workflows, current status: %s", workflow.Status),
			Err:     core.ErrWorkflowNotDraft,
		}
	}

	steps, err := s.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, validationErr("workflow.Activate", "cannot activate workflow without steps")
	}
	for i, step := range steps {
		if step.StepOrder != i {
			return nil, validationErr("workflow.Activate",
				"step orders must be dense starting at 0: position %d has order %d", i, step.StepOrder)
		}
	}

	return s.transition(ctx, workflowID, "workflow.Activate",
		[]core.WorkflowStatus{core.WorkflowStatusDraft}, core.WorkflowStatusActive)
}

// Deprecate stops a workflow from admitting new executions. Existing
// executions are unaffected.
func (s *WorkflowService) Deprecate(ctx context.Context, workflowID string) (*core.Workflow, error) {
	return s.transition(ctx, workflowID, "workflow.Deprecate",
		[]core.WorkflowStatus{core.WorkflowStatusDraft, core.WorkflowStatusActive},
		core.WorkflowStatusDeprecated)
}

// Archive retires a workflow permanently. Archived is terminal.
func (s *WorkflowService) Archive(ctx context.Context, workflowID string) (*core.Workflow, error) {
	return s.transition(ctx, workflowID, "workflow.Archive",
		[]core.WorkflowStatus{core.WorkflowStatusDraft, core.WorkflowStatusActive, core.WorkflowStatusDeprecated},
		core.WorkflowStatusArchived)
}

func (s *WorkflowService) transition(ctx context.Context, workflowID, op string, from []core.WorkflowStatus, to core.WorkflowStatus) (*core.Workflow, error) {
	ok, err := s.store.TransitionWorkflow(ctx, workflowID, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		workflow, readErr := s.store.GetWorkflow(ctx, workflowID)
		if readErr != nil {
			return nil, readErr
		}
		return nil, &core.EngineError{
			Op:      op,
			Kind:    "workflow",
			ID:      workflowID,
			Message: fmt.Sprintf("cannot transition workflow from %s to %s", workflow.Status, to),
			Err:     core.ErrInvalidTransition,
		}
	}

	s.logger.Info("Workflow transitioned", map[string]interface{}{
		"workflow_id": workflowID,
		"status":      string(to),
	})
	return s.store.GetWorkflow(ctx, workflowID)
}

// Import creates a workflow with its steps from a parsed definition and
// optionally activates it in the same call. Step order follows the
// definition's list order.
func (s *WorkflowService) Import(ctx context.Context, def *Definition, activate bool) (*core.Workflow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	workflow, err := s.Create(ctx, CreateWorkflowRequest{
		Name:     def.Name,
		Version:  def.Version,
		Metadata: def.Metadata,
	})
	if err != nil {
		return nil, err
	}

	for i, stepDef := range def.Steps {
		req := AddStepRequest{
			Name:           stepDef.Name,
			TaskType:       stepDef.Type,
			StepOrder:      i,
			Config:         stepDef.Config,
			TimeoutSeconds: stepDef.TimeoutSeconds,
			MaxRetries:     stepDef.MaxRetries,
		}
		if _, err := s.AddStep(ctx, workflow.ID, req); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, stepDef.Name, err)
		}
	}

	if activate {
		return s.Activate(ctx, workflow.ID)
	}
	return s.Get(ctx, workflow.ID)
}
