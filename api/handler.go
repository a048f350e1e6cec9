// Package api exposes the engine's REST surface.
//
// Endpoints:
//   - GET  /health                                    - store and queue health
//   - POST /api/v1/workflows                          - create a workflow
//   - GET  /api/v1/workflows                          - list workflows
//   - GET  /api/v1/workflows/{workflowID}             - get a workflow with steps
//   - POST /api/v1/workflows/{workflowID}/steps       - add a step to a draft
//   - POST /api/v1/workflows/{workflowID}/activate    - activate a workflow
//   - POST /api/v1/workflows/{workflowID}/deprecate   - deprecate a workflow
//   - POST /api/v1/executions                         - trigger an execution
//   - GET  /api/v1/executions                         - list executions
//   - GET  /api/v1/executions/{executionID}           - get an execution
//   - POST /api/v1/executions/{executionID}/cancel    - cancel an execution
//   - POST /api/v1/executions/{executionID}/retry     - retry a failed execution
//   - GET  /api/v1/executions/{executionID}/steps     - list step attempts
//   - GET  /api/v1/executions/{executionID}/logs      - list execution logs
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mhalbert/flowline/core"
	"github.com/mhalbert/flowline/orchestration"
)

// Handler provides HTTP handlers over the workflow and execution services.
type Handler struct {
	workflows  *orchestration.WorkflowService
	executions *orchestration.ExecutionService
	store      core.Store
	queue      core.Queue
	logger     core.Logger
}

// NewHandler creates an API handler. The store and queue are only used for
// health checks; all state changes go through the services.
func NewHandler(workflows *orchestration.WorkflowService, executions *orchestration.ExecutionService, store core.Store, queue core.Queue, logger core.Logger) *Handler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Handler{
		workflows:  workflows,
		executions: executions,
		store:      store,
		queue:      queue,
		logger:     logger,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Request/Response Types
// ═══════════════════════════════════════════════════════════════════════════

// CreateWorkflowRequest is the request body for workflow creation.
type CreateWorkflowRequest struct {
	// Name identifies the workflow (required)
	Name string `json:"name"`

	// Version defaults to 1 when omitted
	Version int `json:"version,omitempty"`

	// Metadata is free-form annotation data
	Metadata core.JSONMap `json:"metadata,omitempty"`
}

// AddStepRequest is the request body for adding a step to a draft workflow.
type AddStepRequest struct {
	// Name identifies the step within the workflow (required)
	Name string `json:"name"`

	// TaskType selects the handler that runs the step (required)
	TaskType string `json:"task_type"`

	// StepOrder is the step's zero-based position (required)
	StepOrder *int `json:"step_order"`

	// Config is the handler configuration
	Config core.JSONMap `json:"config,omitempty"`

	// TimeoutSeconds bounds one attempt; defaults when omitted
	TimeoutSeconds *int `json:"timeout_seconds,omitempty"`

	// MaxRetries is the per-step retry budget; defaults when omitted
	MaxRetries *int `json:"max_retries,omitempty"`
}

// TriggerExecutionRequest is the request body for triggering an execution.
type TriggerExecutionRequest struct {
	// WorkflowID identifies the workflow to run (required)
	WorkflowID string `json:"workflow_id"`

	// IdempotencyKey deduplicates triggers per workflow (required)
	IdempotencyKey string `json:"idempotency_key"`

	// Input is the first step's input data
	Input core.JSONMap `json:"input_data,omitempty"`

	// MaxRetries overrides the execution retry budget
	MaxRetries *int `json:"max_retries,omitempty"`

	// ScheduledAt defers the execution to an RFC 3339 instant
	ScheduledAt string `json:"scheduled_at,omitempty"`
}

// WorkflowListResponse is the envelope for workflow listings.
type WorkflowListResponse struct {
	Workflows []*core.Workflow `json:"workflows"`
	Count     int              `json:"count"`
	Limit     int              `json:"limit"`
}

// ExecutionListResponse is the envelope for execution listings.
type ExecutionListResponse struct {
	Executions []*core.Execution `json:"executions"`
	Count      int               `json:"count"`
	Limit      int               `json:"limit"`
}

// StepExecutionListResponse is the envelope for step attempt listings.
type StepExecutionListResponse struct {
	StepExecutions []*core.StepExecution `json:"step_executions"`
	Count          int                   `json:"count"`
}

// LogListResponse is the envelope for execution log listings.
type LogListResponse struct {
	Logs  []*core.ExecutionLog `json:"logs"`
	Count int                  `json:"count"`
}

// HealthResponse reports the reachability of the engine's backends.
type HealthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Queue  string `json:"queue"`
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	// Error is the error message
	Error string `json:"error"`

	// Code is a stable machine-readable code
	Code string `json:"code,omitempty"`
}

// ═══════════════════════════════════════════════════════════════════════════
// Workflow Handlers
// ═══════════════════════════════════════════════════════════════════════════

// HandleCreateWorkflow handles POST /api/v1/workflows.
func (h *Handler) HandleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}

	workflow, err := h.workflows.Create(r.Context(), orchestration.CreateWorkflowRequest{
		Name:     req.Name,
		Version:  req.Version,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, workflow)
}

// HandleListWorkflows handles GET /api/v1/workflows.
func (h *Handler) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	var status *core.WorkflowStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := core.WorkflowStatus(raw)
		if !s.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid workflow status: "+raw, "INVALID_STATUS")
			return
		}
		status = &s
	}
	limit, ok := h.parseLimit(w, r, 100)
	if !ok {
		return
	}

	workflows, err := h.workflows.List(r.Context(), status, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, WorkflowListResponse{
		Workflows: workflows,
		Count:     len(workflows),
		Limit:     limit,
	})
}

// HandleGetWorkflow handles GET /api/v1/workflows/{workflowID}.
func (h *Handler) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.workflows.Get(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, workflow)
}

// HandleAddStep handles POST /api/v1/workflows/{workflowID}/steps.
func (h *Handler) HandleAddStep(w http.ResponseWriter, r *http.Request) {
	var req AddStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if req.StepOrder == nil {
		h.writeError(w, http.StatusBadRequest, "step_order is required", "MISSING_STEP_ORDER")
		return
	}

	step, err := h.workflows.AddStep(r.Context(), chi.URLParam(r, "workflowID"), orchestration.AddStepRequest{
		Name:           req.Name,
		TaskType:       req.TaskType,
		StepOrder:      *req.StepOrder,
		Config:         req.Config,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, step)
}

// HandleActivateWorkflow handles POST /api/v1/workflows/{workflowID}/activate.
func (h *Handler) HandleActivateWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.workflows.Activate(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, workflow)
}

// HandleDeprecateWorkflow handles POST /api/v1/workflows/{workflowID}/deprecate.
func (h *Handler) HandleDeprecateWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := h.workflows.Deprecate(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, workflow)
}

// ═══════════════════════════════════════════════════════════════════════════
// Execution Handlers
// ═══════════════════════════════════════════════════════════════════════════

// HandleTriggerExecution handles POST /api/v1/executions. A new execution
// returns 201; a repeat of an already-admitted idempotency key returns the
// existing execution with 200.
func (h *Handler) HandleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	var req TriggerExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "scheduled_at must be RFC 3339", "INVALID_SCHEDULED_AT")
			return
		}
		scheduledAt = &at
	}

	execution, created, err := h.executions.Trigger(r.Context(), orchestration.TriggerRequest{
		WorkflowID:     req.WorkflowID,
		IdempotencyKey: req.IdempotencyKey,
		Input:          req.Input,
		MaxRetries:     req.MaxRetries,
		ScheduledAt:    scheduledAt,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, execution)
}

// HandleListExecutions handles GET /api/v1/executions.
func (h *Handler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	var status *core.ExecutionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := core.ExecutionStatus(raw)
		if !s.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid execution status: "+raw, "INVALID_STATUS")
			return
		}
		status = &s
	}
	limit, ok := h.parseLimit(w, r, 100)
	if !ok {
		return
	}

	executions, err := h.executions.List(r.Context(), r.URL.Query().Get("workflow_id"), status, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ExecutionListResponse{
		Executions: executions,
		Count:      len(executions),
		Limit:      limit,
	})
}

// HandleGetExecution handles GET /api/v1/executions/{executionID}.
func (h *Handler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.executions.Get(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, execution)
}

// HandleCancelExecution handles POST /api/v1/executions/{executionID}/cancel.
func (h *Handler) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.executions.Cancel(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, execution)
}

// HandleRetryExecution handles POST /api/v1/executions/{executionID}/retry.
func (h *Handler) HandleRetryExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := h.executions.Retry(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, execution)
}

// HandleListStepExecutions handles GET /api/v1/executions/{executionID}/steps.
func (h *Handler) HandleListStepExecutions(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.executions.StepExecutions(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, StepExecutionListResponse{
		StepExecutions: attempts,
		Count:          len(attempts),
	})
}

// HandleGetLogs handles GET /api/v1/executions/{executionID}/logs.
func (h *Handler) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	var level *core.LogLevel
	if raw := r.URL.Query().Get("level"); raw != "" {
		l := core.LogLevel(raw)
		if !l.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid log level: "+raw, "INVALID_LEVEL")
			return
		}
		level = &l
	}

	logs, err := h.executions.Logs(r.Context(), chi.URLParam(r, "executionID"), level)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, LogListResponse{
		Logs:  logs,
		Count: len(logs),
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// Health Handler
// ═══════════════════════════════════════════════════════════════════════════

// HandleHealth handles GET /health. It reports 503 when either backend is
// unreachable so load balancers stop routing to this instance.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Store: "ok", Queue: "ok"}
	status := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if err := h.queue.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Queue = "unavailable"
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, resp)
}

// ═══════════════════════════════════════════════════════════════════════════
// Helper Functions
// ═══════════════════════════════════════════════════════════════════════════

// parseLimit reads the limit query parameter, reporting false after writing
// a 400 for non-numeric or non-positive values.
func (h *Handler) parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		h.writeError(w, http.StatusBadRequest, "limit must be a positive integer", "INVALID_LIMIT")
		return 0, false
	}
	return limit, true
}

// writeJSON writes a JSON response with the given status.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// writeServiceError maps a service error onto an HTTP status and stable code.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
		h.writeError(w, status, "internal error", code)
		return
	}
	h.writeError(w, status, err.Error(), code)
}

// classify maps the engine's error taxonomy onto HTTP statuses: lookups to
// 404, admission and state conflicts to 409, validation to 400, backend
// outages to 503.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrWorkflowNotFound):
		return http.StatusNotFound, "WORKFLOW_NOT_FOUND"
	case errors.Is(err, core.ErrExecutionNotFound):
		return http.StatusNotFound, "EXECUTION_NOT_FOUND"
	case errors.Is(err, core.ErrStepNotFound):
		return http.StatusNotFound, "STEP_NOT_FOUND"
	case errors.Is(err, core.ErrDuplicateWorkflow):
		return http.StatusConflict, "DUPLICATE_WORKFLOW"
	case errors.Is(err, core.ErrDuplicateStep):
		return http.StatusConflict, "DUPLICATE_STEP"
	case errors.Is(err, core.ErrDuplicateExecution):
		return http.StatusConflict, "DUPLICATE_EXECUTION"
	case errors.Is(err, core.ErrWorkflowNotActive):
		return http.StatusConflict, "WORKFLOW_NOT_ACTIVE"
	case errors.Is(err, core.ErrWorkflowNotDraft):
		return http.StatusConflict, "WORKFLOW_NOT_DRAFT"
	case errors.Is(err, core.ErrExecutionNotCancellable):
		return http.StatusConflict, "EXECUTION_NOT_CANCELLABLE"
	case errors.Is(err, core.ErrExecutionNotRetryable):
		return http.StatusConflict, "EXECUTION_NOT_RETRYABLE"
	case errors.Is(err, core.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case core.IsUnavailable(err):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	case isValidation(err):
		return http.StatusBadRequest, "INVALID_REQUEST"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// isValidation reports whether the error came from request validation inside
// a service.
func isValidation(err error) bool {
	var engineErr *core.EngineError
	return errors.As(err, &engineErr) && engineErr.Kind == "validation"
}
