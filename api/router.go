package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mhalbert/flowline/core"
)

// NewRouter assembles the chi router with the standard middleware chain and
// wraps it with otelhttp so every request carries a server span.
func NewRouter(h *Handler, logger core.Logger) http.Handler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/health", h.HandleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", h.HandleCreateWorkflow)
			r.Get("/", h.HandleListWorkflows)
			r.Get("/{workflowID}", h.HandleGetWorkflow)
			r.Post("/{workflowID}/steps", h.HandleAddStep)
			r.Post("/{workflowID}/activate", h.HandleActivateWorkflow)
			r.Post("/{workflowID}/deprecate", h.HandleDeprecateWorkflow)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Post("/", h.HandleTriggerExecution)
			r.Get("/", h.HandleListExecutions)
			r.Get("/{executionID}", h.HandleGetExecution)
			r.Post("/{executionID}/cancel", h.HandleCancelExecution)
			r.Post("/{executionID}/retry", h.HandleRetryExecution)
			r.Get("/{executionID}/steps", h.HandleListStepExecutions)
			r.Get("/{executionID}/logs", h.HandleGetLogs)
		})
	})

	return otelhttp.NewHandler(r, "flowline.api")
}

// requestLogger logs one line per request with the final status and timing.
func requestLogger(logger core.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
		})
	}
}
