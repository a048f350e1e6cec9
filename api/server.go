package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mhalbert/flowline/core"
)

// Server runs the API over a standard http.Server with graceful shutdown.
type Server struct {
	httpServer      *http.Server
	logger          core.Logger
	shutdownTimeout time.Duration
}

// NewServer builds a server from the HTTP configuration. The handler is
// usually the router from NewRouter.
func NewServer(cfg core.HTTPConfig, handler http.Handler, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger:          logger,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Start serves until the listener closes. It blocks; run it in a goroutine
// and call Shutdown to stop. A clean shutdown returns nil.
func (s *Server) Start() error {
	s.logger.Info("API server listening", map[string]interface{}{
		"address": s.httpServer.Addr,
	})

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests up to the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
	}

	s.logger.Info("API server shutting down", nil)
	return s.httpServer.Shutdown(ctx)
}
