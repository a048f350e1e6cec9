package core

import (
	"fmt"

	"go.uber.org/zap"
)

// ZapLogger adapts a zap.Logger to the Logger interface.
// It is the production logger implementation; components that receive no
// logger fall back to NoOpLogger.
type ZapLogger struct {
	log *zap.Logger
}

// NewZapLogger builds a production logger from the logging configuration.
// Format "json" produces structured output suitable for log aggregation;
// "text" produces console output for local development.
func NewZapLogger(cfg LoggingConfig) (*ZapLogger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "text" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	if cfg.Output != "" {
		zcfg.OutputPaths = []string{cfg.Output}
	}

	log, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return &ZapLogger{log: log}, nil
}

// Named returns a logger scoped to the given subsystem name.
func (z *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{log: z.log.Named(name)}
}

// Sync flushes any buffered log entries. Call on shutdown.
func (z *ZapLogger) Sync() error {
	return z.log.Sync()
}

func (z *ZapLogger) Info(msg string, fields map[string]interface{}) {
	z.log.Info(msg, zapFields(fields)...)
}

func (z *ZapLogger) Error(msg string, fields map[string]interface{}) {
	z.log.Error(msg, zapFields(fields)...)
}

func (z *ZapLogger) Warn(msg string, fields map[string]interface{}) {
	z.log.Warn(msg, zapFields(fields)...)
}

func (z *ZapLogger) Debug(msg string, fields map[string]interface{}) {
	z.log.Debug(msg, zapFields(fields)...)
}

func zapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	fs := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		fs = append(fs, zap.Any(k, v))
	}
	return fs
}
