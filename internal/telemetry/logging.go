package telemetry

import (
	"context"
	"log/slog"
	"os"
)

// LogLevel reads the logging level from the environment.
// Recognized values: DEBUG, INFO, WARN, ERROR. Default: INFO.
func LogLevel() slog.Level {
	level := os.Getenv("LOG_LEVEL")
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger initializes the process-global logger.
//
// Output format is controlled by LOG_FORMAT:
//   - "json" (default) — structured JSON, for production
//   - "text" — human-readable, for local development
func SetupLogger() *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     LogLevel(),
		AddSource: LogLevel() == slog.LevelDebug,
	}

	format := os.Getenv("LOG_FORMAT")
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// ctxKey namespaces context values carried by this package.
type ctxKey string

const (
	// CtxLogger is the context key under which the request-scoped logger
	// is stored.
	CtxLogger ctxKey = "logger"
)

// WithLogger returns a context carrying logger, retrievable via
// FromContext. Orchestrator.Transit calls this once per inbound event,
// after enriching logger with workflow/urn/event fields, so every
// downstream step function, compensation, and saga operation that only
// has a context.Context can still log with the same fields.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext returns the logger carried by ctx, or slog.Default() if
// none was attached with WithLogger.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithWorkflow returns logger enriched with the workflow name field.
func WithWorkflow(logger *slog.Logger, workflowName string) *slog.Logger {
	return logger.With("workflow", workflowName)
}

// WithURN returns logger enriched with the entity URN field.
func WithURN(logger *slog.Logger, urn string) *slog.Logger {
	return logger.With("urn", urn)
}

// WithSagaID returns logger enriched with the saga ID field.
func WithSagaID(logger *slog.Logger, sagaID string) *slog.Logger {
	return logger.With("saga_id", sagaID)
}
