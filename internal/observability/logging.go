// Package observability provides structured logging and runtime metrics for
// the experiment runtime.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog with experiment/conversation correlation fields.
//
// The daemon writes JSON logs to the experiment's daemon.log; the CLI uses the
// text format on stderr. Level and format come from LogConfig.
type Logger struct {
	logger *slog.Logger
	config LogConfig
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// ExperimentIDKey is the context key for experiment IDs.
	ExperimentIDKey ContextKey = "experiment_id"

	// ConversationIDKey is the context key for conversation IDs.
	ConversationIDKey ContextKey = "conversation_id"

	// AgentIDKey is the context key for agent role tags.
	AgentIDKey ContextKey = "agent_id"
)

// WithExperimentID adds an experiment ID to the context.
func WithExperimentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ExperimentIDKey, id)
}

// WithConversationID adds a conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

// WithAgentID adds an agent role tag to the context.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AgentIDKey, id)
}

// NewLogger creates a structured logger with the given configuration.
//
// If config.Output is nil, logs go to os.Stderr. An empty or invalid level
// defaults to "info"; an empty format defaults to "text".
func NewLogger(config LogConfig) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(config.Level)}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs a debug message with correlation fields from ctx.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.logger.DebugContext(ctx, msg, l.correlate(ctx, args)...)
}

// Info logs an info message with correlation fields from ctx.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.InfoContext(ctx, msg, l.correlate(ctx, args)...)
}

// Warn logs a warning message with correlation fields from ctx.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.WarnContext(ctx, msg, l.correlate(ctx, args)...)
}

// Error logs an error message with correlation fields from ctx.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.ErrorContext(ctx, msg, l.correlate(ctx, args)...)
}

// With returns a logger that always logs the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger: l.logger.With(args...),
		config: l.config,
	}
}

// correlate prepends experiment/conversation/agent IDs found in ctx.
func (l *Logger) correlate(ctx context.Context, args []any) []any {
	if ctx == nil {
		return args
	}
	out := make([]any, 0, len(args)+6)
	if id, ok := ctx.Value(ExperimentIDKey).(string); ok && id != "" {
		out = append(out, "experiment_id", id)
	}
	if id, ok := ctx.Value(ConversationIDKey).(string); ok && id != "" {
		out = append(out, "conversation_id", id)
	}
	if id, ok := ctx.Value(AgentIDKey).(string); ok && id != "" {
		out = append(out, "agent_id", id)
	}
	return append(out, args...)
}

// NopLogger returns a logger that discards everything. Useful in tests.
func NopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}
