// Package logging provides structured logging for the rules engine and its
// background workers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	traceIDKey  contextKey = "trace_id"
	ownerIDKey  contextKey = "owner_id"
	emailIDKey  contextKey = "email_id"
	ruleIDKey   contextKey = "rule_id"
	actionIDKey contextKey = "action_id"
)

// contextKeys is the order in which context values are emitted.
var contextKeys = []contextKey{traceIDKey, ownerIDKey, emailIDKey, ruleIDKey, actionIDKey}

// Logger wraps slog with request-scoped fields taken from the context.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `koanf:"level"`
	// Format is the output format (json, text).
	Format string `koanf:"format"`
	// Output is stdout, stderr or a file path.
	Output string `koanf:"output"`
	// AddSource adds source code location to log entries.
	AddSource bool `koanf:"add_source"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch s {
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

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}
	return NewWithWriter(cfg, output), nil
}

// NewWithWriter creates a Logger writing to w. cfg.Output is ignored.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithTraceID returns a new context with the trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithOwnerID returns a new context with the owner ID.
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey, ownerID)
}

// WithEmailID returns a new context with the email ID.
func WithEmailID(ctx context.Context, emailID string) context.Context {
	return context.WithValue(ctx, emailIDKey, emailID)
}

// WithRuleID returns a new context with the rule ID.
func WithRuleID(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, ruleIDKey, ruleID)
}

// WithActionID returns a new context with the outbox action ID.
func WithActionID(ctx context.Context, actionID string) context.Context {
	return context.WithValue(ctx, actionIDKey, actionID)
}

// OwnerID returns the owner ID stored in ctx, if any.
func OwnerID(ctx context.Context) string {
	v, _ := ctx.Value(ownerIDKey).(string)
	return v
}

// extractContextAttrs extracts logging attributes from context.
func extractContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	return attrs
}

func withContextArgs(ctx context.Context, extra int, args []any) []any {
	attrs := extractContextAttrs(ctx)
	all := make([]any, 0, len(attrs)*2+len(args)+extra)
	for _, attr := range attrs {
		all = append(all, attr.Key, attr.Value.Any())
	}
	return all
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, append(withContextArgs(ctx, 0, args), args...)...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	all := withContextArgs(ctx, 2, args)
	if err != nil {
		all = append(all, "error", err.Error())
	}
	l.Logger.ErrorContext(ctx, msg, append(all, args...)...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, append(withContextArgs(ctx, 0, args), args...)...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, append(withContextArgs(ctx, 0, args), args...)...)
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func (l *Logger) component(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// Engine returns a logger for rule matching and action execution.
func (l *Logger) Engine() *Logger { return l.component("engine") }

// Outbox returns a logger for the async action processor.
func (l *Logger) Outbox() *Logger { return l.component("outbox") }

// Batch returns a logger for batch actions.
func (l *Logger) Batch() *Logger { return l.component("batch") }

// Provider returns a logger for mail provider calls.
func (l *Logger) Provider() *Logger { return l.component("provider") }

// Service returns a logger for the exposed operations.
func (l *Logger) Service() *Logger { return l.component("service") }
