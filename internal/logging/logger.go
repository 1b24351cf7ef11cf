// Package logging provides structured logging for the mail delivery subsystem.
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
	// Context keys for common fields
	messageIDKey contextKey = "message_id"
	jobIDKey     contextKey = "job_id"
	queueKey     contextKey = "queue"
	driverKey    contextKey = "driver"
)

// Logger wraps slog with mailer-specific functionality.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
	// AddSource adds source code location to log entries.
	AddSource bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "json",
		Output:    "stderr",
		AddSource: false,
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}

	opts := &slog.HandlerOptions{
		Level:     level,
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
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
	}, nil
}

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// WithMessageID returns a new context with the message ID.
func WithMessageID(ctx context.Context, msgID string) context.Context {
	return context.WithValue(ctx, messageIDKey, msgID)
}

// WithJobID returns a new context with the job ID.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithQueue returns a new context with the queue name.
func WithQueue(ctx context.Context, queue string) context.Context {
	return context.WithValue(ctx, queueKey, queue)
}

// WithDriver returns a new context with the transport driver name.
func WithDriver(ctx context.Context, driver string) context.Context {
	return context.WithValue(ctx, driverKey, driver)
}

// extractContextAttrs extracts logging attributes from context.
func extractContextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr

	if v := ctx.Value(messageIDKey); v != nil {
		attrs = append(attrs, slog.String("message_id", v.(string)))
	}
	if v := ctx.Value(jobIDKey); v != nil {
		attrs = append(attrs, slog.String("job_id", v.(string)))
	}
	if v := ctx.Value(queueKey); v != nil {
		attrs = append(attrs, slog.String("queue", v.(string)))
	}
	if v := ctx.Value(driverKey); v != nil {
		attrs = append(attrs, slog.String("driver", v.(string)))
	}

	return attrs
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, contextArgs(ctx, args)...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, contextArgs(ctx, args)...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, contextArgs(ctx, args)...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	all := make([]any, 0, len(args)+2)
	if err != nil {
		all = append(all, "error", err.Error())
	}
	all = append(all, args...)
	l.Logger.ErrorContext(ctx, msg, contextArgs(ctx, all)...)
}

func contextArgs(ctx context.Context, args []any) []any {
	attrs := extractContextAttrs(ctx)
	all := make([]any, 0, len(attrs)*2+len(args))
	for _, attr := range attrs {
		all = append(all, attr.Key, attr.Value.Any())
	}
	return append(all, args...)
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger: l.Logger.With("error", err.Error()),
	}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// Mailer returns a logger configured for mailer operations.
func (l *Logger) Mailer() *Logger {
	return &Logger{
		Logger: l.Logger.With("component", "mailer"),
	}
}

// Worker returns a logger configured for worker operations.
func (l *Logger) Worker() *Logger {
	return &Logger{
		Logger: l.Logger.With("component", "worker"),
	}
}

// Queue returns a logger configured for queue operations.
func (l *Logger) Queue() *Logger {
	return &Logger{
		Logger: l.Logger.With("component", "queue"),
	}
}

// Transport returns a logger configured for transport operations.
func (l *Logger) Transport() *Logger {
	return &Logger{
		Logger: l.Logger.With("component", "transport"),
	}
}

// RateLimit returns a logger configured for rate limiter operations.
func (l *Logger) RateLimit() *Logger {
	return &Logger{
		Logger: l.Logger.With("component", "ratelimit"),
	}
}
