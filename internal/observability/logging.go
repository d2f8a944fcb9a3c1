// Package observability provides structured logging and Prometheus metrics
// for the FinSight server.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ContextKey is the type for context keys used in logging correlation.
type ContextKey string

const (
	// RequestIDKey is the context key for request ids.
	RequestIDKey ContextKey = "request_id"

	// SessionIDKey is the context key for session ids.
	SessionIDKey ContextKey = "session_id"

	// UserIDKey is the context key for user ids.
	UserIDKey ContextKey = "user_id"
)

// DefaultRedactPatterns covers common secret shapes: API keys, bearer
// tokens, and JWTs. Delegated credentials pass through tool contexts and
// must never reach the log stream.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" (production) or "text" (development).
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file and line in records.
	AddSource bool

	// RedactPatterns are additional regexes applied to string attributes.
	RedactPatterns []string
}

// Logger wraps slog with request correlation and secret redaction.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// NewLogger creates a structured logger. Invalid levels default to info and
// an empty format defaults to json.
func NewLogger(cfg LogConfig) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	patterns := append(append([]string{}, DefaultRedactPatterns...), cfg.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// NopLogger returns a logger that discards all output. Used in tests.
func NopLogger() *Logger {
	return &Logger{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Debug logs at debug level with context correlation.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level with context correlation.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level with context correlation.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level with context correlation.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	args = l.redactArgs(args)
	args = append(args, correlationAttrs(ctx)...)
	l.logger.Log(ctx, level, l.redact(msg), args...)
}

func correlationAttrs(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var attrs []any
	for _, key := range []ContextKey{RequestIDKey, SessionIDKey, UserIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, string(key), v)
		}
	}
	return attrs
}

func (l *Logger) redactArgs(args []any) []any {
	for i := 1; i < len(args); i += 2 {
		if s, ok := args[i].(string); ok {
			args[i] = l.redact(s)
		}
	}
	return args
}

func (l *Logger) redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
