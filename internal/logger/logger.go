// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and carries the
// request ID and engine operation through context.Context, so REST, WebSocket
// and stream requests log the same correlation keys.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	opKey        ctxKey = "op"
)

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// WithRequestID stores a request ID in the context for downstream propagation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from context. Returns "" if not set.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateRequestID creates a request ID from an operation name and timestamp.
// Format: "{op}-{unixNano}".
func GenerateRequestID(op string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", op, ts.UnixNano())
}

// WithOp records the engine operation (price, asian, ...) being served.
func WithOp(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opKey, op)
}

// Op extracts the operation from context. Returns "" if not set.
func Op(ctx context.Context) string {
	if v, ok := ctx.Value(opKey).(string); ok {
		return v
	}
	return ""
}

// LogWithRequest returns slog attributes for the request ID and operation
// found in ctx; unset keys are omitted.
// Usage: slog.Info("msg", logger.LogWithRequest(ctx)...)
func LogWithRequest(ctx context.Context) []any {
	var attrs []any
	if id := RequestID(ctx); id != "" {
		attrs = append(attrs, slog.String("request_id", id))
	}
	if op := Op(ctx); op != "" {
		attrs = append(attrs, slog.String("op", op))
	}
	return attrs
}

// FromContext returns the default logger annotated with LogWithRequest(ctx).
func FromContext(ctx context.Context) *slog.Logger {
	return slog.Default().With(LogWithRequest(ctx)...)
}
