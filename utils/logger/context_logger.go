package logger

import (
	"context"
	"log/slog"
	"time"
)

type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	UserIDKey    ContextKey = "actor_user_id"
	TriggerKey   ContextKey = "rolesync.trigger"
	OperationKey ContextKey = "operation"
)

var contextKeys = []ContextKey{RequestIDKey, UserIDKey, TriggerKey, OperationKey}

// GlobalContext is set by Init.
var GlobalContext *ContextLogger

type ContextLogger struct {
	logger *slog.Logger
}

func NewContextLogger(logger *slog.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns a logger carrying the business keys found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *slog.Logger {
	attrs := contextAttrs(ctx)
	if len(attrs) == 0 {
		return cl.logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return cl.logger.With(args...)
}

func (cl *ContextLogger) LogDuration(ctx context.Context, operation string, duration time.Duration) {
	cl.WithContext(ctx).Info("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}

func (cl *ContextLogger) LogError(ctx context.Context, operation string, err error) {
	cl.WithContext(ctx).Error("operation failed",
		"operation", operation,
		"error", err,
	)
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	for _, key := range contextKeys {
		switch v := ctx.Value(key).(type) {
		case string:
			attrs = append(attrs, slog.String(string(key), v))
		case int64:
			attrs = append(attrs, slog.Int64(string(key), v))
		}
	}
	return attrs
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithTrigger tags ctx with what started a reconciliation (scheduled, request, admin).
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, TriggerKey, trigger)
}

func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}
