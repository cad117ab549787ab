package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity and context
	FieldJobID   = "job_id"
	FieldJobName = "job_name"
	FieldJobType = "job_type"
	FieldTraceID = "trace_id"

	// Components
	FieldHook   = "hook"
	FieldDomain = "domain"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldWaitedMS   = "waited_ms"
	FieldInterval   = "interval"
	FieldNextRun    = "next_run"

	// Errors
	FieldError  = "error"
	FieldReason = "reason"

	// Counts and sizes
	FieldCount   = "count"
	FieldActive  = "active"
	FieldQueued  = "queued"
	FieldMax     = "max"
	FieldMemory  = "memory"
	FieldSymbol  = "symbol"
	FieldState   = "state"
	FieldURL     = "url"
	FieldHealthy = "healthy"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	traceIDKey   contextKey = "logger_trace_id"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithTraceID adds a trace ID to the context for logging
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if traceID, ok := ctx.Value(traceIDKey).(string); ok && traceID != "" {
		fields = append(fields, FieldTraceID, traceID)
	}

	return fields
}

// WithContext decorates base with the job_id/trace_id carried by ctx, so log
// lines of concurrently interleaved jobs stay attributable.
func WithContext(base *zap.SugaredLogger, ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}
