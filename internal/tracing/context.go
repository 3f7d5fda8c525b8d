package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey identifies one sync or recall run
	RunIDKey ContextKey = "run_id"
	// TriggerKey records what started the operation (watcher, cli, health, api)
	TriggerKey ContextKey = "trigger"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID string
	RunID   string
	Trigger string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithTrigger records what started the operation
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, TriggerKey, trigger)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(RunIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetTrigger retrieves the trigger from the context
func GetTrigger(ctx context.Context) string {
	if trigger, ok := ctx.Value(TriggerKey).(string); ok {
		return trigger
	}
	return ""
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID: GetTraceID(ctx),
		RunID:   GetRunID(ctx),
		Trigger: GetTrigger(ctx),
	}
}

// NewRunContext starts a new run, keeping an existing trace ID when present.
func NewRunContext(ctx context.Context, trigger string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	if trigger != "" && GetTrigger(ctx) == "" {
		ctx = WithTrigger(ctx, trigger)
	}
	return ctx
}
