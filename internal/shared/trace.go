package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type approvalIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches the queued task id to the context.
func WithTaskID(ctx context.Context, taskID int64) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task id from context. Returns 0 if absent.
func TaskID(ctx context.Context) int64 {
	if v, ok := ctx.Value(taskIDKey{}).(int64); ok {
		return v
	}
	return 0
}

// WithApprovalID attaches the approval being waited on.
func WithApprovalID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, approvalIDKey{}, id)
}

// ApprovalID extracts approval id from context. Returns "" if absent.
func ApprovalID(ctx context.Context) string {
	if v, ok := ctx.Value(approvalIDKey{}).(string); ok {
		return v
	}
	return ""
}
