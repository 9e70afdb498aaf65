package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type workerIDKey struct{}
type taskIDKey struct{}
type channelIDKey struct{}

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

// WithWorkerID attaches a worker_id to the context.
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

// WorkerID extracts worker_id from context. Returns "" if absent.
func WorkerID(ctx context.Context) string {
	if v, ok := ctx.Value(workerIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithChannelID attaches a channel_id (tenant) to the context.
func WithChannelID(ctx context.Context, channelID string) context.Context {
	return context.WithValue(ctx, channelIDKey{}, channelID)
}

// ChannelID extracts channel_id from context. Returns "" if absent.
func ChannelID(ctx context.Context) string {
	if v, ok := ctx.Value(channelIDKey{}).(string); ok {
		return v
	}
	return ""
}
