package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
)

// stdout is indirected for tests.
func stdout() *os.File { return os.Stdout }

// Context key types.
type taskCtxKey struct{}
type backendCtxKey struct{}
type cycleCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task_id", taskID))
	}
	if backendID := BackendIDFromContext(ctx); backendID != "" {
		fields = append(fields, zap.String("backend_id", backendID))
	}
	if cycle, ok := CycleFromContext(ctx); ok {
		fields = append(fields, zap.Int("cycle", cycle))
	}
	return fields
}

// WithTaskID adds a task ID to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TaskIDFromContext extracts the task ID, or "" if absent.
func TaskIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithBackendID adds a backend ID to the context.
func WithBackendID(ctx context.Context, backendID string) context.Context {
	return context.WithValue(ctx, backendCtxKey{}, backendID)
}

// BackendIDFromContext extracts the backend ID, or "" if absent.
func BackendIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(backendCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithCycle adds an evolution cycle number to the context.
func WithCycle(ctx context.Context, cycle int) context.Context {
	return context.WithValue(ctx, cycleCtxKey{}, cycle)
}

// CycleFromContext extracts the cycle number.
func CycleFromContext(ctx context.Context) (int, bool) {
	if c, ok := ctx.Value(cycleCtxKey{}).(int); ok {
		return c, true
	}
	return 0, false
}
