package engine

import "context"

type contextKey int

const (
	taskIDKey contextKey = iota
	correlationIDKey
)

// TaskIDFromContext returns the id of the task whose handler is running in
// ctx, per the Handler contract.
func TaskIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}

// CorrelationIDFromContext returns the correlation_id propagated to every
// handler invocation, per the Handler contract.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

func withHandlerContext(ctx context.Context, taskID, correlationID string) context.Context {
	ctx = context.WithValue(ctx, taskIDKey, taskID)
	ctx = context.WithValue(ctx, correlationIDKey, correlationID)
	return ctx
}
