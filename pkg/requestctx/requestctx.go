// Package requestctx carries request-scoped identity through explicit context values.
package requestctx

import "context"

type ctxKey int

const (
	callerIDKey ctxKey = iota
	sagaIDKey
)

// WithCallerID returns a copy of ctx carrying the caller's user id.
func WithCallerID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, callerIDKey, userID)
}

// CallerID returns the caller's user id if one was attached.
func CallerID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(callerIDKey).(int64)
	return id, ok
}

func WithSagaID(ctx context.Context, sagaID string) context.Context {
	return context.WithValue(ctx, sagaIDKey, sagaID)
}

func SagaID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sagaIDKey).(string)
	return id, ok && id != ""
}
