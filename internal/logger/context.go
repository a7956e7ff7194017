package logger

import "context"

// requestIDKey is unexported so only this package can write the value.
type requestIDKeyType struct{}

var requestIDKey = requestIDKeyType{}

// WithRequestID stores the request ID in the context. The HTTP request-ID
// middleware sets it and the NATS adapter re-propagates it across the bus.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request ID from the context, or "" when unset.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
