package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// ContextKey is the type for context values set by the API layer.
type ContextKey string

// TraceIDKey is the key for the request trace ID in the request context.
const TraceIDKey ContextKey = "traceID"

// traceIDLength is the number of random bytes in a trace ID (32 hex chars).
const traceIDLength = 16

// SetTraceID stamps a fresh trace ID onto the context for log and error
// correlation.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID retrieves the trace ID from the context, or "" when unset.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

func generateTraceID() string {
	b := make([]byte, traceIDLength)
	// rand.Read never fails on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
