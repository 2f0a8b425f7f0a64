package traceutil

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func init() {
	// Enable random pool for uuid, used to generate trace id.
	uuid.EnableRandPool()
}

type traceIDKey struct{}

// NewTraceID returns a random trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// SetTraceID sets the traceID into the context.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// WithTraceID sets a new random traceID into the context.
func WithTraceID(ctx context.Context) context.Context {
	return SetTraceID(ctx, NewTraceID())
}

// TraceID returns the traceID from the context.
func TraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// TraceLogField returns the log field of the traceID in the context, or zap.Skip() if there is none.
func TraceLogField(ctx context.Context) zap.Field {
	if traceID := TraceID(ctx); traceID != "" {
		return zap.String("trace-id", traceID)
	}
	return zap.Skip()
}
