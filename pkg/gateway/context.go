package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey string

const (
	clientIDKey ctxKey = "clientID"
	traceIDKey  ctxKey = "traceID"
)

// TraceHeader carries a caller-chosen trace id on /rpc
const TraceHeader = "X-Trace-Id"

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

func newTraceID() string {
	return uuid.New().String()
}

func withTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext returns the trace id of the RPC being handled
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(traceIDKey).(string); ok {
		return value
	}
	return ""
}

func loggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	logCtx := base.With()
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		logCtx = logCtx.Str("trace_id", traceID)
	}
	if clientID := clientIDFromContext(ctx); clientID != "" {
		logCtx = logCtx.Str("clientId", clientID)
	}
	return logCtx.Logger()
}
