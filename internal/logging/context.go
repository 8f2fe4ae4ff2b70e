package logging

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.New().String()
}

// TraceIDFromContext returns the trace ID stored by WithTraceContext, if any
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context, base *Logger) (context.Context, *Logger) {
	if base == nil {
		base = Default()
	}
	traceID := GenerateTraceID()
	l := base.WithTraceID(traceID)
	return context.WithValue(ctx, traceIDKey, traceID), l
}

// SignalContext creates a logger context for an incoming signal
func SignalContext(base *Logger, signalID, symbol, direction, source string) *Logger {
	return base.WithFields(map[string]interface{}{
		"signal_id": signalID,
		"symbol":    symbol,
		"direction": direction,
		"source":    source,
	})
}

// ExecutionContext creates a logger context for one subscription execution
func ExecutionContext(base *Logger, userID, subscriptionID, exchange, symbol string) *Logger {
	return base.WithFields(map[string]interface{}{
		"user_id":         userID,
		"subscription_id": subscriptionID,
		"exchange":        exchange,
		"symbol":          symbol,
	})
}

// PositionContext creates a logger context for position operations
func PositionContext(base *Logger, positionID, symbol, side, status string) *Logger {
	return base.WithFields(map[string]interface{}{
		"position_id": positionID,
		"symbol":      symbol,
		"side":        side,
		"status":      status,
	})
}

// OrderContext creates a logger context for order operations
func OrderContext(base *Logger, exchange, symbol, side string, amount float64) *Logger {
	return base.WithFields(map[string]interface{}{
		"exchange": exchange,
		"symbol":   symbol,
		"side":     side,
		"amount":   amount,
	})
}

// RiskContext creates a logger context for risk resolution
func RiskContext(base *Logger, symbol, profile string) *Logger {
	return base.WithFields(map[string]interface{}{
		"symbol":  symbol,
		"profile": profile,
	})
}
