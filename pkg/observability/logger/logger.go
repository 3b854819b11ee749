package logger

import "context"

// Logger is the structured logger used across chatsync.
// Every method takes a message followed by alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that always carries the given key-value pairs.
	With(args ...any) Logger

	// WithContext returns a child logger enriched with the request and
	// recipient identifiers stored in ctx, if any.
	WithContext(ctx context.Context) Logger
}

type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	recipientIDKey contextKey = "recipient_id"
)

// ContextWithRequestID stores a request identifier for WithContext.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithRecipientID stores the recipient the current operation acts for.
func ContextWithRecipientID(ctx context.Context, recipientID string) context.Context {
	return context.WithValue(ctx, recipientIDKey, recipientID)
}

// RequestIDFromContext returns the request identifier stored in ctx.
func RequestIDFromContext(ctx context.Context) string {
	return stringFromContext(ctx, requestIDKey)
}

func stringFromContext(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(key).(string)
	return value
}

// contextFields collects the identifiers found in ctx as key-value pairs.
func contextFields(ctx context.Context) []any {
	var fields []any
	if requestID := stringFromContext(ctx, requestIDKey); requestID != "" {
		fields = append(fields, string(requestIDKey), requestID)
	}
	if recipientID := stringFromContext(ctx, recipientIDKey); recipientID != "" {
		fields = append(fields, string(recipientIDKey), recipientID)
	}
	return fields
}
