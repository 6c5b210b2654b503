package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type sessionCtxKey struct{}
type suiteCtxKey struct{}
type testCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if name := SuiteFromContext(ctx); name != "" {
		fields = append(fields, zap.String("suite.name", name))
	}
	if id := TestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("test.id", id))
	}
	return fields
}

// WithSessionID adds the test session id to context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, id)
}

// SessionIDFromContext extracts the test session id from context.
func SessionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionCtxKey{}).(string)
	return s
}

// WithSuite adds the suite name to context.
func WithSuite(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, suiteCtxKey{}, name)
}

// SuiteFromContext extracts the suite name from context.
func SuiteFromContext(ctx context.Context) string {
	s, _ := ctx.Value(suiteCtxKey{}).(string)
	return s
}

// WithTestID adds the test id to context.
func WithTestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, testCtxKey{}, id)
}

// TestIDFromContext extracts the test id from context.
func TestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(testCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
