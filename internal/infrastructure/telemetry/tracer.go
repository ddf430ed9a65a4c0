package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AppTracer wraps an OpenTelemetry tracer with map-based attribute helpers
// so call sites stay free of attribute.KeyValue plumbing.
type AppTracer struct {
	tracer trace.Tracer
	name   string
}

// NewTracer creates a named tracer from the global provider.
func NewTracer(name string) *AppTracer {
	return &AppTracer{tracer: otel.Tracer(name), name: name}
}

// Start starts a span.
func (t *AppTracer) Start(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, spanName, opts...)
}

// StartWithAttributes starts a span carrying the given attributes.
func (t *AppTracer) StartWithAttributes(ctx context.Context, spanName string, attrs map[string]interface{}, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	allOpts := append(opts, trace.WithAttributes(convertAttributes(attrs)...))
	return t.tracer.Start(ctx, spanName, allOpts...)
}

// StartStoreSpan starts a client span for a database operation.
func (t *AppTracer) StartStoreSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return t.StartWithAttributes(ctx, fmt.Sprintf("db.%s %s", operation, table), map[string]interface{}{
		"db.operation": operation,
		"db.table":     table,
		"db.system":    "postgresql",
		"span.kind":    "client",
	})
}

// StartQueueSpan starts a span for a queue operation.
func (t *AppTracer) StartQueueSpan(ctx context.Context, operation, lane string) (context.Context, trace.Span) {
	return t.StartWithAttributes(ctx, fmt.Sprintf("queue.%s %s", operation, lane), map[string]interface{}{
		"messaging.system":      "redis",
		"messaging.operation":   operation,
		"messaging.destination": lane,
	})
}

// StartRuleSpan starts a span for a single rule evaluation.
func (t *AppTracer) StartRuleSpan(ctx context.Context, ruleName string) (context.Context, trace.Span) {
	return t.StartWithAttributes(ctx, "rule.evaluate "+ruleName, map[string]interface{}{
		"rule.name": ruleName,
	})
}

// WithSpanError records the error and marks the span failed. A nil error is
// a no-op.
func WithSpanError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func convertAttributes(attrs map[string]interface{}) []attribute.KeyValue {
	var result []attribute.KeyValue
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			result = append(result, attribute.String(k, val))
		case int:
			result = append(result, attribute.Int(k, val))
		case int64:
			result = append(result, attribute.Int64(k, val))
		case float64:
			result = append(result, attribute.Float64(k, val))
		case bool:
			result = append(result, attribute.Bool(k, val))
		case []string:
			result = append(result, attribute.StringSlice(k, val))
		default:
			result = append(result, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
	return result
}
