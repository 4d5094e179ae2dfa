package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Context key types
type incidentCtxKey struct{}
type requestCtxKey struct{}

// WithIncidentID attaches an incident id to the context for log correlation.
func WithIncidentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, incidentCtxKey{}, id)
}

// IncidentIDFromContext returns the incident id, or "" if absent.
func IncidentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(incidentCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRequestID attaches a transport request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request id, or "" if absent.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 4)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if incidentID := IncidentIDFromContext(ctx); incidentID != "" {
		fields = append(fields, zap.String("incident_id", incidentID))
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}

	return fields
}
