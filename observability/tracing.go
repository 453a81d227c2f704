package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/webhooks"

// Tracer provides OpenTelemetry tracing for delivery attempts.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return NewTracerFrom(otel.GetTracerProvider())
}

// NewTracerFrom creates a tracer from the given provider.
func NewTracerFrom(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// StartDeliverySpan starts a span for one delivery attempt.
func (t *Tracer) StartDeliverySpan(ctx context.Context, deliveryID, eventID, webhookID string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "webhooks.delivery",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("webhooks.delivery_id", deliveryID),
			attribute.String("webhooks.event_id", eventID),
			attribute.String("webhooks.webhook_id", webhookID),
			attribute.Int("webhooks.attempt", attempt),
		),
	)
}

// EndDeliverySpan ends a delivery span with the attempt's outcome.
func (t *Tracer) EndDeliverySpan(span trace.Span, statusCode int, durationMs int64, errMsg string) {
	span.SetAttributes(
		attribute.Int("http.status_code", statusCode),
		attribute.Int64("webhooks.duration_ms", durationMs),
	)
	if errMsg != "" {
		span.SetAttributes(attribute.String("webhooks.error", errMsg))
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}
