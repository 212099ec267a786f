// Package observability provides OpenTelemetry tracing for the ASAP core
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer initializes the OpenTelemetry tracer
func InitTracer(serviceName, endpoint string) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// Create OTLP exporter
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating exporter: %w", err)
	}

	// Create resource with service attributes
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("0.1.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	// Create tracer provider with batch processor
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(
			sdktrace.TraceIDRatioBased(0.1), // 10% sampling
		)),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns the global tracer
func Tracer() trace.Tracer {
	return otel.Tracer("asap-protocol")
}

// EnvelopeAttributes describes one envelope on a span
func EnvelopeAttributes(envelopeID, sender, recipient, payloadType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("asap.envelope.id", envelopeID),
		attribute.String("asap.sender", sender),
		attribute.String("asap.recipient", recipient),
		attribute.String("asap.payload_type", payloadType),
	}
}

// StartSendSpan starts a client span covering one Send with all retries
func StartSendSpan(ctx context.Context, destination, payloadType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "asap.send",
		trace.WithAttributes(
			attribute.String("asap.destination", destination),
			attribute.String("asap.payload_type", payloadType),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartDispatchSpan starts a server span for inbound envelope handling
func StartDispatchSpan(ctx context.Context, envelopeID, sender, recipient, payloadType string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "asap.dispatch",
		trace.WithAttributes(EnvelopeAttributes(envelopeID, sender, recipient, payloadType)...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// RecordAttempts records the attempt count a Send consumed
func RecordAttempts(span trace.Span, attempts int) {
	if span.IsRecording() {
		span.SetAttributes(attribute.Int("asap.send.attempts", attempts))
	}
}

// RecordTrust records the evaluated trust level of a fetched manifest
func RecordTrust(span trace.Span, level string) {
	if span.IsRecording() {
		span.SetAttributes(attribute.String("asap.manifest.trust", level))
	}
}
