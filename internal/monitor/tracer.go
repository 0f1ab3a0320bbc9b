package monitor

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"promotion-shop/internal/config"
)

const instrumentationName = "promotion-shop"

// Tracer owns the process-wide trace provider.
type Tracer struct {
	config   config.TracingConfig
	provider *sdktrace.TracerProvider
}

// NewTracer installs the W3C propagator and, when tracing is enabled, a
// Jaeger-backed provider. With tracing disabled the global no-op provider
// stays in place but trace context is still carried across the bus.
func NewTracer(cfg config.TracingConfig, serviceVersion string) (*Tracer, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		return &Tracer{config: cfg}, nil
	}

	exporter, err := jaeger.New(
		jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(cfg.Endpoint),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jaeger exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{config: cfg, provider: provider}, nil
}

// Enabled reports whether spans are exported
func (t *Tracer) Enabled() bool {
	return t.provider != nil
}

// Shutdown flushes pending spans
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

func tracer() oteltrace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts an internal span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// StartProducerSpan starts a span around one bus publish
func StartProducerSpan(ctx context.Context, topic string) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, "publish "+topic,
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKey.String(topic),
		),
	)
}

// StartConsumerSpan starts a span around one handled bus message
func StartConsumerSpan(ctx context.Context, topic, eventType string) (context.Context, oteltrace.Span) {
	return tracer().Start(ctx, "consume "+topic,
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKey.String(topic),
			semconv.MessagingOperationProcess,
			attribute.String("event.type", eventType),
		),
	)
}

// StartClientSpan starts a span around an outgoing participant call and
// injects its context into the request headers.
func StartClientSpan(ctx context.Context, participant string, r *http.Request) (context.Context, oteltrace.Span) {
	ctx, span := tracer().Start(ctx, fmt.Sprintf("%s %s", r.Method, participant),
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			semconv.HTTPMethodKey.String(r.Method),
			semconv.HTTPURLKey.String(r.URL.String()),
			attribute.String("participant.kind", participant),
		),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(r.Header))
	return ctx, span
}

// StartHTTPSpan extracts the caller's trace context and starts a server span
func StartHTTPSpan(ctx context.Context, r *http.Request, route string) (context.Context, oteltrace.Span) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))
	return tracer().Start(ctx, fmt.Sprintf("%s %s", r.Method, route),
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			semconv.HTTPMethodKey.String(r.Method),
			semconv.HTTPTargetKey.String(r.URL.Path),
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPUserAgentKey.String(r.UserAgent()),
		),
	)
}

// EndHTTPSpan records the response status and ends the span. Server errors
// mark the span failed.
func EndHTTPSpan(span oteltrace.Span, status int) {
	span.SetAttributes(semconv.HTTPStatusCodeKey.Int(status))
	if status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(status))
	}
	span.End()
}

// SagaAttributes identify the saga a span belongs to
func SagaAttributes(sagaID string, orderID uint64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("saga.id", sagaID),
		attribute.Int64("order.id", int64(orderID)),
	}
}

// RecordError marks the span failed
func RecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceID of the span in ctx, empty without one
func TraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
