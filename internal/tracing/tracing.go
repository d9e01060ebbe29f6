// Package tracing wires OpenTelemetry for the egress services and carries
// trace context across NSQ envelopes and consumer pushes.
package tracing

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/harbor_egress/internal/delivery"
)

// TracerName is the instrumentation name for this application
const TracerName = "github.com/austindbirch/harbor_egress"

// Attribute keys shared by run, branch and push spans so a trace backend can
// group every span of one consumer in one run.
const (
	RunIDKey    = attribute.Key("run.id")
	ConsumerKey = attribute.Key("consumer.url")
	EntityIDKey = attribute.Key("entity.id")
	AttemptKey  = attribute.Key("attempt")
)

// InitTracing installs an OTLP HTTP tracer provider for serviceName and
// returns its shutdown func. OTEL_TRACES_SAMPLER_ARG sets the ratio of root
// traces kept (default 1).
func InitTracing(ctx context.Context, serviceName string) (func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(getVersion()),
			semconv.ServiceNamespaceKey.String("harbor-egress"),
			attribute.String("service.instance.id", getInstanceID()),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(getOTLPEndpoint()),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(newSampler(os.Getenv("OTEL_TRACES_SAMPLER_ARG"))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		_ = tp.Shutdown(ctx)
	}, nil
}

// newSampler follows the parent's decision; ratio applies to root spans only.
func newSampler(ratio string) trace.Sampler {
	r, err := strconv.ParseFloat(ratio, 64)
	if err != nil || r <= 0 || r >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(r))
}

// GetTracer returns the tracer shared by every egress component
func GetTracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a new span with the given name and attributes
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return GetTracer().Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// StartBranchSpan starts a span for work done on behalf of one branch,
// tagged with its run id and consumer.
func StartBranchSpan(ctx context.Context, spanName string, task delivery.Task, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	all := make([]attribute.KeyValue, 0, len(attrs)+2)
	all = append(all, RunIDKey.String(task.RunID), ConsumerKey.String(task.Endpoint.URL))
	all = append(all, attrs...)
	return StartSpan(ctx, spanName, all...)
}

// AddSpanEvent adds an event to the current span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if span != nil {
		span.AddEvent(name, oteltrace.WithAttributes(attrs...))
	}
}

// SetSpanError records an error on the current span
func SetSpanError(ctx context.Context, err error) {
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// GetTraceID extracts the trace ID from the context
func GetTraceID(ctx context.Context) string {
	span := oteltrace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}

// getVersion returns the service version from environment or default
func getVersion() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}

// getInstanceID returns a unique instance identifier
func getInstanceID() string {
	if id := os.Getenv("HOSTNAME"); id != "" {
		return id
	}
	if id := os.Getenv("POD_NAME"); id != "" {
		return id
	}
	return "unknown"
}

// getOTLPEndpoint returns host:port for otlptracehttp.WithEndpoint, defaulting
// to Tempo in docker-compose
func getOTLPEndpoint() string {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return "tempo:4318"
	}
	for _, scheme := range []string{"http://", "https://"} {
		endpoint = strings.TrimPrefix(endpoint, scheme)
	}
	return endpoint
}

// InjectCarrier captures the trace context of ctx as a string map. The map
// travels inside queue envelopes and Task values.
func InjectCarrier(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	propagator := otel.GetTextMapPropagator()
	propagator.Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractCarrier restores a trace context captured by InjectCarrier
func ExtractCarrier(ctx context.Context, headers map[string]string) context.Context {
	propagator := otel.GetTextMapPropagator()
	return propagator.Extract(ctx, propagation.MapCarrier(headers))
}

// InjectHTTP writes the trace context of ctx into outgoing request headers
func InjectHTTP(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// ExtractHTTP restores the trace context sent by a caller
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}
