package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/fragline/cliptune/ablation"
)

// TracerProvider global instance
var globalTracerProvider *sdktrace.TracerProvider

// InitTracing initializes OpenTelemetry tracing and installs the provider
// globally. An OTLP gRPC exporter is added when an endpoint is given;
// consoleExport adds a pretty-printed stdout exporter for development.
func InitTracing(serviceName string, otlpEndpoint string, consoleExport bool) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var spanProcessors []sdktrace.SpanProcessor

	if otlpEndpoint != "" {
		exporter, err := otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(otlpEndpoint),
			otlptracegrpc.WithInsecure(), // For development; use TLS in production
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		spanProcessors = append(spanProcessors, sdktrace.NewBatchSpanProcessor(exporter))
	}

	if consoleExport {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create console exporter: %w", err)
		}
		spanProcessors = append(spanProcessors, sdktrace.NewBatchSpanProcessor(exporter))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)
	for _, processor := range spanProcessors {
		tp.RegisterSpanProcessor(processor)
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	globalTracerProvider = tp
	return tp, nil
}

// GetTracer returns a tracer from the current global tracer provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// WrapEvaluate instruments an evaluation function with a span and trial
// metrics. Each call becomes one "cliptune.evaluate" span carrying the
// candidate parameters as attributes; metrics may be nil.
func WrapEvaluate(fn ablation.EvaluateFunc, component string, metrics *TrialMetrics) ablation.EvaluateFunc {
	tracer := GetTracer("github.com/fragline/cliptune/observability")

	return func(ctx context.Context, params map[string]float64) (map[string]float64, error) {
		ctx, span := tracer.Start(ctx, "cliptune.evaluate", trace.WithSpanKind(trace.SpanKindInternal))
		defer span.End()

		span.SetAttributes(attribute.String("cliptune.component", component))
		for name, value := range params {
			span.SetAttributes(attribute.Float64("cliptune.param."+name, value))
		}

		start := time.Now()
		result, err := fn(ctx, params)
		latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if metrics != nil {
				metrics.RecordEvalError(ctx, component)
			}
			return nil, err
		}

		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Float64("cliptune.evaluate.latency_ms", latencyMs))
		if metrics != nil {
			metrics.RecordEvaluation(ctx, component, latencyMs)
		}
		for name, value := range result {
			span.SetAttributes(attribute.Float64("cliptune.metric."+name, value))
		}
		return result, nil
	}
}

// ShutdownTracing gracefully shuts down the tracer provider.
func ShutdownTracing(ctx context.Context) error {
	if globalTracerProvider != nil {
		return globalTracerProvider.Shutdown(ctx)
	}
	return nil
}
