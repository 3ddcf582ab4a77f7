// Package observability provides logging, metrics, and tracing for cliptune
// tuning runs.
//
// Logging is structured slog with optional trace correlation; metrics export
// through OpenTelemetry to Prometheus; traces export over OTLP gRPC or to the
// console.
package observability

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// TraceContextHandler is a slog.Handler that stamps the active span's trace
// and span IDs onto every record, so trial logs can be joined with traces.
type TraceContextHandler struct {
	handler slog.Handler
}

// NewTraceContextHandler wraps an existing handler with trace correlation.
func NewTraceContextHandler(handler slog.Handler) *TraceContextHandler {
	return &TraceContextHandler{handler: handler}
}

// Enabled reports whether the handler handles records at the given level.
func (h *TraceContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle adds trace context and passes to the underlying handler.
func (h *TraceContextHandler) Handle(ctx context.Context, record slog.Record) error {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if spanContext.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", spanContext.TraceID().String()),
			slog.String("span_id", spanContext.SpanID().String()),
		)
	}
	return h.handler.Handle(ctx, record)
}

// WithAttrs returns a new handler with additional attributes.
func (h *TraceContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceContextHandler{handler: h.handler.WithAttrs(attrs)}
}

// WithGroup returns a new handler with the given group.
func (h *TraceContextHandler) WithGroup(name string) slog.Handler {
	return &TraceContextHandler{handler: h.handler.WithGroup(name)}
}

// ConfigureLogging installs the process-wide default logger.
//
// Structured output uses JSON; otherwise a human-readable text handler.
// Trace correlation attaches trace_id/span_id when a span is active.
func ConfigureLogging(level slog.Level, structured bool, includeTraceContext bool) {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	if includeTraceContext {
		handler = NewTraceContextHandler(handler)
	}

	slog.SetDefault(slog.New(handler))
}
