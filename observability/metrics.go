package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// MeterProvider global instance
var globalMeterProvider *sdkmetric.MeterProvider

// InitMetrics initializes OpenTelemetry metrics with Prometheus export and
// installs the provider globally.
func InitMetrics(serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	globalMeterProvider = provider
	return provider, nil
}

// GetMeter returns a meter from the current global meter provider.
func GetMeter(name string) metric.Meter {
	return otel.Meter(name)
}

// TrialMetrics carries the instruments recorded for every tuning trial.
type TrialMetrics struct {
	trialsTotal     metric.Int64Counter
	evalErrors      metric.Int64Counter
	rewardHist      metric.Float64Histogram
	evalLatencyHist metric.Float64Histogram
}

// NewTrialMetrics creates the trial instruments on the global meter.
func NewTrialMetrics() (*TrialMetrics, error) {
	meter := GetMeter("github.com/fragline/cliptune/observability")

	trialsTotal, err := meter.Int64Counter(
		"cliptune.trials",
		metric.WithDescription("Total number of evaluated trials"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trial counter: %w", err)
	}

	evalErrors, err := meter.Int64Counter(
		"cliptune.evaluation.errors",
		metric.WithDescription("Total number of failed evaluations"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	rewardHist, err := meter.Float64Histogram(
		"cliptune.trial.reward",
		metric.WithDescription("Composite reward per trial"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reward histogram: %w", err)
	}

	evalLatencyHist, err := meter.Float64Histogram(
		"cliptune.evaluation.latency",
		metric.WithDescription("Candidate evaluation latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	return &TrialMetrics{
		trialsTotal:     trialsTotal,
		evalErrors:      evalErrors,
		rewardHist:      rewardHist,
		evalLatencyHist: evalLatencyHist,
	}, nil
}

// RecordEvaluation records one successful candidate evaluation.
func (m *TrialMetrics) RecordEvaluation(ctx context.Context, component string, latencyMs float64) {
	attrs := metric.WithAttributes(attribute.String("component", component))
	m.trialsTotal.Add(ctx, 1, attrs)
	m.evalLatencyHist.Record(ctx, latencyMs, attrs)
}

// RecordReward records the composite reward of one completed trial. The
// reward is computed after evaluation by the trial loop, so it is reported
// separately from RecordEvaluation.
func (m *TrialMetrics) RecordReward(ctx context.Context, component string, reward float64) {
	m.rewardHist.Record(ctx, reward, metric.WithAttributes(attribute.String("component", component)))
}

// RecordEvalError records one failed evaluation.
func (m *TrialMetrics) RecordEvalError(ctx context.Context, component string) {
	m.evalErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}

// ShutdownMetrics gracefully shuts down the meter provider.
func ShutdownMetrics(ctx context.Context) error {
	if globalMeterProvider != nil {
		return globalMeterProvider.Shutdown(ctx)
	}
	return nil
}
