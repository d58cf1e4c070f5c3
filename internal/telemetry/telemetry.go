// Package telemetry wires the global OpenTelemetry tracer and meter
// providers that the rest of the module's packages pull instruments from via
// otel.Tracer/otel.Meter, registering instruments against the global
// provider at init time so they forward to the real provider once telemetry
// is initialized.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracerName and MeterName are the instrumentation scopes mutsync's own
// packages register their tracer/meter under.
const (
	TracerName = "mutsync/coordinator"
	MeterName  = "mutsync"
)

// Config selects which metric exporter backs the meter provider. The trace
// exporter is always stdouttrace.
type Config struct {
	// OTLPMetricsEndpoint selects the otlpmetrichttp exporter when set
	// (e.g. "localhost:4318"); otherwise metrics go to stdoutmetric.
	OTLPMetricsEndpoint string
}

// Shutdown flushes and releases the providers Init installed.
type Shutdown func(context.Context) error

// Init installs global tracer and meter providers for the process. The
// returned Shutdown must be called (typically deferred in main) to flush
// buffered telemetry before exit.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", "mutsyncd")))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdouttrace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricReader, err := newMetricReader(ctx, cfg)
	if err != nil {
		return nil, err
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(metricReader),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry: shutdown tracer provider: %w", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			return fmt.Errorf("telemetry: shutdown meter provider: %w", err)
		}
		return nil
	}, nil
}

func newMetricReader(ctx context.Context, cfg Config) (metric.Reader, error) {
	if cfg.OTLPMetricsEndpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.OTLPMetricsEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlpmetrichttp exporter: %w", err)
		}
		return metric.NewPeriodicReader(exp), nil
	}

	exp, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdoutmetric exporter: %w", err)
	}
	return metric.NewPeriodicReader(exp), nil
}
