// Package telemetry sets up OpenTelemetry tracing (exported to Google
// Cloud Trace when a project is configured) and bridges OTel metrics
// into the Prometheus registry the rest of the daemon publishes on.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	texporter "github.com/GoogleCloudPlatform/opentelemetry-operations-go/exporter/trace"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config identifies the service in exported spans and metrics. Traces
// leave the process only when ProjectID names a GCP project; otherwise
// the provider records spans locally for propagation purposes alone.
type Config struct {
	ServiceName string
	Version     string
	ProjectID   string
	Region      string
}

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *sdkmetric.MeterProvider
	initErr   error
)

// Init installs the global tracer and meter providers plus the W3C
// propagator. It is safe to call more than once; subsequent calls return
// the first result.
func Init(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	initOnce.Do(func() {
		attrs := []attribute.KeyValue{
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		}
		if cfg.ProjectID != "" {
			attrs = append(attrs, semconv.CloudProviderGCP)
		}
		if cfg.Region != "" {
			attrs = append(attrs, semconv.CloudRegion(cfg.Region))
		}
		res, err := resource.New(ctx, resource.WithAttributes(attrs...))
		if err != nil {
			initErr = fmt.Errorf("create telemetry resource: %w", err)
			return
		}

		var traceExporter sdktrace.SpanExporter
		if cfg.ProjectID != "" {
			traceExporter, err = texporter.New(texporter.WithProjectID(cfg.ProjectID))
			if err != nil {
				initErr = fmt.Errorf("create cloud trace exporter: %w", err)
				return
			}
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		}
		if traceExporter != nil {
			opts = append(opts, sdktrace.WithBatcher(traceExporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		// Share the registry the promauto collectors already use so OTel
		// metrics and hand-defined ones surface on the same endpoint.
		promExporter, err := otelprom.New(otelprom.WithRegisterer(prometheus.DefaultRegisterer))
		if err != nil {
			initErr = fmt.Errorf("create prometheus exporter: %w", err)
			return
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)

		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Shutdown flushes and stops both providers.
func Shutdown(ctx context.Context) error {
	var errs []error
	if traceProv != nil {
		if err := traceProv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if meterProv != nil {
		if err := meterProv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
