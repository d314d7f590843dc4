// Package telemetry wires OpenTelemetry tracing, metrics and log export for
// the cooked binaries.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/imeyer/cooked/pkg/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

type Telemetry struct {
	// LogHandler is nil unless logs are exported over OTLP.
	LogHandler slog.Handler
	Meter      metric.Meter
	Metrics    struct {
		RenderCounter  metric.Int64Counter
		ErrorCounter   metric.Int64Counter
		VersionGauge   metric.Int64Gauge
		RenderDuration metric.Float64Histogram
	}
	Tracer trace.Tracer
}

// Setup installs the global tracer and meter providers. Without OTLP, metrics
// go to reg through the Prometheus exporter and spans are sampled but not
// exported.
func Setup(ctx context.Context, cfg *config.Config, reg promclient.Registerer) (*Telemetry, func(context.Context) error, error) {
	t := &Telemetry{}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace("cooked"),
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTEL resource: %w", err)
	}

	var reader sdkmetric.Reader
	if !cfg.OTLP {
		exporter, err := prometheus.New(prometheus.WithRegisterer(reg))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		reader = exporter
	} else {
		exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTEL metrics exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	otel.SetMeterProvider(meterProvider)
	t.Meter = meterProvider.Meter(cfg.ServiceName)

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.TraceSampleRate)),
	}
	shutdowns := []func(context.Context) error{meterProvider.Shutdown}

	if cfg.OTLP {
		logExporter, err := otlploghttp.New(ctx, otlploghttp.WithCompression(otlploghttp.GzipCompression))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create log exporter: %w", err)
		}

		var processor sdklog.Processor = sdklog.NewBatchProcessor(logExporter, sdklog.WithExportBufferSize(512))
		if cfg.LogDebug {
			processor = minsev.NewLogProcessor(processor, minsev.SeverityDebug)
		} else {
			processor = minsev.NewLogProcessor(processor, minsev.SeverityInfo)
		}

		logProvider := sdklog.NewLoggerProvider(sdklog.WithResource(res), sdklog.WithProcessor(processor))
		t.LogHandler = otelslog.NewHandler(cfg.ServiceName, otelslog.WithLoggerProvider(logProvider))
		shutdowns = append(shutdowns, logProvider.Shutdown)

		traceExporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(traceExporter,
			sdktrace.WithMaxExportBatchSize(cfg.TraceMaxBatchSize),
		))
	}

	logger.Debug("configured tracer with sampling", slog.Float64("rate", cfg.TraceSampleRate))

	traceProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(traceProvider)
	t.Tracer = traceProvider.Tracer(cfg.ServiceName)
	shutdowns = append(shutdowns, traceProvider.Shutdown)

	if err := initializeMetrics(t); err != nil {
		return nil, nil, err
	}

	cleanup := func(ctx context.Context) error {
		var errs []error
		for _, shutdown := range shutdowns {
			errs = append(errs, shutdown(ctx))
		}
		return errors.Join(errs...)
	}

	return t, cleanup, nil
}

// Sampler samples everything at rate 1 or above, nothing at 0 or below, and
// otherwise follows the parent, always keeping sampled parents.
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(rate),
		sdktrace.WithRemoteParentSampled(sdktrace.AlwaysSample()),
		sdktrace.WithRemoteParentNotSampled(sdktrace.TraceIDRatioBased(rate)),
		sdktrace.WithLocalParentSampled(sdktrace.AlwaysSample()),
		sdktrace.WithLocalParentNotSampled(sdktrace.TraceIDRatioBased(rate)),
	)
}

func initializeMetrics(t *Telemetry) error {
	var err error

	t.Metrics.RenderCounter, err = t.Meter.Int64Counter("cooked.renders",
		metric.WithDescription("Documents rendered, by stage."))
	if err != nil {
		return fmt.Errorf("render counter: %w", err)
	}

	t.Metrics.ErrorCounter, err = t.Meter.Int64Counter("cooked.errors",
		metric.WithDescription("Render failures, by stage."))
	if err != nil {
		return fmt.Errorf("error counter: %w", err)
	}

	t.Metrics.VersionGauge, err = t.Meter.Int64Gauge("cooked.build_info",
		metric.WithDescription("Always 1, labelled with the running version."))
	if err != nil {
		return fmt.Errorf("version gauge: %w", err)
	}

	t.Metrics.RenderDuration, err = t.Meter.Float64Histogram("cooked.render.duration",
		metric.WithDescription("Time spent rendering a document."),
		metric.WithUnit("s"))
	if err != nil {
		return fmt.Errorf("render duration: %w", err)
	}

	return nil
}
