// Package otel configures the OpenTelemetry trace and meter providers used
// by the drivers, the ensemble bookkeeping and the event bus.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/AlexanderSemenyak/ert/internal/buildinfo"
)

// Config holds OpenTelemetry configuration.
type Config struct {
	// Enabled turns on OTLP/HTTP push of traces and metrics.
	Enabled bool

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").  Empty
	// leaves it to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string

	// Insecure sends OTLP over plain HTTP.
	Insecure bool

	// StdOut writes spans and metrics to Output as well.
	StdOut bool

	// Output receives the StdOut exporters' data.  Default: os.Stdout.
	Output io.Writer

	// Prometheus registers a reader with the default Prometheus registry.
	// The bus serves it on its /metrics route.
	Prometheus bool

	// ExportInterval is the push interval of periodic metric readers.
	// Default: 10s.
	ExportInterval time.Duration

	// ServiceName overrides buildinfo.ServiceName in the resource.
	ServiceName string
}

func (c Config) tracing() bool { return c.Enabled || c.StdOut }

func (c Config) metering() bool { return c.Enabled || c.StdOut || c.Prometheus }

// Setup installs the global providers for whatever cfg enables and returns
// a function that flushes and stops them.  With nothing enabled the global
// no-op providers stay in place and the returned function does nothing.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 10 * time.Second
	}

	var stops teardown
	if !cfg.tracing() && !cfg.metering() {
		return stops.run, nil
	}

	res, err := newResource(cfg.ServiceName)
	if err != nil {
		return stops.run, err
	}

	if cfg.tracing() {
		exporters, err := spanExporters(ctx, cfg)
		if err != nil {
			return stops.run, errors.Join(err, stops.run(ctx))
		}
		opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
		for _, exp := range exporters {
			opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(time.Second)))
		}
		tp := sdktrace.NewTracerProvider(opts...)
		stops = append(stops, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.metering() {
		readers, err := metricReaders(ctx, cfg)
		if err != nil {
			return stops.run, errors.Join(err, stops.run(ctx))
		}
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		stops = append(stops, mp.Shutdown)
		otel.SetMeterProvider(mp)
	}

	return stops.run, nil
}

// teardown collects provider shutdown functions.  run calls each one, joins
// their errors and forgets them, so a second run is a no-op.
type teardown []func(context.Context) error

func (t *teardown) run(ctx context.Context) error {
	var err error
	for _, fn := range *t {
		err = errors.Join(err, fn(ctx))
	}
	*t = nil
	return err
}

// newResource adds the service attributes to the SDK's default resource.
// They carry no schema URL of their own, so the merge takes the SDK's.
func newResource(serviceName string) (*resource.Resource, error) {
	if serviceName == "" {
		serviceName = buildinfo.ServiceName
	}
	return resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(buildinfo.Version),
		),
	)
}

func spanExporters(ctx context.Context, cfg Config) ([]sdktrace.SpanExporter, error) {
	var out []sdktrace.SpanExporter

	if cfg.Enabled {
		var opts []otlptracehttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		out = append(out, exp)
	}

	if cfg.StdOut {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Output))
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		out = append(out, exp)
	}

	return out, nil
}

func metricReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, error) {
	var out []sdkmetric.Reader
	periodic := func(exp sdkmetric.Exporter) sdkmetric.Reader {
		return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.ExportInterval))
	}

	if cfg.Enabled {
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		out = append(out, periodic(exp))
	}

	if cfg.StdOut {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Output))
		if err != nil {
			return nil, fmt.Errorf("stdout metric exporter: %w", err)
		}
		out = append(out, periodic(exp))
	}

	if cfg.Prometheus {
		exp, err := promexporter.New()
		if err != nil {
			return nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		out = append(out, exp)
	}

	return out, nil
}
