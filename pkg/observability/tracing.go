// Package observability sets up OpenTelemetry tracing for the writer.
// Spans are exported as JSON lines to a file or stdout.
package observability

import (
	"context"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/gibber9809/clp-structured/pkg/archiveerrors"
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" json:"enabled"`
	ServiceName    string  `yaml:"service_name" json:"service_name"`
	ServiceVersion string  `yaml:"service_version" json:"service_version"`
	SamplingRate   float64 `yaml:"sampling_rate" json:"sampling_rate"`
	// OutputPath receives exported spans; empty means stdout
	OutputPath string `yaml:"output_path" json:"output_path"`
}

// DefaultTracingConfig returns a disabled configuration that samples every
// span once enabled.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName:  "clps",
		SamplingRate: 1.0,
	}
}

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// InitTracing installs a global tracer provider. When tracing is disabled it
// leaves the no-op provider in place and returns a no-op shutdown.
func InitTracing(cfg TracingConfig) (ShutdownFunc, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var out io.Writer = os.Stdout
	var file *os.File
	if cfg.OutputPath != "" {
		f, err := os.Create(cfg.OutputPath) //nolint:gosec // G304: operator-supplied trace path
		if err != nil {
			return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeConfig, "failed to create trace output").
				WithDetail("path", cfg.OutputPath)
		}
		out, file = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		closeFile(file)
		return nil, archiveerrors.Wrap(err, archiveerrors.ErrorTypeConfig, "failed to create span exporter")
	}

	res := resource.NewSchemaless(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		closeFile(file)
		return err
	}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func closeFile(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}
