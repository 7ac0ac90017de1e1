// Package tracing installs the OpenTelemetry tracer provider used by the
// session, dispatch and API spans.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the provider installed by Setup.
type Shutdown func(ctx context.Context) error

// Setup exports spans as JSON to w (stdout when nil) and installs the
// provider globally. The returned Shutdown must be called on exit.
func Setup(serviceName, serviceVersion string, w io.Writer) (Shutdown, error) {
	if w == nil {
		w = os.Stdout
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return SetupWithExporter(serviceName, serviceVersion, exporter)
}

// SetupWithExporter installs a provider batching spans into exporter.
func SetupWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (Shutdown, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Noop returns a Shutdown that does nothing, for when tracing is disabled.
func Noop() Shutdown {
	return func(context.Context) error { return nil }
}
