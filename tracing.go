package main

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// initTracing installs a global OTLP/HTTP tracer provider when an OTLP
// traces endpoint is configured. Without one the global no-op provider
// stays in place. The returned function flushes pending spans.
func initTracing(version string) func(context.Context) {
	if !otlpEndpointConfigured(os.Getenv, "TRACES") {
		return func(context.Context) {}
	}

	exporter, err := otlptracehttp.New(context.Background())
	if err != nil {
		slog.Error("Failed to create OTLP trace exporter, tracing disabled.", "error", err)
		return func(context.Context) {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	slog.Info("OTLP trace export enabled.")

	return func(ctx context.Context) {
		if err := tp.Shutdown(ctx); err != nil {
			slog.Warn("Failed to flush traces.", "error", err)
		}
	}
}
