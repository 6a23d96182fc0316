package main

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const serviceName = "dbsidecar"

// multiHandler fans out slog records at or above level to every handler.
type multiHandler struct {
	level    slog.Leveler
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < m.level.Level() {
		return false
	}
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			_ = h.Handle(ctx, r.Clone())
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	return m.derive(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (m *multiHandler) derive(f func(slog.Handler) slog.Handler) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = f(h)
	}
	return &multiHandler{level: m.level, handlers: handlers}
}

// otlpEndpointConfigured reports whether the standard OTLP exporter
// environment points somewhere for the given signal ("LOGS" or "TRACES").
func otlpEndpointConfigured(getenv func(string) string, signal string) bool {
	return getenv("OTEL_EXPORTER_OTLP_"+signal+"_ENDPOINT") != "" || getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != ""
}

// initLogging installs the default slog logger. Records always go to stderr;
// when an OTLP logs endpoint is configured they are also exported over
// OTLP/HTTP. The returned function flushes the exporter.
func initLogging(level slog.Level) func() {
	textHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if !otlpEndpointConfigured(os.Getenv, "LOGS") {
		slog.SetDefault(slog.New(textHandler))
		return func() {}
	}

	ctx := context.Background()
	exporter, err := otlploghttp.New(ctx)
	if err != nil {
		slog.SetDefault(slog.New(textHandler))
		slog.Error("Failed to create OTLP log exporter, continuing with stderr only.", "error", err)
		return func() {}
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)
	otelHandler := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider))

	slog.SetDefault(slog.New(&multiHandler{
		level:    level,
		handlers: []slog.Handler{textHandler, otelHandler},
	}))
	slog.Info("OTLP log export enabled.")

	return func() {
		_ = provider.Shutdown(context.Background())
	}
}
