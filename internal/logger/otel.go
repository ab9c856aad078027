package logger

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// setupOTELLogging routes slog through an OTLP gRPC exporter and returns the
// provider's shutdown hook.
func setupOTELLogging(ctx context.Context, service string) (func(context.Context) error, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	bridge := otelslog.NewHandler(service, otelslog.WithLoggerProvider(provider))
	Logger = slog.New(minLevel{Leveler: programLevel, next: bridge})
	slog.SetDefault(Logger)
	return provider.Shutdown, nil
}

// minLevel drops records below the program level before they reach the bridge,
// which has no level option of its own.
type minLevel struct {
	slog.Leveler
	next slog.Handler
}

func (h minLevel) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.Level()
}

func (h minLevel) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r)
}

func (h minLevel) WithAttrs(attrs []slog.Attr) slog.Handler {
	return minLevel{Leveler: h.Leveler, next: h.next.WithAttrs(attrs)}
}

func (h minLevel) WithGroup(name string) slog.Handler {
	return minLevel{Leveler: h.Leveler, next: h.next.WithGroup(name)}
}
