// Package telemetry は OpenTelemetry のトレーサーを初期化します。
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/yourusername/chat-queue/internal/config"
)

const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
	// ExporterNone はトレースを出力しません。
	ExporterNone = "none"

	serviceVersion  = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

// InitTracer はグローバルな TracerProvider を設定し、終了処理を返します。
func InitTracer(serviceName string, cfg *config.Config, logger *slog.Logger) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OTELExporterType == ExporterNone {
		return func() {}, nil
	}

	exporter, err := newExporter(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	logger.Info("tracer initialized",
		slog.String("service", serviceName),
		slog.String("exporter", cfg.OTELExporterType),
	)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown tracer provider", slog.Any("error", err))
		}
	}, nil
}

func newExporter(ctx context.Context, cfg *config.Config) (sdktrace.SpanExporter, error) {
	switch cfg.OTELExporterType {
	case ExporterOTLP:
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTELExporterEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		return exporter, nil
	case ExporterStdout, "":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("unknown OTEL_EXPORTER_TYPE %q", cfg.OTELExporterType)
	}
}
