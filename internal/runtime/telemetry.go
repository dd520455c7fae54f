package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/murmurlabs/murmur-core/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the OTel providers plus the capture instruments the runtime
// records against them: how many sessions were started, how many consolidated
// transcripts reached a host, and how many sessions died on a recognition
// error.
type telemetry struct {
	metricsHandler http.Handler
	shutdownFns    []func(context.Context) error

	sessionsStarted      metric.Int64Counter
	transcriptsDelivered metric.Int64Counter
	recognitionFailures  metric.Int64Counter
}

func newTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &telemetry{}
	if err := t.initTracing(ctx, cfg.Telemetry, res, logger); err != nil {
		return nil, err
	}
	if err := t.initMetrics(res, logger); err != nil {
		return nil, err
	}
	return t, nil
}

// initTracing exports spans over OTLP when an endpoint is configured and
// falls back to pretty-printed stdout otherwise.
func (t *telemetry) initTracing(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) error {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		logger.Info("tracing initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		logger.Info("tracing initialized", slog.String("exporter", "stdout"))
	}
	if err != nil {
		return err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	t.shutdownFns = append(t.shutdownFns, tp.Shutdown)
	return nil
}

// initMetrics wires the prometheus exporter and registers the capture
// counters. A failed exporter degrades to a reader-less provider: the
// counters still work, only the /metrics endpoint disappears.
func (t *telemetry) initMetrics(res *resource.Resource, logger *slog.Logger) error {
	var mp *sdkmetric.MeterProvider
	promExporter, err := prometheus.New()
	if err != nil {
		logger.Warn("prometheus exporter unavailable, metrics endpoint disabled", slog.String("error", err.Error()))
		mp = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(promExporter),
			sdkmetric.WithResource(res),
		)
		t.metricsHandler = promhttp.Handler()
	}
	otel.SetMeterProvider(mp)
	t.shutdownFns = append(t.shutdownFns, mp.Shutdown)

	meter := mp.Meter("github.com/murmurlabs/murmur-core/runtime")
	if t.sessionsStarted, err = meter.Int64Counter("murmur.capture.sessions.started",
		metric.WithDescription("Recording sessions started")); err != nil {
		return err
	}
	if t.transcriptsDelivered, err = meter.Int64Counter("murmur.capture.transcripts.delivered",
		metric.WithDescription("Consolidated transcripts handed to hosts on stop")); err != nil {
		return err
	}
	if t.recognitionFailures, err = meter.Int64Counter("murmur.capture.recognition.failures",
		metric.WithDescription("Sessions torn down by a terminal recognition error")); err != nil {
		return err
	}
	return nil
}

func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdownFns) - 1; i >= 0; i-- {
		if err := t.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
