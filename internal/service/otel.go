package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/earthpulse/ml-inference/internal/service"

// TelemetryProviders holds the OTel SDK providers. When telemetry is disabled
// both are nil and the accessors return noop providers.
type TelemetryProviders struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// InitTelemetry sets up OTLP/gRPC trace and metric export and registers the
// providers globally.
func InitTelemetry(ctx context.Context, cfg TelemetryConfig, logger *slog.Logger) (*TelemetryProviders, error) {
	if !cfg.Enabled {
		logger.Info("telemetry_disabled")
		return &TelemetryProviders{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(buildVersion()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info(
		"telemetry_initialized",
		"endpoint", cfg.OTLPEndpoint,
		"service_name", cfg.ServiceName,
		"sample_rate", cfg.SampleRate,
	)
	return &TelemetryProviders{tp: tp, mp: mp}, nil
}

func (p *TelemetryProviders) TracerProvider() trace.TracerProvider {
	if p == nil || p.tp == nil {
		return tracenoop.NewTracerProvider()
	}
	return p.tp
}

func (p *TelemetryProviders) MeterProvider() metric.MeterProvider {
	if p == nil || p.mp == nil {
		return metricnoop.NewMeterProvider()
	}
	return p.mp
}

// Shutdown flushes pending spans and metrics. Safe on noop providers.
func (p *TelemetryProviders) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OTelHooks turns dispatch and HTTP events into spans and OTel metrics.
type OTelHooks struct {
	tracer           trace.Tracer
	dispatches       metric.Int64Counter
	failures         metric.Int64Counter
	batchSize        metric.Int64Histogram
	queueWait        metric.Float64Histogram
	dispatchDuration metric.Float64Histogram
	httpDuration     metric.Float64Histogram
}

func NewOTelHooks(tp trace.TracerProvider, mp metric.MeterProvider) (*OTelHooks, error) {
	meter := mp.Meter(instrumentationName)
	h := &OTelHooks{tracer: tp.Tracer(instrumentationName)}
	var err error
	if h.dispatches, err = meter.Int64Counter(
		"inference.batch.dispatches",
		metric.WithDescription("Dispatched batches"),
	); err != nil {
		return nil, err
	}
	if h.failures, err = meter.Int64Counter(
		"inference.batch.failures",
		metric.WithDescription("Failed backend invocations"),
	); err != nil {
		return nil, err
	}
	if h.batchSize, err = meter.Int64Histogram(
		"inference.batch.size",
		metric.WithDescription("Items per dispatched batch"),
	); err != nil {
		return nil, err
	}
	if h.queueWait, err = meter.Float64Histogram(
		"inference.batch.queue_wait",
		metric.WithDescription("Wait of the oldest item before dispatch"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if h.dispatchDuration, err = meter.Float64Histogram(
		"inference.batch.duration",
		metric.WithDescription("Backend time per batch"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if h.httpDuration, err = meter.Float64Histogram(
		"http.server.request.duration",
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *OTelHooks) OnHTTPRequestStart(_ context.Context, _ string, _ string) {}

func (h *OTelHooks) OnHTTPRequestDone(
	ctx context.Context,
	route string,
	requestID string,
	statusCode int,
	duration time.Duration,
	err error,
) {
	end := time.Now()
	_, span := h.tracer.Start(ctx, "http "+route,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(end.Add(-duration)),
		trace.WithAttributes(
			attribute.String("http.route", route),
			attribute.String("request.id", requestID),
			attribute.Int("http.response.status_code", statusCode),
		),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End(trace.WithTimestamp(end))
	h.httpDuration.Record(ctx, durationMillis(duration), metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.response.status_code", statusCode),
	))
}

func (h *OTelHooks) OnDispatch(ctx context.Context, event DispatchEvent) {
	end := time.Now()
	_, span := h.tracer.Start(ctx, "batch.dispatch",
		trace.WithTimestamp(end.Add(-event.DispatchDuration)),
		trace.WithAttributes(
			attribute.String("model.id", event.ModelID),
			attribute.Int("batch.size", event.BatchSize),
			attribute.String("batch.flushed_by", string(event.FlushedBy)),
			attribute.IntSlice("batch.shape", event.InputShape),
			attribute.Float64("batch.queue_wait_ms", durationMillis(event.QueueWait)),
		),
	)
	if event.Err != nil {
		span.RecordError(event.Err)
		span.SetStatus(codes.Error, event.Err.Error())
	}
	span.End(trace.WithTimestamp(end))

	attrs := metric.WithAttributes(
		attribute.String("model.id", event.ModelID),
		attribute.String("batch.flushed_by", string(event.FlushedBy)),
	)
	h.dispatches.Add(ctx, 1, attrs)
	h.batchSize.Record(ctx, int64(event.BatchSize), attrs)
	h.queueWait.Record(ctx, durationMillis(event.QueueWait), attrs)
	h.dispatchDuration.Record(ctx, durationMillis(event.DispatchDuration), attrs)
}

func (h *OTelHooks) OnBackendFailure(ctx context.Context, event FailureEvent) {
	h.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model.id", event.ModelID),
		attribute.String("error.kind", event.ErrorKind),
	))
}

// buildVersion extracts the module version from Go build info.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
