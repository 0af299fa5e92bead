package utils

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"aaronromeo.com/mailpeek/internal/config"
	"aaronromeo.com/mailpeek/pkg/base"
	"go.opentelemetry.io/contrib/propagators/aws/xray"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	dsnHeader         = "uptrace-dsn"
	otlpGRPCPort      = "4317"
	metricInterval    = 15 * time.Second
	traceBatchTimeout = time.Second
)

// StdoutLogWriter receives log records when the stdout exporter is selected.
var StdoutLogWriter io.Writer = os.Stderr

// setupOTelSDK bootstraps the OpenTelemetry pipeline.
// If it does not return an error, make sure to call shutdown for proper cleanup.
func SetupOTelSDK(ctx context.Context, settings *config.TelemetrySettings) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	// shutdown calls cleanup functions registered via shutdownFuncs.
	// The errors from the calls are joined.
	// Each registered cleanup will be invoked once.
	shutdown = func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		shutdownFuncs = nil
		return err
	}

	if settings == nil || !settings.Enabled {
		return shutdown, nil
	}

	// handleErr calls shutdown for cleanup and makes sure that all errors are returned.
	handleErr := func(inErr error) {
		err = errors.Join(inErr, shutdown(ctx))
	}

	// Set up propagator.
	otel.SetTextMapPropagator(newPropagator())

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			attribute.String("service.name", base.ServiceName),
			attribute.String("service.version", base.ServiceVersion),
		))
	if err != nil {
		handleErr(err)
		return
	}

	// Set up trace provider.
	tracerProvider, err := newTraceProvider(ctx, settings, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)
	otel.SetTracerProvider(tracerProvider)

	// Set up meter provider.
	meterProvider, err := newMeterProvider(ctx, settings, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	otel.SetMeterProvider(meterProvider)

	// Set up logger provider.
	loggerProvider, err := newLoggerProvider(ctx, settings, res)
	if err != nil {
		handleErr(err)
		return
	}
	shutdownFuncs = append(shutdownFuncs, loggerProvider.Shutdown)
	global.SetLoggerProvider(loggerProvider)

	return
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func dsnHeaders(settings *config.TelemetrySettings) map[string]string {
	if settings.DSN == "" {
		return nil
	}
	return map[string]string{dsnHeader: settings.DSN}
}

// grpcEndpoint swaps the port of the configured OTLP host for the gRPC one.
func grpcEndpoint(endpoint string) string {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}
	return net.JoinHostPort(host, otlpGRPCPort)
}

func newTraceExporter(ctx context.Context, settings *config.TelemetrySettings) (trace.SpanExporter, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(settings.Endpoint),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if headers := dsnHeaders(settings); headers != nil {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}
	if settings.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func newTraceProvider(ctx context.Context, settings *config.TelemetrySettings, res *resource.Resource) (*trace.TracerProvider, error) {
	opts := []trace.TracerProviderOption{
		trace.WithResource(res),
		trace.WithIDGenerator(xray.NewIDGenerator()),
	}

	// The stdout exporter only covers logs; spans are still recorded so
	// trace ids reach the log records.
	if settings.Exporter == config.ExporterOTLP {
		traceExporter, err := newTraceExporter(ctx, settings)
		if err != nil {
			return nil, err
		}
		opts = append(opts, trace.WithBatcher(traceExporter,
			trace.WithMaxQueueSize(10_000),
			trace.WithMaxExportBatchSize(10_000),
			trace.WithBatchTimeout(traceBatchTimeout)))
	}

	return trace.NewTracerProvider(opts...), nil
}

func newMeterExporter(ctx context.Context, settings *config.TelemetrySettings) (*otlpmetricgrpc.Exporter, error) {
	preferDeltaTemporalitySelector := func(kind metric.InstrumentKind) metricdata.Temporality {
		switch kind {
		case metric.InstrumentKindCounter,
			metric.InstrumentKindObservableCounter,
			metric.InstrumentKindHistogram:
			return metricdata.DeltaTemporality
		default:
			return metricdata.CumulativeTemporality
		}
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(grpcEndpoint(settings.Endpoint)),
		otlpmetricgrpc.WithCompressor(gzip.Name),
		otlpmetricgrpc.WithTemporalitySelector(preferDeltaTemporalitySelector),
	}
	if headers := dsnHeaders(settings); headers != nil {
		opts = append(opts, otlpmetricgrpc.WithHeaders(headers))
	}
	if settings.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func newMeterProvider(ctx context.Context, settings *config.TelemetrySettings, res *resource.Resource) (*metric.MeterProvider, error) {
	opts := []metric.Option{metric.WithResource(res)}

	if settings.Exporter == config.ExporterOTLP {
		metricExporter, err := newMeterExporter(ctx, settings)
		if err != nil {
			return nil, err
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(
			metricExporter,
			metric.WithInterval(metricInterval),
		)))
	}

	return metric.NewMeterProvider(opts...), nil
}

func newLoggerExporter(ctx context.Context, settings *config.TelemetrySettings) (log.Exporter, error) {
	if settings.Exporter == config.ExporterStdout {
		return stdoutlog.New(stdoutlog.WithWriter(StdoutLogWriter))
	}

	opts := []otlploghttp.Option{
		otlploghttp.WithEndpoint(settings.Endpoint),
		otlploghttp.WithCompression(otlploghttp.GzipCompression),
	}
	if headers := dsnHeaders(settings); headers != nil {
		opts = append(opts, otlploghttp.WithHeaders(headers))
	}
	if settings.Insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	return otlploghttp.New(ctx, opts...)
}

func newLoggerProvider(ctx context.Context, settings *config.TelemetrySettings, res *resource.Resource) (*log.LoggerProvider, error) {
	logExporter, err := newLoggerExporter(ctx, settings)
	if err != nil {
		return nil, err
	}

	var processor log.Processor = log.NewBatchProcessor(logExporter)
	if settings.Exporter == config.ExporterStdout {
		processor = log.NewSimpleProcessor(logExporter)
	}

	loggerProvider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(processor),
	)
	return loggerProvider, nil
}
