package monitoring

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys used by the sandbox lifecycle
const (
	AttrPort     = attribute.Key("dbsandbox.port")
	AttrDeployed = attribute.Key("dbsandbox.deployed")
	AttrRunID    = attribute.Key("dbsandbox.run_id")
	AttrCluster  = attribute.Key("dbsandbox.cluster")
)

// TracingConfig configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool            `json:"enabled"`
	ServiceName    string          `json:"service_name"`
	ServiceVersion string          `json:"service_version"`
	Exporter       TracingExporter `json:"exporter"`
	Endpoint       string          `json:"endpoint"`
	Insecure       bool            `json:"insecure"`
	SamplingRatio  float64         `json:"sampling_ratio"`
	ExportTimeout  time.Duration   `json:"export_timeout"`
	// Output receives spans from the stdout exporter; nil means stderr.
	Output io.Writer `json:"-"`
}

// TracingExporter represents the type of trace exporter
type TracingExporter string

const (
	TracingExporterJaeger TracingExporter = "jaeger"
	TracingExporterOTLP   TracingExporter = "otlp"
	TracingExporterStdout TracingExporter = "stdout"
)

// TracingManager manages OpenTelemetry tracing. A nil or disabled manager
// runs operations untraced.
type TracingManager struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:        false,
		ServiceName:    "dbsandbox",
		ServiceVersion: "dev",
		Exporter:       TracingExporterStdout,
		Endpoint:       "localhost:4318",
		Insecure:       true,
		SamplingRatio:  1.0,
		ExportTimeout:  10 * time.Second,
	}
}

// NewTracingManager creates a new tracing manager
func NewTracingManager(config *TracingConfig) (*TracingManager, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}

	if !config.Enabled {
		log.Debug().Msg("Tracing disabled")
		return &TracingManager{config: config}, nil
	}

	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	tm := newTracingManager(config, sdktrace.NewBatchSpanProcessor(exporter,
		sdktrace.WithExportTimeout(config.ExportTimeout)))

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", string(config.Exporter)).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized successfully")

	return tm, nil
}

// NewTracingManagerWithExporter builds an enabled manager around exporter
// using a synchronous span processor.
func NewTracingManagerWithExporter(config *TracingConfig, exporter sdktrace.SpanExporter) *TracingManager {
	if config == nil {
		config = DefaultTracingConfig()
	}
	config.Enabled = true
	return newTracingManager(config, sdktrace.NewSimpleSpanProcessor(exporter))
}

func newTracingManager(config *TracingConfig, processor sdktrace.SpanProcessor) *TracingManager {
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(createResource(config)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithSpanProcessor(processor),
	)

	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagator)

	return &TracingManager{
		config:         config,
		tracerProvider: provider,
		tracer: provider.Tracer(
			config.ServiceName,
			trace.WithInstrumentationVersion(config.ServiceVersion),
		),
		propagator: propagator,
	}
}

func createResource(config *TracingConfig) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
		attribute.String("runtime.os", runtime.GOOS),
	)
}

func createExporter(config *TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case TracingExporterJaeger:
		exp, err := jaeger.New(jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(config.Endpoint),
		))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		return exp, nil

	case TracingExporterOTLP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(config.Endpoint),
			otlptracehttp.WithTimeout(config.ExportTimeout),
		}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		return exp, nil

	case TracingExporterStdout:
		out := config.Output
		if out == nil {
			out = os.Stderr
		}
		exp, err := stdouttrace.New(
			stdouttrace.WithWriter(out),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exp, nil

	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", config.Exporter)
	}
}

// Enabled reports whether spans are produced
func (tm *TracingManager) Enabled() bool {
	return tm != nil && tm.tracer != nil
}

// StartSpan starts a new span
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !tm.Enabled() {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tm.tracer.Start(ctx, operationName, opts...)
}

// SetAttributes sets attributes on the current span
func (tm *TracingManager) SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// AddEvent adds an event to the current span
func (tm *TracingManager) AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// TraceOperation runs fn inside a span named operationName
func (tm *TracingManager) TraceOperation(ctx context.Context, operationName string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	if !tm.Enabled() {
		return fn(ctx)
	}

	ctx, span := tm.tracer.Start(ctx, operationName,
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Shutdown flushes and stops the tracer provider
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm == nil || tm.tracerProvider == nil {
		return nil
	}

	if err := tm.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	log.Debug().Msg("Tracing manager shut down")
	return nil
}
