// Package otel wires OpenTelemetry tracing and metrics into fleetbench runs.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ExporterType selects where spans and metrics go.
type ExporterType string

const (
	ExporterNone     ExporterType = "none"
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"
)

const instrumentationName = "github.com/bc-dunia/fleetbench"

// Span attribute keys shared by run, phase and task spans.
var (
	attrRunID      = attribute.Key("fleetbench.run_id")
	attrPhase      = attribute.Key("fleetbench.phase")
	attrHost       = attribute.Key("fleetbench.host")
	attrWorkload   = attribute.Key("fleetbench.workload")
	attrRepetition = attribute.Key("fleetbench.repetition")
)

// Config configures the run tracer.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	// OTLPEndpoint is host:port for the OTLP exporters.
	OTLPEndpoint string
	OTLPInsecure bool
	// SampleRate in [0, 1]; values outside the range clamp.
	SampleRate float64
	Attributes map[string]string
}

// DefaultConfig returns a configuration with tracing disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "fleetbench",
		ExporterType: ExporterNone,
		SampleRate:   1.0,
	}
}

func (c *Config) active() bool {
	return c.Enabled && c.ExporterType != ExporterNone && c.ExporterType != ""
}

// Tracer starts the spans of a benchmark run. The zero exporter yields
// non-recording spans, so callers never need to check Enabled.
type Tracer struct {
	config     *Config
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	mu       sync.Mutex
	shutdown func(context.Context) error
}

// NewTracer builds a Tracer from cfg; a nil cfg means DefaultConfig.
func NewTracer(ctx context.Context, cfg *Config) (*Tracer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	if !cfg.active() {
		return &Tracer{
			config:     cfg,
			tracer:     noop.NewTracerProvider().Tracer(instrumentationName),
			propagator: propagator,
			shutdown:   func(context.Context) error { return nil },
		}, nil
	}

	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}
	res, err := createResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(cfg.SampleRate))),
	)
	otel.SetTextMapPropagator(propagator)

	return &Tracer{
		config:     cfg,
		tracer:     tp.Tracer(instrumentationName),
		propagator: propagator,
		shutdown:   tp.Shutdown,
	}, nil
}

func samplerFor(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

func newSpanExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case ExporterOTLPGRPC:
		var opts []otlptracegrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlptracehttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// Shutdown flushes pending spans. Later calls are no-ops.
func (t *Tracer) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	shutdown := t.shutdown
	t.shutdown = nil
	t.mu.Unlock()

	if shutdown == nil {
		return nil
	}
	return shutdown(ctx)
}

// Enabled reports whether spans are exported.
func (t *Tracer) Enabled() bool {
	return t.config.active()
}

// StartSpan starts an arbitrary span.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Propagator returns the W3C trace context propagator.
func (t *Tracer) Propagator() propagation.TextMapPropagator {
	return t.propagator
}

// TaskSpanOptions identifies the task a span covers.
type TaskSpanOptions struct {
	RunID      string
	Host       string
	Workload   string
	Repetition int
}

// StartRunSpan starts the root span of a run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID string, hosts, workloads int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "fleetbench.run", trace.WithAttributes(
		attrRunID.String(runID),
		attribute.Int("fleetbench.hosts", hosts),
		attribute.Int("fleetbench.workloads", workloads),
	))
}

// StartPhaseSpan starts a span for one run phase.
func (t *Tracer) StartPhaseSpan(ctx context.Context, runID, phase string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "fleetbench.phase", trace.WithAttributes(
		attrRunID.String(runID),
		attrPhase.String(phase),
	))
}

// StartTaskSpan starts a span for one (host, workload, repetition) task.
func (t *Tracer) StartTaskSpan(ctx context.Context, opts TaskSpanOptions) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "fleetbench.task",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attrRunID.String(opts.RunID),
			attrHost.String(opts.Host),
			attrWorkload.String(opts.Workload),
			attrRepetition.Int(opts.Repetition),
		),
	)
}

// RecordError attaches err to span with a classification. Nil span or err
// is a no-op.
func RecordError(span trace.Span, err error, errorType string, retryable bool) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(
		attribute.String("error.type", errorType),
		attribute.Bool("error.retryable", retryable),
	)
}

// GetTraceInfo returns the trace and span IDs carried by ctx, or empty
// strings when there is no valid span.
func GetTraceInfo(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	if sc.HasSpanID() {
		spanID = sc.SpanID().String()
	}
	return traceID, spanID
}

// NoopTracer returns a Tracer whose spans record nothing.
func NoopTracer() *Tracer {
	return &Tracer{
		config:     DefaultConfig(),
		tracer:     noop.NewTracerProvider().Tracer(instrumentationName),
		propagator: propagation.TraceContext{},
		shutdown:   func(context.Context) error { return nil },
	}
}
