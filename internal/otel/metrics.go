// Package otel provides OpenTelemetry metrics integration for fleetbench.
package otel

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "fleetbench",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics with fleetbench instruments. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.Mutex

	currentPhase atomic.Int64
	hostCPU      atomic.Uint64
	hostMemory   atomic.Uint64
	gaugeReg     metric.Registration

	taskCounter  metric.Int64Counter
	sinkEntries  metric.Int64Counter
	sinkRetries  metric.Int64Counter
	phaseGauge   metric.Int64ObservableGauge
	cpuGauge     metric.Float64ObservableGauge
	memoryGauge  metric.Float64ObservableGauge
	taskDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		return NoopMetrics(), nil
	}

	exporter, err := createMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	return newMetricsWithReader(cfg, sdkmetric.NewPeriodicReader(exporter))
}

// NewMetricsWithReader builds enabled metrics on top of an explicit reader,
// e.g. a manual reader in tests.
func NewMetricsWithReader(cfg *MetricsConfig, reader sdkmetric.Reader) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}
	return newMetricsWithReader(cfg, reader)
}

func newMetricsWithReader(cfg *MetricsConfig, reader sdkmetric.Reader) (*Metrics, error) {
	res, err := createResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      mp.Shutdown,
	}
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}
	return m, nil
}

func createMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func createResource(serviceName, serviceVersion string, extra map[string]string) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
	}
	if serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(serviceVersion))
	}
	for k, v := range extra {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.taskCounter, err = m.meter.Int64Counter(
		"fleetbench.tasks",
		metric.WithDescription("Task status transitions by resulting status"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task counter: %w", err)
	}

	m.taskDuration, err = m.meter.Float64Histogram(
		"fleetbench.task.duration",
		metric.WithDescription("Duration of finished tasks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task duration histogram: %w", err)
	}

	m.sinkEntries, err = m.meter.Int64Counter(
		"fleetbench.sink.entries",
		metric.WithDescription("Log entries handled by sinks, by outcome"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sink entries counter: %w", err)
	}

	m.sinkRetries, err = m.meter.Int64Counter(
		"fleetbench.sink.retries",
		metric.WithDescription("Delivery retries performed by remote sinks"),
	)
	if err != nil {
		return fmt.Errorf("failed to create sink retries counter: %w", err)
	}

	m.phaseGauge, err = m.meter.Int64ObservableGauge(
		"fleetbench.phase",
		metric.WithDescription("Current run phase index"),
	)
	if err != nil {
		return fmt.Errorf("failed to create phase gauge: %w", err)
	}

	m.cpuGauge, err = m.meter.Float64ObservableGauge(
		"fleetbench.host.cpu",
		metric.WithDescription("Controller host CPU utilisation"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create host cpu gauge: %w", err)
	}

	m.memoryGauge, err = m.meter.Float64ObservableGauge(
		"fleetbench.host.memory",
		metric.WithDescription("Controller host memory utilisation"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return fmt.Errorf("failed to create host memory gauge: %w", err)
	}

	m.gaugeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.phaseGauge, m.currentPhase.Load())
			o.ObserveFloat64(m.cpuGauge, math.Float64frombits(m.hostCPU.Load()))
			o.ObserveFloat64(m.memoryGauge, math.Float64frombits(m.hostMemory.Load()))
			return nil
		},
		m.phaseGauge, m.cpuGauge, m.memoryGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback: %w", err)
	}

	return nil
}

// RecordTaskStatus counts a task reaching status.
func (m *Metrics) RecordTaskStatus(ctx context.Context, workload, status string) {
	if m == nil || m.taskCounter == nil {
		return
	}
	m.taskCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workload", workload),
		attribute.String("status", status),
	))
}

// RecordTaskDuration records the duration of a finished task in seconds.
func (m *Metrics) RecordTaskDuration(ctx context.Context, workload, status string, seconds float64) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("workload", workload),
		attribute.String("status", status),
	))
}

// RecordSinkEntries counts n entries of sink with outcome (shipped, dropped, failed).
func (m *Metrics) RecordSinkEntries(ctx context.Context, sink, outcome string, n int64) {
	if m == nil || m.sinkEntries == nil || n == 0 {
		return
	}
	m.sinkEntries.Add(ctx, n, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("outcome", outcome),
	))
}

// RecordSinkRetry counts one delivery retry.
func (m *Metrics) RecordSinkRetry(ctx context.Context, sink string) {
	if m == nil || m.sinkRetries == nil {
		return
	}
	m.sinkRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// SetCurrentPhase sets the phase index reported by the phase gauge.
func (m *Metrics) SetCurrentPhase(phase int) {
	if m == nil {
		return
	}
	m.currentPhase.Store(int64(phase))
}

// SetHostUsage sets the host utilisation gauges, both in percent.
func (m *Metrics) SetHostUsage(cpuPercent, memoryPercent float64) {
	if m == nil {
		return
	}
	m.hostCPU.Store(math.Float64bits(cpuPercent))
	m.hostMemory.Store(math.Float64bits(memoryPercent))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.gaugeReg != nil {
		if err := m.gaugeReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister gauge callback: %w", err)
		}
		m.gaugeReg = nil
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m != nil && m.taskCounter != nil
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
