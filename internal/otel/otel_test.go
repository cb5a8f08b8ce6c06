package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func stdoutTracer(t *testing.T) *Tracer {
	t.Helper()
	tracer, err := NewTracer(context.Background(), &Config{
		Enabled:      true,
		ServiceName:  "test-service",
		ExporterType: ExporterStdout,
		SampleRate:   1.0,
	})
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	t.Cleanup(func() { tracer.Shutdown(context.Background()) })
	return tracer
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Enabled {
		t.Error("expected Enabled to be false by default")
	}
	if cfg.ServiceName != "fleetbench" {
		t.Errorf("expected ServiceName 'fleetbench', got %q", cfg.ServiceName)
	}
	if cfg.ExporterType != ExporterNone {
		t.Errorf("expected ExporterType 'none', got %q", cfg.ExporterType)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected SampleRate 1.0, got %f", cfg.SampleRate)
	}
}

func TestNewTracerDisabled(t *testing.T) {
	ctx := context.Background()

	tracer, err := NewTracer(ctx, nil)
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(ctx)

	if tracer.Enabled() {
		t.Error("expected tracer to be disabled")
	}

	_, span := tracer.StartRunSpan(ctx, "run-1", 2, 3)
	defer span.End()
	if span.SpanContext().IsValid() {
		t.Error("disabled tracer should produce non-recording spans")
	}
}

func TestNewTracerUnknownExporter(t *testing.T) {
	_, err := NewTracer(context.Background(), &Config{Enabled: true, ExporterType: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestRunPhaseTaskSpansShareTrace(t *testing.T) {
	tracer := stdoutTracer(t)
	ctx := context.Background()

	runCtx, runSpan := tracer.StartRunSpan(ctx, "run-1", 1, 1)
	defer runSpan.End()
	phaseCtx, phaseSpan := tracer.StartPhaseSpan(runCtx, "run-1", "WORKLOADS")
	defer phaseSpan.End()
	taskCtx, taskSpan := tracer.StartTaskSpan(phaseCtx, TaskSpanOptions{
		RunID: "run-1", Host: "node-a", Workload: "dfaas", Repetition: 1,
	})
	defer taskSpan.End()

	runTrace, _ := GetTraceInfo(runCtx)
	taskTrace, taskSpanID := GetTraceInfo(taskCtx)
	if runTrace == "" || runTrace != taskTrace {
		t.Fatalf("task span not in run trace: run=%q task=%q", runTrace, taskTrace)
	}
	if taskSpanID == "" {
		t.Fatal("expected task span ID")
	}
}

func TestGetTraceInfoNoSpan(t *testing.T) {
	traceID, spanID := GetTraceInfo(context.Background())
	if traceID != "" || spanID != "" {
		t.Errorf("expected empty trace info, got %q %q", traceID, spanID)
	}
}

func TestRecordError(t *testing.T) {
	tracer := stdoutTracer(t)
	_, span := tracer.StartSpan(context.Background(), "op")
	defer span.End()

	RecordError(span, errors.New("boom"), "automation", false)
	RecordError(nil, errors.New("boom"), "automation", false)
	RecordError(span, nil, "automation", false)
}

func TestMiddlewareDisabled(t *testing.T) {
	handler := Middleware(NoopTracer())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204, got %d", rec.Code)
	}
}

func TestMiddlewareNilTracer(t *testing.T) {
	handler := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestMiddlewareWithTraceparent(t *testing.T) {
	tracer := stdoutTracer(t)

	var capturedTraceID string
	handler := Middleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := trace.SpanFromContext(r.Context()).SpanContext()
		if sc.HasTraceID() {
			capturedTraceID = sc.TraceID().String()
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/journal", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if capturedTraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("expected trace ID from header, got %q", capturedTraceID)
	}
}

func TestSamplerConfigurations(t *testing.T) {
	for _, rate := range []float64{0, 0.5, 1} {
		tracer, err := NewTracer(context.Background(), &Config{
			Enabled:      true,
			ServiceName:  "test-service",
			ExporterType: ExporterStdout,
			SampleRate:   rate,
		})
		if err != nil {
			t.Fatalf("NewTracer(rate=%v) failed: %v", rate, err)
		}
		tracer.Shutdown(context.Background())
	}
}
