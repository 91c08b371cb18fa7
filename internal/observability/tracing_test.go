package observability

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("P4NET_TRACING_ENABLED", "TRUE")
	t.Setenv("P4NET_TRACING_EXPORTER", "OTLP")
	t.Setenv("P4NET_TRACING_SERVICE_NAME", "lab")
	t.Setenv("P4NET_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("P4NET_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	want := TracingConfig{Enabled: true, ServiceName: "lab", Exporter: ExporterOTLP, Endpoint: "collector:4317", SampleRatio: 0.25}
	if cfg != want {
		t.Fatalf("TracingConfigFromEnv() = %+v, want %+v", cfg, want)
	}

	t.Setenv("P4NET_TRACING_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("out-of-range sample ratio = %v, want default 1", got)
	}
}

func TestInitTracing(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracing(ctx, TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing(disabled): %v", err)
	}
	_, span := otel.Tracer("test").Start(ctx, "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracing produced a recording span")
	}
	span.End()
	ShutdownWithTimeout(ctx, shutdown, nil)

	if _, err := InitTracing(ctx, TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatalf("InitTracing accepted an unknown exporter")
	}

	shutdown, err = InitTracing(ctx, TracingConfig{Enabled: true, ServiceName: "p4net-test", Exporter: ExporterStdout, SampleRatio: 1}, nil)
	if err != nil {
		t.Fatalf("InitTracing(stdout): %v", err)
	}
	_, span = otel.Tracer("test").Start(ctx, "sampled")
	if !span.SpanContext().IsSampled() {
		t.Fatalf("span not sampled at ratio 1")
	}
	span.End()
	ShutdownWithTimeout(ctx, shutdown, nil)
}
