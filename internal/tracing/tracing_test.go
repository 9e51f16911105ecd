package tracing

import (
	"context"
	"slices"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// withSentinelProvider installs a no-op provider and restores the globals
// after the test.
func withSentinelProvider(t *testing.T) noop.TracerProvider {
	t.Helper()
	originalProvider := otel.GetTracerProvider()
	originalPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(originalProvider)
		otel.SetTextMapPropagator(originalPropagator)
	})
	sentinel := noop.NewTracerProvider()
	otel.SetTracerProvider(sentinel)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())
	return sentinel
}

func TestInitLeavesGlobalsWithoutEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "   "} {
		sentinel := withSentinelProvider(t)
		t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", endpoint)

		shutdown, err := Init(context.Background())
		if err != nil {
			t.Fatalf("Init(%q) error = %v", endpoint, err)
		}
		if got := otel.GetTracerProvider(); got != sentinel {
			t.Fatalf("Init(%q) replaced the tracer provider with %T", endpoint, got)
		}
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown() error = %v", err)
		}
	}
}

func TestInitRejectsMalformedEndpoint(t *testing.T) {
	sentinel := withSentinelProvider(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://[::1")

	shutdown, err := Init(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid OTLP endpoint") {
		t.Fatalf("Init() error = %v, want invalid OTLP endpoint", err)
	}
	if shutdown != nil {
		t.Fatal("Init() returned a shutdown func on error")
	}
	if got := otel.GetTracerProvider(); got != sentinel {
		t.Fatal("Init() replaced the tracer provider on error")
	}
}

// Engine spans join the caller's trace through W3C trace context and baggage.
func TestInitInstallsProviderAndPropagators(t *testing.T) {
	withSentinelProvider(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("tracer provider = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
	fields := otel.GetTextMapPropagator().Fields()
	for _, want := range []string{"traceparent", "baggage"} {
		if !slices.Contains(fields, want) {
			t.Errorf("propagator fields = %v, missing %q", fields, want)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestServiceNameFromEnv(t *testing.T) {
	tests := map[string]string{
		"":                  defaultServiceName,
		"  ":                defaultServiceName,
		" rules-edge-eu-1 ": "rules-edge-eu-1",
	}
	for env, want := range tests {
		t.Setenv("OTEL_SERVICE_NAME", env)
		if got := serviceNameFromEnv(); got != want {
			t.Errorf("serviceNameFromEnv() with %q = %q, want %q", env, got, want)
		}
	}
}
