package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("livecheck", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()
	if IsTracingEnabled() {
		t.Error("tracing should stay disabled without an endpoint")
	}
}

func TestStartSpanCarriesCorrelation(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := WithCorrelation(context.Background(), "corr-1")
	_, span := StartSpan(ctx, "monitor.tick")
	EndSpan(span, errors.New("boom"))

	_, ok := StartSpan(context.Background(), "helix.get_streams")
	EndSpan(ok, nil)

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	first := spans[0]
	if first.Name() != "monitor.tick" || first.Status().Code != codes.Error {
		t.Errorf("first span = %s/%v, want monitor.tick with error status", first.Name(), first.Status().Code)
	}
	found := false
	for _, kv := range first.Attributes() {
		if kv.Key == "correlation_id" && kv.Value.AsString() == "corr-1" {
			found = true
		}
	}
	if !found {
		t.Error("correlation_id attribute missing")
	}
	if spans[1].Status().Code != codes.Ok {
		t.Errorf("second span status = %v, want Ok", spans[1].Status().Code)
	}
}
