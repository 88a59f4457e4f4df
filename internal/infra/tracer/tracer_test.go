package tracer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"conduit/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupExporters(t *testing.T) {
	for _, exp := range []string{"noop", "", "stdout"} {
		shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
		if err != nil {
			t.Fatalf("Setup(%q): %v", exp, err)
		}
		_ = shutdown(context.Background())
	}
}

func TestSetupStdoutToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := Setup(context.Background(), config.TracerConfig{
		Enabled:     true,
		Exporter:    "stdout",
		Output:      out,
		ServiceName: "conduit-test",
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := StartSpan(context.Background(), "to-file")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), "to-file") {
		t.Errorf("span not written to %s", out)
	}
	if !strings.Contains(string(data), "conduit-test") {
		t.Errorf("service name missing from exported resource")
	}
}

func TestSampler(t *testing.T) {
	for _, ratio := range []float64{0, 1, 2, 0.25} {
		if s := sampler(ratio); !strings.HasPrefix(s.Description(), "ParentBased") {
			t.Errorf("sampler(%v) = %s, want parent based", ratio, s.Description())
		}
	}
	if d := sampler(0.25).Description(); !strings.Contains(d, "TraceIDRatioBased") {
		t.Errorf("sampler(0.25) = %s", d)
	}
	if d := sampler(0).Description(); !strings.Contains(d, "AlwaysOnSampler") {
		t.Errorf("sampler(0) = %s", d)
	}
}

func TestSetupUnsupportedExporter(t *testing.T) {
	if _, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "jaeger"}); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestFinish(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, ok := StartSpan(context.Background(), "ok")
	Finish(ok, nil)
	ok.End()

	_, failed := StartSpan(context.Background(), "failed")
	Finish(failed, errors.New("boom"))
	failed.End()

	_, cancelled := StartSpan(context.Background(), "cancelled")
	Finish(cancelled, fmt.Errorf("execute: %w", context.Canceled))
	cancelled.End()

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("ok span status = %v", spans[0].Status().Code)
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("failed span status = %v", spans[1].Status().Code)
	}
	if spans[2].Status().Code != codes.Unset {
		t.Errorf("cancelled span should not be an error, got %v", spans[2].Status().Code)
	}
}

func TestAttrHelpers(t *testing.T) {
	if s := StringAttr("key", "value"); string(s.Key) != "key" {
		t.Errorf("StringAttr key = %q", s.Key)
	}
	if i := IntAttr("count", 42); i.Value.AsInt64() != 42 {
		t.Errorf("IntAttr value = %d", i.Value.AsInt64())
	}
	if b := BoolAttr("stream", true); !b.Value.AsBool() {
		t.Error("BoolAttr value should be true")
	}
}
