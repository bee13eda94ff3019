package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_ExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	var buf bytes.Buffer
	shutdown, err := InitTracer("carousel-test", &buf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "relay")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, `"Name":"relay"`) {
		t.Errorf("span not exported: %s", out)
	}
	if !strings.Contains(out, "carousel-test") {
		t.Errorf("service name missing from resource: %s", out)
	}
}

func TestNoop(t *testing.T) {
	if err := Noop(context.Background()); err != nil {
		t.Errorf("Noop() = %v", err)
	}
}
