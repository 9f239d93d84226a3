package telemetry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerDisabled(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown := InitTracer(context.Background(), "appbuilder", false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, shutdown(context.Background()))
	require.Equal(t, before, otel.GetTracerProvider())
}

func TestInitTracerEnabled(t *testing.T) {
	shutdown := InitTracer(context.Background(), "appbuilder", true, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "probe")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}
