package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Tests share the global provider, so they run serially.

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "test", Tracing: true},
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "tick")
	EndSpan(span, errors.New("boom"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "tick", ended[0].Name())
	require.Equal(t, codes.Error, ended[0].Status().Code)
}

func TestTracingDisabledSamplesNothing(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "test"},
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "tick")
	require.False(t, span.SpanContext().IsSampled())
	EndSpan(span, nil)
}

func TestInjectExtractRoundTrip(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "test", Tracing: true},
		sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := StartSpan(context.Background(), "publish")
	defer span.End()

	attrs := Inject(ctx, map[string]string{"kind": "artifact"})
	require.Contains(t, attrs, "traceparent")
	require.Equal(t, "artifact", attrs["kind"])

	child, childSpan := StartSpan(Extract(context.Background(), attrs), "consume")
	defer childSpan.End()
	_ = child
	require.Equal(t, span.SpanContext().TraceID(), childSpan.SpanContext().TraceID())
	require.Equal(t, context.Background(), Extract(context.Background(), nil))
}
