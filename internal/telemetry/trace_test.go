package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/felixgeelhaar/runenv/internal/log"
)

func setupTestTracer(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		SetTracerProvider(nil)
	})
	return recorder
}

func attr(span sdktrace.ReadOnlySpan, key string) string {
	for _, kv := range span.Attributes() {
		if kv.Key == attribute.Key(key) {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestStartResolveSpan(t *testing.T) {
	recorder := setupTestTracer(t)

	_, span := StartResolveSpan(context.Background(), "abc123")
	EndSpan(span, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "runtime_env.resolve", spans[0].Name())
	assert.Equal(t, "abc123", attr(spans[0], "runtime_env.fingerprint"))
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestSetupSpanRecordsError(t *testing.T) {
	recorder := setupTestTracer(t)

	ctx, parent := StartResolveSpan(context.Background(), "abc123")
	_, span := StartSetupSpan(ctx, "abc123", "conda")
	EndSpan(span, fmt.Errorf("ResolvePackageNotFound"))
	EndSpan(parent, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	setup := spans[0]
	assert.Equal(t, "runtime_env.setup.conda", setup.Name())
	assert.Equal(t, "conda", attr(setup, "plugin"))
	assert.Equal(t, codes.Error, setup.Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), setup.Parent().SpanID())
}

func TestInitProviderDisabled(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
	t.Cleanup(func() { SetTracerProvider(nil) })

	_, span := StartResolveSpan(context.Background(), "x")
	assert.False(t, span.SpanContext().IsValid(), "noop provider should produce invalid span contexts")
	span.End()
}

func TestInitProviderEnabledWithoutEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SampleRate = 0.5

	shutdown, err := InitProvider(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = shutdown(context.Background())
		SetTracerProvider(nil)
	})

	_, ok := GetTracerProvider().(*sdktrace.TracerProvider)
	assert.True(t, ok, "enabled tracing should install the SDK provider")
}

func TestSetLoggerRoutesSDKErrors(t *testing.T) {
	var buf bytes.Buffer
	cfg := log.DefaultConfig()
	cfg.Output = &buf
	SetLogger(log.New(cfg))

	otel.Handle(fmt.Errorf("exporter unreachable"))

	assert.Contains(t, buf.String(), "telemetry error")
	assert.Contains(t, buf.String(), "exporter unreachable")
}
