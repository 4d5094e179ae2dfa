package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newRecordingTelemetry wires in-memory span and metric collection so tests
// never touch an OTLP endpoint.
func newRecordingTelemetry() (*Telemetry, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	tel := &Telemetry{config: cfg, tracerProvider: tp, meterProvider: mp}
	tel.healthy.Store(true)
	return tel, recorder, reader
}

func TestNew_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	// No-op providers, not nil ones.
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{Enabled: true, Endpoint: "", ServiceName: ""}

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.Health()
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})

	health := tel.Health()
	assert.False(t, health.Healthy)
	assert.True(t, health.Degraded)
	assert.NotEmpty(t, health.Reason)
}

func TestTelemetry_SpanRecording(t *testing.T) {
	tel, recorder, _ := newRecordingTelemetry()

	tracer := tel.Tracer("remedyd.test")
	_, span := tracer.Start(context.Background(), "orchestrator.HandleTrigger")
	span.SetAttributes(attribute.String("incident_id", "inc-1"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "orchestrator.HandleTrigger", spans[0].Name())

	var found bool
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "incident_id" {
			assert.Equal(t, "inc-1", attr.Value.AsString())
			found = true
		}
	}
	assert.True(t, found, "incident_id attribute not recorded")
}

func TestTelemetry_MetricRecording(t *testing.T) {
	tel, _, reader := newRecordingTelemetry()

	meter := tel.Meter("remedyd.test")
	counter, err := meter.Int64Counter("remedyd.test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
	assert.Equal(t, "remedyd.test.counter", rm.ScopeMetrics[0].Metrics[0].Name)
}

func TestTelemetry_Shutdown(t *testing.T) {
	tel, recorder, _ := newRecordingTelemetry()

	tracer := tel.Tracer("remedyd.test")
	_, span := tracer.Start(context.Background(), "shutdown-span")
	span.End()

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
	assert.NotEmpty(t, recorder.Ended())
}

func TestTelemetry_ShutdownUsesConfiguredTimeout(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false
	cfg.Shutdown.Timeout = 100 * time.Millisecond

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	// No deadline on the caller's context; the config timeout applies.
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestTelemetry_ForceFlush(t *testing.T) {
	tel, _, _ := newRecordingTelemetry()

	tracer := tel.Tracer("remedyd.test")
	_, span := tracer.Start(context.Background(), "flush-span")
	span.End()

	require.NoError(t, tel.ForceFlush(context.Background()))
}

func TestTelemetry_DegradedCarriesReason(t *testing.T) {
	tel := &Telemetry{config: NewDefaultConfig()}
	tel.healthy.Store(true)
	tel.setDegraded("tracer provider failed: %v", context.DeadlineExceeded)

	health := tel.Health()
	assert.True(t, health.Degraded)
	assert.Contains(t, health.Reason, "tracer provider failed")
}
