package telemetry

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureIgnoresOutputLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	var got []string
	step := logger.WithField("step", "boot").Capture(zerolog.DebugLevel, func(level zerolog.Level, msg string) {
		got = append(got, level.String()+":"+msg)
	})

	step.Debug("d")
	step.Info("i")
	step.Warn("w")

	assert.Equal(t, []string{"debug:d", "info:i", "warn:w"}, got)
	out := buf.String()
	assert.NotContains(t, out, `"message":"d"`)
	assert.NotContains(t, out, `"message":"i"`)
	assert.Contains(t, out, `"message":"w"`)
	assert.Contains(t, out, `"step":"boot"`)
}

func TestCaptureOnNopLogger(t *testing.T) {
	var got []string
	step := NopLogger().Capture(zerolog.InfoLevel, func(_ zerolog.Level, msg string) {
		got = append(got, msg)
	})
	step.Debug("skipped")
	step.Info("kept")
	assert.Equal(t, []string{"kept"}, got)
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("station").WithStation("bench").WithCycleID("c1").WithSlot("uut_setup").Info("hello")

	out := buf.String()
	for _, want := range []string{`"component":"station"`, `"station":"bench"`, `"cycle_id":"c1"`, `"slot":"uut_setup"`} {
		assert.Contains(t, out, want)
	}
}

func TestConsoleLoggerTimestamp(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(DefaultConfig().Logging, &buf)

	logger.Info("fixture closed")

	assert.Regexp(t, `\d{2}:\d{2}:\d{2}\.\d{3}`, buf.String())
	assert.Contains(t, buf.String(), "fixture closed")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Events.BufferSize = 0
	assert.Error(t, cfg.Validate())
}

func TestDisabledMetricsAreSafe(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordCycleStarted("s")
	nilMetrics.RecordSlot("uut_setup", time.Second, true)

	m, err := NewMetrics(MetricsConfig{})
	require.NoError(t, err)
	m.RecordCycleCompleted("s", "passed", time.Second)
	m.RecordReleaseFault("uut")
	assert.False(t, m.Enabled())
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "testrig", ListenAddress: ":0"})
	require.NoError(t, err)

	m.RecordCycleStarted("bench")
	m.RecordCycleCompleted("bench", "failed", 2*time.Second)
	m.RecordSlot("uut_setup", time.Millisecond, true)
	m.RecordIsolationTermination("TIMEOUT")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `testrig_cycles_completed_total{station="bench",verdict="failed"} 1`)
	assert.Contains(t, body, `testrig_slot_faults_total{slot="uut_setup"} 1`)
	assert.Contains(t, body, `testrig_isolation_terminations_total{reason="TIMEOUT"} 1`)
}

func TestEventsDeliveredInOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	require.NoError(t, err)

	var mu sync.Mutex
	var types []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	}, nil)

	require.NoError(t, ep.PublishCycleStarted("bench", "c1"))
	require.NoError(t, ep.PublishSlotFault("bench", "c1", "uut_setup", assert.AnError))
	require.NoError(t, ep.PublishCycleCompleted("bench", "c1", "failed", "x", time.Second))
	require.NoError(t, ep.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventTypeCycleStarted, EventTypeSlotFault, EventTypeCycleCompleted}, types)
}

func TestEventFilters(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})
	require.NoError(t, err)
	ep.AddFilter(FilterByLevel(EventLevelWarning))

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByCycleID("c2"))

	_ = ep.PublishCycleStarted("bench", "c2")
	_ = ep.PublishCycleCompleted("bench", "c1", "failed", "", 0)
	_ = ep.PublishCycleCompleted("bench", "c2", "failed", "", 0)

	require.Len(t, got, 1)
	assert.Equal(t, "c2", got[0].CycleID)
	assert.NotEmpty(t, got[0].ID)
	assert.True(t, strings.HasPrefix(got[0].Message, "Cycle c2"))
}

func TestNopTelemetry(t *testing.T) {
	tel := NewNop()
	ctx, span := tel.Tracer.StartCycleSpan(context.Background(), "bench", "c1")
	RecordSuccess(span)
	span.End()

	assert.NoError(t, tel.Events.PublishQuitRequested("bench", "done"))
	assert.NoError(t, tel.Shutdown(ctx))
}
