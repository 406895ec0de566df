package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for a test station.
// All recorders are safe to call on a disabled or nil instance.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesStarted   *prometheus.CounterVec
	cyclesCompleted *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	activeCycles    prometheus.Gauge

	// Slot metrics
	slotInvocations *prometheus.CounterVec
	slotDuration    *prometheus.HistogramVec
	slotFaults      *prometheus.CounterVec

	// Isolation and resource metrics
	isolationTerminations *prometheus.CounterVec
	releaseFaults         *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_started_total",
				Help:      "Total number of UUT cycles started",
			},
			[]string{"station"},
		),
		cyclesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_completed_total",
				Help:      "Total number of UUT cycles completed by verdict",
			},
			[]string{"station", "verdict"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of one UUT cycle in seconds",
				Buckets:   buckets,
			},
			[]string{"station", "verdict"},
		),
		activeCycles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_cycles",
				Help:      "Number of UUT cycles currently running",
			},
		),

		slotInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slot_invocations_total",
				Help:      "Total number of procedure invocations by slot",
			},
			[]string{"slot"},
		),
		slotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "slot_duration_seconds",
				Help:      "Duration of procedure invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"slot"},
		),
		slotFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "slot_faults_total",
				Help:      "Total number of procedure faults by slot",
			},
			[]string{"slot"},
		),

		isolationTerminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "isolation_terminations_total",
				Help:      "Total number of isolation units stopped by the station",
			},
			[]string{"reason"},
		),
		releaseFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "release_faults_total",
				Help:      "Total number of resource stacks unwound with faults",
			},
			[]string{"scope"},
		),
	}

	registry.MustRegister(
		m.cyclesStarted,
		m.cyclesCompleted,
		m.cycleDuration,
		m.activeCycles,
		m.slotInvocations,
		m.slotDuration,
		m.slotFaults,
		m.isolationTerminations,
		m.releaseFaults,
	)

	return m, nil
}

// Enabled reports whether metrics are being collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Cycle Metrics

// RecordCycleStarted increments the counter for started cycles.
func (m *Metrics) RecordCycleStarted(station string) {
	if !m.Enabled() {
		return
	}
	m.cyclesStarted.WithLabelValues(station).Inc()
	m.activeCycles.Inc()
}

// RecordCycleCompleted records a completed cycle with its verdict and duration.
func (m *Metrics) RecordCycleCompleted(station, verdict string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.cyclesCompleted.WithLabelValues(station, verdict).Inc()
	m.cycleDuration.WithLabelValues(station, verdict).Observe(duration.Seconds())
	m.activeCycles.Dec()
}

// Slot Metrics

// RecordSlot records one procedure invocation.
func (m *Metrics) RecordSlot(slot string, duration time.Duration, faulted bool) {
	if !m.Enabled() {
		return
	}
	m.slotInvocations.WithLabelValues(slot).Inc()
	m.slotDuration.WithLabelValues(slot).Observe(duration.Seconds())
	if faulted {
		m.slotFaults.WithLabelValues(slot).Inc()
	}
}

// RecordIsolationTermination records an isolation unit stopped for reason.
func (m *Metrics) RecordIsolationTermination(reason string) {
	if !m.Enabled() {
		return
	}
	m.isolationTerminations.WithLabelValues(reason).Inc()
}

// RecordReleaseFault records a resource stack that unwound with faults.
func (m *Metrics) RecordReleaseFault(scope string) {
	if !m.Enabled() {
		return
	}
	m.releaseFaults.WithLabelValues(scope).Inc()
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are passed to onError, which may be nil.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.Enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && onError != nil {
			onError(err)
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
