package telemetry

import (
	"fmt"
)

// Config selects which telemetry a station emits and where it goes.
type Config struct {
	// ServiceName identifies the station binary in traces and metrics.
	ServiceName string

	// ServiceVersion is reported as a trace resource attribute.
	ServiceVersion string

	// Environment is where the station runs (lab, line, dev).
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are added to every span, e.g. the station name.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the station logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or fatal.
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	// EnableCaller adds file:line to each entry.
	EnableCaller bool
}

// TracingConfig configures cycle and slot spans.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	// SamplingRate is the fraction of cycles traced, 0.0 to 1.0.
	SamplingRate float64

	// Insecure dials the collector without TLS.
	Insecure bool
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool
	ListenAddress string
	Path          string
	Namespace     string

	// DurationBuckets are the histogram buckets, in seconds, for cycle and
	// slot durations. Empty means prometheus.DefBuckets.
	DurationBuckets []float64
}

// EventsConfig configures the in-process event bus.
type EventsConfig struct {
	Enabled bool

	// BufferSize bounds queued events when EnableAsync is set.
	BufferSize int

	EnableAsync bool
}

// DefaultConfig returns console logging on stderr with tracing and metrics
// off and async events on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "testrig",
		ServiceVersion: "dev",
		Environment:    "lab",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "testrig",
			// A slot may take anywhere from milliseconds to several minutes.
			DurationBuckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  256,
			EnableAsync: true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
