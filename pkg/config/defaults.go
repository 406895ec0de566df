package config

import (
	"time"

	"github.com/testrig/testrig/pkg/broadcast"
	"github.com/testrig/testrig/pkg/engine"
	"github.com/testrig/testrig/pkg/isolation"
	"github.com/testrig/testrig/pkg/stores"
	"github.com/testrig/testrig/pkg/telemetry"
)

// Default returns the configuration used for every field a source leaves out.
func Default() *StationConfig {
	tel := telemetry.DefaultConfig()
	iso := isolation.DefaultConfig()

	return &StationConfig{
		Station: StationSection{
			Name:        "station",
			Environment: tel.Environment,
		},
		Isolation: IsolationSection{
			Mode:            IsolationProcess,
			KillGrace:       Duration(iso.KillGrace),
			StartupTimeout:  Duration(iso.StartupTimeout),
			MaxMessageBytes: iso.MaxMessageBytes,
		},
		Telemetry: TelemetrySection{
			Logging: LoggingSection{
				Level:  tel.Logging.Level,
				Format: tel.Logging.Format,
				Output: tel.Logging.Output,
			},
			Tracing: TracingSection{
				Exporter:     tel.Tracing.Exporter,
				SamplingRate: tel.Tracing.SamplingRate,
			},
			Metrics: MetricsSection{
				ListenAddress: tel.Metrics.ListenAddress,
				Path:          tel.Metrics.Path,
				Namespace:     tel.Metrics.Namespace,
			},
			Events: EventsSection{
				Enabled:    tel.Events.Enabled,
				BufferSize: tel.Events.BufferSize,
			},
		},
		Store: StoreSection{
			Path: "testrig.db",
		},
		Control: ControlSection{
			Debounce: Duration(500 * time.Millisecond),
		},
		Broadcast: BroadcastSection{
			TopicPrefix:    "testrig",
			QoS:            1,
			ConnectTimeout: Duration(10 * time.Second),
		},
	}
}

// ToEngineConfig maps the configuration onto engine.Config.
func (c *StationConfig) ToEngineConfig() engine.Config {
	return engine.Config{
		Name:            c.Station.Name,
		MaxCycles:       c.Station.MaxCycles,
		SequenceTimeout: c.Isolation.SequenceTimeout.Std(),
		MonitorInterval: c.Station.MonitorInterval.Std(),
	}
}

// ToIsolationConfig maps the configuration onto isolation.Config.
func (c *StationConfig) ToIsolationConfig() isolation.Config {
	cfg := isolation.DefaultConfig()
	cfg.SequenceTimeout = c.Isolation.SequenceTimeout.Std()
	cfg.KillGrace = c.Isolation.KillGrace.Std()
	cfg.StartupTimeout = c.Isolation.StartupTimeout.Std()
	cfg.MaxMessageBytes = c.Isolation.MaxMessageBytes
	return cfg
}

// ToTelemetryConfig maps the configuration onto telemetry.Config.
func (c *StationConfig) ToTelemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Environment = c.Station.Environment
	cfg.ResourceAttributes = map[string]string{"station": c.Station.Name}

	t := c.Telemetry
	cfg.Logging.Level = t.Logging.Level
	cfg.Logging.Format = t.Logging.Format
	cfg.Logging.Output = t.Logging.Output
	cfg.Logging.EnableCaller = t.Logging.Caller

	cfg.Tracing.Enabled = t.Tracing.Enabled
	cfg.Tracing.Exporter = t.Tracing.Exporter
	cfg.Tracing.Endpoint = t.Tracing.Endpoint
	cfg.Tracing.SamplingRate = t.Tracing.SamplingRate
	cfg.Tracing.Insecure = t.Tracing.Insecure

	cfg.Metrics.Enabled = t.Metrics.Enabled
	if t.Metrics.ListenAddress != "" {
		cfg.Metrics.ListenAddress = t.Metrics.ListenAddress
	}
	if t.Metrics.Path != "" {
		cfg.Metrics.Path = t.Metrics.Path
	}
	if t.Metrics.Namespace != "" {
		cfg.Metrics.Namespace = t.Metrics.Namespace
	}

	cfg.Events.Enabled = t.Events.Enabled
	if t.Events.BufferSize > 0 {
		cfg.Events.BufferSize = t.Events.BufferSize
	}
	return cfg
}

// ToStoreConfig maps the configuration onto stores.Config.
func (c *StationConfig) ToStoreConfig() stores.Config {
	return stores.Config{Path: c.Store.Path}
}

// ToBroadcastConfig maps the configuration onto broadcast.Config.
func (c *StationConfig) ToBroadcastConfig() broadcast.Config {
	b := c.Broadcast
	return broadcast.Config{
		Broker:         b.Broker,
		ClientID:       b.ClientID,
		Username:       b.Username,
		Password:       b.Password,
		TopicPrefix:    b.TopicPrefix,
		Station:        c.Station.Name,
		QoS:            byte(b.QoS),
		ConnectTimeout: b.ConnectTimeout.Std(),
	}
}

// InProcess reports whether the test sequence runs in the station process.
func (c *StationConfig) InProcess() bool {
	return c.Isolation.Mode == IsolationInProcess
}
