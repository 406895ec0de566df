package config

import (
	"fmt"
	"strings"
)

// StationConfig is the complete configuration of a test station.
type StationConfig struct {
	// Station identifies the station and bounds its lifecycle.
	Station StationSection `json:"station" yaml:"station"`

	// Isolation configures how the test sequence is run.
	Isolation IsolationSection `json:"isolation" yaml:"isolation"`

	// Telemetry configures logging, tracing, metrics and events.
	Telemetry TelemetrySection `json:"telemetry" yaml:"telemetry"`

	// Store configures the result history database.
	Store StoreSection `json:"store" yaml:"store"`

	// Control configures operator controls.
	Control ControlSection `json:"control" yaml:"control"`

	// Broadcast configures the MQTT status publisher.
	Broadcast BroadcastSection `json:"broadcast" yaml:"broadcast"`
}

// StationSection identifies the station.
type StationSection struct {
	// Name identifies the station in logs, metrics, events and stored results.
	Name string `json:"name" yaml:"name" validate:"required,max=64"`

	// Environment is the deployment environment (lab, line, dev).
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"`

	// MaxCycles requests a voluntary quit after this many iterations. Zero means unlimited.
	MaxCycles int `json:"max_cycles,omitempty" yaml:"max_cycles,omitempty" validate:"gte=0"`

	// MonitorInterval is the health monitor polling period. Zero disables polling.
	MonitorInterval Duration `json:"monitor_interval,omitempty" yaml:"monitor_interval,omitempty" validate:"gte=0"`
}

// Isolation modes.
const (
	IsolationProcess   = "process"
	IsolationInProcess = "inprocess"
)

// IsolationSection configures the test sequence runner.
type IsolationSection struct {
	// Mode is "process" (a child process per sequence) or "inprocess".
	Mode string `json:"mode" yaml:"mode" validate:"required,oneof=process inprocess"`

	// SequenceTimeout bounds one test sequence run. Zero means no limit.
	SequenceTimeout Duration `json:"sequence_timeout,omitempty" yaml:"sequence_timeout,omitempty" validate:"gte=0"`

	// KillGrace is how long a unit gets between SIGTERM and SIGKILL.
	KillGrace Duration `json:"kill_grace,omitempty" yaml:"kill_grace,omitempty" validate:"gt=0"`

	// StartupTimeout bounds the wait for a unit to become ready.
	StartupTimeout Duration `json:"startup_timeout,omitempty" yaml:"startup_timeout,omitempty" validate:"gt=0"`

	// MaxMessageBytes bounds one message on the isolation channel.
	MaxMessageBytes int `json:"max_message_bytes,omitempty" yaml:"max_message_bytes,omitempty" validate:"gte=1024"`
}

// TelemetrySection configures observability.
type TelemetrySection struct {
	Logging LoggingSection `json:"logging" yaml:"logging"`
	Tracing TracingSection `json:"tracing" yaml:"tracing"`
	Metrics MetricsSection `json:"metrics" yaml:"metrics"`
	Events  EventsSection  `json:"events" yaml:"events"`
}

// LoggingSection configures structured logging.
type LoggingSection struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `json:"format" yaml:"format" validate:"oneof=console json"`
	Output string `json:"output,omitempty" yaml:"output,omitempty"`
	Caller bool   `json:"caller,omitempty" yaml:"caller,omitempty"`
}

// TracingSection configures OpenTelemetry tracing.
type TracingSection struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	Exporter     string  `json:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// MetricsSection configures the Prometheus endpoint.
type MetricsSection struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	ListenAddress string `json:"listen_address,omitempty" yaml:"listen_address,omitempty" validate:"required_if=Enabled true"`
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`
	Namespace     string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// EventsSection configures in-process event publishing.
type EventsSection struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	BufferSize int  `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty" validate:"gte=0"`
}

// StoreSection configures the SQLite result history.
type StoreSection struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty" validate:"required_if=Enabled true"`
}

// ControlSection configures operator controls.
type ControlSection struct {
	// QuitFile requests a voluntary quit when the file appears. Empty disables it.
	QuitFile string `json:"quit_file,omitempty" yaml:"quit_file,omitempty"`

	// Debounce coalesces bursts of file system events.
	Debounce Duration `json:"debounce,omitempty" yaml:"debounce,omitempty" validate:"gte=0"`
}

// BroadcastSection configures the MQTT status publisher.
type BroadcastSection struct {
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	Broker         string   `json:"broker,omitempty" yaml:"broker,omitempty" validate:"required_if=Enabled true"`
	ClientID       string   `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Username       string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string   `json:"password,omitempty" yaml:"password,omitempty"`
	TopicPrefix    string   `json:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty" validate:"required_if=Enabled true"`
	QoS            int      `json:"qos,omitempty" yaml:"qos,omitempty" validate:"gte=0,lte=2"`
	ConnectTimeout Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty" validate:"gte=0"`
}

// ValidationError is one problem found in a configuration source.
type ValidationError struct {
	// File is the source file, if known.
	File string `json:"file,omitempty"`

	// Line and Column locate the problem in File, if known.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path is the configuration field, if known.
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a configuration fails validation.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(msgs, "; "))
}
