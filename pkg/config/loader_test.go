package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	if err != nil {
		t.Fatalf("NewLoader() error = %v", err)
	}
	return l
}

func TestLoader_Parse(t *testing.T) {
	tests := []struct {
		name      string
		format    Format
		content   string
		wantErr   string
		checkFunc func(*testing.T, *StationConfig)
	}{
		{
			name:    "empty yaml keeps defaults",
			format:  FormatYAML,
			content: ``,
			checkFunc: func(t *testing.T, c *StationConfig) {
				if c.Station.Name != "station" {
					t.Errorf("expected default name 'station', got %s", c.Station.Name)
				}
				if c.Isolation.Mode != IsolationProcess {
					t.Errorf("expected process isolation, got %s", c.Isolation.Mode)
				}
				if c.Isolation.KillGrace.Std() != 5*time.Second {
					t.Errorf("expected 5s kill grace, got %s", c.Isolation.KillGrace)
				}
			},
		},
		{
			name:   "yaml overrides",
			format: FormatYAML,
			content: `
station:
  name: bench-1
  max_cycles: 25
isolation:
  mode: inprocess
  sequence_timeout: 90s
store:
  enabled: true
  path: /tmp/results.db
`,
			checkFunc: func(t *testing.T, c *StationConfig) {
				if c.Station.Name != "bench-1" || c.Station.MaxCycles != 25 {
					t.Errorf("unexpected station section %+v", c.Station)
				}
				if !c.InProcess() {
					t.Error("expected inprocess mode")
				}
				if c.Isolation.SequenceTimeout.Std() != 90*time.Second {
					t.Errorf("expected 90s timeout, got %s", c.Isolation.SequenceTimeout)
				}
				if c.Isolation.StartupTimeout.Std() != 10*time.Second {
					t.Errorf("unset startup timeout lost its default: %s", c.Isolation.StartupTimeout)
				}
				if !c.Store.Enabled || c.Store.Path != "/tmp/results.db" {
					t.Errorf("unexpected store section %+v", c.Store)
				}
			},
		},
		{
			name:    "yaml unknown field",
			format:  FormatYAML,
			content: "station:\n  nmae: typo\n",
			wantErr: "nmae",
		},
		{
			name:    "yaml duration must be a string",
			format:  FormatYAML,
			content: "isolation:\n  kill_grace: 5\n",
			wantErr: "duration",
		},
		{
			name:    "yaml invalid mode",
			format:  FormatYAML,
			content: "isolation:\n  mode: thread\n",
			wantErr: "isolation.mode",
		},
		{
			name:    "broadcast requires broker",
			format:  FormatYAML,
			content: "broadcast:\n  enabled: true\n",
			wantErr: "broadcast.broker",
		},
		{
			name:    "json overrides",
			format:  FormatJSON,
			content: `{"station":{"name":"bench-2"},"control":{"quit_file":"/run/stop","debounce":"1s"}}`,
			checkFunc: func(t *testing.T, c *StationConfig) {
				if c.Station.Name != "bench-2" {
					t.Errorf("expected bench-2, got %s", c.Station.Name)
				}
				if c.Control.QuitFile != "/run/stop" || c.Control.Debounce.Std() != time.Second {
					t.Errorf("unexpected control section %+v", c.Control)
				}
			},
		},
		{
			name:   "cue config",
			format: FormatCUE,
			content: `
station: name: "bench-3"
station: monitor_interval: "2s"
isolation: {
	mode:              "process"
	max_message_bytes: 4096
}
broadcast: {
	enabled: true
	broker:  "tcp://localhost:1883"
}
`,
			checkFunc: func(t *testing.T, c *StationConfig) {
				if c.Station.Name != "bench-3" {
					t.Errorf("expected bench-3, got %s", c.Station.Name)
				}
				if c.Station.MonitorInterval.Std() != 2*time.Second {
					t.Errorf("expected 2s monitor interval, got %s", c.Station.MonitorInterval)
				}
				if c.Isolation.MaxMessageBytes != 4096 {
					t.Errorf("expected 4096, got %d", c.Isolation.MaxMessageBytes)
				}
				if c.Broadcast.TopicPrefix != "testrig" {
					t.Errorf("unset topic prefix lost its default: %q", c.Broadcast.TopicPrefix)
				}
			},
		},
		{
			name:    "cue unknown field",
			format:  FormatCUE,
			content: `station: colour: "red"`,
			wantErr: "colour",
		},
		{
			name:    "cue schema violation",
			format:  FormatCUE,
			content: `isolation: mode: "thread"`,
			wantErr: "invalid configuration",
		},
		{
			name:    "cue bad duration",
			format:  FormatCUE,
			content: `isolation: kill_grace: "soon"`,
			wantErr: "invalid configuration",
		},
		{
			name:    "cue syntax error",
			format:  FormatCUE,
			content: `station: {name: "x"`,
			wantErr: "invalid configuration",
		},
	}

	l := newTestLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := l.Parse([]byte(tt.content), tt.format, "station."+string(tt.format))

			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				var verrs ValidationErrors
				if !errors.As(err, &verrs) {
					t.Errorf("expected ValidationErrors, got %T", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, cfg)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "station.yml")
	if err := os.WriteFile(yamlPath, []byte("station:\n  name: from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Station.Name != "from-file" {
		t.Errorf("expected from-file, got %s", cfg.Station.Name)
	}

	if _, err := Load(filepath.Join(dir, "station.toml")); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Station.Name = "bench-9"
	cfg.Station.MaxCycles = 3
	cfg.Station.MonitorInterval = Duration(time.Second)
	cfg.Isolation.SequenceTimeout = Duration(time.Minute)
	cfg.Isolation.KillGrace = Duration(2 * time.Second)
	cfg.Telemetry.Logging.Level = "debug"
	cfg.Telemetry.Metrics.Enabled = true

	ec := cfg.ToEngineConfig()
	if ec.Name != "bench-9" || ec.MaxCycles != 3 || ec.SequenceTimeout != time.Minute || ec.MonitorInterval != time.Second {
		t.Errorf("unexpected engine config %+v", ec)
	}

	ic := cfg.ToIsolationConfig()
	if ic.SequenceTimeout != time.Minute || ic.KillGrace != 2*time.Second || ic.MaxMessageBytes != cfg.Isolation.MaxMessageBytes {
		t.Errorf("unexpected isolation config %+v", ic)
	}

	tc := cfg.ToTelemetryConfig()
	if tc.Logging.Level != "debug" || !tc.Metrics.Enabled {
		t.Errorf("unexpected telemetry config %+v", tc)
	}
	if tc.ResourceAttributes["station"] != "bench-9" {
		t.Errorf("station attribute missing: %v", tc.ResourceAttributes)
	}
	if err := tc.Validate(); err != nil {
		t.Errorf("telemetry config from defaults is invalid: %v", err)
	}

	cfg.Store.Path = "/data/results.db"
	if sc := cfg.ToStoreConfig(); sc.Path != "/data/results.db" {
		t.Errorf("unexpected store config %+v", sc)
	}

	cfg.Broadcast.Broker = "tcp://broker:1883"
	bc := cfg.ToBroadcastConfig()
	if bc.Broker != "tcp://broker:1883" || bc.Station != "bench-9" || bc.QoS != 1 || bc.TopicPrefix != "testrig" {
		t.Errorf("unexpected broadcast config %+v", bc)
	}
	if bc.ConnectTimeout != 10*time.Second {
		t.Errorf("expected 10s connect timeout, got %s", bc.ConnectTimeout)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := newTestLoader(t).Validate(Default()); err != nil {
		t.Fatalf("Default() is invalid: %v", err)
	}
}
