// Package config loads station configuration.
//
// A configuration is read from YAML, JSON or CUE. Every field is optional;
// fields a source leaves out keep the values from Default. CUE sources are
// unified with a closed schema first, so type errors and misspelled fields
// are reported with file positions. The decoded result is then checked with
// validator struct tags whatever the source format.
//
// A YAML example:
//
//	station:
//	  name: bench-1
//	  max_cycles: 100
//	isolation:
//	  mode: process
//	  sequence_timeout: 2m
//	  kill_grace: 5s
//	store:
//	  enabled: true
//	  path: /var/lib/testrig/results.db
//	control:
//	  quit_file: /run/testrig/stop
//
// The same in CUE:
//
//	station: name: "bench-1"
//	station: max_cycles: 100
//	isolation: {
//		mode:             "process"
//		sequence_timeout: "2m"
//	}
//
// StationConfig converts into the configuration of each component through
// ToEngineConfig, ToIsolationConfig, ToTelemetryConfig, ToStoreConfig and
// ToBroadcastConfig.
package config
