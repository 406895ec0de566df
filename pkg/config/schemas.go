package config

import (
	"fmt"

	"cuelang.org/go/cue"
)

// stationSchema constrains CUE station configurations. Definitions are
// closed, so misspelled fields are reported.
const stationSchema = `
#Duration: =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	station?: {
		name?:             string & !=""
		environment?:      string
		max_cycles?:       int & >=0
		monitor_interval?: #Duration
	}
	isolation?: {
		mode?:              "process" | "inprocess"
		sequence_timeout?:  #Duration
		kill_grace?:        #Duration
		startup_timeout?:   #Duration
		max_message_bytes?: int & >=1024
	}
	telemetry?: {
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			output?: string
			caller?: bool
		}
		tracing?: {
			enabled?:       bool
			exporter?:      "otlp" | "stdout" | "none"
			endpoint?:      string
			sampling_rate?: number & >=0 & <=1
			insecure?:      bool
		}
		metrics?: {
			enabled?:        bool
			listen_address?: string
			path?:           string
			namespace?:      string
		}
		events?: {
			enabled?:     bool
			buffer_size?: int & >=0
		}
	}
	store?: {
		enabled?: bool
		path?:    string
	}
	control?: {
		quit_file?: string
		debounce?:  #Duration
	}
	broadcast?: {
		enabled?:         bool
		broker?:          string
		client_id?:       string
		username?:        string
		password?:        string
		topic_prefix?:    string
		qos?:             0 | 1 | 2
		connect_timeout?: #Duration
	}
}
`

// compileSchema compiles the #Config definition in ctx.
func compileSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(stationSchema, cue.Filename("station_schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile station schema: %w", err)
	}
	return val.LookupPath(cue.ParsePath("#Config")), nil
}
