// Package telemetry provides observability instrumentation for test stations.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a single value
// that the station engine and its adapters share.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Code that needs no telemetry, such as tests, uses NewNop.
//
// # Structured Logging
//
// Loggers are derived per component and carry station, cycle and slot fields:
//
//	logger := tel.Logger.NewComponentLogger("station").WithStation("bench-1")
//	logger.WithCycleID(cycleID).Info("cycle started")
//
// Capture derives a logger that hands each message to a callback regardless of
// the output level. Test steps use it to keep their own log lines.
//
// # Tracing
//
// Each UUT cycle gets a span and every procedure invocation a child span:
//
//	ctx, span := tel.Tracer.StartCycleSpan(ctx, station, cycleID)
//	defer span.End()
//
// Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// Metrics are registered on a private Prometheus registry and served by
// StartMetricsServer. Every recorder is a no-op when metrics are disabled.
//
//   - cycles_started_total, cycles_completed_total, cycle_duration_seconds
//   - slot_invocations_total, slot_faults_total, slot_duration_seconds
//   - isolation_terminations_total, release_faults_total
//   - active_cycles
//
// # Events
//
// The EventPublisher fans station events out to subscribers in publish order.
// The broadcast package subscribes to forward them over MQTT.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.CycleID)
//	}, telemetry.FilterByType(telemetry.EventTypeCycleCompleted))
package telemetry
