// Package telemetry provides observability instrumentation for flowkeeper.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into one system that
// watches the reconciliation engine.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Engine components take a zerolog.Logger; derive it from the telemetry logger:
//
//	logger := tel.Logger.Zerolog().With().Str("component", "sweep").Logger()
//
// Register the telemetry instance as a sweep observer so every sweep summary
// is logged, counted and published:
//
//	sweep := engine.NewSweep(reconciler, store, gateway, cfg, logger, tel)
//
// # Tracing
//
// NewTracer installs the global OpenTelemetry provider. The engine's
// reconciler and executor start their spans from it, so enabling tracing here
// is all that is needed to export them. Supported exporters are otlp (gRPC),
// stdout and none.
//
// # Metrics
//
// Sweep metrics:
//   - flowkeeper_sweeps_total{reason}
//   - flowkeeper_sweep_duration_seconds{reason}
//
// Device metrics:
//   - flowkeeper_device_reconciles_total{device,status}
//   - flowkeeper_device_reconcile_duration_seconds{device}
//   - flowkeeper_devices_skipped_total{reason}
//   - flowkeeper_device_events_total{type}
//   - flowkeeper_connected_devices
//
// Flow metrics:
//   - flowkeeper_flow_ops_total{device,op}
//   - flowkeeper_flow_failures_total{device}
//   - flowkeeper_stored_flows{state}
//   - flowkeeper_intents_total{action,status}
//
// Error metrics:
//   - flowkeeper_errors_by_class_total{class}
//   - flowkeeper_errors_by_code_total{code}
//
// # Events
//
// The event publisher fans sweep, device and intent events out to
// subscribers, optionally filtered:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// LogEvents turns the event stream into log lines; the serve command
// subscribes it with the filters given by its --event-* flags.
//
// # Operations
//
// StartOperation opens a span, a timer and a logger carrying the trace ids
// for one unit of work. End records the outcome on all three.
package telemetry
