package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/flowkeeper/pkg/engine"
)

// Metrics provides Prometheus metrics for flowkeeper.
type Metrics struct {
	config MetricsConfig

	// Sweep metrics
	sweeps        *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec

	// Device reconcile metrics
	reconciles        *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	devicesSkipped    *prometheus.CounterVec

	// Flow metrics
	flowOps      *prometheus.CounterVec
	flowFailures *prometheus.CounterVec
	storedFlows  *prometheus.GaugeVec

	// Intent metrics
	intents *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Device metrics
	deviceEvents     *prometheus.CounterVec
	connectedDevices prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Total number of consistency sweeps",
			},
			[]string{"reason"},
		),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of consistency sweeps in seconds",
				Buckets:   buckets,
			},
			[]string{"reason"},
		),

		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_reconciles_total",
				Help:      "Total number of device reconciliations",
			},
			[]string{"device", "status"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "device_reconcile_duration_seconds",
				Help:      "Duration of device reconciliations in seconds",
				Buckets:   buckets,
			},
			[]string{"device"},
		),
		devicesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "devices_skipped_total",
				Help:      "Total number of device reconciliations skipped",
			},
			[]string{"reason"},
		),

		flowOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flow_ops_total",
				Help:      "Total number of flow operations applied by reconciliation",
			},
			[]string{"device", "op"},
		),
		flowFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flow_failures_total",
				Help:      "Total number of flow operations that failed",
			},
			[]string{"device"},
		),
		storedFlows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stored_flows",
				Help:      "Current number of stored flow records",
			},
			[]string{"state"},
		),

		intents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intents_total",
				Help:      "Total number of install and delete requests",
			},
			[]string{"action", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		deviceEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_events_total",
				Help:      "Total number of gateway notifications",
			},
			[]string{"type"},
		),
		connectedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected_devices",
				Help:      "Current number of devices with a live session",
			},
		),
	}

	registry.MustRegister(
		m.sweeps,
		m.sweepDuration,
		m.reconciles,
		m.reconcileDuration,
		m.devicesSkipped,
		m.flowOps,
		m.flowFailures,
		m.storedFlows,
		m.intents,
		m.errorsByClass,
		m.errorsByCode,
		m.deviceEvents,
		m.connectedDevices,
	)

	return m, nil
}

// Sweep Metrics

// RecordSweep records a completed sweep and every device report in it.
func (m *Metrics) RecordSweep(summary engine.SweepSummary) {
	if m.sweeps == nil {
		return
	}
	m.sweeps.WithLabelValues(summary.Reason).Inc()
	m.sweepDuration.WithLabelValues(summary.Reason).Observe(summary.Duration.Seconds())

	for _, d := range summary.Devices {
		m.RecordDeviceReport(d)
	}
}

// RecordDeviceReport records one device reconciliation.
func (m *Metrics) RecordDeviceReport(r engine.DeviceReport) {
	if m.reconciles == nil {
		return
	}

	if r.Skipped {
		m.devicesSkipped.WithLabelValues(r.SkipReason).Inc()
		return
	}

	status := "ok"
	switch {
	case r.Error != "":
		status = "error"
	case r.Failed > 0:
		status = "partial"
	}
	m.reconciles.WithLabelValues(r.DeviceID, status).Inc()
	m.reconcileDuration.WithLabelValues(r.DeviceID).Observe(r.Duration.Seconds())

	m.flowOps.WithLabelValues(r.DeviceID, string(engine.OpAdd)).Add(float64(r.Added))
	m.flowOps.WithLabelValues(r.DeviceID, string(engine.OpDelete)).Add(float64(r.Removed))
	if r.Failed > 0 {
		m.flowFailures.WithLabelValues(r.DeviceID).Add(float64(r.Failed))
	}
}

// Flow Metrics

// SetStoredFlows sets the number of stored records in a state.
func (m *Metrics) SetStoredFlows(state string, count float64) {
	if m.storedFlows == nil {
		return
	}
	m.storedFlows.WithLabelValues(state).Set(count)
}

// Intent Metrics

// RecordIntent records an install or delete request and its outcome.
func (m *Metrics) RecordIntent(action string, err error) {
	if m.intents == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.intents.WithLabelValues(action, status).Inc()
	if err != nil {
		m.RecordEngineError(err)
	}
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// RecordEngineError records err by its engine classification.
func (m *Metrics) RecordEngineError(err error) {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		m.RecordError(string(engErr.Class), engErr.Code)
		return
	}
	m.RecordError("unclassified", "")
}

// Device Metrics

// RecordDeviceEvent counts a gateway notification.
func (m *Metrics) RecordDeviceEvent(eventType string) {
	if m.deviceEvents == nil {
		return
	}
	m.deviceEvents.WithLabelValues(eventType).Inc()
}

// SetConnectedDevices sets the number of connected devices.
func (m *Metrics) SetConnectedDevices(count float64) {
	if m.connectedDevices == nil {
		return
	}
	m.connectedDevices.Set(count)
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

// Registry returns the metrics registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are passed to onError.
func (m *Metrics) StartMetricsServer(onError func(error)) error {
	if !m.config.Enabled {
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

// Shutdown stops the metrics server, if running.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
