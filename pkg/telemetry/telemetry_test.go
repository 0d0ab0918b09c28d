package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Logging.Level = "error"
	cfg.Events.EnableAsync = false
	return cfg
}

func testSummary() engine.SweepSummary {
	return engine.SweepSummary{
		ID:       "sweep-1",
		Reason:   engine.ReasonInterval,
		Duration: 20 * time.Millisecond,
		Devices: []engine.DeviceReport{
			{DeviceID: "s1", Added: 2, Removed: 1, Sent: 3},
			{DeviceID: "s2", Failed: 1, Failures: []engine.OpFailure{{Op: engine.OpAdd, Reason: "rejected"}}},
			{DeviceID: "s3", Skipped: true, SkipReason: engine.SkipDisconnected},
			{DeviceID: "s4", Unchanged: 5},
		},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"default", func(c *Config) {}, true},
		{"production", func(c *Config) { *c = *ProductionConfig(); c.Tracing.Endpoint = "collector:4317" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, false},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, false},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, false},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, false},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, false},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, false},
		{"empty event buffer", func(c *Config) { c.Events.BufferSize = 0 }, false},
		{"no service name", func(c *Config) { c.ServiceName = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("expected valid config, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMetricsRecordSweep(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordSweep(testSummary())

	if got := testutil.ToFloat64(m.sweeps.WithLabelValues(engine.ReasonInterval)); got != 1 {
		t.Errorf("sweeps_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.flowOps.WithLabelValues("s1", "add")); got != 2 {
		t.Errorf("flow_ops_total{s1,add} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.flowOps.WithLabelValues("s1", "delete")); got != 1 {
		t.Errorf("flow_ops_total{s1,delete} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.flowFailures.WithLabelValues("s2")); got != 1 {
		t.Errorf("flow_failures_total{s2} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.reconciles.WithLabelValues("s2", "partial")); got != 1 {
		t.Errorf("device_reconciles_total{s2,partial} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.devicesSkipped.WithLabelValues(engine.SkipDisconnected)); got != 1 {
		t.Errorf("devices_skipped_total = %v, want 1", got)
	}
}

func TestMetricsRecordEngineError(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordIntent("install", engine.NewValidationError("bad flow", nil))
	m.RecordIntent("install", nil)
	m.RecordEngineError(errors.New("plain"))

	if got := testutil.ToFloat64(m.intents.WithLabelValues("install", "error")); got != 1 {
		t.Errorf("intents_total{install,error} = %v", got)
	}
	if got := testutil.ToFloat64(m.intents.WithLabelValues("install", "ok")); got != 1 {
		t.Errorf("intents_total{install,ok} = %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("validation")); got != 1 {
		t.Errorf("errors_by_class_total{validation} = %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("unclassified")); got != 1 {
		t.Errorf("errors_by_class_total{unclassified} = %v", got)
	}
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordSweep(testSummary())
	m.RecordIntent("delete", nil)
	m.RecordDeviceEvent("connect")
	m.SetConnectedDevices(3)
	m.SetStoredFlows("installed", 10)

	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if err := m.StartMetricsServer(nil); err != nil {
		t.Errorf("StartMetricsServer() error = %v", err)
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var received []Event
	ep.Subscribe(func(e Event) { received = append(received, e) }, nil)

	if err := ep.PublishSweepCompleted(testSummary()); err != nil {
		t.Fatalf("PublishSweepCompleted() error = %v", err)
	}

	// Sweep event, then s1 (changed) and s2 (failed); s3 skipped and s4 unchanged
	if len(received) != 3 {
		t.Fatalf("expected 3 events, got %d", len(received))
	}
	if received[0].Type != EventTypeSweepCompleted || received[0].Level != EventLevelWarning {
		t.Errorf("unexpected sweep event %+v", received[0])
	}
	if received[1].Type != EventTypeDeviceReconciled || received[1].DeviceID != "s1" {
		t.Errorf("unexpected device event %+v", received[1])
	}
	if received[2].Type != EventTypeDeviceFailed || received[2].DeviceID != "s2" {
		t.Errorf("unexpected failure event %+v", received[2])
	}
	for _, e := range received {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("event missing id or timestamp: %+v", e)
		}
	}
}

func TestEventPublisherAsync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10, MaxBatchSize: 5, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var (
		mu       sync.Mutex
		received []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e.DeviceID)
		mu.Unlock()
	}, FilterByType(EventTypeDeviceConnected))

	for _, ev := range []engine.DeviceEvent{
		{Type: engine.DeviceConnected, DeviceID: "s1"},
		{Type: engine.DeviceDisconnected, DeviceID: "s1"},
		{Type: engine.DeviceConnected, DeviceID: "s2"},
	} {
		if err := ep.PublishDeviceEvent(ev); err != nil {
			t.Fatalf("PublishDeviceEvent() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(received, ",") != "s1,s2" {
		t.Errorf("expected connect events for s1,s2 in order, got %v", received)
	}
}

func TestPublishDeviceEventFlowRemoved(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1})

	var got Event
	ep.Subscribe(func(e Event) { got = e }, FilterByDevice("s1"))

	f := flows.Flow{Priority: 10, Match: flows.Match{"in_port": 1}}
	err := ep.PublishDeviceEvent(engine.DeviceEvent{
		Type:     engine.DeviceFlowRemoved,
		DeviceID: "s1",
		Flow:     &f,
		Reason:   engine.RemovedIdleTimeout,
	})
	if err != nil {
		t.Fatalf("PublishDeviceEvent() error = %v", err)
	}

	if got.Type != EventTypeFlowRemoved || got.Data["flow"] != f.Key() || got.Data["reason"] != "idle_timeout" {
		t.Errorf("unexpected event %+v", got)
	}

	if err := ep.PublishDeviceEvent(engine.DeviceEvent{Type: "bogus", DeviceID: "s1"}); err == nil {
		t.Error("expected error for unknown event type")
	}
}

func TestFilterByLevel(t *testing.T) {
	filter := FilterByLevel(EventLevelWarning)
	if filter(Event{Level: EventLevelInfo}) {
		t.Error("info should be filtered out")
	}
	if !filter(Event{Level: EventLevelError}) {
		t.Error("error should pass")
	}
}

func TestTelemetryObserveSweep(t *testing.T) {
	tel, err := NewTelemetry(testConfig())
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	var count int
	tel.Events.Subscribe(func(e Event) { count++ }, nil)

	if err := tel.ObserveSweep(context.Background(), testSummary()); err != nil {
		t.Fatalf("ObserveSweep() error = %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 published events, got %d", count)
	}
	if got := testutil.ToFloat64(tel.Metrics.sweeps.WithLabelValues(engine.ReasonInterval)); got != 1 {
		t.Errorf("sweeps_total = %v, want 1", got)
	}
}

func TestTelemetryObserveIntent(t *testing.T) {
	tel, err := NewTelemetry(testConfig())
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	var got Event
	tel.Events.Subscribe(func(e Event) { got = e }, FilterByType(EventTypeIntentApplied))

	result := &engine.IntentResult{
		Sent:     4,
		Devices:  map[string]engine.DeviceReport{"s1": {}, "s2": {}},
		Failures: map[string][]engine.OpFailure{"s2": {{Op: engine.OpAdd, Reason: "unreachable"}}},
	}
	tel.ObserveIntent("install", result, nil)

	if got.Level != EventLevelWarning || got.Data["sent"] != 4 {
		t.Errorf("unexpected intent event %+v", got)
	}
	if v := testutil.ToFloat64(tel.Metrics.intents.WithLabelValues("install", "error")); v != 1 {
		t.Errorf("partial failures should count as errors, got %v", v)
	}
	if v := testutil.ToFloat64(tel.Metrics.errorsByClass.WithLabelValues("partial")); v != 1 {
		t.Errorf("errors_by_class_total{partial} = %v", v)
	}

	tel.ObserveDeviceEvent(engine.DeviceEvent{Type: engine.DeviceConnected, DeviceID: "s1"}, 1)
	if v := testutil.ToFloat64(tel.Metrics.connectedDevices); v != 1 {
		t.Errorf("connected_devices = %v", v)
	}
}

func TestStartOperation(t *testing.T) {
	tel, err := NewTelemetry(testConfig())
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	op := tel.StartOperation(context.Background(), "intent.install", AttrDeviceID.String("s1"))
	if op.Ctx == nil || op.Span == nil || op.Timer == nil {
		t.Fatalf("incomplete operation %+v", op)
	}
	op.End(engine.NewTransportError("device exchange failed", nil).WithCode(engine.ErrCodeTimeout))

	op = tel.StartOperation(context.Background(), "intent.delete")
	op.End(nil)
}

func TestLogEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	ep.Subscribe(LogEvents(logger), FilterByLevel(EventLevelWarning))

	_ = ep.PublishDeviceEvent(engine.DeviceEvent{Type: engine.DeviceConnected, DeviceID: "s1"})
	_ = ep.PublishDeviceEvent(engine.DeviceEvent{Type: engine.DeviceDisconnected, DeviceID: "s2"})

	out := buf.String()
	if strings.Contains(out, `"device_id":"s1"`) {
		t.Errorf("info event passed a warning filter: %s", out)
	}
	for _, want := range []string{`"level":"warn"`, `"device_id":"s2"`, `"type":"device.disconnected"`, "Device s2 disconnected"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestMatchAll(t *testing.T) {
	filter := MatchAll(FilterByLevel(EventLevelWarning), FilterByDevice("s1"))

	tests := []struct {
		event Event
		want  bool
	}{
		{Event{Level: EventLevelError, DeviceID: "s1"}, true},
		{Event{Level: EventLevelInfo, DeviceID: "s1"}, false},
		{Event{Level: EventLevelError, DeviceID: "s2"}, false},
	}
	for _, tt := range tests {
		if got := filter(tt.event); got != tt.want {
			t.Errorf("MatchAll(%+v) = %v, want %v", tt.event, got, tt.want)
		}
	}

	if !MatchAll()(Event{}) {
		t.Error("an empty MatchAll should accept every event")
	}
}
