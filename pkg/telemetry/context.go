package telemetry

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/flowkeeper/pkg/engine"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

var _ engine.SweepObserver = (*Telemetry)(nil)

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// ObserveSweep implements engine.SweepObserver: it logs the sweep, updates
// the metrics and publishes sweep events.
func (t *Telemetry) ObserveSweep(ctx context.Context, summary engine.SweepSummary) error {
	totals := summary.Totals()

	logger := t.Logger.WithSweepID(summary.ID)
	event := logger.Info()
	if totals.Failed > 0 {
		event = logger.Warn()
	}
	event.
		Str("reason", summary.Reason).
		Int("devices", len(summary.Devices)).
		Int("added", totals.Added).
		Int("removed", totals.Removed).
		Int("failed", totals.Failed).
		Dur("duration", summary.Duration).
		Msg("Sweep summary")

	t.Metrics.RecordSweep(summary)

	span := trace.SpanFromContext(ctx)
	span.AddEvent("sweep.summary", trace.WithAttributes(
		AttrSweepID.String(summary.ID),
		AttrSweepReason.String(summary.Reason),
		AttrFlowsSent.Int(totals.Sent),
		AttrFlowsFailed.Int(totals.Failed),
	))

	return t.Events.PublishSweepCompleted(summary)
}

// ObserveDeviceEvent records a gateway notification.
func (t *Telemetry) ObserveDeviceEvent(ev engine.DeviceEvent, connected int) {
	t.Metrics.RecordDeviceEvent(string(ev.Type))
	t.Metrics.SetConnectedDevices(float64(connected))

	if err := t.Events.PublishDeviceEvent(ev); err != nil {
		logger := t.Logger.WithDevice(ev.DeviceID)
		logger.Warn().Err(err).Msg("Failed to publish device event")
	}
}

// ObserveIntent records the outcome of an install or delete request.
func (t *Telemetry) ObserveIntent(action string, result *engine.IntentResult, err error) {
	if err == nil && result != nil {
		err = result.Partial()
	}
	t.Metrics.RecordIntent(action, err)

	if result == nil {
		return
	}
	if pubErr := t.Events.PublishIntentApplied(action, result); pubErr != nil {
		logger := t.Logger.Zerolog()
		logger.Warn().Err(pubErr).Msg("Failed to publish intent event")
	}
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
	)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer(func(err error) {
		logger := t.Logger.Zerolog()
		logger.Error().Err(err).Msg("Metrics server stopped")
	})
}

// Operation is one traced, timed and logged unit of work.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger zerolog.Logger
	Timer  *Timer
}

// StartOperation opens a span named operation and a logger carrying the
// operation name and trace ids. Callers run their work with op.Ctx and
// finish with End.
func (t *Telemetry) StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	ctx, span := t.Tracer.StartSpan(ctx, operation, attrs...)

	lctx := t.Logger.Zerolog().With().Str("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		lctx = lctx.
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String())
	}

	return &Operation{
		Ctx:    ctx,
		Span:   span,
		Logger: lctx.Logger(),
		Timer:  NewTimer(),
	}
}

// End closes the span and logs the outcome. Engine errors tag the span with
// their class and code.
func (op *Operation) End(err error) {
	defer op.Span.End()
	elapsed := op.Timer.Duration()

	if err == nil {
		RecordSuccess(op.Span)
		op.Logger.Debug().Dur("duration", elapsed).Msg("Operation completed")
		return
	}

	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		op.Span.SetAttributes(
			AttrErrorClass.String(string(engErr.Class)),
			AttrErrorCode.String(engErr.Code),
		)
	}
	RecordError(op.Span, err)
	op.Logger.Warn().Err(err).Dur("duration", elapsed).Msg("Operation failed")
}
