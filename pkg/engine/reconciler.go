package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// ProvisionMode selects how reserved flows are handled during a reconcile.
type ProvisionMode int

const (
	// ProvisionNone leaves reserved flows alone.
	ProvisionNone ProvisionMode = iota

	// ProvisionEnsure adds missing reserved flows and removes stale ones.
	ProvisionEnsure

	// ProvisionForce resends every reserved flow, used on (re)connect.
	ProvisionForce
)

// Reconciler brings one device's table 0 in line with its stored intent.
// Reconciliations of the same device are serialised; different devices
// proceed independently.
type Reconciler struct {
	store       FlowStore
	gateway     SwitchGateway
	topology    Topology
	executor    *Executor
	provisioner *Provisioner
	logger      zerolog.Logger
	tracer      trace.Tracer
	locks       *deviceLocks
}

// NewReconciler creates a new reconciler. A nil topology treats every device
// as enabled.
func NewReconciler(store FlowStore, gateway SwitchGateway, topology Topology, executor *Executor, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		gateway:     gateway,
		topology:    topology,
		executor:    executor,
		provisioner: NewProvisioner(topology),
		logger:      logger.With().Str("component", "reconciler").Logger(),
		tracer:      otel.Tracer(tracerName),
		locks:       newDeviceLocks(),
	}
}

// Provisioner returns the reserved-flow provisioner used by the reconciler.
func (r *Reconciler) Provisioner() *Provisioner {
	return r.provisioner
}

// Reconcile runs one diff/repair cycle on a device. Disabled and disconnected
// devices are skipped with no side effects. Store state is read under the
// device lock, so a cycle never acts on intent older than the previous cycle.
func (r *Reconciler) Reconcile(ctx context.Context, deviceID string, mode ProvisionMode) (report DeviceReport) {
	start := time.Now()
	report.DeviceID = deviceID
	defer func() { report.Duration = time.Since(start) }()

	if r.topology != nil && !r.topology.IsEnabled(deviceID) {
		report.Skipped = true
		report.SkipReason = SkipDisabled
		return report
	}
	if !r.gateway.Connected(deviceID) {
		report.Skipped = true
		report.SkipReason = SkipDisconnected
		return report
	}

	unlock := r.locks.lock(deviceID)
	defer unlock()

	ctx, span := r.tracer.Start(ctx, "reconciler.reconcile", trace.WithAttributes(
		attribute.String("device.id", deviceID),
	))
	defer span.End()

	log := r.logger.With().Str("device_id", deviceID).Logger()

	records, err := r.store.ListFlows(ctx, flows.Filter{
		DeviceIDs: []string{deviceID},
		States:    []flows.State{flows.StatePending, flows.StateInstalled, flows.StateError},
	})
	if err != nil {
		err = NewPermanentError("failed to read desired flows", err).WithDevice(deviceID).WithCode(ErrCodeStore)
		return r.fail(span, log, report, err)
	}

	observed, err := r.executor.Observe(ctx, deviceID)
	if err != nil {
		// Pending intent could not be delivered; installed records may still be on the device.
		for _, rec := range records {
			if rec.State == flows.StatePending && managed(rec.Flow) {
				r.setState(ctx, log, rec.ID, flows.StateError, err.Error())
				report.Failed++
			}
		}
		return r.fail(span, log, report, err)
	}

	diff := Diff(deviceID, records, observed)

	var basics []FlowOp
	if mode != ProvisionNone {
		basics = r.provisioner.Plan(deviceID, observed, mode == ProvisionForce)
	}

	ops := make([]FlowOp, 0, len(basics)+len(diff.Ops))
	ops = append(ops, basics...)
	ops = append(ops, diff.Ops...)

	report.Unchanged = len(diff.Unchanged)

	if len(ops) > 0 {
		batch := r.executor.Execute(ctx, deviceID, ops)
		report.Sent = batch.Sent
		report.Failures = batch.Failures
		if batch.Err != nil {
			report.Error = batch.Err.Error()
		}

		for i, op := range ops {
			ok := batch.Succeeded(i)
			reserved := i < len(basics)

			switch {
			case ok && reserved && op.Type == OpAdd:
				report.Provisioned++
			case ok && op.Type == OpAdd:
				report.Added++
			case ok && op.Type == OpDelete:
				report.Removed++
			default:
				report.Failed++
			}

			if op.RecordID == "" {
				continue
			}
			if ok {
				r.setState(ctx, log, op.RecordID, flows.StateInstalled, "")
			} else {
				r.setState(ctx, log, op.RecordID, flows.StateError, failureReason(batch, i))
			}
		}
	}

	// Records already present on the device are confirmed.
	for _, rec := range diff.Unchanged {
		if rec.State != flows.StateInstalled {
			r.setState(ctx, log, rec.ID, flows.StateInstalled, "")
		}
	}

	span.SetAttributes(
		attribute.Int("added", report.Added),
		attribute.Int("removed", report.Removed),
		attribute.Int("failed", report.Failed),
	)
	if report.Failed > 0 {
		span.SetStatus(codes.Error, "some ops failed")
	}

	if len(ops) > 0 || report.Failed > 0 {
		log.Info().
			Int("added", report.Added).
			Int("removed", report.Removed).
			Int("unchanged", report.Unchanged).
			Int("failed", report.Failed).
			Int("provisioned", report.Provisioned).
			Msg("Device reconciled")
	} else {
		log.Debug().Int("unchanged", report.Unchanged).Msg("Device consistent")
	}

	return report
}

// setState records an outcome. A refused transition means the record moved
// on concurrently (typically deleted); the next cycle settles the device.
func (r *Reconciler) setState(ctx context.Context, log zerolog.Logger, id string, state flows.State, reason string) {
	err := r.store.SetFlowState(ctx, id, state, reason)
	if err == nil {
		return
	}
	if errors.Is(err, flows.ErrInvalidTransition) || errors.Is(err, flows.ErrNotFound) {
		log.Debug().Err(err).Str("record_id", id).Str("state", string(state)).Msg("State change superseded")
		return
	}
	log.Error().Err(err).Str("record_id", id).Str("state", string(state)).Msg("Failed to record flow state")
}

func (r *Reconciler) fail(span trace.Span, log zerolog.Logger, report DeviceReport, err error) DeviceReport {
	span.RecordError(err)
	span.SetStatus(codes.Error, "reconcile failed")
	log.Error().Err(err).Msg("Reconcile failed")
	report.Error = err.Error()
	return report
}

func failureReason(batch *BatchReport, i int) string {
	if batch.Err != nil {
		return batch.Err.Error()
	}
	if i < len(batch.Results) && batch.Results[i] != nil {
		return batch.Results[i].Error()
	}
	return "not acknowledged"
}

// deviceLocks hands out one mutex per device.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *deviceLocks) lock(deviceID string) func() {
	l.mu.Lock()
	m, ok := l.locks[deviceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[deviceID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
