package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// SkipCoalesced marks a device whose trigger was folded into a run already in progress.
const SkipCoalesced = "coalesced"

// SweepConfig configures the consistency sweep.
type SweepConfig struct {
	// Interval between full sweeps. Zero disables the timer.
	Interval time.Duration

	// Workers bounds how many devices reconcile in parallel.
	Workers int
}

// Sweep runs the reconciler on connect events, on flow-removed events and on
// a fixed interval. A trigger for a device that is already reconciling is
// coalesced into a single follow-up run.
type Sweep struct {
	reconciler *Reconciler
	store      FlowStore
	gateway    SwitchGateway
	observers  []SweepObserver
	config     SweepConfig
	logger     zerolog.Logger
	tracer     trace.Tracer

	mu      sync.Mutex
	running map[string]bool
	pending map[string]ProvisionMode

	sweeping atomic.Bool
	wg       sync.WaitGroup
}

// NewSweep creates a new consistency sweep.
func NewSweep(reconciler *Reconciler, store FlowStore, gateway SwitchGateway, cfg SweepConfig, logger zerolog.Logger, observers ...SweepObserver) *Sweep {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}

	return &Sweep{
		reconciler: reconciler,
		store:      store,
		gateway:    gateway,
		observers:  observers,
		config:     cfg,
		logger:     logger.With().Str("component", "sweep").Logger(),
		tracer:     otel.Tracer(tracerName),
		running:    make(map[string]bool),
		pending:    make(map[string]ProvisionMode),
	}
}

// AddObserver registers an observer for sweep summaries.
func (s *Sweep) AddObserver(o SweepObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Run performs a startup sweep, then serves gateway events and the interval
// timer until ctx is cancelled.
func (s *Sweep) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("interval", s.config.Interval).
		Int("workers", s.config.Workers).
		Msg("Consistency sweep started")

	s.startSweep(ctx, ReasonStartup)

	var tick <-chan time.Time
	if s.config.Interval > 0 {
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	events := s.gateway.Events()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info().Msg("Consistency sweep stopped")
			return ctx.Err()

		case <-tick:
			s.startSweep(ctx, ReasonInterval)

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.HandleEvent(ctx, ev)
			}()
		}
	}
}

// startSweep launches a full sweep unless one is still running.
func (s *Sweep) startSweep(ctx context.Context, reason string) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.logger.Debug().Str("reason", reason).Msg("Previous sweep still running, skipping")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sweeping.Store(false)
		s.SweepAll(ctx, reason)
	}()
}

// SweepAll reconciles every known device in parallel: devices with stored
// intent and devices currently connected. Reserved flows are ensured.
func (s *Sweep) SweepAll(ctx context.Context, reason string) SweepSummary {
	summary := SweepSummary{
		ID:        uuid.New().String(),
		Reason:    reason,
		StartedAt: time.Now(),
	}

	ctx, span := s.tracer.Start(ctx, "sweep.all", trace.WithAttributes(
		attribute.String("sweep.id", summary.ID),
		attribute.String("sweep.reason", reason),
	))
	defer span.End()

	devices, err := s.devices(ctx)
	if err != nil {
		span.RecordError(err)
		s.logger.Error().Err(err).Msg("Failed to list devices for sweep")
	}

	reports := make([]DeviceReport, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)

	for i, deviceID := range devices {
		i, deviceID := i, deviceID
		g.Go(func() error {
			reports[i] = s.run(gctx, deviceID, ProvisionEnsure)
			return nil
		})
	}
	_ = g.Wait()

	summary.Devices = reports
	summary.Duration = time.Since(summary.StartedAt)
	s.publish(ctx, summary)

	return summary
}

// Trigger reconciles one device, coalescing with a run already in progress.
func (s *Sweep) Trigger(ctx context.Context, deviceID string, reason string, mode ProvisionMode) DeviceReport {
	summary := SweepSummary{
		ID:        uuid.New().String(),
		Reason:    reason,
		StartedAt: time.Now(),
	}

	report := s.run(ctx, deviceID, mode)
	summary.Devices = []DeviceReport{report}
	summary.Duration = time.Since(summary.StartedAt)
	if !(report.Skipped && report.SkipReason == SkipCoalesced) {
		s.publish(ctx, summary)
	}

	return report
}

// run executes reconciliation for a device, then any follow-up requested while it ran.
func (s *Sweep) run(ctx context.Context, deviceID string, mode ProvisionMode) DeviceReport {
	s.mu.Lock()
	if s.running[deviceID] {
		if cur, ok := s.pending[deviceID]; !ok || mode > cur {
			s.pending[deviceID] = mode
		}
		s.mu.Unlock()
		return DeviceReport{DeviceID: deviceID, Skipped: true, SkipReason: SkipCoalesced}
	}
	s.running[deviceID] = true
	s.mu.Unlock()

	report := s.reconciler.Reconcile(ctx, deviceID, mode)

	for {
		s.mu.Lock()
		next, again := s.pending[deviceID]
		if !again || ctx.Err() != nil {
			delete(s.pending, deviceID)
			delete(s.running, deviceID)
			s.mu.Unlock()
			return report
		}
		delete(s.pending, deviceID)
		s.mu.Unlock()

		s.logger.Debug().Str("device_id", deviceID).Msg("Running coalesced follow-up")
		followUp := s.reconciler.Reconcile(ctx, deviceID, next)
		report = mergeReports(report, followUp)
	}
}

// HandleEvent reacts to a gateway notification.
func (s *Sweep) HandleEvent(ctx context.Context, ev DeviceEvent) {
	log := s.logger.With().Str("device_id", ev.DeviceID).Str("event", string(ev.Type)).Logger()

	switch ev.Type {
	case DeviceConnected:
		log.Info().Msg("Device connected, provisioning and reconciling")
		s.Trigger(ctx, ev.DeviceID, ReasonConnect, ProvisionForce)

	case DeviceDisconnected:
		log.Info().Msg("Device disconnected")

	case DeviceFlowRemoved:
		s.handleFlowRemoved(ctx, log, ev)

	default:
		log.Warn().Msg("Unknown device event")
	}
}

func (s *Sweep) handleFlowRemoved(ctx context.Context, log zerolog.Logger, ev DeviceEvent) {
	if ev.Flow == nil {
		s.Trigger(ctx, ev.DeviceID, ReasonRemoved, ProvisionEnsure)
		return
	}

	f := *ev.Flow
	log = log.With().Str("flow_key", f.Key()).Str("reason", string(ev.Reason)).Logger()

	switch {
	case f.TableID != flows.ManagedTable:
		log.Debug().Msg("Ignoring removal outside the managed table")

	case f.Reserved():
		log.Info().Msg("Reserved flow removed, re-provisioning")
		s.Trigger(ctx, ev.DeviceID, ReasonRemoved, ProvisionEnsure)

	case ev.Reason.Expired():
		ids, err := s.store.SoftDeleteMatching(ctx, ev.DeviceID, []flows.Flow{f})
		if err != nil {
			log.Error().Err(err).Msg("Failed to retire expired flow")
			return
		}
		log.Info().Int("records", len(ids)).Msg("Flow expired, intent retired")

	default:
		log.Info().Msg("Flow removed, reconciling")
		s.Trigger(ctx, ev.DeviceID, ReasonRemoved, ProvisionEnsure)
	}
}

func (s *Sweep) devices(ctx context.Context) ([]string, error) {
	set := make(map[string]bool)
	for _, d := range s.gateway.ConnectedDevices() {
		set[d] = true
	}

	stored, err := s.store.ListDevices(ctx)
	for _, d := range stored {
		set[d] = true
	}

	devices := make([]string, 0, len(set))
	for d := range set {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	return devices, err
}

func (s *Sweep) publish(ctx context.Context, summary SweepSummary) {
	totals := summary.Totals()
	s.logger.Info().
		Str("sweep_id", summary.ID).
		Str("reason", summary.Reason).
		Int("devices", len(summary.Devices)).
		Int("added", totals.Added).
		Int("removed", totals.Removed).
		Int("failed", totals.Failed).
		Int("provisioned", totals.Provisioned).
		Dur("duration", summary.Duration).
		Msg("Sweep completed")

	s.mu.Lock()
	observers := append([]SweepObserver(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		if err := o.ObserveSweep(ctx, summary); err != nil {
			s.logger.Warn().Err(err).Str("sweep_id", summary.ID).Msg("Sweep observer failed")
		}
	}
}

func mergeReports(a, b DeviceReport) DeviceReport {
	a.Added += b.Added
	a.Removed += b.Removed
	a.Failed += b.Failed
	a.Provisioned += b.Provisioned
	a.Sent += b.Sent
	a.Unchanged = b.Unchanged
	a.Failures = append(a.Failures, b.Failures...)
	a.Skipped = b.Skipped
	a.SkipReason = b.SkipReason
	a.Error = b.Error
	a.Duration += b.Duration
	return a
}
