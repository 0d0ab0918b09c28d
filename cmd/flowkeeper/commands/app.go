package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowkeeper/pkg/config"
	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
	"github.com/openfroyo/flowkeeper/pkg/gateway/memory"
	"github.com/openfroyo/flowkeeper/pkg/gateway/ovs"
	"github.com/openfroyo/flowkeeper/pkg/intents"
	"github.com/openfroyo/flowkeeper/pkg/stores"
	"github.com/openfroyo/flowkeeper/pkg/telemetry"
	"github.com/openfroyo/flowkeeper/pkg/topology"
	"github.com/openfroyo/flowkeeper/pkg/transports/ssh"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store    *stores.SQLiteStore
	gateway  engine.SwitchGateway
	fabric   *memory.Fabric
	ovs      *ovs.Gateway
	clients  []*ssh.Client
	topology *topology.Static

	reconciler *engine.Reconciler
	sweep      *engine.Sweep
	manager    *engine.FlowManager
}

// loadConfig reads --config, or falls back to the defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.Load(configPath)
}

// newApp opens the store, builds the gateway and wires the engine. When
// observe is set, gateway events pass through telemetry before the sweep
// sees them; the caller must then run the observedGateway's forward loop.
func newApp(ctx context.Context, observe bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if err := a.buildGateway(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.topology, err = topology.NewStatic(cfg.Topology)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid topology: %w", err)
	}

	gw := a.gateway
	if observe {
		gw = newObservedGateway(a.gateway, tel)
		a.gateway = gw
	}

	executor := engine.NewExecutor(gw, cfg.Engine.Retry, cfg.Engine.Workers, a.logger)
	a.reconciler = engine.NewReconciler(a.store, gw, a.topology, executor, a.logger)
	a.sweep = engine.NewSweep(a.reconciler, a.store, gw, cfg.SweepOptions(), a.logger,
		tel, a.store, &flowGauges{store: a.store, metrics: tel.Metrics})
	a.manager = engine.NewFlowManager(a.store, a.store, gw, a.reconciler, cfg.Engine.Workers, a.logger)

	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(a.cfg.StoreOptions())
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.store = store

	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (a *app) buildGateway(ctx context.Context) error {
	switch a.cfg.Gateway.Kind {
	case config.GatewayOVS:
		gw := ovs.NewGateway(a.cfg.Gateway.OVS, a.logger)
		for _, b := range a.cfg.Gateway.Bridges {
			runner, err := a.runner(b)
			if err != nil {
				return err
			}
			if err := gw.AddBridge(ovs.Bridge{DeviceID: b.Device, Name: b.Bridge, Runner: runner}); err != nil {
				return err
			}
		}
		gw.Probe(ctx)
		a.ovs = gw
		a.gateway = gw

	default:
		fabric := memory.NewFabric(a.cfg.Gateway.EventBuffer)
		for _, id := range a.cfg.Devices() {
			fabric.Connect(id)
		}
		a.fabric = fabric
		a.gateway = fabric
	}
	return nil
}

func (a *app) runner(b config.BridgeConfig) (ovs.Runner, error) {
	if b.Local {
		return ovs.LocalRunner{Sudo: b.Sudo}, nil
	}

	sshCfg := *b.SSH
	sshCfg.ApplyDefaults()
	if b.Sudo {
		sshCfg.Sudo = true
	}
	client, err := ssh.NewClient(&sshCfg)
	if err != nil {
		return nil, fmt.Errorf("bridge %s: %w", b.Device, err)
	}
	a.clients = append(a.clients, client)
	return client, nil
}

// intentManager returns the flow manager instrumented for telemetry.
func (a *app) intentManager() intents.Manager {
	return &observedManager{FlowManager: a.manager, tel: a.tel}
}

// Close releases the store, SSH connections and telemetry exporters.
func (a *app) Close() {
	for _, c := range a.clients {
		if err := c.Disconnect(); err != nil {
			a.logger.Debug().Err(err).Msg("Failed to close SSH connection")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// observedGateway passes device events through telemetry on their way to
// the sweep.
type observedGateway struct {
	engine.SwitchGateway
	tel    *telemetry.Telemetry
	events chan engine.DeviceEvent
}

func newObservedGateway(gw engine.SwitchGateway, tel *telemetry.Telemetry) *observedGateway {
	return &observedGateway{
		SwitchGateway: gw,
		tel:           tel,
		events:        make(chan engine.DeviceEvent, 64),
	}
}

// Events implements engine.SwitchGateway.
func (g *observedGateway) Events() <-chan engine.DeviceEvent {
	return g.events
}

// forward copies events from the wrapped gateway until ctx is cancelled.
func (g *observedGateway) forward(ctx context.Context) error {
	in := g.SwitchGateway.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in:
			if !ok {
				close(g.events)
				return nil
			}
			g.tel.ObserveDeviceEvent(ev, len(g.ConnectedDevices()))
			select {
			case g.events <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// observedManager traces and records every intent request in telemetry.
type observedManager struct {
	*engine.FlowManager
	tel *telemetry.Telemetry
}

func (m *observedManager) observe(ctx context.Context, action string, devices []string, fn func(context.Context) (*engine.IntentResult, error)) (*engine.IntentResult, error) {
	op := m.tel.StartOperation(ctx, "intent."+action,
		telemetry.AttrIntentAction.String(action),
		telemetry.AttrDeviceIDs.StringSlice(devices),
	)

	res, err := fn(op.Ctx)

	opErr := err
	if res != nil {
		op.Span.SetAttributes(telemetry.AttrFlowsSent.Int(res.Sent))
		if opErr == nil {
			opErr = res.Partial()
		}
	}
	op.End(opErr)

	m.tel.ObserveIntent(action, res, err)
	return res, err
}

func (m *observedManager) Install(ctx context.Context, deviceID string, fs []flows.Flow) (*engine.IntentResult, error) {
	return m.observe(ctx, "install", []string{deviceID}, func(ctx context.Context) (*engine.IntentResult, error) {
		return m.FlowManager.Install(ctx, deviceID, fs)
	})
}

func (m *observedManager) InstallAll(ctx context.Context, fs []flows.Flow) (*engine.IntentResult, error) {
	return m.observe(ctx, "install", nil, func(ctx context.Context) (*engine.IntentResult, error) {
		return m.FlowManager.InstallAll(ctx, fs)
	})
}

func (m *observedManager) Delete(ctx context.Context, deviceID string, fs []flows.Flow) (*engine.IntentResult, error) {
	return m.observe(ctx, "delete", []string{deviceID}, func(ctx context.Context) (*engine.IntentResult, error) {
		return m.FlowManager.Delete(ctx, deviceID, fs)
	})
}

func (m *observedManager) DeleteAll(ctx context.Context, fs []flows.Flow) (*engine.IntentResult, error) {
	return m.observe(ctx, "delete", nil, func(ctx context.Context) (*engine.IntentResult, error) {
		return m.FlowManager.DeleteAll(ctx, fs)
	})
}

// flowGauges refreshes the stored flow gauges after every sweep.
type flowGauges struct {
	store   engine.FlowStore
	metrics *telemetry.Metrics
}

func (g *flowGauges) ObserveSweep(ctx context.Context, _ engine.SweepSummary) error {
	records, err := g.store.ListFlows(ctx, flows.Filter{})
	if err != nil {
		return err
	}

	counts := map[flows.State]int{
		flows.StatePending:   0,
		flows.StateInstalled: 0,
		flows.StateError:     0,
		flows.StateDeleted:   0,
	}
	for _, r := range records {
		counts[r.State]++
	}
	for state, n := range counts {
		g.metrics.SetStoredFlows(string(state), float64(n))
	}
	return nil
}
