// Package ovs drives Open vSwitch bridges through ovs-ofctl. Each managed
// device is one bridge reached through a Runner, either on this host or over
// SSH. Batches are sent as a single add-flows bundle; when the switch refuses
// a bundle the ops are replayed one by one so each refusal is attributed to
// the op that caused it.
//
// ovs-ofctl offers no flow-removed notifications, so this gateway only emits
// connect and disconnect events, discovered by probing each bridge.
package ovs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// Config configures the gateway.
type Config struct {
	// Ofctl is the ovs-ofctl binary (default "ovs-ofctl").
	Ofctl string `yaml:"ofctl"`

	// Protocol is the OpenFlow version passed with -O (default "OpenFlow14",
	// the first to support bundles).
	Protocol string `yaml:"protocol"`

	// Bundle sends batches as atomic bundles.
	Bundle bool `yaml:"bundle"`

	// ProbeInterval is how often bridges are probed for reachability.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// EventBuffer bounds undelivered events; further events are dropped.
	EventBuffer int `yaml:"event_buffer"`
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		Ofctl:         "ovs-ofctl",
		Protocol:      "OpenFlow14",
		Bundle:        true,
		ProbeInterval: 10 * time.Second,
		EventBuffer:   256,
	}
}

// Bridge binds a device id to an OVS bridge.
type Bridge struct {
	DeviceID string
	Name     string
	Runner   Runner
}

type bridgeState struct {
	Bridge
	connected bool
}

// Gateway implements engine.SwitchGateway for Open vSwitch.
type Gateway struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.RWMutex
	bridges map[string]*bridgeState
	events  chan engine.DeviceEvent
}

var _ engine.SwitchGateway = (*Gateway)(nil)

// NewGateway creates a gateway with no bridges.
func NewGateway(cfg Config, logger zerolog.Logger) *Gateway {
	d := DefaultConfig()
	if cfg.Ofctl == "" {
		cfg.Ofctl = d.Ofctl
	}
	if cfg.Protocol == "" {
		cfg.Protocol = d.Protocol
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = d.ProbeInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = d.EventBuffer
	}

	return &Gateway{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ovs_gateway").Logger(),
		bridges: make(map[string]*bridgeState),
		events:  make(chan engine.DeviceEvent, cfg.EventBuffer),
	}
}

// AddBridge registers a bridge. It is reported disconnected until probed.
func (g *Gateway) AddBridge(b Bridge) error {
	if b.DeviceID == "" || b.Name == "" {
		return fmt.Errorf("bridge needs a device id and a name")
	}
	if b.Runner == nil {
		return fmt.Errorf("bridge %s has no runner", b.DeviceID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.bridges[b.DeviceID]; exists {
		return fmt.Errorf("duplicate device %s", b.DeviceID)
	}
	g.bridges[b.DeviceID] = &bridgeState{Bridge: b}
	return nil
}

// Connected reports whether the last probe reached the device.
func (g *Gateway) Connected(deviceID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.bridges[deviceID]
	return ok && b.connected
}

// ConnectedDevices lists reachable devices in id order.
func (g *Gateway) ConnectedDevices() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for id, b := range g.bridges {
		if b.connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// KnownDevices lists every registered bridge's device in id order.
func (g *Gateway) KnownDevices() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.bridges))
	for id := range g.bridges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Events returns the connect/disconnect notification channel.
func (g *Gateway) Events() <-chan engine.DeviceEvent {
	return g.events
}

// Apply sends ops to the bridge. The returned slice has one entry per op; a
// non-nil error in it is the switch's refusal of that op.
func (g *Gateway) Apply(ctx context.Context, deviceID string, ops []engine.FlowOp) ([]error, error) {
	b, err := g.bridge(deviceID)
	if err != nil {
		return nil, err
	}

	results := make([]error, len(ops))
	if len(ops) == 0 {
		return results, nil
	}

	args := "add-flows " + shellQuote(b.Name) + " -"
	if g.cfg.Bundle {
		args = "--bundle " + args
	}

	_, err = b.Runner.Run(ctx, g.ofctl(args), FormatBundle(ops))
	if err == nil {
		return results, nil
	}
	if !IsRejection(err) {
		return nil, err
	}

	g.logger.Warn().
		Err(err).
		Str("device_id", deviceID).
		Int("ops", len(ops)).
		Msg("Batch refused, replaying ops individually")

	for i, op := range ops {
		var cmd string
		switch op.Type {
		case engine.OpDelete:
			cmd = g.ofctl("--strict del-flows " + shellQuote(b.Name) + " " + shellQuote(FormatStrictMatch(op.Flow)))
		default:
			cmd = g.ofctl("add-flow " + shellQuote(b.Name) + " " + shellQuote(FormatFlow(op.Flow)))
		}

		if _, err := b.Runner.Run(ctx, cmd, nil); err != nil {
			if !IsRejection(err) {
				return nil, err
			}
			results[i] = err
		}
	}

	return results, nil
}

// Dump returns every flow of every table of the bridge.
func (g *Gateway) Dump(ctx context.Context, deviceID string) ([]flows.Observed, error) {
	b, err := g.bridge(deviceID)
	if err != nil {
		return nil, err
	}

	out, err := b.Runner.Run(ctx, g.ofctl("--no-names dump-flows "+shellQuote(b.Name)), nil)
	if err != nil {
		return nil, err
	}

	return ParseDumpFlows(out)
}

// Probe checks every bridge once and emits an event for each change of
// reachability.
func (g *Gateway) Probe(ctx context.Context) {
	g.mu.RLock()
	bridges := make([]Bridge, 0, len(g.bridges))
	for _, b := range g.bridges {
		bridges = append(bridges, b.Bridge)
	}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, b := range bridges {
		wg.Add(1)
		go func(b Bridge) {
			defer wg.Done()
			_, err := b.Runner.Run(ctx, g.ofctl("show "+shellQuote(b.Name)), nil)
			if ctx.Err() != nil {
				return
			}
			g.setConnected(b.DeviceID, err == nil, err)
		}(b)
	}
	wg.Wait()
}

// Run probes bridges immediately and then every ProbeInterval until ctx is
// cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		g.Probe(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) setConnected(deviceID string, connected bool, cause error) {
	g.mu.Lock()
	b, ok := g.bridges[deviceID]
	changed := ok && b.connected != connected
	if changed {
		b.connected = connected
	}
	g.mu.Unlock()

	if !changed {
		return
	}

	ev := engine.DeviceEvent{DeviceID: deviceID, Timestamp: time.Now()}
	if connected {
		ev.Type = engine.DeviceConnected
		g.logger.Info().Str("device_id", deviceID).Msg("Bridge reachable")
	} else {
		ev.Type = engine.DeviceDisconnected
		g.logger.Warn().Err(cause).Str("device_id", deviceID).Msg("Bridge unreachable")
	}

	select {
	case g.events <- ev:
	default:
		g.logger.Warn().Str("device_id", deviceID).Msg("Event buffer full, dropping event")
	}
}

func (g *Gateway) bridge(deviceID string) (Bridge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.bridges[deviceID]
	if !ok {
		return Bridge{}, fmt.Errorf("unknown device %s", deviceID)
	}
	return b.Bridge, nil
}

func (g *Gateway) ofctl(args string) string {
	return strings.Join([]string{g.cfg.Ofctl, "-O", g.cfg.Protocol, args}, " ")
}
