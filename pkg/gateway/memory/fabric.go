// Package memory provides an in-memory switch fabric implementing
// engine.SwitchGateway. It follows OpenFlow table semantics closely enough to
// exercise the reconciliation engine: adds overwrite an entry with the same
// table, priority and match; deletes are strict. Out-of-band helpers let
// tests and the simulator tamper with devices behind the engine's back.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
)

var (
	// ErrUnknownDevice is returned for devices that were never added.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrNotConnected is returned when the device has no session.
	ErrNotConnected = errors.New("device not connected")

	// ErrUnreachable is returned while a device is marked unreachable.
	ErrUnreachable = errors.New("device unreachable")
)

type entry struct {
	flow      flows.Flow
	installed time.Time
	packets   uint64
	bytes     uint64
}

type device struct {
	connected   bool
	unreachable bool
	failApplies int
	rejects     map[string]string
	entries     []*entry
	applies     int
}

// Fabric is a set of simulated switches.
type Fabric struct {
	mu      sync.Mutex
	devices map[string]*device
	events  chan engine.DeviceEvent
}

var _ engine.SwitchGateway = (*Fabric)(nil)

// NewFabric creates an empty fabric. Events beyond bufferSize unread
// notifications are dropped.
func NewFabric(bufferSize int) *Fabric {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Fabric{
		devices: make(map[string]*device),
		events:  make(chan engine.DeviceEvent, bufferSize),
	}
}

// AddSwitch registers a disconnected device with empty tables.
func (f *Fabric) AddSwitch(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[deviceID]; !ok {
		f.devices[deviceID] = &device{rejects: make(map[string]string)}
	}
}

// Connect marks a device connected and emits a connect event.
func (f *Fabric) Connect(deviceID string) {
	f.AddSwitch(deviceID)
	f.mu.Lock()
	f.devices[deviceID].connected = true
	f.mu.Unlock()
	f.emit(engine.DeviceEvent{Type: engine.DeviceConnected, DeviceID: deviceID})
}

// Disconnect marks a device disconnected and emits a disconnect event.
// Its tables are kept, as on a real switch that loses the controller.
func (f *Fabric) Disconnect(deviceID string) {
	f.mu.Lock()
	d, ok := f.devices[deviceID]
	if ok {
		d.connected = false
	}
	f.mu.Unlock()
	if ok {
		f.emit(engine.DeviceEvent{Type: engine.DeviceDisconnected, DeviceID: deviceID})
	}
}

// SetUnreachable makes every exchange with the device fail while keeping it
// reported as connected, like a session that stopped answering.
func (f *Fabric) SetUnreachable(deviceID string, unreachable bool) {
	f.withDevice(deviceID, func(d *device) { d.unreachable = unreachable })
}

// FailNextApplies makes the next n Apply calls on a device fail with a transport error.
func (f *Fabric) FailNextApplies(deviceID string, n int) {
	f.withDevice(deviceID, func(d *device) { d.failApplies = n })
}

// RejectFlow makes the device refuse adds of flows with the given identity.
// An empty reason clears the rejection.
func (f *Fabric) RejectFlow(deviceID string, fl flows.Flow, reason string) {
	f.withDevice(deviceID, func(d *device) {
		if reason == "" {
			delete(d.rejects, fl.Key())
			return
		}
		d.rejects[fl.Key()] = reason
	})
}

// ApplyCount returns how many Apply exchanges reached the device.
func (f *Fabric) ApplyCount(deviceID string) int {
	var n int
	f.withDevice(deviceID, func(d *device) { n = d.applies })
	return n
}

// Table returns the flows currently installed in a table of a device.
func (f *Fabric) Table(deviceID string, table uint8) []flows.Flow {
	var out []flows.Flow
	f.withDevice(deviceID, func(d *device) {
		for _, e := range d.entries {
			if e.flow.TableID == table {
				out = append(out, e.flow.Clone())
			}
		}
	})
	return out
}

// InjectFlow adds a flow out of band, bypassing the engine.
func (f *Fabric) InjectFlow(deviceID string, fl flows.Flow) {
	f.withDevice(deviceID, func(d *device) { d.add(fl, time.Now()) })
}

// RemoveFlow deletes a flow out of band (strict match) without notifying the engine.
func (f *Fabric) RemoveFlow(deviceID string, fl flows.Flow) bool {
	var removed bool
	f.withDevice(deviceID, func(d *device) { removed = len(d.deleteStrict(fl)) > 0 })
	return removed
}

// ReplaceFlow swaps an installed flow for another out of band.
func (f *Fabric) ReplaceFlow(deviceID string, old, replacement flows.Flow) bool {
	var ok bool
	f.withDevice(deviceID, func(d *device) {
		if len(d.deleteStrict(old)) > 0 {
			d.add(replacement, time.Now())
			ok = true
		}
	})
	return ok
}

// Clear empties every table of a device.
func (f *Fabric) Clear(deviceID string) {
	f.withDevice(deviceID, func(d *device) { d.entries = nil })
}

// ExpireFlow removes a flow as the device would on a timeout or an external
// delete and emits a flow-removed event with the given reason.
func (f *Fabric) ExpireFlow(deviceID string, fl flows.Flow, reason engine.RemovedReason) bool {
	var removed []flows.Flow
	f.withDevice(deviceID, func(d *device) { removed = d.deleteStrict(fl) })
	for _, r := range removed {
		r := r
		f.emit(engine.DeviceEvent{
			Type:     engine.DeviceFlowRemoved,
			DeviceID: deviceID,
			Flow:     &r,
			Reason:   reason,
		})
	}
	return len(removed) > 0
}

// Connected reports whether the device has a session.
func (f *Fabric) Connected(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	return ok && d.connected
}

// ConnectedDevices lists connected devices in id order.
func (f *Fabric) ConnectedDevices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, d := range f.devices {
		if d.connected {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// KnownDevices lists every added device in id order, connected or not.
func (f *Fabric) KnownDevices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.devices))
	for id := range f.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply executes a batch in order. Each op succeeds or is rejected on its own.
func (f *Fabric) Apply(ctx context.Context, deviceID string, ops []engine.FlowOp) ([]error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.reachable(deviceID)
	if err != nil {
		return nil, err
	}
	if d.failApplies > 0 {
		d.failApplies--
		return nil, fmt.Errorf("%s: %w", deviceID, context.DeadlineExceeded)
	}
	d.applies++

	now := time.Now()
	results := make([]error, len(ops))
	for i, op := range ops {
		switch op.Type {
		case engine.OpAdd:
			if reason, ok := d.rejects[op.Flow.Key()]; ok {
				results[i] = fmt.Errorf("flow rejected: %s", reason)
				continue
			}
			d.add(op.Flow, now)
		case engine.OpDelete:
			d.deleteStrict(op.Flow)
		default:
			results[i] = fmt.Errorf("unsupported op %q", op.Type)
		}
	}

	return results, nil
}

// Dump returns every installed flow of every table.
func (f *Fabric) Dump(ctx context.Context, deviceID string) ([]flows.Observed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	d, err := f.reachable(deviceID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]flows.Observed, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, flows.Observed{
			Flow:        e.flow.Clone(),
			Duration:    now.Sub(e.installed),
			PacketCount: e.packets,
			ByteCount:   e.bytes,
		})
	}
	return out, nil
}

// Events returns the notification channel.
func (f *Fabric) Events() <-chan engine.DeviceEvent {
	return f.events
}

// reachable must be called with f.mu held.
func (f *Fabric) reachable(deviceID string) (*device, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if !d.connected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	if d.unreachable {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, deviceID)
	}
	return d, nil
}

func (f *Fabric) withDevice(deviceID string, fn func(d *device)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.devices[deviceID]; ok {
		fn(d)
	}
}

func (f *Fabric) emit(ev engine.DeviceEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case f.events <- ev:
	default:
	}
}

func sameSlot(a, b flows.Flow) bool {
	return a.TableID == b.TableID &&
		a.Priority == b.Priority &&
		a.Match.Canonical() == b.Match.Canonical()
}

func (d *device) add(fl flows.Flow, now time.Time) {
	for _, e := range d.entries {
		if sameSlot(e.flow, fl) {
			e.flow = fl.Clone()
			e.installed = now
			return
		}
	}
	d.entries = append(d.entries, &entry{flow: fl.Clone(), installed: now})
}

func (d *device) deleteStrict(fl flows.Flow) []flows.Flow {
	var removed []flows.Flow
	kept := d.entries[:0]
	for _, e := range d.entries {
		if sameSlot(e.flow, fl) {
			removed = append(removed, e.flow)
			continue
		}
		kept = append(kept, e)
	}
	d.entries = kept
	return removed
}
