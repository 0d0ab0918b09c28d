// Package topology holds the administrative view of the fabric: which devices
// exist, whether they are enabled, and how they are linked. The engine only
// reads it; changes come from configuration or the CLI.
package topology

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Device describes one switch.
type Device struct {
	ID string `yaml:"id" json:"id" validate:"required"`

	// Colour is the source MAC the device stamps on discovery frames. Its
	// neighbours match on it in their coloring flows.
	Colour string `yaml:"colour" json:"colour" validate:"omitempty,mac"`

	// Disabled devices are skipped by reconciliation.
	Disabled bool `yaml:"disabled" json:"disabled"`
}

// Link joins two devices. Links are undirected.
type Link struct {
	A string `yaml:"a" json:"a" validate:"required"`
	B string `yaml:"b" json:"b" validate:"required,nefield=A"`
}

// Spec is the declarative form of a topology.
type Spec struct {
	Devices []Device `yaml:"devices" json:"devices" validate:"dive"`
	Links   []Link   `yaml:"links" json:"links" validate:"dive"`
}

// Static is an in-memory topology built from a Spec. It is safe for
// concurrent use.
type Static struct {
	mu        sync.RWMutex
	devices   map[string]*Device
	neighbors map[string]map[string]bool
}

// NewStatic builds a topology. Links must refer to declared devices.
func NewStatic(spec Spec) (*Static, error) {
	t := &Static{
		devices:   make(map[string]*Device),
		neighbors: make(map[string]map[string]bool),
	}

	for _, d := range spec.Devices {
		if err := t.AddDevice(d); err != nil {
			return nil, err
		}
	}
	for _, l := range spec.Links {
		if err := t.AddLink(l.A, l.B); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// AddDevice registers a device.
func (t *Static) AddDevice(d Device) error {
	if d.ID == "" {
		return fmt.Errorf("device id is required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.devices[d.ID]; exists {
		return fmt.Errorf("duplicate device %s", d.ID)
	}
	d.Colour = strings.ToLower(d.Colour)
	t.devices[d.ID] = &d
	return nil
}

// AddLink connects two declared devices.
func (t *Static) AddLink(a, b string) error {
	if a == b {
		return fmt.Errorf("device %s cannot link to itself", a)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range []string{a, b} {
		if _, ok := t.devices[id]; !ok {
			return fmt.Errorf("link refers to unknown device %s", id)
		}
	}
	t.link(a, b)
	t.link(b, a)
	return nil
}

func (t *Static) link(from, to string) {
	if t.neighbors[from] == nil {
		t.neighbors[from] = make(map[string]bool)
	}
	t.neighbors[from][to] = true
}

// Enable marks a device administratively enabled.
func (t *Static) Enable(deviceID string) error {
	return t.setDisabled(deviceID, false)
}

// Disable marks a device administratively disabled.
func (t *Static) Disable(deviceID string) error {
	return t.setDisabled(deviceID, true)
}

func (t *Static) setDisabled(deviceID string, disabled bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[deviceID]
	if !ok {
		return fmt.Errorf("unknown device %s", deviceID)
	}
	d.Disabled = disabled
	return nil
}

// IsEnabled reports whether the device is enabled. Devices the topology does
// not know about are treated as enabled.
func (t *Static) IsEnabled(deviceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d, ok := t.devices[deviceID]
	return !ok || !d.Disabled
}

// Neighbors returns the colours of the devices linked to deviceID, ordered by
// neighbour id. Neighbours without a colour are left out.
func (t *Static) Neighbors(deviceID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.neighbors[deviceID]))
	for id := range t.neighbors[deviceID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var colours []string
	for _, id := range ids {
		if c := t.devices[id].Colour; c != "" {
			colours = append(colours, c)
		}
	}
	return colours
}

// DeviceIDs returns the ids of every declared device, disabled ones included.
func (t *Static) DeviceIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Devices returns every declared device ordered by id.
func (t *Static) Devices() []Device {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
