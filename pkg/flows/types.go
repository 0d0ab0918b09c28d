package flows

import (
	"errors"
	"time"
)

// State represents the lifecycle state of a stored flow entry.
type State string

const (
	StatePending   State = "pending"
	StateInstalled State = "installed"
	StateDeleted   State = "deleted"
	StateError     State = "error"
)

// ManagedTable is the only forwarding table the engine reads or writes.
const ManagedTable uint8 = 0

// PortController is the OpenFlow reserved port that sends packets to the controller.
const PortController uint32 = 0xfffffffd

var (
	// ErrNotFound is returned when a flow record does not exist.
	ErrNotFound = errors.New("flow record not found")

	// ErrInvalidTransition is returned when a state change would move a record backwards.
	ErrInvalidTransition = errors.New("invalid flow state transition")

	// ErrInvalidFlow is wrapped by every validation failure.
	ErrInvalidFlow = errors.New("invalid flow")
)

// Match maps OpenFlow match field names (in_port, dl_vlan, dl_type, ...) to values.
type Match map[string]interface{}

// Action is a single entry of a flow's ordered action list.
type Action struct {
	Type    string `json:"action_type" yaml:"action_type" validate:"required"`
	Port    uint32 `json:"port,omitempty" yaml:"port,omitempty"`
	VlanID  uint16 `json:"vlan_id,omitempty" yaml:"vlan_id,omitempty"`
	TagType string `json:"tag_type,omitempty" yaml:"tag_type,omitempty"`
	QueueID uint32 `json:"queue_id,omitempty" yaml:"queue_id,omitempty"`
}

// Action types understood by the engine.
const (
	ActionOutput   = "output"
	ActionSetVlan  = "set_vlan"
	ActionPushVlan = "push_vlan"
	ActionPopVlan  = "pop_vlan"
	ActionSetQueue = "set_queue"
)

// Flow is the device-facing definition of a flow entry.
type Flow struct {
	TableID     uint8    `json:"table_id" yaml:"table_id"`
	Priority    uint16   `json:"priority" yaml:"priority"`
	Cookie      uint64   `json:"cookie" yaml:"cookie"`
	IdleTimeout uint16   `json:"idle_timeout" yaml:"idle_timeout"`
	HardTimeout uint16   `json:"hard_timeout" yaml:"hard_timeout"`
	Match       Match    `json:"match" yaml:"match"`
	Actions     []Action `json:"actions" yaml:"actions"`
}

// Observed is a flow as reported by a device dump.
type Observed struct {
	Flow
	Duration    time.Duration `json:"duration"`
	PacketCount uint64        `json:"packet_count"`
	ByteCount   uint64        `json:"byte_count"`
}

// Record is the persisted intent for one flow on one device.
type Record struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Flow      Flow      `json:"flow"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter selects records when listing the store.
// Empty slices mean "any".
type Filter struct {
	DeviceIDs []string
	States    []State
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInstalled, StateDeleted, StateError:
		return true
	}
	return false
}

// Desired reports whether a record in this state should exist on its device.
// Error records stay desired so a later sweep retries them.
func (s State) Desired() bool {
	return s == StatePending || s == StateInstalled || s == StateError
}

// CanTransition reports whether a record may move from s to next.
// Deleted is terminal; repeating the current state is allowed.
func (s State) CanTransition(next State) bool {
	if s == next {
		return true
	}
	switch s {
	case StatePending:
		return next == StateInstalled || next == StateDeleted || next == StateError
	case StateInstalled:
		return next == StateDeleted || next == StateError
	case StateError:
		return next == StateInstalled || next == StateDeleted
	}
	return false
}

// SourcesFor returns every state from which a record may reach next.
func SourcesFor(next State) []State {
	var from []State
	for _, s := range []State{StatePending, StateInstalled, StateError, StateDeleted} {
		if s.CanTransition(next) {
			from = append(from, s)
		}
	}
	return from
}

// GroupByDevice groups records by device id, preserving order within a device.
func GroupByDevice(records []*Record) map[string][]*Record {
	grouped := make(map[string][]*Record)
	for _, r := range records {
		grouped[r.DeviceID] = append(grouped[r.DeviceID], r)
	}
	return grouped
}
