package engine

import (
	"time"

	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// OpType is the kind of message sent to a device for one flow.
type OpType string

const (
	// OpAdd installs a flow (OpenFlow FlowMod ADD).
	OpAdd OpType = "add"

	// OpDelete removes exactly the given flow (OpenFlow FlowMod DELETE_STRICT).
	OpDelete OpType = "delete"
)

// FlowOp is a single operation in a batch sent to a device.
type FlowOp struct {
	Type OpType     `json:"type"`
	Flow flows.Flow `json:"flow"`

	// RecordID links the op to the stored record it realises. Empty for ops
	// that remove flows unknown to the store.
	RecordID string `json:"record_id,omitempty"`
}

// DeviceEventType identifies a gateway notification.
type DeviceEventType string

const (
	DeviceConnected    DeviceEventType = "connect"
	DeviceDisconnected DeviceEventType = "disconnect"
	DeviceFlowRemoved  DeviceEventType = "flow_removed"
)

// RemovedReason is why a device removed a flow on its own.
type RemovedReason string

const (
	RemovedIdleTimeout RemovedReason = "idle_timeout"
	RemovedHardTimeout RemovedReason = "hard_timeout"
	RemovedDelete      RemovedReason = "delete"
	RemovedGroupDelete RemovedReason = "group_delete"
)

// Expired reports whether the flow lapsed by its own timeouts.
func (r RemovedReason) Expired() bool {
	return r == RemovedIdleTimeout || r == RemovedHardTimeout
}

// DeviceEvent is a notification from the gateway.
type DeviceEvent struct {
	Type      DeviceEventType `json:"type"`
	DeviceID  string          `json:"device_id"`
	Flow      *flows.Flow     `json:"flow,omitempty"`
	Reason    RemovedReason   `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// OpFailure describes one op that did not reach the desired outcome.
type OpFailure struct {
	RecordID string `json:"record_id,omitempty"`
	Op       OpType `json:"op"`
	Key      string `json:"key"`
	Reason   string `json:"reason"`
}

// BatchReport is the outcome of executing a batch on one device.
type BatchReport struct {
	DeviceID string `json:"device_id"`

	// Sent is the number of messages dispatched to the device in the
	// exchange that was finally accepted.
	Sent int `json:"sent"`

	// Attempts is the number of exchanges tried.
	Attempts int `json:"attempts"`

	// Results holds one entry per op: nil when applied.
	Results []error `json:"-"`

	Failures []OpFailure `json:"failures,omitempty"`

	// Err is set when the batch never got through (retries exhausted).
	Err error `json:"-"`
}

// Succeeded reports whether op i was applied.
func (r *BatchReport) Succeeded(i int) bool {
	return r.Err == nil && i < len(r.Results) && r.Results[i] == nil
}

// FleetReport aggregates batch reports across devices.
type FleetReport struct {
	Sent    int                     `json:"sent"`
	Devices map[string]*BatchReport `json:"devices"`
}

// Failures returns the failures per device, omitting devices without any.
func (r *FleetReport) Failures() map[string][]OpFailure {
	out := make(map[string][]OpFailure)
	for id, b := range r.Devices {
		if len(b.Failures) > 0 {
			out[id] = b.Failures
		}
	}
	return out
}

// DeviceReport is one device's outcome within a sweep.
type DeviceReport struct {
	DeviceID    string        `json:"device_id"`
	Added       int           `json:"added"`
	Removed     int           `json:"removed"`
	Unchanged   int           `json:"unchanged"`
	Failed      int           `json:"failed"`
	Provisioned int           `json:"provisioned"`
	Sent        int           `json:"sent"`
	Skipped     bool          `json:"skipped"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	Failures    []OpFailure   `json:"failures,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Skip reasons reported in DeviceReport.
const (
	SkipDisabled     = "disabled"
	SkipDisconnected = "disconnected"
)

// SweepSummary is what a sweep reports to observers.
type SweepSummary struct {
	ID        string         `json:"id"`
	Reason    string         `json:"reason"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Devices   []DeviceReport `json:"devices"`
}

// Totals sums the per-device counters.
func (s SweepSummary) Totals() DeviceReport {
	var t DeviceReport
	for _, d := range s.Devices {
		t.Added += d.Added
		t.Removed += d.Removed
		t.Unchanged += d.Unchanged
		t.Failed += d.Failed
		t.Provisioned += d.Provisioned
		t.Sent += d.Sent
		if d.Skipped {
			t.Skipped = true
		}
	}
	return t
}

// Sweep reasons.
const (
	ReasonInterval = "interval"
	ReasonConnect  = "connect"
	ReasonRemoved  = "flow_removed"
	ReasonIntent   = "intent"
	ReasonManual   = "manual"
	ReasonFollowUp = "follow_up"
	ReasonStartup  = "startup"
)

// RetryPolicy bounds device I/O.
type RetryPolicy struct {
	// MaxAttempts is the number of exchanges tried before giving up.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseDelay is the first backoff delay; it doubles on each retry.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// AckTimeout bounds a single exchange.
	AckTimeout time.Duration `json:"ack_timeout" yaml:"ack_timeout"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		AckTimeout:  5 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.AckTimeout <= 0 {
		p.AckTimeout = d.AckTimeout
	}
	return p
}
