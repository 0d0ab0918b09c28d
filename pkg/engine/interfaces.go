package engine

import (
	"context"

	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// FlowStore persists flow intent. Every method touches one record at a time
// so concurrent callers never lose each other's updates.
type FlowStore interface {
	// UpsertFlows stores flows as pending intent for a device and returns the
	// record ids in input order. A flow whose identity matches a live record
	// updates that record instead of creating a new one.
	UpsertFlows(ctx context.Context, deviceID string, fs []flows.Flow) ([]string, error)

	// ListFlows returns records ordered by device, then insertion order.
	ListFlows(ctx context.Context, filter flows.Filter) ([]*flows.Record, error)

	// SetFlowState moves a record to a new state. Transitions that would move
	// a record backwards fail with flows.ErrInvalidTransition.
	SetFlowState(ctx context.Context, id string, state flows.State, errMsg string) error

	// SoftDeleteMatching marks the live records of a device that share an
	// identity with one of fs as deleted. A nil fs selects every live record.
	SoftDeleteMatching(ctx context.Context, deviceID string, fs []flows.Flow) ([]string, error)

	// ListDevices returns every device that has records.
	ListDevices(ctx context.Context) ([]string, error)
}

// TagStore keeps free-form key/value tags per device.
type TagStore interface {
	SetTags(ctx context.Context, deviceID string, tags map[string]string) error
	Tags(ctx context.Context, deviceID string) (map[string]string, error)
	DeleteTag(ctx context.Context, deviceID, key string) error
}

// SwitchGateway is the engine's view of the southbound protocol layer.
type SwitchGateway interface {
	// Connected reports whether the device currently has a live session.
	Connected(deviceID string) bool

	// ConnectedDevices lists every device with a live session.
	ConnectedDevices() []string

	// KnownDevices lists every device the gateway manages, connected or not.
	KnownDevices() []string

	// Apply sends a batch of flow operations to a device in one exchange.
	// A non-nil error means the exchange itself failed (unreachable, timed
	// out) and nothing can be assumed about the device. Otherwise the
	// returned slice has one entry per op: nil when applied, the device's
	// rejection reason otherwise.
	Apply(ctx context.Context, deviceID string, ops []FlowOp) ([]error, error)

	// Dump returns every flow currently installed on the device, all tables.
	Dump(ctx context.Context, deviceID string) ([]flows.Observed, error)

	// Events delivers connect, disconnect and flow-removed notifications.
	Events() <-chan DeviceEvent
}

// Topology answers administrative questions about devices. The engine never
// writes to it.
type Topology interface {
	// IsEnabled reports whether the device is administratively enabled.
	IsEnabled(deviceID string) bool

	// DeviceIDs lists every declared device.
	DeviceIDs() []string

	// Neighbors returns the colours of the devices linked to deviceID, one per
	// neighbour, used to build the topology-coloring flows.
	Neighbors(deviceID string) []string
}

// SweepObserver receives a summary after each sweep.
type SweepObserver interface {
	ObserveSweep(ctx context.Context, summary SweepSummary) error
}
