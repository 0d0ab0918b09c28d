package stores

import (
	"context"
	"time"

	"github.com/openfroyo/flowkeeper/pkg/engine"
	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// ReconcileEvent is one device's row of a sweep summary in the append-only log.
type ReconcileEvent struct {
	ID          int64     `json:"id"`
	SweepID     string    `json:"sweep_id"`
	Reason      string    `json:"reason"`
	DeviceID    string    `json:"device_id"`
	Added       int       `json:"added"`
	Removed     int       `json:"removed"`
	Unchanged   int       `json:"unchanged"`
	Failed      int       `json:"failed"`
	Provisioned int       `json:"provisioned"`
	Skipped     bool      `json:"skipped"`
	Detail      string    `json:"detail,omitempty"` // skip reason or error text
	Timestamp   time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.FlowStore
	engine.TagStore
	engine.SweepObserver

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Flow lookups beyond the engine contract
	GetFlow(ctx context.Context, id string) (*flows.Record, error)
	SoftDeleteFlow(ctx context.Context, id string) error

	// Event operations
	AppendEvent(ctx context.Context, event *ReconcileEvent) error
	ListEvents(ctx context.Context, deviceID *string, limit, offset int) ([]*ReconcileEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
