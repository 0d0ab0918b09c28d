package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/flowkeeper/pkg/flows"
)

// IntentResult is the response to an install or delete request.
type IntentResult struct {
	// Sent is the number of flow messages actually dispatched to devices.
	Sent int `json:"sent"`

	// Records lists the affected record ids per device.
	Records map[string][]string `json:"records"`

	// Devices holds each device's reconcile outcome.
	Devices map[string]DeviceReport `json:"devices"`

	// Failures lists ops that did not reach the device, per device.
	Failures map[string][]OpFailure `json:"failures,omitempty"`
}

// Partial returns a partial-failure error when some devices reported
// failures, nil otherwise.
func (r *IntentResult) Partial() error {
	if len(r.Failures) == 0 {
		return nil
	}
	devices := make([]string, 0, len(r.Failures))
	for d := range r.Failures {
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return NewPartialError(fmt.Sprintf("%d device(s) reported failures", len(devices)), nil).
		WithDetail("devices", devices)
}

// FlowManager is the intent API: it validates requests, persists intent and
// drives reconciliation of the affected devices.
type FlowManager struct {
	store      FlowStore
	tags       TagStore
	gateway    SwitchGateway
	reconciler *Reconciler
	workers    int
	logger     zerolog.Logger
}

// NewFlowManager creates a new flow manager. tags may be nil when device tags
// are not needed.
func NewFlowManager(store FlowStore, tags TagStore, gateway SwitchGateway, reconciler *Reconciler, workers int, logger zerolog.Logger) *FlowManager {
	if workers <= 0 {
		workers = 10
	}

	return &FlowManager{
		store:      store,
		tags:       tags,
		gateway:    gateway,
		reconciler: reconciler,
		workers:    workers,
		logger:     logger.With().Str("component", "flow_manager").Logger(),
	}
}

// Install validates flows, stores them as pending intent for a device and
// reconciles it. A validation failure rejects the whole request and nothing
// is persisted.
func (m *FlowManager) Install(ctx context.Context, deviceID string, fs []flows.Flow) (*IntentResult, error) {
	if deviceID == "" {
		return nil, NewValidationError("device id is required", nil)
	}
	return m.install(ctx, []string{deviceID}, fs)
}

// InstallAll installs flows on every known, enabled device. Intent is stored
// for disconnected devices too; they converge once they connect.
func (m *FlowManager) InstallAll(ctx context.Context, fs []flows.Flow) (*IntentResult, error) {
	devices, err := m.fleet(ctx)
	if err != nil {
		return nil, err
	}
	return m.install(ctx, devices, fs)
}

func (m *FlowManager) install(ctx context.Context, devices []string, fs []flows.Flow) (*IntentResult, error) {
	if len(fs) == 0 {
		return nil, NewValidationError("at least one flow is required", nil)
	}
	if err := flows.ValidateAll(fs); err != nil {
		return nil, NewValidationError("invalid flow", err)
	}
	if err := checkSlots(fs); err != nil {
		return nil, err
	}

	result := newIntentResult()
	for _, deviceID := range devices {
		ids, err := m.store.UpsertFlows(ctx, deviceID, fs)
		if err != nil {
			return nil, NewPermanentError("failed to store flows", err).
				WithDevice(deviceID).
				WithCode(ErrCodeStore)
		}
		result.Records[deviceID] = ids
	}

	m.logger.Info().
		Strs("devices", devices).
		Int("flows", len(fs)).
		Msg("Install intent stored")

	m.reconcile(ctx, devices, result)
	return result, nil
}

// Delete removes flows from a device's intent by identity and reconciles it.
// A nil fs removes every flow of the device. Reserved flows are never stored,
// so they cannot be reached here.
func (m *FlowManager) Delete(ctx context.Context, deviceID string, fs []flows.Flow) (*IntentResult, error) {
	if deviceID == "" {
		return nil, NewValidationError("device id is required", nil)
	}
	return m.delete(ctx, []string{deviceID}, fs)
}

// DeleteAll removes flows from the intent of every device with stored records.
func (m *FlowManager) DeleteAll(ctx context.Context, fs []flows.Flow) (*IntentResult, error) {
	devices, err := m.knownDevices(ctx)
	if err != nil {
		return nil, err
	}
	return m.delete(ctx, devices, fs)
}

func (m *FlowManager) delete(ctx context.Context, devices []string, fs []flows.Flow) (*IntentResult, error) {
	if fs != nil {
		if err := flows.ValidateAll(fs); err != nil {
			return nil, NewValidationError("invalid flow", err)
		}
	}

	result := newIntentResult()
	for _, deviceID := range devices {
		ids, err := m.store.SoftDeleteMatching(ctx, deviceID, fs)
		if err != nil {
			return nil, NewPermanentError("failed to delete flows", err).
				WithDevice(deviceID).
				WithCode(ErrCodeStore)
		}
		result.Records[deviceID] = ids
	}

	m.logger.Info().
		Strs("devices", devices).
		Bool("all", fs == nil).
		Msg("Delete intent stored")

	m.reconcile(ctx, devices, result)
	return result, nil
}

// reconcile drives the affected devices in parallel and folds their reports
// into result.
func (m *FlowManager) reconcile(ctx context.Context, devices []string, result *IntentResult) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for _, deviceID := range devices {
		deviceID := deviceID
		g.Go(func() error {
			report := m.reconciler.Reconcile(gctx, deviceID, ProvisionNone)

			mu.Lock()
			defer mu.Unlock()
			result.Devices[deviceID] = report
			result.Sent += report.Sent
			if len(report.Failures) > 0 {
				result.Failures[deviceID] = report.Failures
			} else if report.Error != "" {
				result.Failures[deviceID] = []OpFailure{{Reason: report.Error}}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ListStored returns stored records grouped by device.
func (m *FlowManager) ListStored(ctx context.Context, filter flows.Filter) (map[string][]*flows.Record, error) {
	for _, s := range filter.States {
		if !s.Valid() {
			return nil, NewValidationError(fmt.Sprintf("unknown state %q", s), nil)
		}
	}

	records, err := m.store.ListFlows(ctx, filter)
	if err != nil {
		return nil, NewPermanentError("failed to list flows", err).WithCode(ErrCodeStore)
	}

	return flows.GroupByDevice(records), nil
}

// ListLive returns the flows currently in table 0 of each device, reserved
// flows included. With no devices given, every connected device is listed.
func (m *FlowManager) ListLive(ctx context.Context, devices []string) (map[string][]flows.Observed, error) {
	if len(devices) == 0 {
		devices = m.gateway.ConnectedDevices()
	}

	live := make(map[string][]flows.Observed, len(devices))
	for _, deviceID := range devices {
		if !m.gateway.Connected(deviceID) {
			continue
		}

		observed, err := m.reconciler.executor.Observe(ctx, deviceID)
		if err != nil {
			return live, err
		}

		table := make([]flows.Observed, 0, len(observed))
		for _, o := range observed {
			if o.TableID == flows.ManagedTable {
				table = append(table, o)
			}
		}
		live[deviceID] = table
	}

	return live, nil
}

// SetTags sets tags on a device. Each key is written independently.
func (m *FlowManager) SetTags(ctx context.Context, deviceID string, tags map[string]string) error {
	if err := m.requireTags(deviceID); err != nil {
		return err
	}
	for k := range tags {
		if k == "" {
			return NewValidationError("tag key must not be empty", nil).WithDevice(deviceID)
		}
	}
	if err := m.tags.SetTags(ctx, deviceID, tags); err != nil {
		return NewPermanentError("failed to set tags", err).WithDevice(deviceID).WithCode(ErrCodeStore)
	}
	return nil
}

// Tags returns every tag of a device.
func (m *FlowManager) Tags(ctx context.Context, deviceID string) (map[string]string, error) {
	if err := m.requireTags(deviceID); err != nil {
		return nil, err
	}
	tags, err := m.tags.Tags(ctx, deviceID)
	if err != nil {
		return nil, NewPermanentError("failed to get tags", err).WithDevice(deviceID).WithCode(ErrCodeStore)
	}
	return tags, nil
}

// DeleteTag removes a tag from a device.
func (m *FlowManager) DeleteTag(ctx context.Context, deviceID, key string) error {
	if err := m.requireTags(deviceID); err != nil {
		return err
	}
	if err := m.tags.DeleteTag(ctx, deviceID, key); err != nil {
		return NewPermanentError("failed to delete tag", err).WithDevice(deviceID).WithCode(ErrCodeNotFound)
	}
	return nil
}

func (m *FlowManager) requireTags(deviceID string) error {
	if m.tags == nil {
		return NewPermanentError("device tags are not configured", nil).WithCode(ErrCodeInternal)
	}
	if deviceID == "" {
		return NewValidationError("device id is required", nil)
	}
	return nil
}

// fleet returns every enabled device known to the topology, the gateway or
// the store.
func (m *FlowManager) fleet(ctx context.Context) ([]string, error) {
	stored, err := m.knownDevices(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	for _, d := range stored {
		set[d] = true
	}
	for _, d := range m.gateway.KnownDevices() {
		set[d] = true
	}
	topo := m.reconciler.topology
	if topo != nil {
		for _, d := range topo.DeviceIDs() {
			set[d] = true
		}
	}

	devices := make([]string, 0, len(set))
	for d := range set {
		if topo != nil && !topo.IsEnabled(d) {
			continue
		}
		devices = append(devices, d)
	}
	sort.Strings(devices)
	return devices, nil
}

func (m *FlowManager) knownDevices(ctx context.Context) ([]string, error) {
	devices, err := m.store.ListDevices(ctx)
	if err != nil {
		return nil, NewPermanentError("failed to list devices", err).WithCode(ErrCodeStore)
	}
	return devices, nil
}

// checkSlots refuses a request holding two identities for one table entry.
func checkSlots(fs []flows.Flow) error {
	keys := make(map[string]string, len(fs))
	for _, f := range fs {
		slot := f.Slot()
		if k, ok := keys[slot]; ok && k != f.Key() {
			return NewValidationError(fmt.Sprintf("flows %s and %s occupy the same entry", k, f.Key()), nil).
				WithDetail("slot", slot)
		}
		keys[slot] = f.Key()
	}
	return nil
}

func newIntentResult() *IntentResult {
	return &IntentResult{
		Records:  make(map[string][]string),
		Devices:  make(map[string]DeviceReport),
		Failures: make(map[string][]OpFailure),
	}
}
