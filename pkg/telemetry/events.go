package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/flowkeeper/pkg/engine"
)

// Event represents a telemetry event in flowkeeper.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// SweepID is the associated sweep, if applicable.
	SweepID string `json:"sweep_id,omitempty"`

	// DeviceID is the associated device, if applicable.
	DeviceID string `json:"device_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeSweepCompleted     = "sweep.completed"
	EventTypeDeviceReconciled   = "device.reconciled"
	EventTypeDeviceFailed       = "device.failed"
	EventTypeDeviceConnected    = "device.connected"
	EventTypeDeviceDisconnected = "device.disconnected"
	EventTypeFlowRemoved        = "flow.removed"
	EventTypeIntentApplied      = "intent.applied"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishSweepCompleted publishes a sweep summary and one event per device
// that changed or failed.
func (ep *EventPublisher) PublishSweepCompleted(summary engine.SweepSummary) error {
	totals := summary.Totals()
	level := EventLevelInfo
	if totals.Failed > 0 {
		level = EventLevelWarning
	}

	err := ep.Publish(Event{
		Type:    EventTypeSweepCompleted,
		Source:  "sweep",
		SweepID: summary.ID,
		Message: fmt.Sprintf("Sweep %s (%s) reconciled %d device(s)", summary.ID, summary.Reason, len(summary.Devices)),
		Level:   level,
		Data: map[string]interface{}{
			"reason":   summary.Reason,
			"added":    totals.Added,
			"removed":  totals.Removed,
			"failed":   totals.Failed,
			"duration": summary.Duration.Seconds(),
		},
	})
	if err != nil {
		return err
	}

	for _, d := range summary.Devices {
		if d.Skipped || (d.Added == 0 && d.Removed == 0 && d.Failed == 0 && d.Error == "") {
			continue
		}
		if err := ep.PublishDeviceReport(summary.ID, d); err != nil {
			return err
		}
	}
	return nil
}

// PublishDeviceReport publishes the outcome of one device reconciliation.
func (ep *EventPublisher) PublishDeviceReport(sweepID string, r engine.DeviceReport) error {
	event := Event{
		Type:     EventTypeDeviceReconciled,
		Source:   "reconciler",
		SweepID:  sweepID,
		DeviceID: r.DeviceID,
		Message:  fmt.Sprintf("Device %s reconciled: %d added, %d removed", r.DeviceID, r.Added, r.Removed),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"added":    r.Added,
			"removed":  r.Removed,
			"sent":     r.Sent,
			"duration": r.Duration.Seconds(),
		},
	}

	if r.Error != "" || r.Failed > 0 {
		event.Type = EventTypeDeviceFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("Device %s reconcile failed: %d op(s) failed", r.DeviceID, r.Failed)
		event.Data["failed"] = r.Failed
		if r.Error != "" {
			event.Data["error"] = r.Error
		}
	}

	return ep.Publish(event)
}

// PublishDeviceEvent publishes a gateway notification.
func (ep *EventPublisher) PublishDeviceEvent(ev engine.DeviceEvent) error {
	event := Event{
		Source:    "gateway",
		DeviceID:  ev.DeviceID,
		Timestamp: ev.Timestamp,
		Level:     EventLevelInfo,
	}

	switch ev.Type {
	case engine.DeviceConnected:
		event.Type = EventTypeDeviceConnected
		event.Message = fmt.Sprintf("Device %s connected", ev.DeviceID)
	case engine.DeviceDisconnected:
		event.Type = EventTypeDeviceDisconnected
		event.Message = fmt.Sprintf("Device %s disconnected", ev.DeviceID)
		event.Level = EventLevelWarning
	case engine.DeviceFlowRemoved:
		event.Type = EventTypeFlowRemoved
		event.Message = fmt.Sprintf("Device %s removed a flow (%s)", ev.DeviceID, ev.Reason)
		event.Data = map[string]interface{}{"reason": string(ev.Reason)}
		if ev.Flow != nil {
			event.Data["flow"] = ev.Flow.Key()
		}
	default:
		return fmt.Errorf("unknown device event type %q", ev.Type)
	}

	return ep.Publish(event)
}

// PublishIntentApplied publishes the result of an install or delete request.
func (ep *EventPublisher) PublishIntentApplied(action string, result *engine.IntentResult) error {
	level := EventLevelInfo
	if len(result.Failures) > 0 {
		level = EventLevelWarning
	}

	devices := make([]string, 0, len(result.Devices))
	for d := range result.Devices {
		devices = append(devices, d)
	}
	sort.Strings(devices)

	return ep.Publish(Event{
		Type:    EventTypeIntentApplied,
		Source:  "flow_manager",
		Message: fmt.Sprintf("%s sent %d flow message(s) to %d device(s)", action, result.Sent, len(devices)),
		Level:   level,
		Data: map[string]interface{}{
			"action":         action,
			"sent":           result.Sent,
			"devices":        devices,
			"failed_devices": len(result.Failures),
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents delivers buffered events in batches. A batch is flushed
// when it is full or when the buffer runs dry.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				ep.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ep.ctx.Done():
			// Drain what is left before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					ep.flushBatch(batch)
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers, in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// LogEvents returns a subscriber writing each event to logger at the
// event's level.
func LogEvents(logger zerolog.Logger) EventSubscriber {
	return func(e Event) {
		var entry *zerolog.Event
		switch e.Level {
		case EventLevelError:
			entry = logger.Error()
		case EventLevelWarning:
			entry = logger.Warn()
		default:
			entry = logger.Info()
		}

		entry = entry.Str("event_id", e.ID).Str("type", e.Type).Str("source", e.Source)
		if e.SweepID != "" {
			entry = entry.Str("sweep_id", e.SweepID)
		}
		if e.DeviceID != "" {
			entry = entry.Str("device_id", e.DeviceID)
		}
		if len(e.Data) > 0 {
			entry = entry.Fields(e.Data)
		}
		entry.Time("event_time", e.Timestamp).Msg(e.Message)
	}
}

// Common event filters.

// MatchAll combines filters; an event must pass every one. Nil filters are
// ignored.
func MatchAll(filters ...EventFilter) EventFilter {
	return func(event Event) bool {
		for _, f := range filters {
			if f != nil && !f(event) {
				return false
			}
		}
		return true
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByDevice creates a filter that only allows events for a specific device.
func FilterByDevice(deviceID string) EventFilter {
	return func(event Event) bool {
		return event.DeviceID == deviceID
	}
}
