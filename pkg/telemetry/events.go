package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a station lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Station is the name of the station that emitted the event.
	Station string `json:"station"`

	// CycleID is the associated UUT cycle, if applicable.
	CycleID string `json:"cycle_id,omitempty"`

	// Slot is the associated procedure slot, if applicable.
	Slot string `json:"slot,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for station events.
const (
	EventTypeStationState   = "station.state"
	EventTypeCycleStarted   = "cycle.started"
	EventTypeCycleCompleted = "cycle.completed"
	EventTypeSlotFault      = "slot.fault"
	EventTypeQuitRequested  = "station.quit_requested"
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

// EventPublisher manages event publishing and subscriptions. Subscribers
// receive events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
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
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishStationState publishes a station state change.
func (ep *EventPublisher) PublishStationState(station, state string) error {
	return ep.Publish(Event{
		Type:    EventTypeStationState,
		Station: station,
		Message: fmt.Sprintf("Station %s entered %s", station, state),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"state": state,
		},
	})
}

// PublishCycleStarted publishes a cycle started event.
func (ep *EventPublisher) PublishCycleStarted(station, cycleID string) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleStarted,
		Station: station,
		CycleID: cycleID,
		Message: fmt.Sprintf("Cycle %s started", cycleID),
		Level:   EventLevelInfo,
	})
}

// PublishCycleCompleted publishes a cycle completed event.
func (ep *EventPublisher) PublishCycleCompleted(station, cycleID, verdict, reason string, duration time.Duration) error {
	level := EventLevelInfo
	if verdict != "passed" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeCycleCompleted,
		Station: station,
		CycleID: cycleID,
		Message: fmt.Sprintf("Cycle %s completed: %s", cycleID, verdict),
		Level:   level,
		Data: map[string]interface{}{
			"verdict":  verdict,
			"reason":   reason,
			"duration": duration.Seconds(),
		},
	})
}

// PublishSlotFault publishes a procedure fault.
func (ep *EventPublisher) PublishSlotFault(station, cycleID, slot string, err error) error {
	return ep.Publish(Event{
		Type:    EventTypeSlotFault,
		Station: station,
		CycleID: cycleID,
		Slot:    slot,
		Message: fmt.Sprintf("Procedure %s faulted: %v", slot, err),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"error": fmt.Sprint(err),
		},
	})
}

// PublishQuitRequested publishes an accepted voluntary quit.
func (ep *EventPublisher) PublishQuitRequested(station, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeQuitRequested,
		Station: station,
		Message: fmt.Sprintf("Station %s quitting: %s", station, reason),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber. filter may be nil.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all matching subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	entries := append([]subscriberEntry(nil), ep.subscribers...)
	ep.mu.RUnlock()

	for _, entry := range entries {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		func() {
			defer func() {
				_ = recover()
			}()
			entry.subscriber(event)
		}()
	}
}

// Shutdown stops the publisher after delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

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

// FilterByCycleID creates a filter that only allows events of one cycle.
func FilterByCycleID(cycleID string) EventFilter {
	return func(event Event) bool {
		return event.CycleID == cycleID
	}
}
