package events

import (
	"sync"
	"time"

	"signal-executor/internal/logging"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalReceived  EventType = "SIGNAL_RECEIVED"
	EventPositionOpened  EventType = "POSITION_OPENED"
	EventPositionClosed  EventType = "POSITION_CLOSED"
	EventStopUpdated     EventType = "STOP_UPDATED"
	EventExecutionLogged EventType = "EXECUTION_LOGGED"
	EventSourceTripped   EventType = "PRICE_SOURCE_TRIPPED"
	EventCloseSuppressed EventType = "CLOSE_SUPPRESSED"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Payload   interface{}            `json:"-"` // typed value for in-process subscribers
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
	inflight    sync.WaitGroup
	closed      bool
	logger      *logging.Logger
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
		logger:      logging.Discard(),
	}
}

// SetLogger sets where subscriber panics are reported
func (eb *EventBus) SetLogger(logger *logging.Logger) {
	if logger == nil {
		return
	}
	eb.mu.Lock()
	eb.logger = logger.WithComponent("events")
	eb.mu.Unlock()
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Handlers run in their own
// goroutines; events published after Close are dropped.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		eb.dispatch(sub, event)
	}
	for _, sub := range eb.allSubs {
		eb.dispatch(sub, event)
	}
}

// dispatch runs sub in its own goroutine. Caller holds mu.
func (eb *EventBus) dispatch(sub Subscriber, event Event) {
	logger := eb.logger
	eb.inflight.Add(1)
	go func() {
		defer eb.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic recovered in event subscriber",
					"event_type", event.Type, "panic", r)
			}
		}()
		sub(event)
	}()
}

// Close stops accepting events and waits for running handlers to finish
func (eb *EventBus) Close() {
	eb.mu.Lock()
	eb.closed = true
	eb.mu.Unlock()

	eb.inflight.Wait()
}

// PublishSignalReceived publishes a validated signal for dispatch
func (eb *EventBus) PublishSignalReceived(signalID, symbol, direction string, payload interface{}) {
	eb.Publish(Event{
		Type: EventSignalReceived,
		Data: map[string]interface{}{
			"signal_id": signalID,
			"symbol":    symbol,
			"direction": direction,
		},
		Payload: payload,
	})
}

// PublishPositionOpened publishes a position created by the executor
func (eb *EventBus) PublishPositionOpened(positionID, userID, symbol, side, status string, entryPrice, size float64) {
	eb.Publish(Event{
		Type: EventPositionOpened,
		Data: map[string]interface{}{
			"position_id": positionID,
			"user_id":     userID,
			"symbol":      symbol,
			"side":        side,
			"status":      status,
			"entry_price": entryPrice,
			"size":        size,
		},
	})
}

// PublishPositionClosed publishes a position closure
func (eb *EventBus) PublishPositionClosed(positionID, userID, symbol, reason string, exitPrice, pnl float64) {
	eb.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"position_id": positionID,
			"user_id":     userID,
			"symbol":      symbol,
			"reason":      reason,
			"exit_price":  exitPrice,
			"pnl":         pnl,
		},
	})
}

// PublishStopUpdated publishes a break-even or trailing stop ratchet
func (eb *EventBus) PublishStopUpdated(positionID, symbol string, oldStop, newStop float64, modifications []string) {
	eb.Publish(Event{
		Type: EventStopUpdated,
		Data: map[string]interface{}{
			"position_id":   positionID,
			"symbol":        symbol,
			"old_stop":      oldStop,
			"new_stop":      newStop,
			"modifications": modifications,
		},
	})
}

// PublishCloseSuppressed publishes a close skipped for low price confidence
func (eb *EventBus) PublishCloseSuppressed(positionID, symbol string, price, confidence float64) {
	eb.Publish(Event{
		Type: EventCloseSuppressed,
		Data: map[string]interface{}{
			"position_id": positionID,
			"symbol":      symbol,
			"price":       price,
			"confidence":  confidence,
		},
	})
}

// PublishSourceTripped publishes a price source circuit trip
func (eb *EventBus) PublishSourceTripped(source, reason string) {
	eb.Publish(Event{
		Type: EventSourceTripped,
		Data: map[string]interface{}{
			"source": source,
			"reason": reason,
		},
	})
}
