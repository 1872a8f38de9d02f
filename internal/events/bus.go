package events

import (
	"sync"
	"time"
)

// EventType represents different types of events emitted by the execution core
type EventType string

const (
	EventTickRejected     EventType = "TICK_REJECTED"
	EventIndicatorUpdate  EventType = "INDICATOR_UPDATE"
	EventSignalDetected   EventType = "SIGNAL_DETECTED"
	EventStateTransition  EventType = "STATE_TRANSITION"
	EventOrderSubmitted   EventType = "ORDER_SUBMITTED"
	EventOrderRetrying    EventType = "ORDER_RETRYING"
	EventOrderFilled      EventType = "ORDER_FILLED"
	EventOrderCancelled   EventType = "ORDER_CANCELLED"
	EventOrderFailed      EventType = "ORDER_FAILED"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventPositionDetected EventType = "POSITION_DETECTED"
	EventPositionUpdate   EventType = "POSITION_UPDATE"
	EventPositionClosed   EventType = "POSITION_CLOSED"
	EventRiskAlert        EventType = "RISK_ALERT"
	EventBreakerTripped   EventType = "BREAKER_TRIPPED"
	EventBreakerReset     EventType = "BREAKER_RESET"
	EventSourceDegraded   EventType = "SOURCE_DEGRADED"
	EventSourceRecovered  EventType = "SOURCE_RECOVERED"
	EventSessionStarted   EventType = "SESSION_STARTED"
	EventSessionStopped   EventType = "SESSION_STOPPED"
	EventConsistencyError EventType = "CONSISTENCY_ERROR"
)

// Event represents a discrete occurrence in the execution core. Events are
// fire-and-forget: publishers never wait for consumers.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery happens on separate
// goroutines so a slow consumer can never stall tick processing or order flow.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishStateTransition publishes a state machine transition event
func (b *Bus) PublishStateTransition(sessionID, symbol, strategyID, from, to, trigger string) {
	b.Publish(Event{
		Type:      EventStateTransition,
		SessionID: sessionID,
		Symbol:    symbol,
		Data: map[string]interface{}{
			"strategy_id": strategyID,
			"from":        from,
			"to":          to,
			"trigger":     trigger,
		},
	})
}

// PublishOrderEvent publishes an order lifecycle event
func (b *Bus) PublishOrderEvent(eventType EventType, sessionID, symbol, orderID, status string, fields map[string]interface{}) {
	data := map[string]interface{}{
		"order_id": orderID,
		"status":   status,
	}
	for k, v := range fields {
		data[k] = v
	}
	b.Publish(Event{
		Type:      eventType,
		SessionID: sessionID,
		Symbol:    symbol,
		Data:      data,
	})
}

// PublishRiskAlert publishes a risk alert event
func (b *Bus) PublishRiskAlert(sessionID, symbol, reason string, fields map[string]interface{}) {
	data := map[string]interface{}{
		"reason": reason,
	}
	for k, v := range fields {
		data[k] = v
	}
	b.Publish(Event{
		Type:      EventRiskAlert,
		SessionID: sessionID,
		Symbol:    symbol,
		Data:      data,
	})
}

// PublishTickRejected publishes a malformed-tick rejection event
func (b *Bus) PublishTickRejected(symbol, reason string) {
	b.Publish(Event{
		Type:   EventTickRejected,
		Symbol: symbol,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}
