package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventInstanceSpawned   EventType = "instance.spawned"
	EventInstanceDestroyed EventType = "instance.destroyed"
	EventInstanceReaped    EventType = "instance.reaped"

	EventBackendRegistered   EventType = "backend.registered"
	EventBreakerChanged      EventType = "backend.breaker"
	EventBackendAvailability EventType = "backend.availability"

	EventFallbackAttempt   EventType = "fallback.attempt"
	EventFallbackExhausted EventType = "fallback.exhausted"

	EventRemoteStatus     EventType = "remote.status"
	EventRemoteDiscovered EventType = "remote.discovered"

	EventDaemonTaskStarted   EventType = "daemon.task.started"
	EventDaemonTaskCompleted EventType = "daemon.task.completed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	ChannelID string          `json:"channel_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a JSON-encoded payload. A payload that
// cannot be encoded is dropped.
func NewEvent(t EventType, channelID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), ChannelID: channelID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
