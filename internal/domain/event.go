package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventCycleStarted     EventType = "cycle.started"
	EventCyclePaused      EventType = "cycle.paused"
	EventCycleResumed     EventType = "cycle.resumed"
	EventCycleCompleted   EventType = "cycle.completed"
	EventCycleStopped     EventType = "cycle.stopped"
	EventRoundStarted     EventType = "round.started"
	EventSpeakerSelected  EventType = "speaker.selected"
	EventStreamDelta      EventType = "stream.delta"
	EventMessageFinalized EventType = "message.finalized"
	EventApprovalPending  EventType = "approval.pending"
	EventApprovalResolved EventType = "approval.resolved"
	EventBridgeSubmitted  EventType = "bridge.submitted"
	EventBridgePublished  EventType = "bridge.published"
	EventStateChanged     EventType = "state.changed"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for engine events.
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
