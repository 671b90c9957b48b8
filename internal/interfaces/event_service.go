package interfaces

import "context"

// EventType represents different event types in the system
type EventType string

const (
	// EventTaskChanged carries a models.TaskChangeEvent for every registry mutation
	EventTaskChanged EventType = "task:change"

	// EventNotification carries a models.Notification addressed to one owner
	EventNotification EventType = "notification"
)

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// SubscriptionID identifies a subscription for later removal
type SubscriptionID uint64

// EventService manages the in-process pub/sub event bus.
//
// Publish invokes every handler subscribed at emission time, synchronously and in
// subscription order, on the publishing goroutine. Handlers subscribed after Publish
// starts do not see that event. There is no buffering and no replay.
type EventService interface {
	// Subscribe to an event type
	Subscribe(eventType EventType, handler EventHandler) (SubscriptionID, error)

	// Unsubscribe removes a subscription
	Unsubscribe(eventType EventType, id SubscriptionID) error

	// Publish delivers an event to all current subscribers before returning
	Publish(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
