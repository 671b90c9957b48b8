package handlers

import (
	"context"

	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
	"golang.org/x/time/rate"
)

// SubscribeToEvents attaches the multiplexer to the task:change and notification topics
func (h *WebSocketHandler) SubscribeToEvents() error {
	if h.eventService == nil {
		return nil
	}

	handlers := map[interfaces.EventType]interfaces.EventHandler{
		interfaces.EventTaskChanged:  h.handleTaskChanged,
		interfaces.EventNotification: h.handleNotification,
	}
	for _, eventType := range []interfaces.EventType{interfaces.EventTaskChanged, interfaces.EventNotification} {
		id, err := h.eventService.Subscribe(eventType, handlers[eventType])
		if err != nil {
			h.UnsubscribeFromEvents()
			return err
		}
		h.subscriptions = append(h.subscriptions, subscriptionRef{eventType: eventType, id: id})
	}

	h.logger.Debug().Int("topics", len(h.subscriptions)).Msg("WebSocket handler subscribed to events")
	return nil
}

// UnsubscribeFromEvents detaches from the bus
func (h *WebSocketHandler) UnsubscribeFromEvents() {
	for _, sub := range h.subscriptions {
		_ = h.eventService.Unsubscribe(sub.eventType, sub.id)
	}
	h.subscriptions = nil
}

func (h *WebSocketHandler) handleTaskChanged(ctx context.Context, event interfaces.Event) error {
	var change models.TaskChangeEvent
	switch payload := event.Payload.(type) {
	case models.TaskChangeEvent:
		change = payload
	case *models.TaskChangeEvent:
		if payload == nil {
			return nil
		}
		change = *payload
	default:
		h.logger.Warn().Str("event_type", string(event.Type)).Msg("Unexpected task change payload")
		return nil
	}

	// Unknown task: nobody to deliver to
	task, ok := h.tasks.Get(change.JobID)
	if !ok {
		return nil
	}

	if !h.allowTaskUpdate(change) {
		return nil
	}

	h.deliver(context.WithoutCancel(ctx), task.OwnerID, WSMessage{Type: FrameTaskUpdate, Data: change})
	return nil
}

// allowTaskUpdate applies the optional per-task throttle. Only progress updates
// are dropped; lifecycle events always pass and release the task's limiter.
func (h *WebSocketHandler) allowTaskUpdate(change models.TaskChangeEvent) bool {
	if h.updateInterval <= 0 {
		return true
	}

	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()

	switch change.Event {
	case models.TaskChangeUpdated:
		limiter, ok := h.throttlers[change.JobID]
		if !ok {
			limiter = rate.NewLimiter(rate.Every(h.updateInterval), 1)
			h.throttlers[change.JobID] = limiter
		}
		return limiter.Allow()
	case models.TaskChangeCompleted, models.TaskChangeFailed:
		delete(h.throttlers, change.JobID)
	}
	return true
}

// PruneThrottlers drops limiters whose task the registry no longer knows, and
// limiters that have refilled since a fresh one would admit the same update.
// Returns the number removed.
func (h *WebSocketHandler) PruneThrottlers() int {
	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()

	removed := 0
	for id, limiter := range h.throttlers {
		if _, ok := h.tasks.Get(id); ok && limiter.Tokens() < float64(limiter.Burst()) {
			continue
		}
		delete(h.throttlers, id)
		removed++
	}

	if removed > 0 {
		h.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(h.throttlers)).
			Msg("Pruned task:update throttlers")
	}
	return removed
}

// ThrottlerCount returns the number of live per-task limiters
func (h *WebSocketHandler) ThrottlerCount() int {
	h.throttleMu.Lock()
	defer h.throttleMu.Unlock()
	return len(h.throttlers)
}

func (h *WebSocketHandler) handleNotification(ctx context.Context, event interfaces.Event) error {
	var notification models.Notification
	switch payload := event.Payload.(type) {
	case models.Notification:
		notification = payload
	case *models.Notification:
		if payload == nil {
			return nil
		}
		notification = *payload
	default:
		h.logger.Warn().Str("event_type", string(event.Type)).Msg("Unexpected notification payload")
		return nil
	}

	h.SendNotification(context.WithoutCancel(ctx), notification.OwnerID, notification.Data)
	return nil
}
