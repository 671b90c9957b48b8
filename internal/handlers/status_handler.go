package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/taskpulse/internal/common"
)

// TaskCounter reports how many tasks are held in memory
type TaskCounter interface {
	Count() int
}

// StatusHandler serves GET /health
type StatusHandler struct {
	tasks     TaskCounter
	ws        *WebSocketHandler
	startedAt time.Time
}

// NewStatusHandler creates a health handler
func NewStatusHandler(tasks TaskCounter, ws *WebSocketHandler) *StatusHandler {
	return &StatusHandler{
		tasks:     tasks,
		ws:        ws,
		startedAt: time.Now(),
	}
}

// HealthHandler returns liveness plus in-memory counts
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    common.GetVersion(),
		"instanceId": h.ws.InstanceID(),
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
		"tasks":      h.tasks.Count(),
		"owners":     h.ws.OwnerCount(),
		"channels":   h.ws.TotalChannels(),
		"goroutines": common.GetGoroutineCount(),
	})
}
