package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
)

const maxNotificationBody = 1 << 20

// TaskHandler serves the read-only task API and accepts notifications
type TaskHandler struct {
	tasks        interfaces.TaskReader
	eventService interfaces.EventService
	validate     *validator.Validate
	logger       arbor.ILogger
}

// NewTaskHandler creates a task API handler
func NewTaskHandler(tasks interfaces.TaskReader, eventService interfaces.EventService, logger arbor.ILogger) *TaskHandler {
	return &TaskHandler{
		tasks:        tasks,
		eventService: eventService,
		validate:     validator.New(),
		logger:       logger,
	}
}

// GetTaskHandler handles GET /api/tasks/{id}
func (h *TaskHandler) GetTaskHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "task id is required")
		return
	}

	task, ok := h.tasks.Get(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "task not found")
		return
	}

	WriteJSON(w, http.StatusOK, task)
}

// ListTasksHandler handles GET /api/tasks?ownerId= or ?scopeId=
func (h *TaskHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	var tasks []*models.TaskRecord
	switch {
	case query.Get("ownerId") != "":
		tasks = h.tasks.ListByOwner(query.Get("ownerId"))
	case query.Get("scopeId") != "":
		tasks = h.tasks.ListByScope(query.Get("scopeId"))
	default:
		WriteError(w, http.StatusBadRequest, "ownerId or scopeId is required")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// NotificationHandler handles POST /api/notifications
func (h *TaskHandler) NotificationHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var notification models.Notification
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationBody))
	if err := decoder.Decode(&notification); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(notification); err != nil {
		WriteError(w, http.StatusBadRequest, "ownerId is required")
		return
	}

	event := interfaces.Event{Type: interfaces.EventNotification, Payload: notification}
	if err := h.eventService.Publish(r.Context(), event); err != nil {
		h.logger.Warn().Err(err).Str("owner_id", notification.OwnerID).Msg("Notification delivery reported errors")
	}

	WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":  "accepted",
		"ownerId": notification.OwnerID,
	})
}
