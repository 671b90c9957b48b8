package common

import (
	"github.com/google/uuid"
)

// NewTaskID generates a unique task ID with the "task_" prefix
// Format: task_<uuid>
func NewTaskID() string {
	return "task_" + uuid.New().String()
}

// NewInstanceID generates a unique ID per server start. Clients can compare it
// across reconnects to detect a restart (and therefore lost in-memory state).
func NewInstanceID() string {
	return uuid.New().String()
}
