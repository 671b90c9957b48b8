package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/taskpulse/internal/models"
)

// CreateTaskRequest carries the immutable inputs of a new task
type CreateTaskRequest struct {
	OwnerID    string                 `json:"ownerId" validate:"required"`
	ScopeID    string                 `json:"scopeId" validate:"required"`
	Kind       string                 `json:"kind" validate:"required"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TaskReader serves task state from memory only
type TaskReader interface {
	Get(id string) (*models.TaskRecord, bool)
	ListByOwner(ownerID string) []*models.TaskRecord
	ListByScope(scopeID string) []*models.TaskRecord
}

// TaskRegistry is the authoritative process-wide owner of in-flight task state.
// Only Create can fail; every other mutation is best-effort and silently ignores
// unknown or terminal tasks.
type TaskRegistry interface {
	TaskReader

	Create(ctx context.Context, req CreateTaskRequest) (*models.TaskRecord, error)
	UpdateProgress(ctx context.Context, id string, progress int, logLine string)
	Complete(ctx context.Context, id string, result map[string]interface{})
	Fail(ctx context.Context, id string, errorMessage string)

	// Evict removes terminal tasks completed before now-olderThan
	Evict(olderThan time.Duration) int

	// StaleProcessing reports processing tasks started before now-olderThan
	StaleProcessing(olderThan time.Duration) []*models.TaskRecord

	Count() int
}
