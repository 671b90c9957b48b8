package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/taskpulse/internal/models"
)

// ErrTaskNotFound is returned when a task id is unknown to a store or registry
var ErrTaskNotFound = errors.New("task not found")

// TaskStorage is the persistence shadow of the task registry.
//
// The registry only ever calls CreateTaskRecord and UpdateTaskRecord; it never reads
// the shadow back. GetTaskRecord exists for tooling and tests.
type TaskStorage interface {
	CreateTaskRecord(ctx context.Context, task *models.TaskRecord) error
	UpdateTaskRecord(ctx context.Context, delta models.TaskDelta) error
	GetTaskRecord(ctx context.Context, id string) (*models.TaskRecord, error)

	// PurgeExpired removes records created before cutoff and returns how many were removed
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
