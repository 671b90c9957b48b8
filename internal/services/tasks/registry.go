package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/common"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
)

// ErrInvalidRequest is returned by Create when required fields are missing
var ErrInvalidRequest = errors.New("invalid task request")

const (
	logTaskStarted   = "Task started"
	logTaskCompleted = "Task completed"
	logTaskFailed    = "Task failed: "
)

// Service implements interfaces.TaskRegistry.
//
// The in-memory map is the source of truth for live reads. Create persists
// synchronously; every later mutation is handed to the Persister and never waits
// on it. Each mutation publishes a task:change event after the lock is released.
type Service struct {
	tasks        map[string]*models.TaskRecord
	mu           sync.RWMutex
	storage      interfaces.TaskStorage
	persister    *Persister
	eventService interfaces.EventService
	validate     *validator.Validate
	logger       arbor.ILogger
	now          func() time.Time
}

// NewService creates a task registry
func NewService(storage interfaces.TaskStorage, persister *Persister, eventService interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		tasks:        make(map[string]*models.TaskRecord),
		storage:      storage,
		persister:    persister,
		eventService: eventService,
		validate:     validator.New(),
		logger:       logger,
		now:          time.Now,
	}
}

// Create starts tracking a new task. Nothing is retained if validation or the
// durable write fails.
func (s *Service) Create(ctx context.Context, req interfaces.CreateTaskRequest) (*models.TaskRecord, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := s.now()
	record := &models.TaskRecord{
		ID:         common.NewTaskID(),
		OwnerID:    req.OwnerID,
		ScopeID:    req.ScopeID,
		Kind:       req.Kind,
		Status:     models.TaskStatusProcessing,
		Parameters: req.Parameters,
		Progress:   0,
		Log:        []string{logTaskStarted},
		CreatedAt:  now,
		StartedAt:  &now,
	}
	record = record.Clone()

	if err := s.storage.CreateTaskRecord(ctx, record.Clone()); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	s.mu.Lock()
	s.tasks[record.ID] = record
	event := models.NewTaskChangeEvent(models.TaskChangeCreated, record)
	snapshot := record.Clone()
	s.mu.Unlock()

	s.logger.Info().
		Str("task_id", record.ID).
		Str("owner_id", record.OwnerID).
		Str("kind", record.Kind).
		Msg("Task created")

	s.publish(ctx, event)
	return snapshot, nil
}

// UpdateProgress sets progress and optionally appends one log line. Unknown and
// terminal tasks are ignored.
func (s *Service) UpdateProgress(ctx context.Context, id string, progress int, logLine string) {
	s.mu.Lock()
	record, ok := s.mutable(id, "update", "")
	if !ok {
		s.mu.Unlock()
		return
	}

	clamped := clampProgress(progress)
	if clamped != progress {
		s.logger.Debug().
			Str("task_id", id).
			Int("progress", progress).
			Int("clamped", clamped).
			Msg("Progress out of range, clamped")
	}
	if clamped < record.Progress {
		s.logger.Warn().
			Str("task_id", id).
			Int("previous", record.Progress).
			Int("progress", clamped).
			Msg("Progress decreased")
	}

	record.Progress = clamped
	if logLine != "" {
		record.Log = append(record.Log, logLine)
	}

	s.persister.Dispatch(models.TaskDelta{
		ID:        id,
		Progress:  &clamped,
		AppendLog: logLine,
	})
	event := models.NewTaskChangeEvent(models.TaskChangeUpdated, record)
	s.mu.Unlock()

	s.publish(ctx, event)
}

// Complete marks a task completed with its result
func (s *Service) Complete(ctx context.Context, id string, result map[string]interface{}) {
	s.mu.Lock()
	record, ok := s.mutable(id, "complete", models.TaskStatusCompleted)
	if !ok {
		s.mu.Unlock()
		return
	}

	completedAt := s.now()
	status := models.TaskStatusCompleted
	progress := 100

	record.Status = status
	record.Progress = progress
	record.Result = cloneResult(result)
	record.CompletedAt = &completedAt
	record.Log = append(record.Log, logTaskCompleted)

	s.persister.Dispatch(models.TaskDelta{
		ID:          id,
		Progress:    &progress,
		Status:      &status,
		Result:      cloneResult(result),
		CompletedAt: &completedAt,
		AppendLog:   logTaskCompleted,
	})
	event := models.NewTaskChangeEvent(models.TaskChangeCompleted, record)
	duration := completedAt.Sub(record.CreatedAt)
	s.mu.Unlock()

	s.logger.Info().
		Str("task_id", id).
		Dur("duration", duration).
		Msg("Task completed")

	s.publish(ctx, event)
}

// Fail marks a task failed with an error message
func (s *Service) Fail(ctx context.Context, id string, errorMessage string) {
	s.mu.Lock()
	record, ok := s.mutable(id, "fail", models.TaskStatusFailed)
	if !ok {
		s.mu.Unlock()
		return
	}

	completedAt := s.now()
	status := models.TaskStatusFailed
	logLine := logTaskFailed + errorMessage

	record.Status = status
	record.ErrorMessage = errorMessage
	record.CompletedAt = &completedAt
	record.Log = append(record.Log, logLine)

	s.persister.Dispatch(models.TaskDelta{
		ID:           id,
		Status:       &status,
		ErrorMessage: &errorMessage,
		CompletedAt:  &completedAt,
		AppendLog:    logLine,
	})
	event := models.NewTaskChangeEvent(models.TaskChangeFailed, record)
	s.mu.Unlock()

	s.logger.Warn().
		Str("task_id", id).
		Str("error", errorMessage).
		Msg("Task failed")

	s.publish(ctx, event)
}

// mutable returns the record for id if it exists and may move to next. An empty
// next keeps the current status, which only non-terminal records allow. Caller holds s.mu.
func (s *Service) mutable(id, op string, next models.TaskStatus) (*models.TaskRecord, bool) {
	record, ok := s.tasks[id]
	if !ok {
		s.logger.Debug().Str("task_id", id).Str("op", op).Msg("Unknown task, ignoring")
		return nil, false
	}

	permitted := !record.Status.IsTerminal()
	if next != "" {
		permitted = record.Status.CanTransitionTo(next)
	}
	if !permitted {
		s.logger.Debug().
			Str("task_id", id).
			Str("op", op).
			Str("status", string(record.Status)).
			Str("next", string(next)).
			Msg("Transition not permitted, ignoring")
		return nil, false
	}
	return record, true
}

func (s *Service) publish(ctx context.Context, event models.TaskChangeEvent) {
	err := s.eventService.Publish(ctx, interfaces.Event{
		Type:    interfaces.EventTaskChanged,
		Payload: event,
	})
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("task_id", event.JobID).
			Str("event", string(event.Event)).
			Msg("Task change delivery reported errors")
	}
}

// Get returns a copy of the task's current state
func (s *Service) Get(id string) (*models.TaskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// ListByOwner returns copies of the owner's tasks, oldest first
func (s *Service) ListByOwner(ownerID string) []*models.TaskRecord {
	return s.list(func(t *models.TaskRecord) bool { return t.OwnerID == ownerID })
}

// ListByScope returns copies of the scope's tasks, oldest first
func (s *Service) ListByScope(scopeID string) []*models.TaskRecord {
	return s.list(func(t *models.TaskRecord) bool { return t.ScopeID == scopeID })
}

func (s *Service) list(match func(*models.TaskRecord) bool) []*models.TaskRecord {
	s.mu.RLock()
	out := make([]*models.TaskRecord, 0)
	for _, record := range s.tasks {
		if match(record) {
			out = append(out, record.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreated(out)
	return out
}

// Evict drops terminal tasks that completed more than olderThan ago and returns the count
func (s *Service) Evict(olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, record := range s.tasks {
		if !record.Status.IsTerminal() || record.CompletedAt == nil {
			continue
		}
		if record.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			evicted++
		}
	}
	return evicted
}

// StaleProcessing returns copies of tasks still processing that started more than olderThan ago
func (s *Service) StaleProcessing(olderThan time.Duration) []*models.TaskRecord {
	cutoff := s.now().Add(-olderThan)

	return s.list(func(t *models.TaskRecord) bool {
		return t.Status == models.TaskStatusProcessing && t.StartedAt != nil && t.StartedAt.Before(cutoff)
	})
}

// Count returns the number of tasks held in memory
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

func cloneResult(result map[string]interface{}) map[string]interface{} {
	if result == nil {
		return nil
	}
	out := make(map[string]interface{}, len(result))
	for k, v := range result {
		out[k] = v
	}
	return out
}

func sortByCreated(records []*models.TaskRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

var _ interfaces.TaskRegistry = (*Service)(nil)
