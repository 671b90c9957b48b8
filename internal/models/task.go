// -----------------------------------------------------------------------
// Task Record - tracked state of one asynchronous operation
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// TaskStatus represents the lifecycle position of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are permitted from this status
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransitionTo reports whether pending -> processing -> {completed, failed} allows next
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusProcessing
	case TaskStatusProcessing:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	default:
		return false
	}
}

// TaskRecord represents one tracked asynchronous operation.
//
// Identity fields (ID, OwnerID, ScopeID, Kind, Parameters) are immutable after creation.
// Result is present only when Status is completed, ErrorMessage only when Status is failed.
// Log is append-only and CompletedAt is set exactly once, on entering a terminal status.
type TaskRecord struct {
	ID           string                 `json:"id"`
	OwnerID      string                 `json:"ownerId" badgerhold:"index"`
	ScopeID      string                 `json:"scopeId" badgerhold:"index"`
	Kind         string                 `json:"kind"`
	Status       TaskStatus             `json:"status"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Progress     int                    `json:"progress"`
	Log          []string               `json:"log"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so callers can never mutate registry-owned state
func (t *TaskRecord) Clone() *TaskRecord {
	if t == nil {
		return nil
	}

	c := *t
	c.Parameters = cloneMap(t.Parameters)
	c.Result = cloneMap(t.Result)
	c.Log = append([]string(nil), t.Log...)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

// Apply merges a persistence delta into the record. Used by storage backends
// that keep the whole record as a single value.
func (t *TaskRecord) Apply(delta TaskDelta) {
	if delta.Progress != nil {
		t.Progress = *delta.Progress
	}
	if delta.Status != nil {
		t.Status = *delta.Status
	}
	if delta.Result != nil {
		t.Result = cloneMap(delta.Result)
	}
	if delta.ErrorMessage != nil {
		t.ErrorMessage = *delta.ErrorMessage
	}
	if delta.CompletedAt != nil {
		t.CompletedAt = cloneTime(delta.CompletedAt)
	}
	if delta.AppendLog != "" {
		t.Log = append(t.Log, delta.AppendLog)
	}
}

// TaskDelta is a partial update written to the persistence shadow.
// Nil fields are unchanged; AppendLog adds at most one log line.
type TaskDelta struct {
	ID           string                 `json:"id"`
	Progress     *int                   `json:"progress,omitempty"`
	Status       *TaskStatus            `json:"status,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage *string                `json:"errorMessage,omitempty"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	AppendLog    string                 `json:"appendLog,omitempty"`
}

// TaskChange identifies which registry operation produced a change event
type TaskChange string

const (
	TaskChangeCreated   TaskChange = "created"
	TaskChangeUpdated   TaskChange = "updated"
	TaskChangeCompleted TaskChange = "completed"
	TaskChangeFailed    TaskChange = "failed"
)

// TaskChangeEvent is published on the event bus for every registry mutation and
// is the data section of a task:update frame. The identity fields and CreatedAt
// are carried only by the created event; CompletedAt only by terminal events.
type TaskChangeEvent struct {
	JobID        string                 `json:"jobId"`
	Event        TaskChange             `json:"event"`
	Status       TaskStatus             `json:"status"`
	Progress     int                    `json:"progress"`
	Log          []string               `json:"log"`
	Result       map[string]interface{} `json:"result,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	OwnerID      string                 `json:"ownerId,omitempty"`
	ScopeID      string                 `json:"scopeId,omitempty"`
	Kind         string                 `json:"kind,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	CreatedAt    *time.Time             `json:"createdAt,omitempty"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
}

// NewTaskChangeEvent snapshots a record into a change event
func NewTaskChangeEvent(change TaskChange, t *TaskRecord) TaskChangeEvent {
	event := TaskChangeEvent{
		JobID:        t.ID,
		Event:        change,
		Status:       t.Status,
		Progress:     t.Progress,
		Log:          append([]string(nil), t.Log...),
		Result:       cloneMap(t.Result),
		ErrorMessage: t.ErrorMessage,
	}

	switch change {
	case TaskChangeCreated:
		createdAt := t.CreatedAt
		event.OwnerID = t.OwnerID
		event.ScopeID = t.ScopeID
		event.Kind = t.Kind
		event.Parameters = cloneMap(t.Parameters)
		event.CreatedAt = &createdAt
		event.StartedAt = cloneTime(t.StartedAt)
	case TaskChangeCompleted, TaskChangeFailed:
		event.CompletedAt = cloneTime(t.CompletedAt)
	}
	return event
}

// Notification is an arbitrary payload addressed to one owner's channels
type Notification struct {
	OwnerID string      `json:"ownerId" validate:"required"`
	Data    interface{} `json:"data"`
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
