package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStorage implements interfaces.TaskStorage for Badger
type TaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStorage creates a Badger-backed persistence shadow
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) *TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

// CreateTaskRecord writes the initial snapshot of a task
func (s *TaskStorage) CreateTaskRecord(ctx context.Context, record *models.TaskRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("task record id is required")
	}

	if err := s.db.Store().Insert(record.ID, record); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("task %s already persisted: %w", record.ID, err)
		}
		return fmt.Errorf("failed to create task record: %w", err)
	}
	return nil
}

// UpdateTaskRecord merges a delta into the stored record in a single transaction
func (s *TaskStorage) UpdateTaskRecord(ctx context.Context, delta models.TaskDelta) error {
	store := s.db.Store()

	err := store.Badger().Update(func(tx *badger.Txn) error {
		var record models.TaskRecord
		if err := store.TxGet(tx, delta.ID, &record); err != nil {
			return err
		}
		record.Apply(delta)
		return store.TxUpdate(tx, delta.ID, &record)
	})
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("task %s: %w", delta.ID, interfaces.ErrTaskNotFound)
		}
		return fmt.Errorf("failed to update task record: %w", err)
	}
	return nil
}

// GetTaskRecord reads the persisted snapshot of a task
func (s *TaskStorage) GetTaskRecord(ctx context.Context, id string) (*models.TaskRecord, error) {
	var record models.TaskRecord
	if err := s.db.Store().Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", id, interfaces.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("failed to get task record: %w", err)
	}
	return &record, nil
}

// PurgeExpired deletes records created before cutoff and returns how many were removed
func (s *TaskStorage) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	query := badgerhold.Where("CreatedAt").MatchFunc(func(ra *badgerhold.RecordAccess) (bool, error) {
		createdAt, ok := ra.Field().(time.Time)
		if !ok {
			return false, fmt.Errorf("unexpected CreatedAt type %T", ra.Field())
		}
		return createdAt.Before(cutoff), nil
	})

	var expired []models.TaskRecord
	if err := s.db.Store().Find(&expired, query); err != nil {
		return 0, fmt.Errorf("failed to find expired task records: %w", err)
	}

	removed := 0
	for _, record := range expired {
		if err := s.db.Store().Delete(record.ID, &models.TaskRecord{}); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("failed to delete task record %s: %w", record.ID, err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Debug().
			Int("removed", removed).
			Str("cutoff", cutoff.Format(time.RFC3339)).
			Msg("Purged expired task records")
	}
	return removed, nil
}

// Close closes the underlying database
func (s *TaskStorage) Close() error {
	return s.db.Close()
}
