package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/common"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
)

// maxUpdateRetries bounds optimistic transaction retries when a watched key changes
const maxUpdateRetries = 5

// TaskStorage implements interfaces.TaskStorage on Redis.
//
// Each task is a JSON value at <prefix>task:<id> and its log is a list at
// <prefix>task:<id>:log. Both keys expire together after the retention window,
// so expiry is native and PurgeExpired has nothing to do.
type TaskStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    arbor.ILogger
}

// NewClient opens a Redis client from config and verifies it with a ping
func NewClient(ctx context.Context, config *common.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", config.Addr, err)
	}
	return client, nil
}

// NewTaskStorage creates a Redis-backed persistence shadow. A ttl of zero disables expiry.
func NewTaskStorage(client redis.UniversalClient, keyPrefix string, ttl time.Duration, logger arbor.ILogger) *TaskStorage {
	return &TaskStorage{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

func (s *TaskStorage) recordKey(id string) string {
	return s.keyPrefix + "task:" + id
}

func (s *TaskStorage) logKey(id string) string {
	return s.recordKey(id) + ":log"
}

// encodeRecord marshals everything but the log, which lives in its own list
func encodeRecord(record *models.TaskRecord) ([]byte, error) {
	snapshot := record.Clone()
	snapshot.Log = nil
	return json.Marshal(snapshot)
}

// CreateTaskRecord writes the initial snapshot of a task
func (s *TaskStorage) CreateTaskRecord(ctx context.Context, record *models.TaskRecord) error {
	if record == nil || record.ID == "" {
		return fmt.Errorf("task record id is required")
	}

	data, err := encodeRecord(record)
	if err != nil {
		return fmt.Errorf("failed to marshal task record: %w", err)
	}

	key := s.recordKey(record.ID)
	if err := s.client.SetArgs(ctx, key, data, redis.SetArgs{Mode: "NX", TTL: s.ttl}).Err(); err != nil {
		// NX not met comes back as a nil reply
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("task %s already persisted", record.ID)
		}
		return fmt.Errorf("redis SET NX: %w", err)
	}

	if len(record.Log) == 0 {
		return nil
	}

	lines := make([]interface{}, len(record.Log))
	for i, line := range record.Log {
		lines[i] = line
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		logKey := s.logKey(record.ID)
		pipe.RPush(ctx, logKey, lines...)
		if s.ttl > 0 {
			pipe.Expire(ctx, logKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write task log: %w", err)
	}
	return nil
}

// UpdateTaskRecord merges a delta into the stored record. The value keeps its
// remaining TTL and the log list is aligned to it.
func (s *TaskStorage) UpdateTaskRecord(ctx context.Context, delta models.TaskDelta) error {
	key := s.recordKey(delta.ID)
	logKey := s.logKey(delta.ID)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("task %s: %w", delta.ID, interfaces.ErrTaskNotFound)
			}
			return fmt.Errorf("redis get: %w", err)
		}

		var record models.TaskRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("failed to unmarshal task record: %w", err)
		}

		logLine := delta.AppendLog
		delta.AppendLog = ""
		record.Apply(delta)

		data, err := encodeRecord(&record)
		if err != nil {
			return fmt.Errorf("failed to marshal task record: %w", err)
		}

		remaining, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis pttl: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, redis.SetArgs{KeepTTL: true})
			if logLine != "" {
				pipe.RPush(ctx, logKey, logLine)
				if remaining > 0 {
					pipe.PExpire(ctx, logKey, remaining)
				}
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}

	return fmt.Errorf("task %s: update retries exhausted", delta.ID)
}

// GetTaskRecord reads the persisted snapshot of a task, log included
func (s *TaskStorage) GetTaskRecord(ctx context.Context, id string) (*models.TaskRecord, error) {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("task %s: %w", id, interfaces.ErrTaskNotFound)
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var record models.TaskRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task record: %w", err)
	}

	lines, err := s.client.LRange(ctx, s.logKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange: %w", err)
	}
	record.Log = lines

	return &record, nil
}

// PurgeExpired is a no-op: Redis expires task keys on its own
func (s *TaskStorage) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}

// Close closes the Redis client
func (s *TaskStorage) Close() error {
	return s.client.Close()
}
