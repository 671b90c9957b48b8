package storage

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/common"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/storage/badger"
	"github.com/ternarybob/taskpulse/internal/storage/redis"
)

// NewTaskStorage creates the persistence shadow selected by config
func NewTaskStorage(ctx context.Context, logger arbor.ILogger, config *common.Config) (interfaces.TaskStorage, error) {
	switch config.Storage.Type {
	case "", "badger":
		db, err := badger.NewBadgerDB(logger, &config.Storage.Badger)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", config.Storage.Badger.Path).Msg("Task storage: badger")
		return badger.NewTaskStorage(db, logger), nil

	case "redis":
		client, err := redis.NewClient(ctx, &config.Storage.Redis)
		if err != nil {
			return nil, err
		}
		ttl := common.ParseDuration(config.Tasks.Retention, 0)
		logger.Info().
			Str("addr", config.Storage.Redis.Addr).
			Str("ttl", ttl.String()).
			Msg("Task storage: redis")
		return redis.NewTaskStorage(client, config.Storage.Redis.KeyPrefix, ttl, logger), nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: badger, redis)", config.Storage.Type)
	}
}
