package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/common"
	"github.com/ternarybob/taskpulse/internal/interfaces"
)

// SweepResult summarises one retention pass
type SweepResult struct {
	Purged  int
	Evicted int
	Stale   int
}

// RetentionService periodically purges the persistence shadow, evicts finished
// tasks from memory and reports tasks stuck in processing.
type RetentionService struct {
	registry   interfaces.TaskRegistry
	storage    interfaces.TaskStorage
	recorder   interfaces.MetricsRecorder
	logger     arbor.ILogger
	cron       *cron.Cron
	schedule   string
	retention  time.Duration
	evictAfter time.Duration
	staleAfter time.Duration
	timeout    time.Duration
	now        func() time.Time

	mu      sync.Mutex
	running bool

	hooksMu sync.Mutex
	hooks   []func()
}

// NewRetentionService creates the retention job from the [tasks] config section
func NewRetentionService(registry interfaces.TaskRegistry, storage interfaces.TaskStorage, config *common.TasksConfig, recorder interfaces.MetricsRecorder, logger arbor.ILogger) *RetentionService {
	if recorder == nil {
		recorder = interfaces.NopMetrics{}
	}

	return &RetentionService{
		registry:   registry,
		storage:    storage,
		recorder:   recorder,
		logger:     logger,
		cron:       cron.New(),
		schedule:   config.RetentionSchedule,
		retention:  common.ParseDuration(config.Retention, 7*24*time.Hour),
		evictAfter: common.ParseDuration(config.EvictAfter, 24*time.Hour),
		staleAfter: common.ParseDuration(config.StaleAfter, 6*time.Hour),
		timeout:    time.Minute,
		now:        time.Now,
	}
}

// Start registers the sweep with the cron scheduler
func (s *RetentionService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("retention service already running")
	}

	schedule := s.schedule
	if schedule == "" {
		schedule = "@every 1h"
	}

	if _, err := s.cron.AddFunc(schedule, s.runScheduled); err != nil {
		return fmt.Errorf("failed to add retention job: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", schedule).
		Str("retention", s.retention.String()).
		Str("evict_after", s.evictAfter.String()).
		Str("stale_after", s.staleAfter.String()).
		Msg("Retention service started")

	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish
func (s *RetentionService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("Retention service stopped")
}

// OnSweep registers fn to run at the end of every sweep, after eviction
func (s *RetentionService) OnSweep(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *RetentionService) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.Sweep(ctx)
}

// Sweep runs one retention pass. A zero duration disables the matching step.
func (s *RetentionService) Sweep(ctx context.Context) SweepResult {
	var result SweepResult

	if s.retention > 0 {
		purged, err := s.storage.PurgeExpired(ctx, s.now().Add(-s.retention))
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to purge expired task records")
		}
		result.Purged = purged
		s.recorder.TasksPurged(purged)
	}

	if s.evictAfter > 0 {
		result.Evicted = s.registry.Evict(s.evictAfter)
		s.recorder.TasksEvicted(result.Evicted)
	}

	if s.staleAfter > 0 {
		stale := s.registry.StaleProcessing(s.staleAfter)
		result.Stale = len(stale)
		for _, task := range stale {
			s.logger.Warn().
				Str("task_id", task.ID).
				Str("owner_id", task.OwnerID).
				Str("kind", task.Kind).
				Int("progress", task.Progress).
				Str("started_at", task.StartedAt.Format(time.RFC3339)).
				Msg("Task still processing past stale threshold")
		}
	}
	s.recorder.SetStaleTasks(result.Stale)

	s.hooksMu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.hooksMu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	if result.Purged > 0 || result.Evicted > 0 || result.Stale > 0 {
		s.logger.Info().
			Int("purged", result.Purged).
			Int("evicted", result.Evicted).
			Int("stale", result.Stale).
			Int("in_memory", s.registry.Count()).
			Msg("Retention sweep finished")
	}

	return result
}
