// Package app wires the registry, its persistence shadow, the event bus and
// the connection multiplexer into one running process.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/common"
	"github.com/ternarybob/taskpulse/internal/handlers"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/services/events"
	"github.com/ternarybob/taskpulse/internal/services/metrics"
	"github.com/ternarybob/taskpulse/internal/services/tasks"
	"github.com/ternarybob/taskpulse/internal/storage"
)

const (
	defaultPersistTimeout = 5 * time.Second
	closeDrainTimeout     = 10 * time.Second
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Storage      interfaces.TaskStorage
	EventService interfaces.EventService
	Metrics      *metrics.Collector
	NATSMirror   *events.NATSMirror

	// Task services
	Persister   *tasks.Persister
	TaskService *tasks.Service
	Retention   *tasks.RetentionService

	// HTTP handlers
	WSHandler     *handlers.WebSocketHandler
	TaskHandler   *handlers.TaskHandler
	StatusHandler *handlers.StatusHandler
}

// New initializes the application with all dependencies
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: config,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.EventService = events.NewService(logger)

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	if err := app.initEventMirrors(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize event mirrors: %w", err)
	}

	if err := app.Retention.Start(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to start retention service: %w", err)
	}

	logger.Info().
		Str("storage", config.Storage.Type).
		Bool("metrics", app.Metrics != nil).
		Bool("nats_mirror", app.NATSMirror != nil).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initStorage() error {
	store, err := storage.NewTaskStorage(context.Background(), a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.Storage = store
	return nil
}

// recorder returns the metrics sink shared by every service
func (a *App) recorder() interfaces.MetricsRecorder {
	if a.Metrics == nil {
		return interfaces.NopMetrics{}
	}
	return a.Metrics
}

func (a *App) initServices() error {
	if a.Config.Metrics.Enabled {
		a.Metrics = metrics.NewCollector(func() int {
			if a.TaskService == nil {
				return 0
			}
			return a.TaskService.Count()
		})
		if err := a.Metrics.Subscribe(a.EventService); err != nil {
			return fmt.Errorf("failed to subscribe metrics collector: %w", err)
		}
	}

	a.Persister = tasks.NewPersister(
		a.Storage,
		a.Config.Tasks.PersistQueueSize,
		common.ParseDuration(a.Config.Tasks.PersistTimeout, defaultPersistTimeout),
		a.recorder(),
		a.Logger,
	)
	a.Persister.Start()

	a.TaskService = tasks.NewService(a.Storage, a.Persister, a.EventService, a.Logger)
	a.Retention = tasks.NewRetentionService(a.TaskService, a.Storage, &a.Config.Tasks, a.recorder(), a.Logger)

	if a.Config.Logging.Level == "debug" {
		if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
			return fmt.Errorf("failed to subscribe event logger: %w", err)
		}
	}

	return nil
}

func (a *App) initHandlers() error {
	a.WSHandler = handlers.NewWebSocketHandler(a.TaskService, a.EventService, a.recorder(), a.Logger, &a.Config.WebSocket)
	if err := a.WSHandler.SubscribeToEvents(); err != nil {
		return err
	}
	a.Retention.OnSweep(func() { a.WSHandler.PruneThrottlers() })

	a.TaskHandler = handlers.NewTaskHandler(a.TaskService, a.EventService, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.TaskService, a.WSHandler)
	return nil
}

func (a *App) initEventMirrors() error {
	if a.Config.Events.NATSURL == "" {
		return nil
	}

	mirror, err := events.ConnectNATSMirror(a.Config.Events.NATSURL, a.Config.Events.NATSSubject, a.Logger)
	if err != nil {
		return err
	}
	if err := mirror.Attach(a.EventService); err != nil {
		_ = mirror.Close()
		return err
	}
	a.NATSMirror = mirror
	return nil
}

// Close shuts down components in reverse dependency order. Storage is closed
// last so queued persistence deltas can drain.
func (a *App) Close() error {
	if a.Retention != nil {
		a.Retention.Stop()
	}

	if a.WSHandler != nil {
		a.WSHandler.UnsubscribeFromEvents()
		a.WSHandler.CloseAll()
		a.Logger.Info().Msg("Delivery channels closed")
	}

	if a.NATSMirror != nil {
		if err := a.NATSMirror.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close NATS mirror")
		}
	}

	if a.Metrics != nil {
		a.Metrics.Unsubscribe()
	}

	if a.Persister != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeDrainTimeout)
		if err := a.Persister.Close(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Persistence queue did not drain")
		}
		cancel()
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
