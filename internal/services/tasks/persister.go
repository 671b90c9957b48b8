package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/common"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
)

// Persister writes registry deltas to the persistence shadow off the caller's path.
//
// Deltas go through a bounded queue drained by a single worker, so writes for one
// task land in the order they were dispatched. A full queue drops the delta and a
// failed write is only logged: the shadow may lag or miss updates that memory has.
type Persister struct {
	storage  interfaces.TaskStorage
	queue    chan models.TaskDelta
	timeout  time.Duration
	recorder interfaces.MetricsRecorder
	logger   arbor.ILogger

	mu      sync.RWMutex
	started bool
	closed  bool
	done    chan struct{}
}

// NewPersister creates a persister with the given queue capacity and per-write timeout
func NewPersister(storage interfaces.TaskStorage, queueSize int, timeout time.Duration, recorder interfaces.MetricsRecorder, logger arbor.ILogger) *Persister {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if recorder == nil {
		recorder = interfaces.NopMetrics{}
	}

	return &Persister{
		storage:  storage,
		queue:    make(chan models.TaskDelta, queueSize),
		timeout:  timeout,
		recorder: recorder,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the worker. Calling it more than once has no effect.
func (p *Persister) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.closed {
		return
	}
	p.started = true

	common.SafeGo(p.logger, "taskPersister", p.run)
}

// Dispatch queues a delta without blocking. It returns false when the delta was dropped.
func (p *Persister) Dispatch(delta models.TaskDelta) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.logger.Debug().Str("task_id", delta.ID).Msg("Persister closed, delta dropped")
		p.recorder.PersistDropped()
		return false
	}

	select {
	case p.queue <- delta:
		return true
	default:
		p.logger.Warn().
			Str("task_id", delta.ID).
			Int("queue_size", cap(p.queue)).
			Msg("Persist queue full, delta dropped")
		p.recorder.PersistDropped()
		return false
	}
}

// Pending returns the number of queued deltas
func (p *Persister) Pending() int {
	return len(p.queue)
}

func (p *Persister) run() {
	defer close(p.done)

	for delta := range p.queue {
		p.write(delta)
	}
}

func (p *Persister) write(delta models.TaskDelta) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.storage.UpdateTaskRecord(ctx, delta); err != nil {
		p.logger.Error().
			Err(err).
			Str("task_id", delta.ID).
			Msg("Failed to persist task update")
		p.recorder.PersistFailed()
	}
}

// Close stops accepting deltas and waits for queued ones to be written, up to ctx
func (p *Persister) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	close(p.queue)
	p.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.logger.Warn().Int("pending", len(p.queue)).Msg("Persister shutdown timed out")
		return ctx.Err()
	}
}
