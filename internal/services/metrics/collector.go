package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
)

// Collector exposes TaskPulse metrics in Prometheus format.
// All methods are safe to call on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	taskEvents     *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	persistDropped prometheus.Counter
	persistFailed  prometheus.Counter
	channelsPruned prometheus.Counter
	tasksEvicted   prometheus.Counter
	tasksPurged    prometheus.Counter
	staleTasks     prometheus.Gauge
	owners         prometheus.Gauge
	channels       prometheus.Gauge
	tasksInMemory  prometheus.GaugeFunc

	subscriptionID interfaces.SubscriptionID
	eventService   interfaces.EventService
}

// NewCollector creates a collector on its own registry. taskCount, when set,
// backs the in-memory task gauge.
func NewCollector(taskCount func() int) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		taskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpulse_task_events_total",
			Help: "Task change events published, by change type",
		}, []string{"event"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskpulse_frames_sent_total",
			Help: "Frames written to delivery channels, by frame type",
		}, []string{"type"}),
		persistDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpulse_persist_dropped_total",
			Help: "Persistence deltas dropped because the queue was full or closed",
		}),
		persistFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpulse_persist_failed_total",
			Help: "Persistence deltas that failed to write",
		}),
		channelsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpulse_channels_pruned_total",
			Help: "Delivery channels removed after a failed write",
		}),
		tasksEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpulse_tasks_evicted_total",
			Help: "Terminal tasks evicted from memory",
		}),
		tasksPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskpulse_tasks_purged_total",
			Help: "Task records purged from the persistence shadow",
		}),
		staleTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpulse_stale_tasks",
			Help: "Tasks still processing past the stale threshold at the last sweep",
		}),
		owners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpulse_connected_owners",
			Help: "Owners with at least one live delivery channel",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskpulse_connected_channels",
			Help: "Live delivery channels across all owners",
		}),
	}

	if taskCount == nil {
		taskCount = func() int { return 0 }
	}
	c.tasksInMemory = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskpulse_tasks_in_memory",
		Help: "Tasks currently held by the registry",
	}, func() float64 { return float64(taskCount()) })

	c.registry.MustRegister(
		c.taskEvents,
		c.framesSent,
		c.persistDropped,
		c.persistFailed,
		c.channelsPruned,
		c.tasksEvicted,
		c.tasksPurged,
		c.staleTasks,
		c.owners,
		c.channels,
		c.tasksInMemory,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Subscribe counts task:change events from the bus
func (c *Collector) Subscribe(eventService interfaces.EventService) error {
	if c == nil {
		return nil
	}

	id, err := eventService.Subscribe(interfaces.EventTaskChanged, c.handleTaskChanged)
	if err != nil {
		return err
	}
	c.subscriptionID = id
	c.eventService = eventService
	return nil
}

// Unsubscribe detaches from the bus
func (c *Collector) Unsubscribe() {
	if c == nil || c.eventService == nil {
		return
	}
	_ = c.eventService.Unsubscribe(interfaces.EventTaskChanged, c.subscriptionID)
	c.eventService = nil
}

func (c *Collector) handleTaskChanged(ctx context.Context, event interfaces.Event) error {
	change, ok := event.Payload.(models.TaskChangeEvent)
	if !ok {
		return nil
	}
	c.taskEvents.WithLabelValues(string(change.Event)).Inc()
	return nil
}

// Handler serves the registry in Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) PersistDropped() {
	if c != nil {
		c.persistDropped.Inc()
	}
}

func (c *Collector) PersistFailed() {
	if c != nil {
		c.persistFailed.Inc()
	}
}

func (c *Collector) TasksEvicted(n int) {
	if c != nil && n > 0 {
		c.tasksEvicted.Add(float64(n))
	}
}

func (c *Collector) TasksPurged(n int) {
	if c != nil && n > 0 {
		c.tasksPurged.Add(float64(n))
	}
}

func (c *Collector) SetStaleTasks(n int) {
	if c != nil {
		c.staleTasks.Set(float64(n))
	}
}

func (c *Collector) FrameSent(frameType string) {
	if c != nil {
		c.framesSent.WithLabelValues(frameType).Inc()
	}
}

func (c *Collector) ChannelPruned() {
	if c != nil {
		c.channelsPruned.Inc()
	}
}

func (c *Collector) SetChannels(owners, channels int) {
	if c != nil {
		c.owners.Set(float64(owners))
		c.channels.Set(float64(channels))
	}
}

var _ interfaces.MetricsRecorder = (*Collector)(nil)
