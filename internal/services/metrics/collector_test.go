package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
	"github.com/ternarybob/taskpulse/internal/services/events"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(func() int { return 7 })

	c.PersistDropped()
	c.PersistFailed()
	c.PersistFailed()
	c.ChannelPruned()
	c.TasksEvicted(3)
	c.TasksPurged(0)
	c.SetStaleTasks(2)
	c.SetChannels(4, 9)
	c.FrameSent("task:update")
	c.FrameSent("task:update")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.persistDropped))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.persistFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.channelsPruned))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.tasksEvicted))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.tasksPurged))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.staleTasks))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.owners))
	assert.Equal(t, 9.0, testutil.ToFloat64(c.channels))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.framesSent.WithLabelValues("task:update")))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.tasksInMemory))
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.PersistDropped()
		c.PersistFailed()
		c.ChannelPruned()
		c.TasksEvicted(1)
		c.TasksPurged(1)
		c.SetStaleTasks(1)
		c.SetChannels(1, 1)
		c.FrameSent("notification")
		c.Unsubscribe()
		_ = c.Subscribe(nil)
	})
	assert.Nil(t, c.Registry())
}

func TestCollector_CountsBusEvents(t *testing.T) {
	bus := events.NewService(arbor.NewLogger())
	defer bus.Close()

	c := NewCollector(nil)
	require.NoError(t, c.Subscribe(bus))

	for _, change := range []models.TaskChange{models.TaskChangeCreated, models.TaskChangeUpdated, models.TaskChangeUpdated, models.TaskChangeCompleted} {
		require.NoError(t, bus.Publish(context.Background(), interfaces.Event{
			Type:    interfaces.EventTaskChanged,
			Payload: models.TaskChangeEvent{JobID: "task_1", Event: change},
		}))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(c.taskEvents.WithLabelValues("updated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.taskEvents.WithLabelValues("completed")))

	c.Unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount(interfaces.EventTaskChanged))
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector(nil)
	c.ChannelPruned()

	server := httptest.NewServer(c.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "taskpulse_channels_pruned_total 1"))
}
