package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/common"
)

func TestRetention_Sweep(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.service.now = func() time.Time { return base }

	finished := createTask(t, r.service, "u1")
	r.service.Complete(ctx, finished.ID, nil)
	createTask(t, r.service, "u1")

	later := base.Add(30 * time.Hour)
	r.service.now = func() time.Time { return later }

	r.storage.On("PurgeExpired", mock.Anything, later.Add(-168*time.Hour)).Return(3, nil).Once()

	metrics := &countingMetrics{}
	retention := NewRetentionService(r.service, r.storage, &common.NewDefaultConfig().Tasks, metrics, arbor.NewLogger())
	retention.now = func() time.Time { return later }

	result := retention.Sweep(ctx)
	assert.Equal(t, SweepResult{Purged: 3, Evicted: 1, Stale: 1}, result)
	assert.Equal(t, 1, r.service.Count())
	assert.Equal(t, 3, metrics.purged)
	assert.Equal(t, 1, metrics.evicted)
	assert.Equal(t, 1, metrics.stale)
	r.storage.AssertExpectations(t)
}

func TestRetention_DisabledSteps(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.service.now = func() time.Time { return base }

	finished := createTask(t, r.service, "u1")
	r.service.Complete(ctx, finished.ID, nil)
	r.service.now = func() time.Time { return base.Add(100 * 24 * time.Hour) }

	config := common.NewDefaultConfig().Tasks
	config.Retention = "0"
	config.EvictAfter = "0"
	config.StaleAfter = "0"

	retention := NewRetentionService(r.service, r.storage, &config, nil, arbor.NewLogger())
	result := retention.Sweep(ctx)

	assert.Equal(t, SweepResult{}, result)
	assert.Equal(t, 1, r.service.Count())
	r.storage.AssertNotCalled(t, "PurgeExpired", mock.Anything, mock.Anything)
}

func TestRetention_PurgeErrorStillEvicts(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.service.now = func() time.Time { return base }

	finished := createTask(t, r.service, "u1")
	r.service.Complete(ctx, finished.ID, nil)
	r.service.now = func() time.Time { return base.Add(48 * time.Hour) }

	r.storage.On("PurgeExpired", mock.Anything, mock.Anything).Return(0, errors.New("db closed"))

	retention := NewRetentionService(r.service, r.storage, &common.NewDefaultConfig().Tasks, nil, arbor.NewLogger())
	result := retention.Sweep(ctx)

	assert.Equal(t, 0, result.Purged)
	assert.Equal(t, 1, result.Evicted)
}

func TestRetention_OnSweepRunsAfterEviction(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.service.now = func() time.Time { return base }

	finished := createTask(t, r.service, "u1")
	r.service.Complete(ctx, finished.ID, nil)
	r.service.now = func() time.Time { return base.Add(48 * time.Hour) }

	config := common.NewDefaultConfig().Tasks
	config.Retention = "0"
	retention := NewRetentionService(r.service, r.storage, &config, nil, arbor.NewLogger())

	var seen []bool
	retention.OnSweep(func() {
		_, ok := r.service.Get(finished.ID)
		seen = append(seen, ok)
	})

	retention.Sweep(ctx)
	retention.Sweep(ctx)
	assert.Equal(t, []bool{false, false}, seen)
}

func TestRetention_StartStop(t *testing.T) {
	r := newTestRegistry(t)

	config := common.NewDefaultConfig().Tasks
	retention := NewRetentionService(r.service, r.storage, &config, nil, arbor.NewLogger())
	require.NoError(t, retention.Start())
	assert.Error(t, retention.Start())
	retention.Stop()
	retention.Stop()

	config.RetentionSchedule = "not a schedule"
	broken := NewRetentionService(r.service, r.storage, &config, nil, arbor.NewLogger())
	assert.Error(t, broken.Start())
}
