package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
	"github.com/ternarybob/taskpulse/internal/services/events"
)

// MockTaskStorage is a mock implementation of TaskStorage
type MockTaskStorage struct {
	mock.Mock
}

func (m *MockTaskStorage) CreateTaskRecord(ctx context.Context, task *models.TaskRecord) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

func (m *MockTaskStorage) UpdateTaskRecord(ctx context.Context, delta models.TaskDelta) error {
	args := m.Called(ctx, delta)
	return args.Error(0)
}

func (m *MockTaskStorage) GetTaskRecord(ctx context.Context, id string) (*models.TaskRecord, error) {
	args := m.Called(ctx, id)
	if task, ok := args.Get(0).(*models.TaskRecord); ok {
		return task, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockTaskStorage) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func (m *MockTaskStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

// eventRecorder captures task:change events in delivery order
type eventRecorder struct {
	mu     sync.Mutex
	events []models.TaskChangeEvent
}

func (r *eventRecorder) handle(ctx context.Context, event interfaces.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event.Payload.(models.TaskChangeEvent))
	return nil
}

func (r *eventRecorder) all() []models.TaskChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TaskChangeEvent(nil), r.events...)
}

type testRegistry struct {
	service   *Service
	storage   *MockTaskStorage
	persister *Persister
	recorder  *eventRecorder
}

func newTestRegistry(t *testing.T) *testRegistry {
	t.Helper()

	logger := arbor.NewLogger()
	storage := new(MockTaskStorage)
	storage.On("CreateTaskRecord", mock.Anything, mock.Anything).Return(nil).Maybe()
	storage.On("UpdateTaskRecord", mock.Anything, mock.Anything).Return(nil).Maybe()

	bus := events.NewService(logger)
	t.Cleanup(func() { _ = bus.Close() })

	recorder := &eventRecorder{}
	_, err := bus.Subscribe(interfaces.EventTaskChanged, recorder.handle)
	require.NoError(t, err)

	persister := NewPersister(storage, 64, time.Second, nil, logger)
	persister.Start()
	t.Cleanup(func() { _ = persister.Close(context.Background()) })

	return &testRegistry{
		service:   NewService(storage, persister, bus, logger),
		storage:   storage,
		persister: persister,
		recorder:  recorder,
	}
}

func createTask(t *testing.T, s *Service, owner string) *models.TaskRecord {
	t.Helper()
	task, err := s.Create(context.Background(), interfaces.CreateTaskRequest{
		OwnerID: owner,
		ScopeID: "org1",
		Kind:    "export",
	})
	require.NoError(t, err)
	return task
}

func TestRegistry_RegistryScenario(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	job, err := r.service.Create(ctx, interfaces.CreateTaskRequest{
		OwnerID:    "u1",
		ScopeID:    "org1",
		Kind:       "export",
		Parameters: map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.NotEmpty(t, job.ID)

	r.service.UpdateProgress(ctx, job.ID, 40, "halfway")
	got, ok := r.service.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, 40, got.Progress)
	assert.Len(t, got.Log, 2)

	r.service.Complete(ctx, job.ID, map[string]interface{}{"rows": 10})
	got, ok = r.service.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, map[string]interface{}{"rows": 10}, got.Result)
	require.NotNil(t, got.CompletedAt)

	r.service.UpdateProgress(ctx, job.ID, 10, "")
	after, ok := r.service.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, got, after, "updates after completion must not change state")

	changes := r.recorder.all()
	require.Len(t, changes, 3)
	assert.Equal(t, models.TaskChangeCreated, changes[0].Event)
	assert.Equal(t, models.TaskChangeUpdated, changes[1].Event)
	assert.Equal(t, 40, changes[1].Progress)
	assert.Equal(t, models.TaskChangeCompleted, changes[2].Event)
}

func TestRegistry_CreateInitialState(t *testing.T) {
	r := newTestRegistry(t)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.service.now = func() time.Time { return fixed }

	job := createTask(t, r.service, "u1")

	assert.Equal(t, "u1", job.OwnerID)
	assert.Equal(t, "org1", job.ScopeID)
	assert.Equal(t, "export", job.Kind)
	assert.Equal(t, []string{"Task started"}, job.Log)
	assert.Equal(t, fixed, job.CreatedAt)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, fixed, *job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	r.storage.AssertCalled(t, "CreateTaskRecord", mock.Anything, mock.MatchedBy(func(task *models.TaskRecord) bool {
		return task.ID == job.ID && task.Status == models.TaskStatusProcessing
	}))
	assert.Equal(t, 1, r.service.Count())

	changes := r.recorder.all()
	require.Len(t, changes, 1)
	assert.Equal(t, models.TaskChangeCreated, changes[0].Event)
	assert.Equal(t, "u1", changes[0].OwnerID)
	assert.Equal(t, "org1", changes[0].ScopeID)
	assert.Equal(t, "export", changes[0].Kind)
	require.NotNil(t, changes[0].CreatedAt)
	assert.Equal(t, fixed, *changes[0].CreatedAt)
}

func TestRegistry_CreateValidation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.service.Create(context.Background(), interfaces.CreateTaskRequest{OwnerID: "u1", Kind: "export"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, 0, r.service.Count())
	assert.Empty(t, r.recorder.all())
	r.storage.AssertNotCalled(t, "CreateTaskRecord", mock.Anything, mock.Anything)
}

func TestRegistry_CreatePersistFailureRetainsNothing(t *testing.T) {
	logger := arbor.NewLogger()
	storage := new(MockTaskStorage)
	storage.On("CreateTaskRecord", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	bus := events.NewService(logger)
	defer bus.Close()
	recorder := &eventRecorder{}
	_, err := bus.Subscribe(interfaces.EventTaskChanged, recorder.handle)
	require.NoError(t, err)

	service := NewService(storage, NewPersister(storage, 8, time.Second, nil, logger), bus, logger)

	_, err = service.Create(context.Background(), interfaces.CreateTaskRequest{OwnerID: "u1", ScopeID: "org1", Kind: "export"})
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, 0, service.Count())
	assert.Empty(t, recorder.all())
}

func TestRegistry_ProgressClampedAndDecreaseAccepted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job := createTask(t, r.service, "u1")

	r.service.UpdateProgress(ctx, job.ID, 150, "")
	got, _ := r.service.Get(job.ID)
	assert.Equal(t, 100, got.Progress)

	r.service.UpdateProgress(ctx, job.ID, 30, "")
	got, _ = r.service.Get(job.ID)
	assert.Equal(t, 30, got.Progress)

	r.service.UpdateProgress(ctx, job.ID, -5, "")
	got, _ = r.service.Get(job.ID)
	assert.Equal(t, 0, got.Progress)

	// Empty log lines are not appended
	assert.Equal(t, []string{"Task started"}, got.Log)
}

func TestRegistry_Fail(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job := createTask(t, r.service, "u1")

	r.service.UpdateProgress(ctx, job.ID, 25, "reading rows")
	r.service.Fail(ctx, job.ID, "upstream timeout")

	got, ok := r.service.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, "upstream timeout", got.ErrorMessage)
	assert.Equal(t, 25, got.Progress)
	assert.Nil(t, got.Result)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, []string{"Task started", "reading rows", "Task failed: upstream timeout"}, got.Log)

	// Terminal states are immutable
	r.service.Complete(ctx, job.ID, map[string]interface{}{"rows": 1})
	r.service.Fail(ctx, job.ID, "again")
	after, _ := r.service.Get(job.ID)
	assert.Equal(t, got, after)

	changes := r.recorder.all()
	require.Len(t, changes, 3)
	assert.Equal(t, models.TaskChangeFailed, changes[2].Event)
	assert.Equal(t, "upstream timeout", changes[2].ErrorMessage)
}

func TestRegistry_UnknownTaskIsNoop(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	r.service.UpdateProgress(ctx, "task_missing", 50, "x")
	r.service.Complete(ctx, "task_missing", nil)
	r.service.Fail(ctx, "task_missing", "boom")

	_, ok := r.service.Get("task_missing")
	assert.False(t, ok)
	assert.Empty(t, r.recorder.all())
}

func TestRegistry_PendingTaskCannotFinishDirectly(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job := createTask(t, r.service, "u1")

	r.service.mu.Lock()
	r.service.tasks[job.ID].Status = models.TaskStatusPending
	r.service.mu.Unlock()

	r.service.Complete(ctx, job.ID, map[string]interface{}{"rows": 1})
	r.service.Fail(ctx, job.ID, "boom")

	got, ok := r.service.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)

	r.service.UpdateProgress(ctx, job.ID, 10, "queued")
	got, _ = r.service.Get(job.ID)
	assert.Equal(t, 10, got.Progress)

	changes := r.recorder.all()
	require.Len(t, changes, 2)
	assert.Equal(t, models.TaskChangeCreated, changes[0].Event)
	assert.Equal(t, models.TaskChangeUpdated, changes[1].Event)
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job := createTask(t, r.service, "u1")

	job.Log = append(job.Log, "tampered")
	job.Progress = 99

	got, _ := r.service.Get(job.ID)
	got.Log[0] = "tampered"

	r.service.Complete(ctx, job.ID, map[string]interface{}{"rows": 10})
	got, _ = r.service.Get(job.ID)
	got.Result["rows"] = 0

	fresh, _ := r.service.Get(job.ID)
	assert.Equal(t, []string{"Task started", "Task completed"}, fresh.Log)
	assert.Equal(t, 10, fresh.Result["rows"])
}

func TestRegistry_ListByOwnerAndScope(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i, owner := range []string{"u1", "u2", "u1"} {
		at := base.Add(time.Duration(i) * time.Minute)
		r.service.now = func() time.Time { return at }
		ids = append(ids, createTask(t, r.service, owner).ID)
	}

	owned := r.service.ListByOwner("u1")
	require.Len(t, owned, 2)
	assert.Equal(t, ids[0], owned[0].ID)
	assert.Equal(t, ids[2], owned[1].ID)

	scoped := r.service.ListByScope("org1")
	require.Len(t, scoped, 3)
	assert.Equal(t, []string{ids[0], ids[1], ids[2]}, []string{scoped[0].ID, scoped[1].ID, scoped[2].ID})

	assert.Empty(t, r.service.ListByOwner("nobody"))
}

func TestRegistry_EvictAndStale(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.service.now = func() time.Time { return base }

	done := createTask(t, r.service, "u1")
	stuck := createTask(t, r.service, "u1")
	r.service.Complete(ctx, done.ID, nil)

	r.service.now = func() time.Time { return base.Add(2 * time.Hour) }
	fresh := createTask(t, r.service, "u1")

	stale := r.service.StaleProcessing(time.Hour)
	require.Len(t, stale, 1)
	assert.Equal(t, stuck.ID, stale[0].ID)

	assert.Equal(t, 0, r.service.Evict(3*time.Hour))
	assert.Equal(t, 1, r.service.Evict(time.Hour))

	_, ok := r.service.Get(done.ID)
	assert.False(t, ok)
	_, ok = r.service.Get(stuck.ID)
	assert.True(t, ok, "processing tasks are never evicted")
	_, ok = r.service.Get(fresh.ID)
	assert.True(t, ok)
	assert.Equal(t, 2, r.service.Count())
}

func TestRegistry_DispatchesDeltasInOrder(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job := createTask(t, r.service, "u1")

	r.service.UpdateProgress(ctx, job.ID, 10, "one")
	r.service.UpdateProgress(ctx, job.ID, 20, "two")
	r.service.Complete(ctx, job.ID, map[string]interface{}{"rows": 2})

	require.NoError(t, r.persister.Close(context.Background()))

	var deltas []models.TaskDelta
	for _, call := range r.storage.Calls {
		if call.Method == "UpdateTaskRecord" {
			deltas = append(deltas, call.Arguments.Get(1).(models.TaskDelta))
		}
	}
	require.Len(t, deltas, 3)
	assert.Equal(t, "one", deltas[0].AppendLog)
	assert.Equal(t, 20, *deltas[1].Progress)
	assert.Equal(t, models.TaskStatusCompleted, *deltas[2].Status)
	assert.Equal(t, "Task completed", deltas[2].AppendLog)
}

func TestRegistry_PersistFailureDoesNotAffectMemory(t *testing.T) {
	logger := arbor.NewLogger()
	storage := new(MockTaskStorage)
	storage.On("CreateTaskRecord", mock.Anything, mock.Anything).Return(nil)
	storage.On("UpdateTaskRecord", mock.Anything, mock.Anything).Return(errors.New("connection reset"))

	bus := events.NewService(logger)
	defer bus.Close()
	persister := NewPersister(storage, 8, time.Second, nil, logger)
	persister.Start()
	service := NewService(storage, persister, bus, logger)

	job, err := service.Create(context.Background(), interfaces.CreateTaskRequest{OwnerID: "u1", ScopeID: "org1", Kind: "import"})
	require.NoError(t, err)

	service.UpdateProgress(context.Background(), job.ID, 70, "")
	require.NoError(t, persister.Close(context.Background()))

	got, _ := service.Get(job.ID)
	assert.Equal(t, 70, got.Progress)
	storage.AssertNumberOfCalls(t, "UpdateTaskRecord", 1)
}

func TestRegistry_ConcurrentTasks(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := r.service.Create(ctx, interfaces.CreateTaskRequest{OwnerID: "u1", ScopeID: "org1", Kind: "export"})
			if err != nil {
				return
			}
			for p := 10; p <= 90; p += 10 {
				r.service.UpdateProgress(ctx, job.ID, p, "")
			}
			r.service.Complete(ctx, job.ID, nil)
		}()
	}
	wg.Wait()

	tasks := r.service.ListByOwner("u1")
	require.Len(t, tasks, 20)
	for _, task := range tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		assert.Equal(t, 100, task.Progress)
	}
}
