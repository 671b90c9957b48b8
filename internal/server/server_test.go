package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/taskpulse/internal/app"
	"github.com/ternarybob/taskpulse/internal/common"
	"github.com/ternarybob/taskpulse/internal/interfaces"
	"github.com/ternarybob/taskpulse/internal/models"
	"github.com/ternarybob/taskpulse/pkg/client"
)

func newTestServer(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()

	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = filepath.Join(t.TempDir(), "tasks")
	config.Logging.Output = []string{"stdout"}
	config.Tasks.RetentionSchedule = "@every 1h"

	application, err := app.New(config, arbor.NewLogger())
	require.NoError(t, err)

	srv := New(application)
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		httpServer.Close()
		require.NoError(t, application.Close())
	})

	return application, httpServer
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_TaskRoutes(t *testing.T) {
	application, httpServer := newTestServer(t)
	ctx := context.Background()

	task, err := application.TaskService.Create(ctx, interfaces.CreateTaskRequest{
		OwnerID: "u1",
		ScopeID: "org1",
		Kind:    "export",
	})
	require.NoError(t, err)
	application.TaskService.UpdateProgress(ctx, task.ID, 50, "halfway")

	var got models.TaskRecord
	assert.Equal(t, http.StatusOK, getJSON(t, httpServer.URL+"/api/tasks/"+task.ID, &got))
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, []string{"Task started", "halfway"}, got.Log)

	var list struct {
		Tasks []models.TaskRecord `json:"tasks"`
		Count int                 `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, httpServer.URL+"/api/tasks?ownerId=u1", &list))
	assert.Equal(t, 1, list.Count)

	assert.Equal(t, http.StatusNotFound, getJSON(t, httpServer.URL+"/api/tasks/missing", nil))

	resp, err := http.Post(httpServer.URL+"/api/tasks/"+task.ID, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	_, httpServer := newTestServer(t)

	var health map[string]interface{}
	assert.Equal(t, http.StatusOK, getJSON(t, httpServer.URL+"/health", &health))
	assert.Equal(t, "ok", health["status"])
	assert.NotEmpty(t, health["instanceId"])

	resp, err := http.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "taskpulse_tasks_in_memory")
}

func TestServer_CORSPreflight(t *testing.T) {
	_, httpServer := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, httpServer.URL+"/api/tasks", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_AgentReceivesOwnerUpdates(t *testing.T) {
	application, httpServer := newTestServer(t)
	ctx := context.Background()

	agent := client.NewAgent(client.Options{
		URL:    "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		Logger: arbor.NewLogger(),
	})
	defer agent.Close()

	received := make(chan client.Message, 8)
	agent.OnMessage(func(msg client.Message) { received <- msg })
	require.NoError(t, agent.Connect(ctx, "u1"))

	require.Eventually(t, func() bool {
		return application.WSHandler.ChannelCount("u1") == 1
	}, time.Second, 5*time.Millisecond)

	other, err := application.TaskService.Create(ctx, interfaces.CreateTaskRequest{OwnerID: "u2", ScopeID: "org1", Kind: "export"})
	require.NoError(t, err)
	application.TaskService.Complete(ctx, other.ID, nil)

	task, err := application.TaskService.Create(ctx, interfaces.CreateTaskRequest{OwnerID: "u1", ScopeID: "org1", Kind: "export"})
	require.NoError(t, err)
	application.TaskService.Complete(ctx, task.ID, map[string]interface{}{"rows": 3})

	var events []models.TaskChangeEvent
	timeout := time.After(5 * time.Second)
	for len(events) < 2 {
		select {
		case msg := <-received:
			require.Equal(t, "task:update", msg.Type)
			var event models.TaskChangeEvent
			require.NoError(t, json.Unmarshal(msg.Data, &event))
			events = append(events, event)
		case <-timeout:
			t.Fatalf("received %d of 2 updates", len(events))
		}
	}

	for _, event := range events {
		assert.Equal(t, task.ID, event.JobID)
	}
	assert.Equal(t, models.TaskStatusCompleted, events[1].Status)
	assert.Equal(t, 100, events[1].Progress)
}

func TestMiddleware_RecoversPanics(t *testing.T) {
	s := &Server{app: &app.App{Config: common.NewDefaultConfig(), Logger: arbor.NewLogger()}}
	handler := s.withConditionalMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	for _, path := range []string{"/api/tasks", "/ws"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
	}
}

func TestRouteByMethod_ListsAllowedMethods(t *testing.T) {
	noop := func(w http.ResponseWriter, r *http.Request) {}
	rec := httptest.NewRecorder()
	RouteByMethod(rec, httptest.NewRequest(http.MethodDelete, "/api/tasks", nil), MethodRouter{
		http.MethodPost: noop,
		http.MethodGet:  noop,
	})

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))
	assert.JSONEq(t, `{"status":"error","error":"method not allowed"}`, rec.Body.String())
}

func TestApp_RetentionSweepPrunesThrottlers(t *testing.T) {
	config := common.NewDefaultConfig()
	config.Storage.Badger.Path = filepath.Join(t.TempDir(), "tasks")
	config.Logging.Output = []string{"stdout"}
	config.Tasks.RetentionSchedule = "@every 1h"
	config.WebSocket.ThrottleIntervals = map[string]string{"task:update": "5ms"}

	application, err := app.New(config, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, application.Close()) })
	ctx := context.Background()

	task, err := application.TaskService.Create(ctx, interfaces.CreateTaskRequest{OwnerID: "u1", ScopeID: "org1", Kind: "export"})
	require.NoError(t, err)
	application.TaskService.UpdateProgress(ctx, task.ID, 10, "")
	require.Equal(t, 1, application.WSHandler.ThrottlerCount())

	require.Eventually(t, func() bool {
		application.Retention.Sweep(ctx)
		return application.WSHandler.ThrottlerCount() == 0
	}, time.Second, 10*time.Millisecond)
}
