package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	tasks := s.app.TaskHandler

	// Realtime channel, one per browser tab
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Tasks (read-only view of the registry)
	mux.HandleFunc("/api/tasks", byMethod(MethodRouter{http.MethodGet: tasks.ListTasksHandler}))
	mux.HandleFunc("/api/tasks/", byMethod(MethodRouter{http.MethodGet: tasks.GetTaskHandler}))

	// API routes - Notifications (fanned out to the owner's channels)
	mux.HandleFunc("/api/notifications", byMethod(MethodRouter{http.MethodPost: tasks.NotificationHandler}))

	// System
	mux.HandleFunc("/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)

	if s.app.Metrics != nil {
		path := s.app.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.app.Metrics.Handler())
	}

	return mux
}
