package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.HandleJobs) // GET (list), POST (submit)
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.HandleJob) // GET /{id}, POST /{id}/cancel, GET /{id}/progress

	// API routes - System
	mux.HandleFunc("/api/health", s.app.JobHandler.HandleHealth)

	// WebSocket route - live progress streaming
	mux.HandleFunc("/ws/jobs/", s.app.ProgressHandler.HandleProgress)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Not found", http.StatusNotFound)
	})

	return mux
}
