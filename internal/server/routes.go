package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/mediaforge/internal/common"
	"github.com/ternarybob/mediaforge/internal/handlers"
)

// setupRoutes registers all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job submission and control
	mux.HandleFunc("/run", s.jobHandler.RunHandler)
	mux.HandleFunc("/stop", s.jobHandler.StopHandler)

	// Per-job snapshot and event stream: /jobs/{id} and /jobs/{id}/events
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/events") {
			s.eventsHandler.StreamHandler(w, r)
			return
		}
		s.jobHandler.GetJobHandler(w, r)
	})

	// Management API
	mux.HandleFunc("/api/v1/jobs", s.jobsCollectionHandler)
	mux.HandleFunc("/api/v1/jobs/", s.jobsAPIHandler)

	// Log firehose
	mux.HandleFunc("/ws/logs", s.logsHandler.StreamHandler)

	mux.HandleFunc("/health", s.healthHandler)

	return mux
}

// jobsCollectionHandler serves the bare collection path:
// GET lists, DELETE bulk-deletes
func (s *Server) jobsCollectionHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.jobHandler.ListJobsHandler(w, r)
	case http.MethodDelete:
		s.jobHandler.DeleteJobsHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// jobsAPIHandler dispatches the /api/v1/jobs/* action routes; anything
// that is not a named action is treated as a job id
func (s *Server) jobsAPIHandler(w http.ResponseWriter, r *http.Request) {
	action := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	action = strings.Trim(action, "/")

	switch action {
	case "":
		s.jobsCollectionHandler(w, r)
	case "submit":
		s.jobHandler.QueueJobsHandler(w, r)
	case "unqueue":
		s.jobHandler.UnqueueJobsHandler(w, r)
	case "priority":
		s.jobHandler.SetPriorityHandler(w, r)
	case "run":
		s.jobHandler.RunQueuedHandler(w, r)
	case "status":
		s.jobHandler.StatusHandler(w, r)
	default:
		s.jobHandler.GetJobDetailHandler(w, r)
	}
}

// healthHandler reports service liveness
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": common.GetVersion(),
	})
}
